// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bedmethyl

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/tabix"
	"github.com/grailbio/bio-modbam/modbamerrors"
	"github.com/pkg/errors"
)

// tabixShim adapts one parsed TSV line to tabix.Index.Add's Record
// interface without colliding with bedmethyl.Record's Start/End fields.
type tabixShim struct {
	contig     string
	start, end int
}

func (s tabixShim) RefName() string { return s.contig }
func (s tabixShim) Start() int      { return s.start }
func (s tabixShim) End() int        { return s.end }

// BuildIndex scans a BGZF-compressed bedMethyl stream (as produced by
// NewBGZFWriter) and returns a tabix index over it, following the
// bgzip-then-index flow of htslib's own tabix tool: records' byte spans are
// taken from the bgzf.Reader's virtual-offset bookkeeping as each line is
// consumed.
func BuildIndex(r io.Reader) (*tabix.Index, error) {
	bg, err := bgzf.NewReader(r, 1)
	if err != nil {
		return nil, errors.Wrap(modbamerrors.IndexMissing, err.Error())
	}
	defer bg.Close()

	idx := tabix.New()
	idx.NameColumn, idx.BeginColumn, idx.EndColumn = 1, 2, 3
	idx.ZeroBased = true

	scanner := bufio.NewScanner(bg)
	for scanner.Scan() {
		contig, start, end, err := parseCoords(scanner.Text())
		if err != nil {
			return nil, err
		}
		if err := idx.Add(tabixShim{contig, start, end}, bg.LastChunk(), true, true); err != nil {
			return nil, errors.Wrap(modbamerrors.IndexMissing, err.Error())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(modbamerrors.IndexMissing, err.Error())
	}
	return idx, nil
}

func parseCoords(line string) (contig string, start, end int, err error) {
	fields := strings.SplitN(line, "\t", 4)
	if len(fields) < 3 {
		return "", 0, 0, errors.Wrap(modbamerrors.MalformedTag, "bedmethyl: short line")
	}
	start, err = strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, 0, errors.Wrap(modbamerrors.MalformedTag, err.Error())
	}
	end, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, errors.Wrap(modbamerrors.MalformedTag, err.Error())
	}
	return fields[0], start, end, nil
}
