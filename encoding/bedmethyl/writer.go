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
	"fmt"
	"io"

	"github.com/biogo/hts/bgzf"
	"github.com/grailbio/bio-modbam/modbamerrors"
	"github.com/pkg/errors"
)

// Writer writes BED10-strict bedMethyl rows, trailing columns
// tab-separated, to an underlying io.Writer (spec.md §6).
type Writer struct {
	w      *bufio.Writer
	closer io.Closer // non-nil when w wraps a bgzf.Writer we must Close
	err    error
}

// NewWriter wraps w for plain (uncompressed) TSV output.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// NewBGZFWriter wraps w with bgzip compression at the given flate level (0
// stores blocks uncompressed; -1 selects the gzip default). The result can be
// tabix-indexed afterward with
// BuildIndex, the same two-step bgzip-then-tabix flow htslib tooling uses.
func NewBGZFWriter(w io.Writer, level int) *Writer {
	bg := bgzf.NewWriterLevel(w, level)
	return &Writer{w: bufio.NewWriter(bg), closer: bg}
}

// Write appends one row. The caller must have called r.Finalize() (or
// otherwise guaranteed the invariant) beforehand.
func (bw *Writer) Write(r *Record) error {
	if bw.err != nil {
		return bw.err
	}
	strand := r.Strand
	if strand == 0 {
		strand = '.'
	}
	line := fmt.Sprintf("%s\t%d\t%d\t%s\t%d\t%c\t%d\t%d\t255,0,0\t%d\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		r.Contig, r.Start, r.End, r.Name, r.Score(), strand, r.Start, r.End,
		r.NValidCov, r.PercentModified, r.NMod, r.NCanonical, r.NOtherMod,
		r.NDelete, r.NFail, r.NDiff, r.NNoCall)
	if _, err := bw.w.WriteString(line); err != nil {
		bw.err = errors.Wrap(modbamerrors.WriterFailed, err.Error())
		return bw.err
	}
	return nil
}

// WriteBedGraph writes one bedGraph line ("contig start end value") for a
// single (code, strand) track (spec.md §4.4's "optionally written as
// bedGraph (one file per (code, strand))").
func WriteBedGraph(w io.Writer, contig string, start, end int, value float64) error {
	_, err := fmt.Fprintf(w, "%s\t%d\t%d\t%.4f\n", contig, start, end, value)
	return err
}

// Close flushes buffered output and, for a bgzf-backed Writer, closes the
// compressor (this finalizes the BGZF EOF block).
func (bw *Writer) Close() error {
	if err := bw.w.Flush(); err != nil {
		return errors.Wrap(modbamerrors.WriterFailed, err.Error())
	}
	if bw.closer != nil {
		if err := bw.closer.Close(); err != nil {
			return errors.Wrap(modbamerrors.WriterFailed, err.Error())
		}
	}
	return nil
}
