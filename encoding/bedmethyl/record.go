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

// Package bedmethyl implements the bedMethyl record type and its I/O
// surfaces (spec.md §3, §4.4, §6): a BED10-strict TSV writer, a bedGraph
// writer, a bgzip-compressed writer, and a tabix-indexed reader for random
// region access. The package layout follows encoding/fasta's split between
// format parsing and index-backed random access.
package bedmethyl

import "fmt"

// Name composes a row's "name" column: mod_code alone, or
// "<code>,<motif>,<offset>" when the row was produced under motif
// splitting (spec.md §4.4's "Motif selection").
func Name(code string, motif string, offset int) string {
	if motif == "" {
		return code
	}
	return fmt.Sprintf("%s,%s,%d", code, motif, offset)
}

// Record is one bedMethyl row (spec.md §3's "bedMethyl record").
//
// Invariant: NValidCov == NMod+NCanonical+NOtherMod; PercentModified ==
// 100*NMod/NValidCov when NValidCov>0 else 0.
type Record struct {
	Contig string
	Start  int // 0-based
	End    int // half-open
	Name   string
	Strand byte // '+', '-', or '.'

	NValidCov       int
	PercentModified float64
	NMod            int
	NCanonical      int
	NOtherMod       int
	NDelete         int
	NFail           int
	NDiff           int
	NNoCall         int
}

// Score is the BED score column: min(1000, n_valid_cov) (spec.md §6).
func (r *Record) Score() int {
	if r.NValidCov > 1000 {
		return 1000
	}
	return r.NValidCov
}

// Finalize recomputes NValidCov and PercentModified from the component
// counts, enforcing the record's invariant. Callers that build up counts
// incrementally should call this once before writing.
func (r *Record) Finalize() {
	r.NValidCov = r.NMod + r.NCanonical + r.NOtherMod
	if r.NValidCov > 0 {
		r.PercentModified = 100 * float64(r.NMod) / float64(r.NValidCov)
	} else {
		r.PercentModified = 0
	}
}
