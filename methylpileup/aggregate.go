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

package methylpileup

import (
	"github.com/grailbio/bio-modbam/encoding/bedmethyl"
	"github.com/grailbio/bio-modbam/modbam"
	"github.com/grailbio/bio-modbam/modbam/project"
	"github.com/grailbio/bio-modbam/threshold"
)

// rowKey identifies one output row within a column: the code under
// consideration, plus an optional motif annotation (spec.md §4.4's "Motif
// selection": "multiple motifs matching the same position produce separate
// rows with name <code>,<motif>,<offset>").
type rowKey struct {
	Code   modbam.Code
	Motif  string
	Offset int
	// Palindrome is the matched motif's Palindrome flag, or false when the
	// call matched no motif. combineStrands only folds strands for rows
	// where this is true: spec.md §4.4 ties strand combination to "the
	// motif is palindromic," so a no-motif row has no motif to check and is
	// never combined.
	Palindrome bool
}

// Opts configures AggregateInterval.
type Opts struct {
	// PrimaryBase restricts this pass to calls whose expected base is
	// PrimaryBase; a call on a different actual base still contributes
	// n_diff to every row at that column.
	PrimaryBase byte
	// Codes is the set of mod codes to emit rows for; a call assigned to a
	// code outside this set still counts toward n_other_mod.
	Codes []modbam.Code
	// MaxDepth truncates column depth before classification; 0 disables it.
	MaxDepth int
	// CombineStrands folds negative-strand rows onto the positive-strand
	// position, but only for rows whose matched motif is palindromic
	// (spec.md §4.4); combineStrands checks rowKey.Palindrome per row, so a
	// non-palindromic or no-motif row is never combined even when this is set.
	CombineStrands bool

	// ContigNames maps a project.Call's RefContig id (a sam.Reference.ID())
	// to its name, so AggregateInterval can label output rows even when one
	// work unit's calls span more than one contig.
	ContigNames []string
}

func (o Opts) contigName(refID int) string {
	if refID < 0 || refID >= len(o.ContigNames) {
		return ""
	}
	return o.ContigNames[refID]
}

// Deletion is one (contig, ref_pos, strand) pair consumed by a
// CIGAR deletion, counted toward n_delete regardless of the row's code
// (spec.md's column composition: "n_delete: reference position consumed by
// a deletion in this read").
type Deletion struct {
	RefContig int
	RefPos    int
	Strand    byte
}

// counters is the per-(column, rowKey) accumulator used while classifying
// calls; it is replaced by its Finalize()d *bedmethyl.Record once done.
type counters struct {
	rec *bedmethyl.Record
}

// AggregateInterval classifies calls (already bucketed into one genomic
// interval, e.g. one Pileup Aggregator work unit) plus each record's
// deletions into bedMethyl rows, one per (column, rowKey).
func AggregateInterval(calls []project.Call, deletions []Deletion, thresholds *threshold.Set, opts Opts) []*bedmethyl.Record {
	buckets := bucketCalls(calls)
	if opts.MaxDepth > 0 {
		for k, v := range buckets {
			buckets[k] = truncate(v, opts.MaxDepth)
		}
	}

	rows := make(map[columnKey]map[rowKey]*counters)
	getRow := func(col columnKey, rk rowKey) *counters {
		byKey, ok := rows[col]
		if !ok {
			byKey = make(map[rowKey]*counters)
			rows[col] = byKey
		}
		c, ok := byKey[rk]
		if !ok {
			c = &counters{rec: &bedmethyl.Record{
				Contig: opts.contigName(col.RefContig),
				Start:  col.RefPos,
				End:    col.RefPos + 1,
				Strand: col.Strand,
				Name:   bedmethyl.Name(string(rk.Code), rk.Motif, rk.Offset),
			}}
			byKey[rk] = c
		}
		return c
	}

	for col, columnCalls := range buckets {
		for _, call := range columnCalls {
			motifRowKeys := motifKeysForCall(call, opts.Codes)
			if call.PrimaryBase != opts.PrimaryBase {
				for _, rk := range motifRowKeys {
					getRow(col, rk).rec.NDiff++
				}
				continue
			}
			if call.Call == nil {
				for _, rk := range motifRowKeys {
					getRow(col, rk).rec.NNoCall++
				}
				continue
			}
			peak := call.Call.Peak()
			argmax, hasCode := call.Call.ArgmaxCode()
			passed := peak >= thresholds.Threshold(opts.PrimaryBase, argmax, hasCode)
			for _, rk := range motifRowKeys {
				c := getRow(col, rk)
				switch {
				case !passed:
					c.rec.NFail++
				case !hasCode:
					c.rec.NCanonical++
				case argmax == rk.Code:
					c.rec.NMod++
				default:
					c.rec.NOtherMod++
				}
			}
		}
	}
	for _, d := range deletions {
		col := columnKey{RefContig: d.RefContig, RefPos: d.RefPos, Strand: d.Strand}
		for k := range rows[col] {
			rows[col][k].rec.NDelete++
		}
	}

	if opts.CombineStrands {
		combineStrands(rows)
	}

	var out []*bedmethyl.Record
	for _, byKey := range rows {
		for _, c := range byKey {
			c.rec.Finalize()
			out = append(out, c.rec)
		}
	}
	return out
}

// combineStrands folds each negative-strand row whose motif is palindromic
// onto the matching positive-strand row at the same (contig, ref_pos),
// deleting the negative-strand entry. Rows with no matched motif, or a
// matched motif that isn't palindromic, are left as separate per-strand rows
// regardless of Opts.CombineStrands: spec.md §4.4 folds strands only "when
// combine_strands is set and the motif is palindromic."
func combineStrands(rows map[columnKey]map[rowKey]*counters) {
	for col, byKey := range rows {
		if col.Strand != '-' {
			continue
		}
		posCol := columnKey{RefContig: col.RefContig, RefPos: col.RefPos, Strand: '+'}
		for rk, c := range byKey {
			if !rk.Palindrome {
				continue
			}
			posByKey, ok := rows[posCol]
			if !ok {
				posByKey = make(map[rowKey]*counters)
				rows[posCol] = posByKey
			}
			target, ok := posByKey[rk]
			if !ok {
				target = &counters{rec: &bedmethyl.Record{
					Contig: c.rec.Contig, Start: c.rec.Start, End: c.rec.End,
					Strand: '+', Name: c.rec.Name,
				}}
				posByKey[rk] = target
			}
			target.rec.NMod += c.rec.NMod
			target.rec.NCanonical += c.rec.NCanonical
			target.rec.NOtherMod += c.rec.NOtherMod
			target.rec.NFail += c.rec.NFail
			target.rec.NDelete += c.rec.NDelete
			target.rec.NDiff += c.rec.NDiff
			target.rec.NNoCall += c.rec.NNoCall
			delete(byKey, rk)
		}
		if len(byKey) == 0 {
			delete(rows, col)
		}
	}
}

// motifKeysForCall returns the row keys a call contributes to: one per
// matched motif when motifs annotate the call, else one row per configured
// code (the call's argmax code is reported against every tracked code row
// as n_mod/n_other_mod; a code outside opts.Codes is not tracked at all).
func motifKeysForCall(call project.Call, codes []modbam.Code) []rowKey {
	if len(call.MatchedMotifs) > 0 {
		keys := make([]rowKey, 0, len(call.MatchedMotifs)*len(codes))
		for _, m := range call.MatchedMotifs {
			for _, code := range codes {
				keys = append(keys, rowKey{Code: code, Motif: m.Name, Offset: m.Offset, Palindrome: m.Palindrome})
			}
		}
		return keys
	}
	keys := make([]rowKey, len(codes))
	for i, code := range codes {
		keys[i] = rowKey{Code: code}
	}
	return keys
}
