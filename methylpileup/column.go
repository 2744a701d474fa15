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

// Package methylpileup implements the Pileup Aggregator (spec.md §4.4): it
// walks projected calls for a reference interval, applies a threshold set,
// and produces bedMethyl rows. Calls are grouped into per-column buckets
// held in a map keyed by (contig, ref_pos, strand) before classification.
package methylpileup

import (
	"sort"

	"github.com/grailbio/bio-modbam/modbam/project"
)

// columnKey identifies one (contig, ref_pos, ref_strand) pileup column.
type columnKey struct {
	RefContig int
	RefPos    int
	Strand    byte
}

// bucketCalls groups within-alignment calls by column, discarding
// insertion/soft-clip/unmapped calls (RefPos == -1), which never
// contribute to a pileup column.
func bucketCalls(calls []project.Call) map[columnKey][]project.Call {
	out := make(map[columnKey][]project.Call)
	for _, c := range calls {
		if !c.WithinAlignment {
			continue
		}
		key := columnKey{RefContig: c.RefContig, RefPos: c.RefPos, Strand: c.RefStrand}
		out[key] = append(out[key], c)
	}
	return out
}

// truncate enforces max_depth on a column's calls, keeping the highest
// base_qual first and breaking ties by read_id lexicographic order (spec.md
// §4.4's "Overflow columns exceeding max_depth are truncated
// deterministically").
func truncate(calls []project.Call, maxDepth int) []project.Call {
	if maxDepth <= 0 || len(calls) <= maxDepth {
		return calls
	}
	sorted := append([]project.Call(nil), calls...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].BaseQual != sorted[j].BaseQual {
			return sorted[i].BaseQual > sorted[j].BaseQual
		}
		return sorted[i].ReadID < sorted[j].ReadID
	})
	return sorted[:maxDepth]
}
