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

package dmr

import "github.com/grailbio/bio-modbam/encoding/fasta"

// complement returns the Watson-Crick complement of an uppercase A/C/G/T
// base, or b unchanged for anything else.
func complement(b byte) byte {
	switch b {
	case 'A':
		return 'T'
	case 'C':
		return 'G'
	case 'G':
		return 'C'
	case 'T':
		return 'A'
	default:
		return b
	}
}

func toUpper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// ValidateSites drops every site whose genomic primary base, read from fa
// and complemented for Strand == '-' (spec.md §4.3: a bedMethyl position is
// always reported in forward-strand coordinates), isn't in primaryBases. fa
// == nil or an empty primaryBases disables validation and returns sites
// unchanged. The dropped count lets a caller report it the way
// ScoreRegionsBatched reports its own skipped count.
func ValidateSites(fa fasta.Fasta, sites []Site, primaryBases []byte) ([]Site, int, error) {
	if fa == nil || len(primaryBases) == 0 {
		return sites, 0, nil
	}
	allowed := make(map[byte]bool, len(primaryBases))
	for _, b := range primaryBases {
		allowed[toUpper(b)] = true
	}
	out := make([]Site, 0, len(sites))
	dropped := 0
	for _, s := range sites {
		seq, err := fa.Get(s.Contig, uint64(s.Position), uint64(s.Position+1))
		if err != nil {
			return nil, 0, err
		}
		if len(seq) == 0 {
			dropped++
			continue
		}
		base := toUpper(seq[0])
		if s.Strand == '-' {
			base = complement(base)
		}
		if !allowed[base] {
			dropped++
			continue
		}
		out = append(out, s)
	}
	return out, dropped, nil
}
