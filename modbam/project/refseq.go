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

package project

import "github.com/grailbio/bio-modbam/encoding/fasta"

// LoadRefSeq fetches contig[start:end) from fa for use as Opts.RefSeq/
// RefSeqOffset (spec.md §4.2: k-mer contexts centered on the reference
// when a FASTA is available). fa == nil disables reference-side context;
// callers fall back to the read-side context Project already provides.
// end is clamped to the contig's actual length (a shard's nominal end can
// run past it) and to start, so a caller doesn't need to special-case an
// empty or out-of-bounds shard.
func LoadRefSeq(fa fasta.Fasta, contig string, start, end int) ([]byte, int, error) {
	if fa == nil || contig == "" || end <= start {
		return nil, 0, nil
	}
	length, err := fa.Len(contig)
	if err != nil {
		return nil, 0, err
	}
	if uint64(end) > length {
		end = int(length)
	}
	if end <= start {
		return nil, 0, nil
	}
	seq, err := fa.Get(contig, uint64(start), uint64(end))
	if err != nil {
		return nil, 0, err
	}
	return []byte(seq), start, nil
}
