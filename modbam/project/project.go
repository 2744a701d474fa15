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

// Package project implements the Coordinate Projector (spec.md §4.2): it
// maps decoded per-read modification probabilities from forward-read
// coordinates to reference coordinates, using the alignment's CIGAR and
// strand, and applies edge/motif filtering. The CIGAR walk is adapted from
// pileup/snp/pileup.go's alignRelevantBases.
package project

import (
	"github.com/biogo/hts/sam"
	"github.com/grailbio/bio-modbam/interval"
	"github.com/grailbio/bio-modbam/modbam"
	"github.com/grailbio/bio-modbam/pileup"
	"github.com/pkg/errors"
)

// Call is a single projected modification call, in reference coordinates
// when the underlying read position falls within an alignment match/
// mismatch operation.
type Call struct {
	ReadID          string
	ForwardReadPos  int // 0-based position in the stored (forward-oriented) sequence
	RefContig       int // reference ID, or -1 if the record is unmapped
	RefPos          int // 0-based reference position, or -1 (⊥)
	ModStrand       byte // '+' or '-': strand the modification call is made on
	RefStrand       byte // '+' or '-': alignment strand
	PrimaryBase     byte // pileup.Base enum of the read's actual base at this position
	Call            *modbam.Call // nil when this base carries no decoded modification info
	BaseQual        byte
	WithinAlignment bool
	Inferred        bool // record is secondary/supplementary
	Kmer            []byte
	MatchedMotifs   []Motif // motifs whose pattern matched this call's context
}

// EdgeFilter discards calls within start_trim/end_trim bases of either end
// of the forward-oriented read, or (when Invert) keeps exactly those.
type EdgeFilter struct {
	StartTrim int
	EndTrim   int
	Invert    bool
}

// keep reports whether forward read position pos (of a read with length L)
// passes the edge filter. Implemented as a single closed-form predicate per
// design note (prefer a closed form over branching per call).
func (f EdgeFilter) keep(pos, length int) bool {
	inside := pos >= f.StartTrim && pos < length-f.EndTrim
	return inside != f.Invert
}

// Opts configures Project.
type Opts struct {
	Edge EdgeFilter
	// BED restricts projected positions to this union of reference
	// intervals; nil means no restriction.
	BED *interval.BEDUnion
	// KmerSize is the size of the reference/read neighborhood captured
	// around each projected call (centered, padded with '.'); 0 disables it.
	// Must be <= 50 (spec.md §4.2).
	KmerSize int
	// AllowNonPrimary allows secondary/supplementary alignments to be
	// projected (their soft-clipped/unmapped positions are still
	// suppressed); MNTag is then mandatory and validated against len(seq).
	AllowNonPrimary bool
	// RefSeq is the reference sequence for the record's contig, used for
	// k-mer context; nil disables reference-side context (read-side
	// context, when available, is used instead).
	RefSeq []byte
	// RefSeqOffset is the 0-based reference coordinate RefSeq[0] corresponds
	// to.
	RefSeqOffset int
	// Motifs, when non-empty, restricts emitted calls to those whose
	// neighborhood matches at least one motif, unless AnnotateMotifs is set.
	Motifs []Motif
	// AnnotateMotifs switches motif handling from a filter to an annotation:
	// all calls are retained, tagged with MatchedMotifs (spec.md §4.2).
	AnnotateMotifs bool
}

var errSeqLenMismatch = errors.Wrap(modbam.ErrSeqLengthMismatch, "project")

// Project walks r's alignment, emitting one Call per forward-read position
// covered by a CIGAR operation that consumes the read, filtered by opts.
func Project(r *sam.Record, pbc *modbam.PerBaseCalls, opts Opts) ([]Call, error) {
	isSecondary := r.Flags&(sam.Secondary|sam.Supplementary) != 0
	if isSecondary {
		if !opts.AllowNonPrimary {
			return nil, nil
		}
		n, ok := modbam.MNTag(r)
		if !ok || n != r.Seq.Length {
			return nil, errSeqLenMismatch
		}
	}

	readLen := r.Seq.Length
	refStrand := byte('+')
	reverse := r.Flags&sam.Reverse != 0
	if reverse {
		refStrand = '-'
	}

	var calls []Call
	posInRef := r.Pos
	posInRead := 0
	refID := -1
	if r.Ref != nil {
		refID = r.Ref.ID()
	}
	readSeq := r.Seq.Expand()

	emit := func(pos int, refPos int, withinAlignment bool) error {
		if !opts.Edge.keep(pos, readLen) {
			return nil
		}
		base, call := lookupCall(pbc, pos, readSeq)
		if base == pileup.BaseX {
			return nil
		}
		if refPos >= 0 && opts.BED != nil && refID >= 0 {
			if !opts.BED.ContainsByID(refID, pileup.PosType(refPos)) {
				return nil
			}
		}
		qual := byte(0)
		if len(r.Qual) > pos {
			qual = r.Qual[pos]
		}
		rp := -1
		if withinAlignment {
			rp = refPos
		}

		var kmer []byte
		var matched []Motif
		if opts.KmerSize > 0 || len(opts.Motifs) > 0 {
			k := opts.KmerSize
			if k == 0 {
				k = maxPatternLen(opts.Motifs)
			}
			if withinAlignment && opts.RefSeq != nil {
				kmer = Kmer(opts.RefSeq, refPos-opts.RefSeqOffset, k)
			} else {
				kmer = Kmer(readSeq, pos, k)
			}
			center := KmerCenterIndex(k)
			if len(opts.Motifs) > 0 {
				matched = MatchingMotifs(kmer, center, opts.Motifs)
				if !opts.AnnotateMotifs && len(matched) == 0 {
					return nil
				}
			}
			if opts.KmerSize == 0 {
				kmer = nil // caller didn't ask for context, only used it for matching
			}
		}

		calls = append(calls, Call{
			ReadID:          r.Name,
			ForwardReadPos:  pos,
			RefContig:       refID,
			RefPos:          rp,
			ModStrand:       modStrandMarker(call),
			RefStrand:       refStrand,
			PrimaryBase:     base,
			Call:            call,
			BaseQual:        qual,
			WithinAlignment: withinAlignment,
			Inferred:        isSecondary,
			Kmer:            kmer,
			MatchedMotifs:   matched,
		})
		return nil
	}

	for _, co := range r.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch:
			for i := 0; i < n; i++ {
				if err := emit(posInRead+i, posInRef+i, true); err != nil {
					return nil, err
				}
			}
			posInRead += n
			posInRef += n
		case sam.CigarInsertion:
			for i := 0; i < n; i++ {
				if err := emit(posInRead+i, -1, false); err != nil {
					return nil, err
				}
			}
			posInRead += n
		case sam.CigarDeletion, sam.CigarSkipped:
			posInRef += n
		case sam.CigarSoftClipped:
			if isSecondary {
				// Suppress soft-clipped positions on non-primary alignments.
			} else {
				for i := 0; i < n; i++ {
					if err := emit(posInRead+i, -1, false); err != nil {
						return nil, err
					}
				}
			}
			posInRead += n
		case sam.CigarHardClipped:
			// No read bases present; nothing to do.
		default:
			return nil, errors.Errorf("project: unexpected CIGAR code %v", co)
		}
	}
	return calls, nil
}

// DeletedPositions returns the reference positions r's alignment consumes
// via a CIGAR deletion, for callers (methylpileup's n_delete
// classification) that need to know which columns a read spans without
// emitting a base call there.
func DeletedPositions(r *sam.Record) []int {
	var out []int
	pos := r.Pos
	for _, co := range r.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarDeletion:
			if co.Type() == sam.CigarDeletion {
				for i := 0; i < n; i++ {
					out = append(out, pos+i)
				}
			}
			pos += n
		case sam.CigarSkipped:
			pos += n
		}
	}
	return out
}

// lookupCall returns the read's actual base enum at forwardReadPos and its
// decoded modification call, if any. A base not covered by any MM-tag group
// (e.g. a non-primary letter, or a primary letter with no modification info
// at this occurrence) still yields its ASCII base with a nil Call, so
// downstream aggregation (methylpileup's n_diff classification) can compare
// actual vs. expected primary base even without a probability vector.
func lookupCall(pbc *modbam.PerBaseCalls, forwardReadPos int, readSeq []byte) (byte, *modbam.Call) {
	if base, call, ok := pbc.BaseAt(forwardReadPos); ok {
		return base, call
	}
	if forwardReadPos < 0 || forwardReadPos >= len(readSeq) {
		return pileup.BaseX, nil
	}
	return modbam.ASCIIToBase(readSeq[forwardReadPos]), nil
}

func modStrandMarker(c *modbam.Call) byte {
	if c == nil || c.Strand == 0 {
		return '.'
	}
	return c.Strand
}

func maxPatternLen(motifs []Motif) int {
	max := 0
	for _, m := range motifs {
		if len(m.Pattern) > max {
			max = len(m.Pattern)
		}
	}
	if max == 0 {
		return 1
	}
	return max
}
