package modbam

import "github.com/grailbio/bio-modbam/pileup"

// Call is the decoded probability vector for one occurrence of a primary
// base in the forward-oriented read sequence. A nil *Call means "no
// information": explicit mode, unlisted position.
type Call struct {
	Codes     []Code
	CodeProbs []float64 // parallel to Codes
	Canonical float64
	// Strand is the MM-tag group's strand marker ('+' or '-') this call was
	// decoded from: '-' means the modification is reported relative to the
	// complementary strand of the stored (forward-oriented) sequence.
	Strand byte
}

// Peak is the maximum over canonical and all code probabilities: spec.md's
// "peak probability", the quantity the Threshold Estimator operates on.
func (c *Call) Peak() float64 {
	peak := c.Canonical
	for _, p := range c.CodeProbs {
		if p > peak {
			peak = p
		}
	}
	return peak
}

// ArgmaxCode returns the code with highest probability, and true, if that
// code's probability exceeds the canonical probability. Otherwise it returns
// ("", false): the call's best explanation is canonical.
func (c *Call) ArgmaxCode() (Code, bool) {
	best := -1
	bestProb := c.Canonical
	for i, p := range c.CodeProbs {
		if p > bestProb {
			bestProb = p
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return c.Codes[best], true
}

// PerBaseCalls holds, for each primary base (pileup.Base enum), an ordered
// slice of *Call indexed by the k-th occurrence of that base's *effective*
// sequence letter (see Decode) in the forward-oriented read. A nil entry
// means no information was supplied for that occurrence.
type PerBaseCalls struct {
	Calls map[byte][]*Call
	// positions maps an absolute 0-based forward-read position to the
	// (primary base, occurrence index) that covers it, for the Coordinate
	// Projector's position-by-position walk.
	positions map[int]occurrenceRef
}

type occurrenceRef struct {
	base byte
	idx  int
}

// IndexOf returns the occurrence index within Calls[base] that corresponds
// to absolute forward-read position pos, if pos is an occurrence of base.
func (pbc *PerBaseCalls) IndexOf(base byte, pos int) (int, bool) {
	ref, ok := pbc.positions[pos]
	if !ok || ref.base != base {
		return 0, false
	}
	return ref.idx, true
}

// BaseAt returns the primary base and decoded call (possibly nil) covering
// absolute forward-read position pos, and whether pos is covered by any
// group at all.
func (pbc *PerBaseCalls) BaseAt(pos int) (byte, *Call, bool) {
	ref, ok := pbc.positions[pos]
	if !ok {
		return 0, nil, false
	}
	return ref.base, pbc.Calls[ref.base][ref.idx], true
}

// probBinWidth is 1/256, the width of each ML probability bin (spec.md
// §4.1).
const probBinWidth = 1.0 / 256.0

// decodeProb maps an 8-bit ML value to the left edge of its probability bin.
func decodeProb(v uint8) float64 {
	return float64(v) * probBinWidth
}

// EncodeProb is the inverse quantization used by tests to check the
// decoder's round-trip property: decode(encode(v)) = v up to 1/256
// quantization.
func EncodeProb(p float64) uint8 {
	if p < 0 {
		p = 0
	}
	if p >= 1 {
		return 255
	}
	v := int(p * 256.0)
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// DecodeOpts configures Decode.
type DecodeOpts struct {
	// Assignments maps modification codes to primary bases. Required for
	// every code a tag declares, unless AllowUnknownCodes is set.
	Assignments *Assignments
	// RequireExplicit rejects any group using implicit ('.') mode with
	// ErrImplicitModeForbidden.
	RequireExplicit bool
	// AllowUnknownCodes treats a code with no assignment as belonging to no
	// primary base's PerBaseCalls, instead of failing with ErrUnknownCode.
	AllowUnknownCodes bool
}

// Decode parses a single aligned record's forward-oriented sequence and its
// MM/ML tag pair into a PerBaseCalls.
//
// seq is the record's stored sequence: for reverse-strand alignments this is
// already the reverse-complement of the original read, which is the
// orientation the MM tag's skip-counts are defined against (design note:
// "always decode against the forward-oriented [i.e. as-stored] sequence,
// then reproject").
func Decode(seq []byte, mm string, ml []uint8, opts DecodeOpts) (*PerBaseCalls, error) {
	groups, err := parseMM(mm)
	if err != nil {
		return nil, err
	}
	pbc := &PerBaseCalls{Calls: make(map[byte][]*Call), positions: make(map[int]occurrenceRef)}
	mlPos := 0
	for _, g := range groups {
		if g.mode == ModeImplicit && opts.RequireExplicit {
			return nil, ErrImplicitModeForbidden
		}
		codeAssigned := make([]byte, len(g.codes))
		for i, c := range g.codes {
			b, ok := opts.Assignments.PrimaryBase(c)
			if !ok {
				if opts.AllowUnknownCodes {
					codeAssigned[i] = pileup.BaseX
					continue
				}
				return nil, ErrUnknownCode
			}
			if b != g.primaryBase {
				return nil, ErrUnknownCode
			}
			codeAssigned[i] = b
		}

		// effectiveLetter is the ASCII letter Decode scans seq for: the
		// declared primary base on '+' groups, its complement on '-' groups
		// (the modification is reported relative to the complementary
		// strand of the stored sequence).
		effectiveLetter := baseASCII(g.primaryBase)
		if g.strand == '-' {
			effectiveLetter = complementBase(effectiveLetter)
		}

		occurrences := findOccurrences(seq, effectiveLetter)
		// Occurrence indices are only meaningful relative to a single
		// occurrence list, so calls for the same primary base are only
		// reused across groups that share the same effective scan letter
		// (the overwhelmingly common case: one strand marker per base).
		calls := pbc.Calls[g.primaryBase]
		if calls == nil || len(calls) != len(occurrences) {
			calls = make([]*Call, len(occurrences))
		}
		for i, pos := range occurrences {
			pbc.positions[pos] = occurrenceRef{base: g.primaryBase, idx: i}
		}

		calledIdx := -1
		for _, skip := range g.skips {
			calledIdx += skip + 1
			if calledIdx >= len(occurrences) {
				return nil, ErrMalformedTag
			}
			if mlPos+len(g.codes) > len(ml) {
				return nil, ErrMalformedTag
			}
			call := &Call{Codes: g.codes, CodeProbs: make([]float64, len(g.codes)), Strand: g.strand}
			sum := 0.0
			for i := range g.codes {
				p := decodeProb(ml[mlPos])
				call.CodeProbs[i] = p
				sum += p
				mlPos++
			}
			call.Canonical = maxFloat(0, 1-sum)
			calls[calledIdx] = call
		}
		if g.mode == ModeImplicit {
			for i, call := range calls {
				if call == nil {
					calls[i] = &Call{Codes: g.codes, Canonical: 1, Strand: g.strand}
				}
			}
		}
		pbc.Calls[g.primaryBase] = calls
	}
	if mlPos != len(ml) {
		return nil, ErrMalformedTag
	}
	return pbc, nil
}

// findOccurrences returns, in order, the 0-based positions in seq whose
// letter (case-insensitively) equals letter.
func findOccurrences(seq []byte, letter byte) []int {
	var positions []int
	upper := letter &^ 0x20
	for i, c := range seq {
		if (c &^ 0x20) == upper {
			positions = append(positions, i)
		}
	}
	return positions
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
