package project

// Motif is a sequence pattern with an offset identifying which pattern
// position is the "call" position (spec.md §4.2 motif filter). Pattern
// bytes are IUPAC ambiguity codes, matched case-insensitively.
type Motif struct {
	Name       string
	Pattern    []byte
	Offset     int
	Palindrome bool // reverse-complement-palindrome requirement
}

var iupacMembership = map[byte]string{
	'A': "A", 'C': "C", 'G': "G", 'T': "T",
	'R': "AG", 'Y': "CT", 'S': "GC", 'W': "AT",
	'K': "GT", 'M': "AC", 'B': "CGT", 'D': "AGT",
	'H': "ACT", 'V': "ACG", 'N': "ACGT",
}

func iupacMatches(pattern, base byte) bool {
	base &^= 0x20 // uppercase
	pattern &^= 0x20
	if pattern == base {
		return true
	}
	members, ok := iupacMembership[pattern]
	if !ok {
		return false
	}
	for i := 0; i < len(members); i++ {
		if members[i] == base {
			return true
		}
	}
	return false
}

// Matches reports whether m's pattern matches ctx, where centerIdx is the
// index within ctx of the projected base (i.e. m's Offset position must land
// on ctx[centerIdx]).
func (m Motif) Matches(ctx []byte, centerIdx int) bool {
	start := centerIdx - m.Offset
	if start < 0 || start+len(m.Pattern) > len(ctx) {
		return false
	}
	for i, p := range m.Pattern {
		if ctx[start+i] == '.' {
			return false
		}
		if !iupacMatches(p, ctx[start+i]) {
			return false
		}
	}
	return true
}

// MatchingMotifs returns every motif in motifs that matches ctx at
// centerIdx, used by the pileup aggregator's multi-motif row splitting
// (spec.md §4.4) and by --annotate-motifs mode (spec.md §4.2, "retains all
// but tags matches").
func MatchingMotifs(ctx []byte, centerIdx int, motifs []Motif) []Motif {
	var out []Motif
	for _, m := range motifs {
		if m.Matches(ctx, centerIdx) {
			out = append(out, m)
		}
	}
	return out
}

// Kmer extracts a window of size k centered on pos from seq, padding with
// '.' where the window runs past either end. k must be <= 50 (spec.md
// §4.2); callers are expected to validate this at configuration time.
func Kmer(seq []byte, pos, k int) []byte {
	if k <= 0 {
		return nil
	}
	half := k / 2
	start := pos - half
	out := make([]byte, k)
	for i := 0; i < k; i++ {
		p := start + i
		if p < 0 || p >= len(seq) {
			out[i] = '.'
		} else {
			out[i] = seq[p]
		}
	}
	return out
}

// KmerCenterIndex is the index within a Kmer(..., k) window that corresponds
// to the centered position.
func KmerCenterIndex(k int) int {
	return k / 2
}
