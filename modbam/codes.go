package modbam

import "github.com/grailbio/bio-modbam/pileup"

// Code identifies a specific chemical modification, either a single
// character (e.g. "m" for 5mC) or a ChEBI numeric identifier (e.g. "76792"
// for another form of 5mC).
type Code string

// builtinAssignments is the default code -> primary-base table, following the
// codes in common use by modification basecallers (dorado/megalodon-style
// MM-tag producers). Overridable per call via DecodeOpts.Assignments.
var builtinAssignments = map[Code]byte{
	"m": pileup.BaseC, // 5-methylcytosine
	"h": pileup.BaseC, // 5-hydroxymethylcytosine
	"f": pileup.BaseC, // 5-formylcytosine
	"c": pileup.BaseC, // 5-carboxylcytosine
	"C": pileup.BaseC, // generic cytosine modification
	"a": pileup.BaseA, // 6-methyladenine
	"A": pileup.BaseA, // generic adenine modification
	"o": pileup.BaseG, // 8-oxoguanine
	"g": pileup.BaseG,
	"e": pileup.BaseT,
	"b": pileup.BaseT,
	"T": pileup.BaseT,
	"17802": pileup.BaseC, // ChEBI: N4-methylcytosine
	"76792": pileup.BaseC, // ChEBI: 5-methylcytosine
	"16997": pileup.BaseG, // ChEBI: guanine (placeholder numeric assignment)
}

// Assignments is a read-only, immutable-after-construction mapping from
// modification code to primary base. Shared across workers by reference, per
// spec.md §5 ("Shared state ... primary-base assignments ... Read-only after
// initialization").
type Assignments struct {
	table map[Code]byte
}

// NewAssignments builds an Assignments table from the built-in defaults,
// overridden/extended by overrides.
func NewAssignments(overrides map[Code]byte) *Assignments {
	table := make(map[Code]byte, len(builtinAssignments)+len(overrides))
	for k, v := range builtinAssignments {
		table[k] = v
	}
	for k, v := range overrides {
		table[k] = v
	}
	return &Assignments{table: table}
}

// PrimaryBase returns the primary base assigned to code, and whether an
// assignment exists.
func (a *Assignments) PrimaryBase(code Code) (byte, bool) {
	b, ok := a.table[code]
	return b, ok
}

var complementTable = [256]byte{}

func init() {
	for i := range complementTable {
		complementTable[i] = byte(i)
	}
	complementTable['A'] = 'T'
	complementTable['T'] = 'A'
	complementTable['C'] = 'G'
	complementTable['G'] = 'C'
	complementTable['a'] = 't'
	complementTable['t'] = 'a'
	complementTable['c'] = 'g'
	complementTable['g'] = 'c'
}

// complementBase returns the Watson-Crick complement of an ASCII base.
func complementBase(b byte) byte {
	return complementTable[b]
}

// baseASCII maps the pileup.Base enum to its ASCII letter.
func baseASCII(b byte) byte {
	return pileup.EnumToASCIITable[b]
}

// ASCIIToBase maps an ASCII base letter to the pileup.Base enum, or
// pileup.BaseX if unrecognized. Exported for callers (e.g. modbam/project)
// that need to classify arbitrary read bases, not just ones carrying a
// modification call.
func ASCIIToBase(c byte) byte { return asciiToBase(c) }

// asciiToBase maps an ASCII base letter to the pileup.Base enum, or
// pileup.BaseX if unrecognized.
func asciiToBase(c byte) byte {
	switch c {
	case 'A', 'a':
		return pileup.BaseA
	case 'C', 'c':
		return pileup.BaseC
	case 'G', 'g':
		return pileup.BaseG
	case 'T', 't':
		return pileup.BaseT
	default:
		return pileup.BaseX
	}
}
