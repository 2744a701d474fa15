package modbam

import (
	"github.com/biogo/hts/sam"
	"github.com/pkg/errors"
)

// mmTagNames lists the current and legacy spellings of the modification tag
// pair (spec.md §6: "MM/ML (or legacy Mm/Ml) tags").
var mmTagNames = [2]string{"MM", "Mm"}
var mlTagNames = [2]string{"ML", "Ml"}

// ExtractTags pulls the MM/ML (or Mm/Ml) aux tag pair off r. ok is false if
// r carries no modification tags at all (a record with no modification
// calls, not an error).
func ExtractTags(r *sam.Record) (mm string, ml []uint8, ok bool, err error) {
	mmAux, found := findAux(r, mmTagNames[:])
	if !found {
		return "", nil, false, nil
	}
	mlAux, found := findAux(r, mlTagNames[:])
	if !found {
		return "", nil, false, errNoMLForMM
	}
	s, ok := mmAux.Value().(string)
	if !ok {
		return "", nil, false, ErrMalformedTag
	}
	ml, err = auxToUint8Slice(mlAux)
	if err != nil {
		return "", nil, false, err
	}
	return s, ml, true, nil
}

var errNoMLForMM = errors.New("modbam: MM tag present without matching ML tag")

func findAux(r *sam.Record, names []string) (sam.Aux, bool) {
	for _, name := range names {
		if aux, ok := r.Tag([]byte(name)); ok {
			return aux, true
		}
	}
	return sam.Aux{}, false
}

func auxToUint8Slice(a sam.Aux) ([]uint8, error) {
	switch v := a.Value().(type) {
	case []uint8:
		return v, nil
	case []int8:
		out := make([]uint8, len(v))
		for i, x := range v {
			out[i] = uint8(x)
		}
		return out, nil
	default:
		return nil, ErrMalformedTag
	}
}

// MNTag returns the record's MN aux tag (baseline sequence length for
// non-primary alignment validation), and whether it is present.
func MNTag(r *sam.Record) (int, bool) {
	aux, ok := r.Tag([]byte("MN"))
	if !ok {
		return 0, false
	}
	return auxToInt(aux)
}

func auxToInt(a sam.Aux) (int, bool) {
	switch v := a.Value().(type) {
	case int8:
		return int(v), true
	case uint8:
		return int(v), true
	case int16:
		return int(v), true
	case uint16:
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	default:
		return 0, false
	}
}
