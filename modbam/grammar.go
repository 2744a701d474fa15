package modbam

import (
	"strconv"
	"strings"

	"github.com/grailbio/bio-modbam/pileup"
)

// Mode is the mode marker following a group's code list: '.' means implicit
// canonical (unlisted positions are canonical), '?' means explicit ambiguous
// (unlisted positions carry no information).
type Mode byte

const (
	// ModeImplicit is the '.' marker.
	ModeImplicit Mode = '.'
	// ModeExplicit is the '?' marker.
	ModeExplicit Mode = '?'
)

// group is one semicolon-delimited unit of the MM tag grammar: spec.md §4.1.
type group struct {
	primaryBase byte // pileup.Base enum
	strand      byte // '+' or '-'
	codes       []Code
	mode        Mode
	skips       []int
}

// parseMM splits a modification tag into its groups. It does not consult the
// ML array; probability-count validation happens once all groups are known,
// in Decode.
func parseMM(mm string) ([]group, error) {
	var groups []group
	for _, raw := range strings.Split(mm, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		g, err := parseGroup(raw)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func parseGroup(raw string) (group, error) {
	if len(raw) < 3 {
		return group{}, ErrMalformedTag
	}
	base := asciiToBase(raw[0])
	if base > pileup.BaseT {
		return group{}, ErrMalformedTag
	}
	strand := raw[1]
	if strand != '+' && strand != '-' {
		return group{}, ErrMalformedTag
	}
	rest := raw[2:]

	// Find the end of the code run: the first ',' (no mode given), '.'/'?'
	// (explicit mode marker), or end of string.
	codeEnd := len(rest)
	mode := ModeImplicit
	modeGiven := false
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '.':
			codeEnd = i
			mode = ModeImplicit
			modeGiven = true
		case '?':
			codeEnd = i
			mode = ModeExplicit
			modeGiven = true
		case ',':
			codeEnd = i
		default:
			continue
		}
		break
	}
	codeStr := rest[:codeEnd]
	if codeStr == "" {
		return group{}, ErrMalformedTag
	}
	codes, err := parseCodes(codeStr)
	if err != nil {
		return group{}, err
	}

	skipStart := codeEnd
	if modeGiven {
		skipStart++
	}
	var skips []int
	if skipStart < len(rest) {
		skipPart := rest[skipStart:]
		skipPart = strings.TrimPrefix(skipPart, ",")
		if skipPart != "" {
			for _, tok := range strings.Split(skipPart, ",") {
				n, err := strconv.Atoi(tok)
				if err != nil || n < 0 {
					return group{}, ErrMalformedTag
				}
				skips = append(skips, n)
			}
		}
	}
	return group{
		primaryBase: base,
		strand:      strand,
		codes:       codes,
		mode:        mode,
		skips:       skips,
	}, nil
}

// parseCodes parses the code run of a group: either a single run of digits
// (a ChEBI numeric code) or one-or-more single-letter codes.
func parseCodes(s string) ([]Code, error) {
	allDigits := true
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return []Code{Code(s)}, nil
	}
	codes := make([]Code, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'z' {
			return nil, ErrMalformedTag
		}
		codes = append(codes, Code(s[i:i+1]))
	}
	return codes, nil
}
