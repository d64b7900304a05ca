package schedule

import (
	"strconv"
	"strings"
)

type fieldKind int

const (
	fieldAny fieldKind = iota
	fieldStep
	fieldLiteral
)

type field struct {
	kind     fieldKind
	n        int // step for fieldStep, value for fieldLiteral
	min, max int
}

type bounds struct {
	name     string
	min, max int
}

var (
	minuteBounds = bounds{"minute", 0, 59}
	hourBounds   = bounds{"hour", 0, 23}
	domBounds    = bounds{"day-of-month", 1, 31}
	monthBounds  = bounds{"month", 1, 12}
	// 7 is accepted as an alias for Sunday and folded to 0 on parse.
	dowBounds = bounds{"day-of-week", 0, 7}
)

// parseField handles the native subset. ok=false means the token uses
// syntax outside the subset; reason is set only for tokens that are in the
// subset but out of range.
func parseField(tok string, b bounds) (f field, ok bool, reason string) {
	f = field{min: b.min, max: b.max}
	if b.name == dowBounds.name {
		f.max = 6
	}
	switch {
	case tok == "*":
		f.kind = fieldAny
		return f, true, ""
	case strings.HasPrefix(tok, "*/"):
		n, err := strconv.Atoi(tok[2:])
		if err != nil {
			return f, false, ""
		}
		if n < 1 {
			return f, true, b.name + " step must be >= 1"
		}
		f.kind = fieldStep
		f.n = n
		return f, true, ""
	default:
		v, err := strconv.Atoi(tok)
		if err != nil {
			return f, false, ""
		}
		if v < b.min || v > b.max {
			return f, true, b.name + " value " + tok + " out of range " + strconv.Itoa(b.min) + "-" + strconv.Itoa(b.max)
		}
		if b.name == dowBounds.name && v == 7 {
			v = 0
		}
		f.kind = fieldLiteral
		f.n = v
		return f, true, ""
	}
}

func (f field) matches(v int) bool {
	switch f.kind {
	case fieldStep:
		return v >= f.min && (v-f.min)%f.n == 0
	case fieldLiteral:
		return v == f.n
	default:
		return true
	}
}

// wildcard reports whether the field matches every value: "*" or "*/1".
func (f field) wildcard() bool {
	return f.kind == fieldAny || (f.kind == fieldStep && f.n == 1)
}

// next returns the smallest matching value >= v, or ok=false when the
// field overflows its unit and the caller has to roll the next unit.
func (f field) next(v int) (int, bool) {
	if v < f.min {
		v = f.min
	}
	switch f.kind {
	case fieldStep:
		k := v - f.min
		r := ((k+f.n-1)/f.n)*f.n + f.min
		return r, r <= f.max
	case fieldLiteral:
		return f.n, v <= f.n
	default:
		return v, v <= f.max
	}
}

func (f field) String() string {
	switch f.kind {
	case fieldStep:
		return "*/" + strconv.Itoa(f.n)
	case fieldLiteral:
		return strconv.Itoa(f.n)
	default:
		return "*"
	}
}
