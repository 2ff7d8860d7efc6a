package core

import (
	"strconv"
	"strings"
)

type FilterOp string

const (
	OpEq  FilterOp = "="
	OpGte FilterOp = ">="
	OpLte FilterOp = "<="
	OpGt  FilterOp = ">"
	OpLt  FilterOp = "<"
)

// Filter is one parsed metadata filter. Values prefixed with a comparison
// operator and followed by a number are range filters; everything else is
// an equality match.
type Filter struct {
	Key    string
	Op     FilterOp
	Value  string
	Number float64
}

func ParseFilter(key, raw string) Filter {
	for _, op := range []FilterOp{OpGte, OpLte, OpGt, OpLt} {
		rest, ok := strings.CutPrefix(raw, string(op))
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			break
		}
		return Filter{Key: key, Op: op, Value: rest, Number: n}
	}
	return Filter{Key: key, Op: OpEq, Value: raw}
}

func ParseFilters(filters map[string]string) []Filter {
	out := make([]Filter, 0, len(filters))
	for k, v := range filters {
		out = append(out, ParseFilter(k, v))
	}
	return out
}

func (f Filter) Match(attrs map[string]string) bool {
	v, ok := attrs[f.Key]
	if !ok {
		return false
	}
	if f.Op == OpEq {
		return v == f.Value
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return false
	}
	switch f.Op {
	case OpGte:
		return n >= f.Number
	case OpLte:
		return n <= f.Number
	case OpGt:
		return n > f.Number
	case OpLt:
		return n < f.Number
	}
	return false
}

// MatchFilters reports whether attrs satisfies every filter.
func MatchFilters(attrs map[string]string, filters map[string]string) bool {
	for k, v := range filters {
		if !ParseFilter(k, v).Match(attrs) {
			return false
		}
	}
	return true
}
