package schedule

import (
	"math/bits"
	"strconv"
	"strings"
)

// Field identifies one of the five positions of a cron expression.
type Field int

const (
	Minute Field = iota
	Hour
	DayOfMonth
	Month
	DayOfWeek
)

// Fields lists the fields in expression order.
var Fields = [...]Field{Minute, Hour, DayOfMonth, Month, DayOfWeek}

var fieldInfo = [...]struct {
	name     string
	min, max int
}{
	Minute:     {"minute", 0, 59},
	Hour:       {"hour", 0, 23},
	DayOfMonth: {"dayOfMonth", 1, 31},
	Month:      {"month", 1, 12},
	DayOfWeek:  {"dayOfWeek", 0, 6},
}

func (f Field) String() string {
	if f < Minute || f > DayOfWeek {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldInfo[f].name
}

// Bounds returns the inclusive domain of the field.
func (f Field) Bounds() (min, max int) {
	info := fieldInfo[f]
	return info.min, info.max
}

// Set is the allowed-value set of a single field. Bit i is set when value i is allowed;
// every domain fits in 64 bits.
type Set uint64

// Full returns the set containing the whole domain of f.
func Full(f Field) Set {
	lo, hi := f.Bounds()
	return span(lo, hi, 1)
}

func span(lo, hi, step int) Set {
	var s Set
	for v := lo; v <= hi; v += step {
		s |= 1 << uint(v)
	}
	return s
}

// Has reports whether v is in the set.
func (s Set) Has(v int) bool {
	if v < 0 || v > 63 {
		return false
	}
	return s&(1<<uint(v)) != 0
}

// Len returns the number of allowed values.
func (s Set) Len() int { return bits.OnesCount64(uint64(s)) }

// Values returns the allowed values in ascending order.
func (s Set) Values() []int {
	out := make([]int, 0, s.Len())
	for v := 0; v < 64; v++ {
		if s.Has(v) {
			out = append(out, v)
		}
	}
	return out
}

// Format renders s as the canonical term list for field f: "*" for the full domain,
// runs of three or more consecutive values as "a-b", everything else comma separated.
func Format(f Field, s Set) string {
	if s == Full(f) {
		return "*"
	}
	values := s.Values()
	parts := make([]string, 0, len(values))
	for i := 0; i < len(values); {
		j := i
		for j+1 < len(values) && values[j+1] == values[j]+1 {
			j++
		}
		switch {
		case j-i >= 2:
			parts = append(parts, strconv.Itoa(values[i])+"-"+strconv.Itoa(values[j]))
		case j == i+1:
			parts = append(parts, strconv.Itoa(values[i]), strconv.Itoa(values[j]))
		default:
			parts = append(parts, strconv.Itoa(values[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// ParseField parses the raw text of one field into its allowed-value set.
//
// Terms are comma separated; each is "*", "a", or "a-b", optionally followed by "/step".
// A bare value with a step ("9/2") walks from the value up to the domain maximum.
func ParseField(f Field, raw string) (Set, error) {
	if f < Minute || f > DayOfWeek {
		return 0, invalid(f.String(), raw, "unknown field")
	}
	if strings.TrimSpace(raw) == "" {
		return 0, invalid(f.String(), raw, "empty field")
	}
	var out Set
	for _, term := range strings.Split(raw, ",") {
		s, err := parseTerm(f, term)
		if err != nil {
			return 0, err
		}
		out |= s
	}
	return out, nil
}

func parseTerm(f Field, term string) (Set, error) {
	min, max := f.Bounds()
	body, stepText, hasStep := strings.Cut(term, "/")
	if body == "" {
		return 0, invalid(f.String(), term, "empty term")
	}

	step := 1
	if hasStep {
		n, ok := parseNumber(stepText)
		if !ok || n < 1 {
			return 0, invalid(f.String(), term, "step must be a positive integer")
		}
		step = n
	}

	lo, hi := min, max
	switch {
	case body == "*":
	case strings.Contains(body, "-"):
		start, end, _ := strings.Cut(body, "-")
		if start == "*" || end == "*" {
			return 0, invalid(f.String(), term, "wildcard cannot be combined with a range")
		}
		var err error
		if lo, err = parseValue(f, term, start); err != nil {
			return 0, err
		}
		if hi, err = parseValue(f, term, end); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, invalid(f.String(), term, "range start exceeds range end")
		}
	default:
		var err error
		if lo, err = parseValue(f, term, body); err != nil {
			return 0, err
		}
		if !hasStep {
			hi = lo
		}
	}
	return span(lo, hi, step), nil
}

func parseValue(f Field, term, text string) (int, error) {
	n, ok := parseNumber(text)
	if !ok {
		return 0, invalid(f.String(), term, "not an integer: "+strconv.Quote(text))
	}
	min, max := f.Bounds()
	if n < min || n > max {
		return 0, invalid(f.String(), term, "value "+text+" outside "+strconv.Itoa(min)+"-"+strconv.Itoa(max))
	}
	return n, nil
}

// parseNumber accepts plain decimal digits only; strconv.Atoi alone would let "+5" through.
func parseNumber(text string) (int, bool) {
	if text == "" || len(text) > 4 {
		return 0, false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(text)
	return n, err == nil
}
