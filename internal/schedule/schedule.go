package schedule

import (
	"strings"
	"time"
)

// Preset expressions. They are parsed through Parse like any user-supplied string.
const (
	HourlyExpr  = "0 * * * *"
	DailyExpr   = "0 0 * * *"
	WeeklyExpr  = "0 0 * * 0"
	MonthlyExpr = "0 0 1 * *"
	YearlyExpr  = "0 0 1 1 *"

	// EveryMinuteExpr is the schedule of a task that was given none.
	EveryMinuteExpr = "* * * * *"
)

var descriptors = map[string]string{
	"@hourly":   HourlyExpr,
	"@daily":    DailyExpr,
	"@midnight": DailyExpr,
	"@weekly":   WeeklyExpr,
	"@monthly":  MonthlyExpr,
	"@yearly":   YearlyExpr,
	"@annually": YearlyExpr,
}

// Spec is a parsed five-field schedule.
//
// All five fields must match for Match to report true. Unlike classic cron, a restricted
// day-of-month and a restricted day-of-week are AND-ed, not OR-ed.
type Spec struct {
	expr string
	sets [len(Fields)]Set
}

// Parse parses "minute hour dayOfMonth month dayOfWeek", or one of the @-descriptors.
func Parse(expr string) (Spec, error) {
	text := strings.TrimSpace(expr)
	if strings.HasPrefix(text, "@") {
		canonical, ok := descriptors[strings.ToLower(text)]
		if !ok {
			return Spec{}, invalid("expression", expr, "unknown descriptor")
		}
		text = canonical
	}
	parts := strings.Fields(text)
	if len(parts) != len(Fields) {
		return Spec{}, invalid("expression", expr, "expected 5 fields")
	}
	spec := Spec{expr: strings.Join(parts, " ")}
	for i, f := range Fields {
		s, err := ParseField(f, parts[i])
		if err != nil {
			return Spec{}, err
		}
		spec.sets[i] = s
	}
	return spec, nil
}

// MustParse is Parse for expressions known to be valid.
func MustParse(expr string) Spec {
	spec, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return spec
}

func Hourly() Spec  { return MustParse(HourlyExpr) }
func Daily() Spec   { return MustParse(DailyExpr) }
func Weekly() Spec  { return MustParse(WeeklyExpr) }
func Monthly() Spec { return MustParse(MonthlyExpr) }
func Yearly() Spec  { return MustParse(YearlyExpr) }

// String returns the expression s was parsed from, whitespace-normalized.
func (s Spec) String() string { return s.expr }

// IsZero reports whether s was never parsed.
func (s Spec) IsZero() bool { return s.expr == "" }

// Set returns the allowed values of one field.
func (s Spec) Set(f Field) Set { return s.sets[f] }

// Canonical re-serializes the parsed sets. Parsing the result yields the same sets.
func (s Spec) Canonical() string {
	parts := make([]string, len(Fields))
	for i, f := range Fields {
		parts[i] = Format(f, s.sets[i])
	}
	return strings.Join(parts, " ")
}

// Match reports whether t satisfies every field. Day of week is time.Weekday, 0 = Sunday.
func (s Spec) Match(t time.Time) bool {
	return s.sets[Minute].Has(t.Minute()) &&
		s.sets[Hour].Has(t.Hour()) &&
		s.sets[DayOfMonth].Has(t.Day()) &&
		s.sets[Month].Has(int(t.Month())) &&
		s.sets[DayOfWeek].Has(int(t.Weekday()))
}

func (s Spec) dayMatches(t time.Time) bool {
	return s.sets[DayOfMonth].Has(t.Day()) && s.sets[DayOfWeek].Has(int(t.Weekday()))
}

// searchHorizon bounds Next; conjunctive day fields can make a spec unreachable.
const searchHorizon = 5

// Next returns up to n matching minutes strictly after base, in base's location.
func (s Spec) Next(base time.Time, n int) []time.Time {
	if s.IsZero() || n <= 0 {
		return nil
	}
	loc := base.Location()
	t := time.Date(base.Year(), base.Month(), base.Day(), base.Hour(), base.Minute(), 0, 0, loc).Add(time.Minute)
	limit := t.AddDate(searchHorizon, 0, 0)

	out := make([]time.Time, 0, n)
	for len(out) < n && t.Before(limit) {
		switch {
		case !s.sets[Month].Has(int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !s.sets[Hour].Has(t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !s.sets[Minute].Has(t.Minute()):
			t = t.Add(time.Minute)
		default:
			out = append(out, t)
			t = t.Add(time.Minute)
		}
	}
	return out
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(spec Spec, base time.Time, n int) []time.Time {
	return spec.Next(base, n)
}
