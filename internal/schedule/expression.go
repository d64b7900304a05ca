package schedule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// searchHorizon bounds how far Next looks before declaring that an
// expression never fires (e.g. "0 0 31 2 *").
const searchHorizon = 5 * 366 * 24 * time.Hour

// Expression is a parsed, validated cron expression.
type Expression struct {
	source string

	minute, hour, dom, month, dow field

	// ext is set when the expression needed the extended parser.
	ext cron.Schedule
}

// Parse validates raw and returns a reusable Expression.
//
// An optional "cron:" prefix is tolerated so stored schedules written by
// older tooling keep working.
func Parse(raw string) (*Expression, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 5 && strings.EqualFold(s[:5], "cron:") {
		s = strings.TrimSpace(s[5:])
	}
	if s == "" {
		return nil, invalid(raw, "schedule required")
	}

	if strings.HasPrefix(s, "@") || strings.HasPrefix(s, "CRON_TZ=") || strings.HasPrefix(s, "TZ=") {
		return parseExtended(raw, s)
	}

	toks := strings.Fields(s)
	if len(toks) != 5 {
		return nil, invalid(raw, "expected 5 fields (minute hour day-of-month month day-of-week)")
	}

	e := &Expression{source: strings.Join(toks, " ")}
	all := []struct {
		dst *field
		b   bounds
	}{
		{&e.minute, minuteBounds},
		{&e.hour, hourBounds},
		{&e.dom, domBounds},
		{&e.month, monthBounds},
		{&e.dow, dowBounds},
	}
	for i, it := range all {
		f, ok, reason := parseField(toks[i], it.b)
		if reason != "" {
			return nil, invalid(raw, reason)
		}
		if !ok {
			return parseExtended(raw, e.source)
		}
		*it.dst = f
	}
	return e, nil
}

func parseExtended(raw, s string) (*Expression, error) {
	sched, err := cron.ParseStandard(s)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: raw, Reason: "unparsable", Err: err}
	}
	return &Expression{source: s, ext: sched}, nil
}

// String returns the normalized expression (single spaces, prefix stripped).
func (e *Expression) String() string { return e.source }

// Extended reports whether evaluation is delegated to the extended parser.
func (e *Expression) Extended() bool { return e.ext != nil }

// Next returns the first instant strictly after from that satisfies the
// expression, at minute resolution in from's location. It returns the zero
// time when nothing matches within the search horizon.
func (e *Expression) Next(from time.Time) time.Time {
	if e.ext != nil {
		return e.ext.Next(from)
	}

	loc := from.Location()
	t := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), from.Minute(), 0, 0, loc).Add(time.Minute)
	limit := from.Add(searchHorizon)

	for t.Before(limit) {
		y, mo, d := t.Date()

		if !e.month.matches(int(mo)) {
			t = time.Date(y, mo+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !e.dayMatches(t) {
			t = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
			continue
		}

		h, ok := e.hour.next(t.Hour())
		if !ok {
			t = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
			continue
		}
		if h != t.Hour() {
			t = time.Date(y, mo, d, h, 0, 0, 0, loc)
			if t.Hour() != h {
				// h does not exist today (DST gap); re-check from the normalized instant.
				continue
			}
		}

		m, ok := e.minute.next(t.Minute())
		if !ok {
			t = time.Date(y, mo, d, t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		return time.Date(y, mo, d, t.Hour(), m, 0, 0, loc)
	}
	return time.Time{}
}

// dayMatches follows the usual cron rule: when neither day field is a
// wildcard a day matches if either does, otherwise both must.
func (e *Expression) dayMatches(t time.Time) bool {
	domOK := e.dom.matches(t.Day())
	dowOK := e.dow.matches(int(t.Weekday()))
	if e.dom.wildcard() || e.dow.wildcard() {
		return domOK && dowOK
	}
	return domOK || dowOK
}

// NextRun parses expr and returns its next instant after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := e.Next(from)
	if next.IsZero() {
		return time.Time{}, invalid(expr, "never fires")
	}
	return next, nil
}

// Preview lists up to n upcoming instants after from.
func Preview(expr string, from time.Time, n int) ([]time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.Newf("preview count must be > 0, got %d", n)
	}
	out := make([]time.Time, 0, n)
	cur := from
	for len(out) < n {
		next := e.Next(cur)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		cur = next
	}
	if len(out) == 0 {
		return nil, invalid(expr, "never fires")
	}
	return out, nil
}
