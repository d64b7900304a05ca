package schedule

import (
	"fmt"
	"strings"
)

var presets = map[string]string{
	"* * * * *":    "Every minute",
	"*/5 * * * *":  "Every 5 minutes",
	"*/15 * * * *": "Every 15 minutes",
	"*/30 * * * *": "Every 30 minutes",
	"0 * * * *":    "Every hour",
	"0 */6 * * *":  "Every 6 hours",
	"0 0 * * *":    "Daily at midnight",
	"0 2 * * *":    "Daily at 2 AM",
	"0 0 * * MON":  "Weekly (Monday)",
	"0 0 * * 1":    "Weekly (Monday)",
}

// Describe returns a short human description of expr.
// Unknown or unparsable expressions read as "Custom schedule".
func Describe(expr string) string {
	norm := strings.Join(strings.Fields(expr), " ")
	if d, ok := presets[norm]; ok {
		return d
	}
	e, err := Parse(expr)
	if err != nil || e.Extended() {
		return "Custom schedule"
	}
	if e.dom.kind != fieldAny || e.month.kind != fieldAny || e.dow.kind != fieldAny {
		return "Custom schedule"
	}

	switch {
	case e.minute.kind == fieldStep && e.hour.kind == fieldAny:
		return fmt.Sprintf("Every %d minutes", e.minute.n)
	case e.minute.kind == fieldLiteral && e.hour.kind == fieldAny:
		return fmt.Sprintf("Hourly at minute %d", e.minute.n)
	case e.minute.kind == fieldLiteral && e.hour.kind == fieldStep:
		return fmt.Sprintf("Every %d hours at minute %d", e.hour.n, e.minute.n)
	case e.minute.kind == fieldLiteral && e.hour.kind == fieldLiteral:
		return fmt.Sprintf("Daily at %02d:%02d", e.hour.n, e.minute.n)
	}
	return "Custom schedule"
}
