// Package schedule evaluates five-field cron expressions
// (minute hour day-of-month month day-of-week).
//
// Fields written as `*`, `*/N` or a plain integer are evaluated natively.
// Anything richer (ranges, lists, month/weekday names, @descriptors) is
// handed to robfig/cron's standard parser, so both forms share one API.
package schedule
