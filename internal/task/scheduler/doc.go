// Package scheduler polls the job repository and dispatches due jobs.
//
// Each pass:
//   - lists jobs and skips paused ones
//   - reconciles running jobs whose lease expired without a completion
//   - hands every job whose nextRun has passed to the dispatcher
//
// Passes run on a fixed cadence, once immediately at start, and early when
// the soonest nextRun falls inside the cadence or Wake is called.
package scheduler
