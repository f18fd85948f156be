// Package scheduler runs named jobs on fixed intervals (robfig/cron) and as
// one-shot timers.
//
// Interval jobs never overlap themselves: a tick that arrives while the
// previous run is still in flight is skipped. Every run gets a context derived
// from the scheduler's lifetime, bounded by the job's timeout.
package scheduler
