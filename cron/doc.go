// Package cron runs the engine's periodic tasks on cron schedules.
//
// A task pairs a name with a schedule expression and a function. The
// [Scheduler] checks every task on each tick, runs the due ones in their
// own goroutine and computes the next run from the schedule. A task that is
// still running when it comes due again is skipped for that occurrence, so
// a slow sweep never overlaps itself.
//
// Expressions are standard 5-field cron or descriptors such as
// "@every 30s" and "@hourly":
//
//	s := cron.NewScheduler(logger)
//	_ = s.Add("sweep", "@every 30s", eng.sweepTask)
//	_ = s.Add("fire", "@every 1s", eng.fireTask)
//	err := s.Run(ctx) // blocks until ctx is done
//
// Correctness across processes does not depend on the scheduler: every
// state change a task makes is committed with a version check.
package cron
