// Package storage persists run history for the scheduler.
//
// It backs:
//   - the task table that job bodies and the scheduler write run records to
//   - last-run lookups used to plan each job after a restart
//   - failed-run queries polled by the failure reporter
//   - optional notifier dedup state (to survive restarts)
package storage
