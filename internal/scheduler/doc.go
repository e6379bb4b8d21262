// Package scheduler runs named periodic jobs behind one Backend interface.
//
// Three backends are built in:
//   - lightweight: in-process robfig/cron runner, date jobs on timers
//   - queue: a beat loop publishes ticks on a shared queue; local consumers run them
//   - admin: an external admin console triggers runs over HTTP
//
// Backends only trigger jobs. Work that must survive a crash goes through the
// execution queue, not through the scheduler.
package scheduler
