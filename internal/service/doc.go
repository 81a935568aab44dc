// Package service runs modules on a schedule.
//
// A Job binds a configured module to a cron expression or a fixed
// interval. The Scheduler executes jobs with gocron, each tick runs a fresh
// clone of the module, so a long running scan never shares options with
// the next one. Successful scan results are passed to the sinks, every
// outcome is optionally reported on a Run channel.
//
// Jobs are usually created from the schedules section of the config file
// by JobsFromConfig. Watch observes the config file so the caller can
// replace the jobs when it changes.
package service
