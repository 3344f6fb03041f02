/*
Package log provides structured logging for labfleet built on zerolog.

A single global logger is initialized once at process start via Init and
consumed through small helpers. Components derive child loggers carrying
stable fields (component, worker_id, job_id, lab_id, region) so every line
emitted by a refresh cycle or background job can be correlated.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("job", "fleet_metrics").Msg("job fired")

Background loops log errors and continue; only main is allowed to Fatal.
*/
package log
