/*
Package log provides structured logging for the hub using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps.

Security-relevant events (failed agent authentication, SSH host key changes)
are logged at warn level or higher with the machine identity attached via
WithServerID / WithGUID so operators can correlate them.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("alerting")
	logger.Info().Str("metric", "cpu").Msg("alert raised")
*/
package log
