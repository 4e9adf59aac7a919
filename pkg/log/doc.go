/*
Package log provides structured logging for the coordinator and worker
processes using zerolog.

Init configures the global Logger from a Config (level, JSON vs. console
output, writer). Call sites obtain component-scoped child loggers via
WithComponent, or request-scoped ones via WithOperationID / WithWorkerID /
WithCheckpoint, so that every log line emitted while handling a given
operation or worker carries the right correlation fields without the
caller having to repeat them.
*/
package log
