// Package main is the entry point for sandboxctl.
//
// sandboxctl creates an ephemeral sandbox, streams its output for a bounded
// time, then stops and removes it. In "once" mode it runs the configured
// sandbox and exits with 0 when the sandbox was removed, 2 when it could not be
// created and 1 on any other failure. In "stdio" and "http" modes it serves
// the run_sandbox MCP tool instead.
//
// SIGINT and SIGTERM cancel monitoring. Cleanup still runs, and its outcome
// decides the exit code.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
