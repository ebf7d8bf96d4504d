// Package main is the entry point for the pyexec Python execution service.
//
// pyexec runs untrusted Python snippets in short-lived interpreter processes.
// Code is screened by a pattern-based safety gate, imports on the package
// allow-list are installed on demand, and every run is bounded by a wall-clock
// timeout that terminates the whole process group. The service is reachable
// over a JSON HTTP API and, optionally, as MCP tools over stdio or HTTP.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging, viper for
// configuration and prometheus for metrics.
//
// Configuration is read from config.yaml (or the file named by PYEXEC_CONFIG)
// and can be overridden with PYEXEC_* environment variables, for example
// PYEXEC_EXECUTION_TIMEOUT_SEC=10.
package main
