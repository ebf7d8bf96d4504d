// Package httpserver exposes the execution engine over a JSON HTTP API.
//
// Routes:
//
//	POST /execute     run a snippet
//	POST /stop/{id}   cancel a running execution
//	GET  /packages    list the package allow-list
//	GET  /health      liveness probe
//	GET  /status      running executions
//	GET  /config      execution limits
//	GET  /metrics     prometheus exposition, when metrics are enabled
//
// Execution failures (rejected code, timeouts, interpreter errors) are
// reported with status 200 and success=false in the body. Non-2xx statuses
// are reserved for malformed requests (400), an execution id that is already
// live (409) and internal errors (500).
package httpserver
