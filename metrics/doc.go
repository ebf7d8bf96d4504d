// Package metrics provides the prometheus collector of the service.
//
// The collector owns its own registry so several instances can coexist in
// tests. It records execution, installation and cancellation outcomes from
// the sandbox engine and request counts from the HTTP API, and serves them on
// /metrics.
package metrics
