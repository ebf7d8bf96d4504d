// Package logger builds the zap logger shared by every component.
//
// Two modes are supported: "production" (JSON, ISO8601 timestamps) and
// "development" (console, colored levels). Entries carry a service field
// and are written to stderr.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    return err
//	}
//	log.Info("execution finished", zap.String("execution_id", id))
package logger
