// Package config provides application configuration management.
//
// The config package loads the service configuration from a YAML file and
// PYEXEC_* environment variables using viper, applies defaults and validates
// the result. The configuration is read once at startup and treated as
// immutable afterwards.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Execution timeout: %s\n", cfg.GetTimeout())
package config
