// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from a YAML file, SANDBOXCTL_* environment variables and
// built-in defaults. It covers the run mode, the container runtime backend,
// the sandbox spec, monitoring timings and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox image: %s\n", cfg.Sandbox.Image)
package config
