// Package config loads pipeorch settings from the environment.
//
// Every field has a default suitable for a local Redis. Setting
// PIPEORCH_BACKEND=memory runs the whole engine in one process without
// Redis.
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	addr := cfg.GetHTTPAddr()
package config
