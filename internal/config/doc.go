// Package config provides configuration loading, validation, and hot
// reload for the routing subsystem.
//
// Configuration is YAML with ${VAR} and ${VAR:-default} substitution.
// Keys omitted from the file keep the values of DefaultConfig:
//
//	cfg, err := config.LoadConfig("configs/avaroute.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    return err
//	}
//
// The Watcher reloads the file on change and hands validated
// configurations to a callback; only settings that are safe to change at
// runtime (routing strategy, autoscaler thresholds) are applied live.
package config
