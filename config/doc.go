// Package config turns environment variables and command line flags into a validated run configuration
// and builds everything a run needs from it: the primary and replica pools, the logger and the
// OpenTelemetry providers.
//
// All keys are read through viper with AutomaticEnv, so every setting can be given as an environment
// variable (DB_URL, POOL_MAX_ACTIVE, HARNESS_WORKERS, ...). Flags bound to the same viper instance win
// over the environment.
package config
