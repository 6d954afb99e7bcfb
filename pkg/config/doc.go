// Package config loads the sase-policy daemon configuration.
//
// Configuration is read from a YAML file, completed with defaults, and
// optionally overridden from the environment before validation.
//
//	cfg, err := config.LoadConfig("sase-policy.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("sase-policy.yaml")
//
// # Environment Variable Overrides
//
// Variables follow the convention SASE_SECTION_FIELD:
//
//   - SASE_ENGINE_FAIL_MODE overrides engine.fail_mode
//   - SASE_RULES_PATH overrides rules.path
//   - SASE_BUS_URL overrides bus.url
//   - SASE_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// Environment variables always take precedence over the file.
//
// # Precedence
//
//  1. Default values (defaults.go)
//  2. Values from the YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Singleton
//
// The daemon loads its configuration once with Initialize and reads it
// back with GetConfig. Tests should build Config values directly.
package config
