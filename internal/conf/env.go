// env.go - Environment variable configuration and validation for screamrouterd
package conf

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for one environment variable binding.
type envBinding struct {
	ConfigKey string             // viper config key
	EnvVar    string             // environment variable name
	Validate  func(string) error // optional validation function
}

// getEnvBindings returns every environment variable binding with its
// validator, so a misconfigured deployment fails with a clear message
// instead of a silently-wrong value reaching the engine.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"network.listenport", "SCREAMROUTER_LISTEN_PORT", validateEnvPort},
		{"network.timeshiftbuffersec", "SCREAMROUTER_TIMESHIFT_BUFFER_SEC", validateEnvPositiveFloat},
		{"sync.enabled", "SCREAMROUTER_SYNC_ENABLED", nil}, // bool validation handled by viper
		{"sync.barriertimeoutms", "SCREAMROUTER_BARRIER_TIMEOUT_MS", validateEnvNonNegativeInt},
		{"main.log.path", "SCREAMROUTER_LOG_PATH", validateEnvPath},
		{"metrics.listen", "SCREAMROUTER_METRICS_LISTEN", nil},
		{"debug", "SCREAMROUTER_DEBUG", nil}, // bool validation handled by viper
	}
}

// bindEnvVars binds every known environment variable to its viper key and
// validates whatever value is currently set.
func bindEnvVars() error {
	bindings := getEnvBindings()
	var warnings []string

	for _, binding := range bindings {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

func validateEnvPositiveFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	if f <= 0 {
		return fmt.Errorf("must be positive, got %g", f)
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("must be non-negative, got %d", n)
	}
	return nil
}

func validateEnvPath(value string) error {
	if strings.Contains(value, "..") {
		return fmt.Errorf("path traversal not allowed")
	}
	return nil
}

// configureEnvironmentVariables enables SCREAMROUTER_-prefixed environment
// variable overrides for every config key, plus explicit validated
// bindings for the keys most likely to be set per-deployment.
func configureEnvironmentVariables() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SCREAMROUTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := bindEnvVars(); err != nil {
		// Startup continues with config-file/default values; a bad
		// environment variable shouldn't take down the whole daemon.
		log.Printf("environment variable validation warnings: %v", err)
	}
	return nil
}
