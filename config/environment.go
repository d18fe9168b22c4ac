package config

import (
	"os"
	"strings"
)

// Deployment environments selected through APP_ENV.
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"
)

// AppEnvironment returns APP_ENV lower-cased with short aliases expanded.
// Unset means development; unknown values pass through unchanged.
func AppEnvironment() string {
	switch env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV"))); env {
	case "", "dev":
		return EnvironmentDevelopment
	case "prod":
		return EnvironmentProduction
	case "stag", "stage":
		return EnvironmentStaging
	default:
		return env
	}
}

// ResolvePath picks the file registered for the current environment unless
// the caller asked for something other than defaultPath.
func ResolvePath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	envPath, ok := envPaths[AppEnvironment()]
	if ok && (path == defaultPath || path == envPath) {
		return envPath
	}
	return path
}

// IsProductionLike reports whether env must refuse to run without an
// explicit routes file.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}
