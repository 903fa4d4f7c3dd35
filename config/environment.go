package config

import (
	"os"
	"strings"
)

// Deployment environment names. CANDLEFLOW_ENV selects one, APP_ENV is
// honoured as a fallback for older deploy scripts.
const (
	envVar         = "CANDLEFLOW_ENV"
	envVarFallback = "APP_ENV"

	environmentDevelopment = "development"
	environmentStaging     = "staging"
	environmentProduction  = "production"
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"local": environmentDevelopment,
	"stage": environmentStaging,
	"stg":   environmentStaging,
	"prod":  environmentProduction,
}

func getAppEnvironment() string {
	env := os.Getenv(envVar)
	if env == "" {
		env = os.Getenv(envVarFallback)
	}
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath redirects the default config path to the
// current environment's file when one is mapped. An explicitly chosen
// path is never overridden.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	envPath, ok := envPaths[getAppEnvironment()]
	if !ok {
		return path
	}
	if path == defaultPath || path == envPath {
		return envPath
	}
	return path
}

// AppEnvironment returns the normalised deployment environment,
// development when none is set.
func AppEnvironment() string {
	return getAppEnvironment()
}

// IsProductionLike reports whether env warrants production strictness.
// Staging runs against real venues, so it counts.
func IsProductionLike(env string) bool {
	return env == environmentProduction || env == environmentStaging
}
