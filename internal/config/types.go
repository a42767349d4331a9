package config

import "strings"

// Environment identifies the runtime environment chunkbus runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "development"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "production"
)

func normalizeEnvironment(env Environment) Environment {
	switch v := strings.ToLower(strings.TrimSpace(string(env))); v {
	case "dev":
		return EnvDev
	case "prod":
		return EnvProd
	default:
		return Environment(v)
	}
}
