// Package config provides environment/.env loading helpers shared by
// cmd/noded's flag parsing, generalized from the teacher's EnvOrSecret
// family (stripped of the Marble/TEE secret layer, which has no analogue
// on a sovereign node: key material lives in a local encrypted file).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file if present at path, silently doing nothing
// if the file does not exist (matching the teacher's "optional override"
// convention for local development).
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

// GetEnv retrieves an environment variable with a default fallback.
func GetEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable.
// Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvUint64 retrieves a uint64 environment variable.
func GetEnvUint64(key string, defaultValue uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// SplitAndTrimCSV splits a CSV string, trimming each entry and dropping
// empty entries.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
