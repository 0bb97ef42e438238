package envutil

import "os"

// Prefix is the optional namespace for environment variables
const Prefix = "FLOWDASH_"

// Get retrieves an environment variable with automatic FLOWDASH_ prefix fallback.
// It checks the exact key first, then the prefixed key, then returns fallback.
func Get(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}

	if len(key) < len(Prefix) || key[:len(Prefix)] != Prefix {
		if value, exists := os.LookupEnv(Prefix + key); exists {
			return value
		}
	}

	return fallback
}
