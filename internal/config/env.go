// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ManuGH/soundgrab/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// fallback. The source is logged for observability.
func ParseString(key, fallback string) string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Msg("using environment variable")
		return v
	}
	return fallback
}

// ParseInt reads an integer from an environment variable or returns the
// fallback. Invalid values fall back with a warning.
func ParseInt(key string, fallback int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().
				Str("key", key).
				Int("value", i).
				Str("source", "environment").
				Msg("using environment variable")
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Msg("invalid integer in environment, using fallback")
	}
	return fallback
}

// ParseDuration reads a duration ("500ms", "30s") from an environment
// variable or returns the fallback. Invalid values fall back with a warning.
func ParseDuration(key string, fallback time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Msg("invalid duration in environment, using fallback")
	}
	return fallback
}
