// Package environment provides helpers for loading configuration from
// environment variables.
//
// Every helper reads one variable and returns either its parsed value or a
// default. Required variables return an error rather than calling os.Exit.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value of the named environment variable or an error
// if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// IntOr parses the named environment variable as a decimal integer. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func IntOr(name string, defaultValue int) int {
	return parseOr(name, defaultValue, strconv.Atoi)
}

// FloatOr parses the named environment variable as a float64. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func FloatOr(name string, defaultValue float64) float64 {
	return parseOr(name, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// DurationOr parses the named environment variable as a time.Duration (e.g.
// "30s", "24h"). Returns defaultValue if the variable is unset, empty, or
// cannot be parsed.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	return parseOr(name, defaultValue, time.ParseDuration)
}

// StringSliceOr parses the named environment variable as a comma-separated list
// of strings, trimming whitespace and dropping empty elements. Returns
// defaultValue if nothing remains.
func StringSliceOr(name string, defaultValue []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	var result []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

func parseOr[T any](name string, defaultValue T, parse func(string) (T, error)) T {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	parsed, err := parse(strings.TrimSpace(v))
	if err != nil {
		return defaultValue
	}
	return parsed
}
