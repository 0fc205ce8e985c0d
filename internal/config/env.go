package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of name; blank counts as unset.
func lookupEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

func envString(name string, dst *string) {
	if v, ok := lookupEnv(name); ok {
		*dst = v
	}
}

// envParsed parses name with parse, or returns fallback when it is unset.
func envParsed[T any](name string, fallback T, parse func(string) (T, error)) (T, error) {
	v, ok := lookupEnv(name)
	if !ok {
		return fallback, nil
	}
	out, err := parse(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return out, nil
}

func envInt(name string, fallback int) (int, error) {
	return envParsed(name, fallback, strconv.Atoi)
}

func envFloat(name string, fallback float64) (float64, error) {
	return envParsed(name, fallback, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	return envParsed(name, fallback, time.ParseDuration)
}

// envBool reports the parsed value and whether the variable was set at all.
func envBool(name string) (value, set bool, err error) {
	if _, ok := lookupEnv(name); !ok {
		return false, false, nil
	}
	value, err = envParsed(name, false, strconv.ParseBool)
	return value, true, err
}
