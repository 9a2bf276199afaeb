package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of key and whether it is non-empty.
func lookupEnv(key string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

func warnInvalidEnv(kind, key, val string, def any) {
	slog.Warn("util.ParseEnv: invalid "+kind+" value, using default", "key", key, "value", val, "default", def)
}

// ParseBoolEnv reads a boolean setting. true/1/yes/on and false/0/no/off are
// accepted in any case; anything else yields def.
func ParseBoolEnv(key string, def bool) bool {
	val, ok := lookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	warnInvalidEnv("boolean", key, val, def)
	return def
}

// ParseIntEnv reads an integer setting, yielding def when unset or malformed.
func ParseIntEnv(key string, def int) int {
	val, ok := lookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		warnInvalidEnv("integer", key, val, def)
		return def
	}
	return n
}

// ParseDurationEnv reads a Go duration such as "90m" or "2h". Negative values
// are rejected.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	val, ok := lookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		warnInvalidEnv("duration", key, val, def)
		return def
	}
	return d
}
