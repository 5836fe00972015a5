package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields in the file are Go duration strings ("500ms", "2m").
// Empty means unset; what "unset" resolves to is the caller's business.

// ParseDuration checks one duration field, naming it by its config path in
// error messages.
func ParseDuration(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// DurationOr resolves a field that already passed validation at load time:
// unset or unparsable collapses to def.
func DurationOr(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDuration(path, raw)
	if err != nil || d == 0 {
		return def
	}
	return d
}
