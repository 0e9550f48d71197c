package config

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ParseDurationField parses a Go duration string from the config. Empty
// means zero (caller applies its default); negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func rateLimit(perSec float64) rate.Limit {
	if perSec <= 0 {
		return 0
	}
	return rate.Limit(perSec)
}
