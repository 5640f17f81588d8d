package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a Go duration string ("90s", "1h30m"). A bare JSON or YAML
// number is read as seconds, so `expiry_ttl: 3600` works too.
type Duration string

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s Scalar
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	raw := strings.TrimSpace(string(s))
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		raw += "s"
	}
	*d = Duration(raw)
	return nil
}

// Parse returns 0 for an empty value. path names the field in errors.
func (d Duration) Parse(path string) (time.Duration, error) {
	raw := strings.TrimSpace(string(d))
	if raw == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	case v < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, v)
	}
	return v, nil
}

// ParseOr is Parse with def substituted for an empty or zero value.
func (d Duration) ParseOr(path string, def time.Duration) (time.Duration, error) {
	v, err := d.Parse(path)
	if err != nil || v > 0 {
		return v, err
	}
	return def, nil
}

var _ json.Unmarshaler = (*Duration)(nil)
