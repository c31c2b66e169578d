package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration is a delay, interval or timeout as written in the config file:
// a Go duration string ("5s", "1m30s") or a number of seconds (5, 2.5).
// The text is kept as written so reload summaries show what the operator
// typed.
type Duration string

// UnmarshalJSON accepts a string or a bare number.
func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*d = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Duration(strings.TrimSpace(s))
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err != nil {
			return fmt.Errorf("duration must be a string or a number of seconds, got %s", b)
		}
		*d = Duration(b)
	}
	return nil
}

// Parse reads the value of the field at path. Empty is 0.
func (d Duration) Parse(path string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		secs, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("%s: invalid duration %q (want \"5s\", \"1m30s\" or seconds)", path, string(d))
		}
		v = time.Duration(secs * float64(time.Second))
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return v, nil
}

// OrDefault is Parse with def standing in for an empty or zero value.
func (d Duration) OrDefault(path string, def time.Duration) (time.Duration, error) {
	v, err := d.Parse(path)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return def, nil
	}
	return v, nil
}

func (d Duration) String() string { return strings.TrimSpace(string(d)) }
