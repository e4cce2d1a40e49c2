package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp converts a loosely typed timestamp into a time.Time. Sources
// emit RFC3339 strings, bare dates, unix seconds or unix milliseconds, and the
// numbers arrive either as JSON numbers or as strings.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(n), true
		}
		return time.Time{}, false
	case float64:
		return fromUnix(val), true
	case int64:
		return fromUnix(float64(val)), true
	case int:
		return fromUnix(float64(val)), true
	case json.Number:
		if n, err := val.Float64(); err == nil {
			return fromUnix(n), true
		}
		return time.Time{}, false
	case time.Time:
		return val, true
	default:
		return time.Time{}, false
	}
}

// fromUnix treats values above 1e12 as milliseconds, everything else as seconds.
func fromUnix(n float64) time.Time {
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
