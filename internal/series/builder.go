package series

import (
	"sort"
	"time"

	"tradepulse/logger"
	"tradepulse/models"
)

// Point is one sample of a metric at an instant.
type Point struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Series is an ordered sequence of points for one metric, sorted ascending by
// timestamp. It may be empty, never unsorted.
type Series []Point

// timestampFields is the priority order for locating a row's timestamp.
var timestampFields = []string{"ts", "time", "timestamp", "created_at"}

// accessor extracts a metric value from a row, reporting whether it was found.
type accessor func(row map[string]interface{}) (float64, bool)

// fieldAccessor reads a top-level numeric field.
func fieldAccessor(name string) accessor {
	return func(row map[string]interface{}) (float64, bool) {
		return numeric(row[name])
	}
}

// nestedAccessor reads a numeric field one object deep, e.g. trading.equity.
func nestedAccessor(parent, name string) accessor {
	return func(row map[string]interface{}) (float64, bool) {
		obj, ok := row[parent].(map[string]interface{})
		if !ok {
			return 0, false
		}
		return numeric(obj[name])
	}
}

// metricAccessors maps each known metric to the accessor chain tried per row.
// The live metrics stream and the historical snapshot store lay out the same
// quantity differently; this table is the single place reconciling them.
var metricAccessors = map[string][]accessor{
	"equity": {
		fieldAccessor("equity"),
		nestedAccessor("trading", "equity"),
		nestedAccessor("account", "equity"),
		nestedAccessor("metrics", "equity"),
	},
	"balance": {
		fieldAccessor("balance"),
		nestedAccessor("trading", "balance"),
		nestedAccessor("account", "balance"),
		nestedAccessor("metrics", "balance"),
	},
	"margin_level": {
		fieldAccessor("margin_level"),
		nestedAccessor("trading", "margin_level"),
		nestedAccessor("account", "margin_level"),
		nestedAccessor("metrics", "margin_level"),
	},
	"open_positions": {
		fieldAccessor("open_positions"),
		nestedAccessor("trading", "open_positions"),
		nestedAccessor("account", "open_positions"),
		nestedAccessor("metrics", "open_positions"),
	},
}

// Metrics returns the names the builder knows how to extract.
func Metrics() []string {
	names := make([]string, 0, len(metricAccessors))
	for name := range metricAccessors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build converts raw rows into a sorted series for the named metric. Rows
// without a parseable timestamp or a numeric value for the metric are dropped
// silently; sparse telemetry is a normal operating condition, not a fault.
// Drops are counted so the rate stays observable in the runtime report.
func Build(rows []map[string]interface{}, metric string) Series {
	accessors := metricAccessors[metric]
	out := make(Series, 0, len(rows))
	dropped := 0

	for _, row := range rows {
		ts, ok := rowTimestamp(row)
		if !ok {
			dropped++
			continue
		}
		val, ok := rowValue(row, accessors)
		if !ok {
			dropped++
			continue
		}
		out = append(out, Point{TS: ts, Value: val})
	}

	if dropped > 0 {
		logger.IncrementRowsDropped(dropped)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}

func rowTimestamp(row map[string]interface{}) (time.Time, bool) {
	for _, field := range timestampFields {
		v, ok := row[field]
		if !ok {
			continue
		}
		if ts, ok := models.ParseTimestamp(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func rowValue(row map[string]interface{}, accessors []accessor) (float64, bool) {
	for _, access := range accessors {
		if val, ok := access(row); ok {
			return val, true
		}
	}
	return 0, false
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
