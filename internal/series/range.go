package series

import (
	"time"
)

// Window is a named relative time span used to filter a series for display.
type Window string

const (
	WindowLive Window = "live"
	Window1H   Window = "1h"
	Window4H   Window = "4h"
	Window1D   Window = "1d"
	Window3D   Window = "3d"
	Window5D   Window = "5d"
	Window7D   Window = "7d"
)

// TickCount is the fixed number of axis labels generated for a non-empty
// filtered series.
const TickCount = 6

type windowSpec struct {
	duration time.Duration
	cadence  time.Duration
	label    func(time.Time) string
}

func clockLabel(t time.Time) string { return t.Format("15:04") }
func hourLabel(t time.Time) string  { return t.Format("15:00") }
func dayLabel(t time.Time) string   { return t.Format("01/02") }

// windows is the total, fixed mapping from window key to its span, the poll
// cadence used while it is selected, and its tick label format. Shorter
// windows poll faster.
var windows = map[Window]windowSpec{
	WindowLive: {5 * time.Minute, 5 * time.Second, clockLabel},
	Window1H:   {time.Hour, 10 * time.Second, clockLabel},
	Window4H:   {4 * time.Hour, 15 * time.Second, clockLabel},
	Window1D:   {24 * time.Hour, 30 * time.Second, hourLabel},
	Window3D:   {3 * 24 * time.Hour, time.Minute, dayLabel},
	Window5D:   {5 * 24 * time.Hour, time.Minute, dayLabel},
	Window7D:   {7 * 24 * time.Hour, time.Minute, dayLabel},
}

// ParseWindow validates a window key, returning false for unknown keys.
func ParseWindow(key string) (Window, bool) {
	w := Window(key)
	_, ok := windows[w]
	return w, ok
}

// Duration returns the window's span. Unknown windows fall back to one day.
func (w Window) Duration() time.Duration {
	if spec, ok := windows[w]; ok {
		return spec.duration
	}
	return windows[Window1D].duration
}

// Cadence returns how often a poller should refresh while the window is
// selected. Unknown windows fall back to the one-day cadence.
func (w Window) Cadence() time.Duration {
	if spec, ok := windows[w]; ok {
		return spec.cadence
	}
	return windows[Window1D].cadence
}

// Tick is one axis label positioned at an instant.
type Tick struct {
	TS    time.Time `json:"ts"`
	Label string    `json:"label"`
}

// RangeResult is the filtered slice of a series plus its axis ticks.
type RangeResult struct {
	Points Series `json:"points"`
	Ticks  []Tick `json:"ticks"`
}

// ApplyRange filters the series to the window ending at now and generates
// axis ticks. Ticks are interpolated across the filtered data extent rather
// than the nominal window, so a sparse series does not produce evenly spaced
// labels over empty space. An empty filtered set yields empty points and
// empty ticks; callers render a no-data state instead of a bare chart frame.
func ApplyRange(s Series, w Window, now time.Time) RangeResult {
	from := now.Add(-w.Duration())

	points := make(Series, 0, len(s))
	for _, p := range s {
		if !p.TS.Before(from) {
			points = append(points, p)
		}
	}

	if len(points) == 0 {
		return RangeResult{Points: points, Ticks: []Tick{}}
	}

	spec, ok := windows[w]
	if !ok {
		spec = windows[Window1D]
	}

	min := points[0].TS
	max := points[len(points)-1].TS
	span := max.Sub(min)

	ticks := make([]Tick, 0, TickCount)
	for i := 0; i < TickCount; i++ {
		ts := min.Add(span * time.Duration(i) / time.Duration(TickCount-1))
		ticks = append(ticks, Tick{TS: ts, Label: spec.label(ts)})
	}

	return RangeResult{Points: points, Ticks: ticks}
}
