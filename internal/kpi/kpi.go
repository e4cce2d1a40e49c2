package kpi

import (
	"sort"

	"tradepulse/internal/series"
	"tradepulse/models"
)

// epsilon guards win/loss classification against floating-point noise around
// true zero.
const epsilon = 1e-8

// Delta reports a metric's last value against its second-to-last. A series
// with fewer than two points has previous equal to current and a zero delta.
type Delta struct {
	Metric   string  `json:"metric"`
	Current  float64 `json:"current"`
	Previous float64 `json:"previous"`
	Delta    float64 `json:"delta"`
}

// ComputeDelta derives the last-vs-previous delta for a series.
func ComputeDelta(metric string, s series.Series) Delta {
	if len(s) == 0 {
		return Delta{Metric: metric}
	}
	current := s[len(s)-1].Value
	previous := current
	if len(s) >= 2 {
		previous = s[len(s)-2].Value
	}
	return Delta{
		Metric:   metric,
		Current:  current,
		Previous: previous,
		Delta:    current - previous,
	}
}

// DailyBucket is the summed profit of closed trades for one UTC calendar date.
type DailyBucket struct {
	Date   string  `json:"date"`
	Profit float64 `json:"profit"`
}

// Report aggregates win/loss statistics and daily P/L over a trade list.
type Report struct {
	Wins      int           `json:"wins"`
	Losses    int           `json:"losses"`
	Breakeven int           `json:"breakeven"`
	WinRate   float64       `json:"win_rate"`
	DailyPnl  []DailyBucket `json:"daily_pnl"`
}

// maxDailyBuckets caps the daily P/L output at the most recent dates.
const maxDailyBuckets = 20

// Compute classifies each trade by profit and buckets closed trades by close
// date. Breakeven trades are excluded from the win-rate denominator: a neutral
// trade would otherwise dilute the rate toward 50%.
func Compute(trades []models.TradeRecord) Report {
	report := Report{}
	buckets := map[string]float64{}

	for i := range trades {
		trade := &trades[i]
		profit, ok := trade.ProfitValue()
		if !ok {
			profit = 0
		}

		switch {
		case profit > epsilon:
			report.Wins++
		case profit < -epsilon:
			report.Losses++
		default:
			report.Breakeven++
		}

		if trade.State != models.TradeStateClosed {
			continue
		}
		day := "unknown"
		if ts, ok := trade.CloseTimestamp(); ok {
			day = ts.UTC().Format("2006-01-02")
		}
		buckets[day] += profit
	}

	decided := report.Wins + report.Losses
	if decided < 1 {
		decided = 1
	}
	report.WinRate = float64(report.Wins) / float64(decided) * 100

	report.DailyPnl = lastBuckets(buckets, maxDailyBuckets)
	return report
}

// lastBuckets sorts bucket dates ascending and keeps the trailing n entries.
func lastBuckets(buckets map[string]float64, n int) []DailyBucket {
	dates := make([]string, 0, len(buckets))
	for date := range buckets {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	if len(dates) > n {
		dates = dates[len(dates)-n:]
	}

	out := make([]DailyBucket, 0, len(dates))
	for _, date := range dates {
		out = append(out, DailyBucket{Date: date, Profit: buckets[date]})
	}
	return out
}
