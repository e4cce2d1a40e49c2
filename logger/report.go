package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type sourceStat struct {
	fetches int64
	bytes   int64
}

var (
	errorsPoller   int64
	errorsCalendar int64
	warnsPoller    int64
	warnsCalendar  int64
	rowsDropped    int64
	staleServes    int64
	snapshotPushes int64
	sources        sync.Map // map[string]*sourceStat
)

func recordWarn(component string) {
	if strings.Contains(component, "poller") {
		atomic.AddInt64(&warnsPoller, 1)
	} else if strings.Contains(component, "calendar") {
		atomic.AddInt64(&warnsCalendar, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "poller") {
		atomic.AddInt64(&errorsPoller, 1)
	} else if strings.Contains(component, "calendar") {
		atomic.AddInt64(&errorsCalendar, 1)
	}
}

// IncrementRowsDropped counts rows the series builder discarded because no
// timestamp or value could be extracted. The drop itself stays silent; the
// counter makes the drop rate visible in the runtime report.
func IncrementRowsDropped(n int) {
	atomic.AddInt64(&rowsDropped, int64(n))
}

// RowsDropped returns the running total of dropped rows.
func RowsDropped() int64 {
	return atomic.LoadInt64(&rowsDropped)
}

// IncrementStaleServe counts calendar responses answered from an expired cache slot.
func IncrementStaleServe() {
	atomic.AddInt64(&staleServes, 1)
}

// IncrementSnapshotPush counts dashboard snapshots pushed to websocket subscribers.
func IncrementSnapshotPush() {
	atomic.AddInt64(&snapshotPushes, 1)
}

// RecordSourceFetch tracks a successful fetch for a named upstream source.
func RecordSourceFetch(name string, size int) {
	v, _ := sources.LoadOrStore(name, &sourceStat{})
	ss := v.(*sourceStat)
	atomic.AddInt64(&ss.fetches, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and fetch-source statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	sourceData := map[string]map[string]int64{}
	sources.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*sourceStat)
		sourceData[name] = map[string]int64{
			"fetches": atomic.LoadInt64(&ss.fetches),
			"bytes":   atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_poller":   atomic.LoadInt64(&errorsPoller),
		"errors_calendar": atomic.LoadInt64(&errorsCalendar),
		"warns_poller":    atomic.LoadInt64(&warnsPoller),
		"warns_calendar":  atomic.LoadInt64(&warnsCalendar),
		"rows_dropped":    atomic.LoadInt64(&rowsDropped),
		"stale_serves":    atomic.LoadInt64(&staleServes),
		"snapshot_pushes": atomic.LoadInt64(&snapshotPushes),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"sources":         sourceData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPoller"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_poller"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsCalendar"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_calendar"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsPoller"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_poller"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsCalendar"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_calendar"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RowsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rows_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StaleServes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stale_serves"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SnapshotPushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["snapshot_pushes"].(int64)))},
	)

	for name, stats := range sourceData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("SourceFetches"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Source"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["fetches"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("SourceBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Source"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
