package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	streamTicks      int64
	restFetches      int64
	sdkFetches       int64
	syntheticSamples int64
	droppedEvents    int64
	malformedFrames  int64
	components       sync.Map // map[string]*componentStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

func IncrementStreamTick()      { atomic.AddInt64(&streamTicks, 1) }
func IncrementRESTFetch()       { atomic.AddInt64(&restFetches, 1) }
func IncrementSDKFetch()        { atomic.AddInt64(&sdkFetches, 1) }
func IncrementSyntheticSample() { atomic.AddInt64(&syntheticSamples, 1) }
func IncrementDroppedEvent()    { atomic.AddInt64(&droppedEvents, 1) }
func IncrementMalformed()       { atomic.AddInt64(&malformedFrames, 1) }

// Counters is a point-in-time copy of the runtime report counters.
type Counters struct {
	StreamTicks      int64            `json:"stream_ticks"`
	RESTFetches      int64            `json:"rest_fetches"`
	SDKFetches       int64            `json:"sdk_fetches"`
	SyntheticSamples int64            `json:"synthetic_samples"`
	DroppedEvents    int64            `json:"dropped_events"`
	MalformedFrames  int64            `json:"malformed_frames"`
	Warns            map[string]int64 `json:"warns"`
	Errors           map[string]int64 `json:"errors"`
}

// Snapshot returns the current counter values.
func Snapshot() Counters {
	c := Counters{
		StreamTicks:      atomic.LoadInt64(&streamTicks),
		RESTFetches:      atomic.LoadInt64(&restFetches),
		SDKFetches:       atomic.LoadInt64(&sdkFetches),
		SyntheticSamples: atomic.LoadInt64(&syntheticSamples),
		DroppedEvents:    atomic.LoadInt64(&droppedEvents),
		MalformedFrames:  atomic.LoadInt64(&malformedFrames),
		Warns:            map[string]int64{},
		Errors:           map[string]int64{},
	}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		c.Warns[k.(string)] = atomic.LoadInt64(&cs.warns)
		c.Errors[k.(string)] = atomic.LoadInt64(&cs.errors)
		return true
	})
	return c
}

// StartReport begins periodic logging of acquisition counters. Numbers are
// also pushed to CloudWatch when InitCloudWatch succeeded.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	c := Snapshot()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := Fields{
		"stream_ticks":      c.StreamTicks,
		"rest_fetches":      c.RESTFetches,
		"sdk_fetches":       c.SDKFetches,
		"synthetic_samples": c.SyntheticSamples,
		"dropped_events":    c.DroppedEvents,
		"malformed_frames":  c.MalformedFrames,
		"warns":             c.Warns,
		"errors":            c.Errors,
		"goroutines":        runtime.NumGoroutine(),
		"heap_mb":           int64(mem.HeapAlloc) / 1024 / 1024,
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		count("StreamTicks", c.StreamTicks),
		count("RESTFetches", c.RESTFetches),
		count("SDKFetches", c.SDKFetches),
		count("SyntheticSamples", c.SyntheticSamples),
		count("DroppedEvents", c.DroppedEvents),
		count("MalformedFrames", c.MalformedFrames),
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
	}
	for name, n := range c.Errors {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("Errors"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(n)),
		})
	}

	publishMetrics(ctx, data)
}
