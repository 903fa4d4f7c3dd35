package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type counterStat struct {
	count int64
	items int64
}

var (
	warnCounts  sync.Map // map[string]*int64
	errorCounts sync.Map // map[string]*int64
	activities  sync.Map // map[string]*counterStat
)

func recordWarn(component string) {
	v, _ := warnCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordActivity counts one operation of the named kind (fetch, rows
// written, jobs acked) with an item count, for the periodic report.
func RecordActivity(name string, items int) {
	v, _ := activities.LoadOrStore(name, &counterStat{})
	cs := v.(*counterStat)
	atomic.AddInt64(&cs.count, 1)
	atomic.AddInt64(&cs.items, int64(items))
}

// StartReport begins periodic logging of runtime and activity
// statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := Fields{
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": mem.HeapAlloc / (1 << 20),
		"num_gc":        mem.NumGC,
	}
	warnCounts.Range(func(k, v interface{}) bool {
		fields["warns_"+k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	errorCounts.Range(func(k, v interface{}) bool {
		fields["errors_"+k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	activities.Range(func(k, v interface{}) bool {
		cs := v.(*counterStat)
		fields[k.(string)+"_count"] = atomic.LoadInt64(&cs.count)
		fields[k.(string)+"_items"] = atomic.LoadInt64(&cs.items)
		return true
	})

	log.WithComponent("report").WithFields(fields).Info("periodic status report")
}
