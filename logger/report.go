package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed      int64
	errorsScheduler int64
	warnsFeed       int64
	warnsScheduler  int64
	tickerReads     int64
	candleFetches   int64
	cacheWrites     int64
	reconnects      int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "scheduler") {
		atomic.AddInt64(&warnsScheduler, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "scheduler") {
		atomic.AddInt64(&errorsScheduler, 1)
	}
}

func IncrementTickerRead(size int) {
	atomic.AddInt64(&tickerReads, 1)
	recordChannel("ticker_ws", size)
}

func IncrementCandleFetch(size int) {
	atomic.AddInt64(&candleFetches, 1)
	recordChannel("candle_rest", size)
}

func IncrementCacheWrite(size int) {
	atomic.AddInt64(&cacheWrites, 1)
	recordChannel("cache_write", size)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and channel statistics.
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
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	log.WithComponent("report").WithFields(Fields{
		"errors_feed":      atomic.LoadInt64(&errorsFeed),
		"errors_scheduler": atomic.LoadInt64(&errorsScheduler),
		"warns_feed":       atomic.LoadInt64(&warnsFeed),
		"warns_scheduler":  atomic.LoadInt64(&warnsScheduler),
		"ticker_reads":     atomic.LoadInt64(&tickerReads),
		"candle_fetches":   atomic.LoadInt64(&candleFetches),
		"cache_writes":     atomic.LoadInt64(&cacheWrites),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"goroutines":       runtime.NumGoroutine(),
		"heap_mb":          int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":         channelData,
	}).Info("runtime report")
}
