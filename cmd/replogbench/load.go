package main

import (
	"fmt"
	"sync"
	"time"
)

type result struct {
	Total      int
	Successful int
	Failed     int
	Duration   time.Duration
	OpsPerSec  float64
	AvgLatency time.Duration
	MinLatency time.Duration
	MaxLatency time.Duration
}

func (r result) row(name string) string {
	return fmt.Sprintf("%s|%d|%d|%d|%v|%.2f|%v|%v|%v",
		name, r.Total, r.Successful, r.Failed, r.Duration.Round(time.Millisecond),
		r.OpsPerSec, r.AvgLatency, r.MinLatency, r.MaxLatency)
}

// runLoad spreads total calls of op across concurrency goroutines. Worker w
// gets the i-th of its share as op(w, i).
func runLoad(total, concurrency int, op func(worker, i int) error) result {
	if concurrency < 1 {
		concurrency = 1
	}
	start := time.Now()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, fail  int
		latencies = make([]time.Duration, 0, total)
	)

	perWorker := total / concurrency
	remainder := total % concurrency

	for w := 0; w < concurrency; w++ {
		n := perWorker
		if w < remainder {
			n++
		}
		wg.Add(1)
		go func(worker, n int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				opStart := time.Now()
				err := op(worker, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					ok++
				} else {
					fail++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w, n)
	}
	wg.Wait()

	return summarize(total, ok, fail, time.Since(start), latencies)
}

func summarize(total, ok, fail int, d time.Duration, latencies []time.Duration) result {
	r := result{Total: total, Successful: ok, Failed: fail, Duration: d}
	if len(latencies) == 0 {
		return r
	}

	var sum time.Duration
	r.MinLatency, r.MaxLatency = latencies[0], latencies[0]
	for _, lat := range latencies {
		r.MinLatency = min(r.MinLatency, lat)
		r.MaxLatency = max(r.MaxLatency, lat)
		sum += lat
	}
	r.AvgLatency = sum / time.Duration(len(latencies))
	if d > 0 {
		r.OpsPerSec = float64(ok) / d.Seconds()
	}
	return r
}
