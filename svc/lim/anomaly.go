package lim

import (
	"sync"
	"time"

	"github.com/SpyrosRoum/termpad/metrics"
	"github.com/SpyrosRoum/termpad/svc/util"
)

const (
	faultWindowBuckets = 5
	faultMinRequests   = 10
	faultRateThreshold = 5.0
)

// FaultDetector keeps a sliding window of request and fault counts. When the
// share of faults in the window gets too high (typically a full or failing
// disk) it calls onAnomaly so the limiter can tighten up.
type FaultDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}

type bucket struct {
	requests int64
	faults   int64
}

func NewFaultDetector(onAnomaly func()) *FaultDetector {
	return &FaultDetector{
		window:    make([]bucket, faultWindowBuckets),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

// Start advances the window once per interval until Stop.
func (d *FaultDetector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *FaultDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *FaultDetector) RecordRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].requests++
}

func (d *FaultDetector) RecordFault() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].faults++
}

// AdvanceWindow evaluates the window and rotates to a fresh bucket.
func (d *FaultDetector) AdvanceWindow() {
	d.mu.Lock()
	var totalReqs, totalFaults int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalFaults += b.faults
	}
	var faultRate float64
	if totalReqs > 0 {
		faultRate = (float64(totalFaults) / float64(totalReqs)) * 100.0
	}
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	metrics.RecentFaultRatePercent.Set(faultRate)
	if totalReqs > faultMinRequests && faultRate > faultRateThreshold {
		util.Warn().
			Float64("fault_rate", faultRate).
			Int64("total_reqs", totalReqs).
			Int64("total_faults", totalFaults).
			Msg("high fault rate, tightening throttle")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
