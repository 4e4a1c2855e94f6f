package pool

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/nemanja-m/genpool/internal/pool/core"
)

// Histograms record microseconds up to one day with three significant digits.
const (
	histogramMin     = 1
	histogramMax     = int64(24 * time.Hour / time.Microsecond)
	histogramSigFigs = 3
)

type metrics struct {
	mu         sync.Mutex
	wait       *hdrhistogram.Histogram
	run        *hdrhistogram.Histogram
	dispatches uint64
	completed  uint64
	failed     uint64
}

func newMetrics() *metrics {
	return &metrics{
		wait: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		run:  hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
}

func (m *metrics) dispatched(wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches++
	record(m.wait, wait)
}

func (m *metrics) finished(elapsed time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.completed++
	} else {
		m.failed++
	}
	record(m.run, elapsed)
}

func record(h *hdrhistogram.Histogram, d time.Duration) {
	v := max(d.Microseconds(), histogramMin)
	// clamp so RecordValue never rejects a value
	_ = h.RecordValue(min(v, histogramMax))
}

// Latency summarizes one histogram.
type Latency struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

func summarize(h *hdrhistogram.Histogram) Latency {
	if h.TotalCount() == 0 {
		return Latency{}
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return Latency{
		Count: h.TotalCount(),
		Mean:  time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:   us(h.ValueAtQuantile(50)),
		P90:   us(h.ValueAtQuantile(90)),
		P99:   us(h.ValueAtQuantile(99)),
		Max:   us(h.Max()),
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers     int     `json:"workers"`
	Idle        int     `json:"idle"`
	Busy        int     `json:"busy"`
	Unreachable int     `json:"unreachable"`
	Queued      int     `json:"queued"`
	Dispatched  uint64  `json:"dispatched"`
	Completed   uint64  `json:"completed"`
	Failed      uint64  `json:"failed"`
	Wait        Latency `json:"wait"`
	Run         Latency `json:"run"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	var s Stats
	workers, _ := p.store.GetAllWorkers()
	s.Workers = len(workers)
	for _, w := range workers {
		switch w.State {
		case core.LoadStateIdle:
			s.Idle++
		case core.LoadStateBusy:
			s.Busy++
		case core.LoadStateUnreachable:
			s.Unreachable++
		}
	}
	s.Queued = p.queue.Len()
	p.mu.Unlock()

	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	s.Dispatched = p.metrics.dispatches
	s.Completed = p.metrics.completed
	s.Failed = p.metrics.failed
	s.Wait = summarize(p.metrics.wait)
	s.Run = summarize(p.metrics.run)
	return s
}
