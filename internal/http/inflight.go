package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drain tracks requests being served so shutdown can wait for them after the
// listener closes. The optional gauge mirrors the count for /metrics.
type Drain struct {
	active atomic.Int64
	gauge  prometheus.Gauge
}

// NewDrain returns a Drain reporting into gauge. gauge may be nil.
func NewDrain(gauge prometheus.Gauge) *Drain {
	return &Drain{gauge: gauge}
}

// Begin marks a request as started. The returned func marks it finished and
// must be called exactly once.
func (d *Drain) Begin() (done func()) {
	d.active.Add(1)
	if d.gauge != nil {
		d.gauge.Inc()
	}
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		if d.gauge != nil {
			d.gauge.Dec()
		}
		d.active.Add(-1)
	}
}

// Active is the number of requests still being served.
func (d *Drain) Active() int64 {
	return d.active.Load()
}

// Wait polls every interval until no request is active or ctx ends.
func (d *Drain) Wait(ctx context.Context, interval time.Duration) error {
	if d.Active() == 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if d.Active() == 0 {
				return nil
			}
		}
	}
}
