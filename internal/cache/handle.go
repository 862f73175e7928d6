package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var errHandleClosed = errors.New("fast tier handle closed")

// Dialer creates a FastTier. It is called lazily on the first Probe.
type Dialer func(ctx context.Context) (FastTier, error)

// Handle owns the fast-tier connection. It is created once at startup and
// shared by all lookups; a nil *Handle means the fast tier is disabled.
type Handle struct {
	backend string
	dial    Dialer
	logger  *zap.Logger

	// probeMu serializes probes. mu guards tier and closed and is never held
	// across network calls, so lookups are not blocked by a slow probe.
	probeMu   sync.Mutex
	mu        sync.Mutex
	tier      FastTier
	closed    bool
	reachable atomic.Bool
}

// NewHandle returns a Handle for backend that connects with dial on first Probe.
func NewHandle(backend string, dial Dialer, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{backend: backend, dial: dial, logger: logger}
}

// Backend returns the configured backend name, or "" when h is nil.
func (h *Handle) Backend() string {
	if h == nil {
		return ""
	}
	return h.backend
}

// Probe connects if needed and pings the tier, updating reachability.
// A failed probe leaves the tier unreachable until the next successful one.
func (h *Handle) Probe(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.probeMu.Lock()
	defer h.probeMu.Unlock()

	tier, err := h.connect(ctx)
	if err != nil {
		h.setReachable(false, err)
		return err
	}
	if err := tier.Ping(ctx); err != nil {
		h.setReachable(false, err)
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	h.setReachable(true, nil)
	return nil
}

// connect returns the current tier, dialing one if there is none yet.
func (h *Handle) connect(ctx context.Context) (FastTier, error) {
	if t := h.Tier(); t != nil {
		return t, nil
	}
	t, err := h.dial(ctx)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = t.Close()
		return nil, errHandleClosed
	}
	h.tier = t
	return t, nil
}

// IsReachable reports whether the last probe or operation found the tier usable.
func (h *Handle) IsReachable() bool {
	return h != nil && h.reachable.Load()
}

// Tier returns the connected tier, or nil before the first successful dial.
func (h *Handle) Tier() FastTier {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tier
}

// reportError marks the tier unreachable when err is a connection failure.
func (h *Handle) reportError(err error) {
	if isConnectionError(err) {
		h.setReachable(false, err)
	}
}

func (h *Handle) setReachable(ok bool, err error) {
	was := h.reachable.Swap(ok)
	switch {
	case ok && !was:
		h.logger.Info("fast tier connected", zap.String("backend", h.backend))
	case !ok && was:
		h.logger.Warn("fast tier unreachable", zap.String("backend", h.backend), zap.Error(err))
	case !ok && err != nil:
		h.logger.Debug("fast tier probe failed", zap.String("backend", h.backend), zap.Error(err))
	}
}

// Close closes the underlying tier if one was dialed. Later probes fail.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.reachable.Store(false)
	if h.tier == nil {
		return nil
	}
	err := h.tier.Close()
	h.tier = nil
	return err
}
