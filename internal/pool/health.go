package pool

import (
	"context"
	"time"

	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/transport"
)

// Registry is the part of the pool the health checker drives.
type Registry interface {
	Workers() []core.Worker
	MarkUnreachable(id string, cause error) error
	Readmit(id string) error
	RemoveWorker(id string) error
}

// HealthChecker probes workers whose connection implements transport.Pinger.
// Idle workers that fail a probe become unreachable, unreachable workers that
// answer are readmitted, and workers unreachable for longer than removeAfter
// are removed. A zero removeAfter keeps them forever.
type HealthChecker struct {
	checkInterval time.Duration
	probeTimeout  time.Duration
	removeAfter   time.Duration
	registry      Registry
	logger        logging.Logger
}

func NewHealthChecker(
	checkInterval time.Duration,
	probeTimeout time.Duration,
	removeAfter time.Duration,
	registry Registry,
	logger logging.Logger,
) *HealthChecker {
	return &HealthChecker{
		checkInterval: checkInterval,
		probeTimeout:  probeTimeout,
		removeAfter:   removeAfter,
		registry:      registry,
		logger:        logger,
	}
}

func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check runs one probe round.
func (h *HealthChecker) Check(ctx context.Context) {
	for _, w := range h.registry.Workers() {
		if ctx.Err() != nil {
			return
		}
		switch w.State {
		case core.LoadStateIdle:
			h.probeIdle(ctx, w)
		case core.LoadStateUnreachable:
			h.probeUnreachable(ctx, w)
		}
	}
}

func (h *HealthChecker) probeIdle(ctx context.Context, w core.Worker) {
	err := h.ping(ctx, w)
	if err == nil {
		return
	}
	if err := h.registry.MarkUnreachable(w.ID, err); err != nil {
		h.logger.Error("Failed to mark worker unreachable", "worker_id", w.ID, "error", err)
	}
}

func (h *HealthChecker) probeUnreachable(ctx context.Context, w core.Worker) {
	err := h.ping(ctx, w)
	if err == nil {
		if err := h.registry.Readmit(w.ID); err != nil {
			h.logger.Error("Failed to readmit worker", "worker_id", w.ID, "error", err)
		}
		return
	}

	if h.removeAfter <= 0 || w.UnreachableSince.IsZero() || time.Since(w.UnreachableSince) < h.removeAfter {
		h.logger.Debug("Worker still unreachable", "worker_id", w.ID, "error", err)
		return
	}
	h.logger.Info("Removing unreachable worker", "worker_id", w.ID, "unreachable_since", w.UnreachableSince)
	if err := h.registry.RemoveWorker(w.ID); err != nil {
		h.logger.Error("Failed to remove unreachable worker", "worker_id", w.ID, "error", err)
	}
}

func (h *HealthChecker) ping(ctx context.Context, w core.Worker) error {
	pinger, ok := w.Conn.(transport.Pinger)
	if !ok {
		return nil
	}
	if h.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.probeTimeout)
		defer cancel()
	}
	return pinger.Ping(ctx)
}
