// Package monitor periodically publishes per-slot occupancy.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/metrics"
)

type occupancySource interface {
	SlotOccupancy(ctx context.Context) ([]appointment.SlotOccupancy, error)
	Capacity() int
}

type Monitor struct {
	src        occupancySource
	metrics    *metrics.Metrics
	log        *zap.Logger
	runTimeout time.Duration
}

func New(src occupancySource, m *metrics.Metrics, log *zap.Logger, runTimeout time.Duration) *Monitor {
	return &Monitor{src: src, metrics: m, log: log.Named("queue-monitor"), runTimeout: runTimeout}
}

// Run publishes once immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("shutdown signal received, stopping queue monitor")
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, m.runTimeout)
	defer cancel()

	start := time.Now()
	full, err := m.RunOnce(runCtx)
	if err != nil {
		m.metrics.QueueMonitorRuns.WithLabelValues("error").Inc()
		m.log.Error("queue monitor run failed", zap.Error(err))
		return
	}
	m.metrics.QueueMonitorRuns.WithLabelValues("ok").Inc()
	m.log.Info("queue monitor run complete",
		zap.Int("full_slots", full),
		zap.Duration("duration", time.Since(start)),
	)
}

// RunOnce replaces the occupancy gauges with the current upcoming slots and
// returns how many are full. Slots that emptied out disappear from the gauge.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	slots, err := m.src.SlotOccupancy(ctx)
	if err != nil {
		return 0, err
	}

	capacity := m.src.Capacity()
	m.metrics.SlotOccupancy.Reset()

	full := 0
	for _, s := range slots {
		m.metrics.SlotOccupancy.WithLabelValues(s.Key.DoctorRef, s.Key.Date.ISO(), s.Key.Time.String()).Set(float64(s.Occupancy))
		if s.Occupancy >= capacity {
			full++
			m.log.Debug("slot full",
				zap.String("slot", s.Key.String()),
				zap.Int("occupancy", s.Occupancy),
				zap.Int("capacity", capacity),
			)
		}
	}
	return full, nil
}
