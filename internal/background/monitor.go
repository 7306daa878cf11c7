// Package background runs the gateway's periodic upkeep: a scheduled
// verifier health probe and a dispatcher stats report.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trustagent/audit-gateway/internal/logger"
)

const (
	stateUnknown int32 = iota
	stateHealthy
	stateUnreachable
)

// Pinger is the monitor's view of the verifier transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports dispatcher state for the periodic debug line.
type StatsSource interface {
	Stats() map[string]interface{}
}

// Monitor probes the verifier on a fixed schedule and logs transitions
// between healthy and unreachable. A nil pinger disables probing; the
// stats report still runs.
type Monitor struct {
	pinger   Pinger
	stats    StatsSource
	interval time.Duration
	cron     *cron.Cron
	state    atomic.Int32
	logger   *logger.Logger
}

func NewMonitor(pinger Pinger, stats StatsSource, interval time.Duration, log *logger.Logger) *Monitor {
	return &Monitor{
		pinger:   pinger,
		stats:    stats,
		interval: interval,
		cron:     cron.New(),
		logger:   log.WithComponent("monitor"),
	}
}

// Start schedules the probe and fires one immediately so the gateway
// reports verifier health right after boot.
func (m *Monitor) Start() error {
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, m.probe); err != nil {
		return fmt.Errorf("failed to schedule health probe: %w", err)
	}
	m.cron.Start()

	go m.probe()

	m.logger.Info("monitor started", slog.Duration("interval", m.interval))
	return nil
}

// Stop halts the schedule and waits for a running probe to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("monitor stopped")
}

// Healthy reports whether the last probe reached the verifier.
func (m *Monitor) Healthy() bool {
	return m.state.Load() == stateHealthy
}

func (m *Monitor) probe() {
	if m.pinger != nil {
		err := m.pinger.Ping(context.Background())

		state := stateHealthy
		if err != nil {
			state = stateUnreachable
		}

		if prev := m.state.Swap(state); prev != state {
			if state == stateHealthy {
				m.logger.Info("verifier reachable")
			} else {
				m.logger.Warn("verifier unreachable", slog.String("error", err.Error()))
			}
		}
	}

	if m.stats != nil {
		m.logger.Debug("dispatcher stats", slog.Any("stats", m.stats.Stats()))
	}
}
