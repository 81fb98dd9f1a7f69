// Package netstate tracks the device's connectivity signal. The signal is a
// fallible sensor: "online" means a probe recently succeeded, not that the
// next request will. The sync engine always revalidates against the real
// dispatch outcome.
package netstate

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/omarques/ceg/internal/bus"
	"go.uber.org/zap"
)

// Monitor holds the current online/offline state and publishes transitions
// on the bus (net.online / net.offline).
type Monitor struct {
	online   atomic.Bool
	bus      *bus.Bus
	logger   *zap.Logger
	probeURL string
	interval time.Duration
	client   *http.Client
	cancel   context.CancelFunc
}

// New creates a monitor. probeURL may be empty to disable background probing,
// in which case state changes only through SetOnline. The monitor starts
// optimistic (online); the first probe or failed dispatch corrects it.
func New(probeURL string, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	m := &Monitor{
		bus:      b,
		logger:   logger,
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
	m.online.Store(true)
	return m
}

// IsOnline reports the current best-effort connectivity state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// SetOnline records a connectivity observation. Transitions publish a bus
// event; repeated observations of the same state are silent.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	kind := "net.offline"
	if online {
		kind = "net.online"
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}

// Start launches the background prober. No-op without a probe URL.
func (m *Monitor) Start(ctx context.Context) {
	if m.probeURL == "" {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the prober.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	// Probe immediately so a daemon booting offline finds out before the
	// first tick.
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.logger.Error("bad probe url", zap.Error(err))
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.SetOnline(false)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	// A reachable server counts as online even when unhealthy (5xx); the
	// drain classification decides what to do per item.
	m.SetOnline(true)
}
