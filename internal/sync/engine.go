// Package sync drains the outbox against the remote endpoints whenever
// connectivity allows. Delivery is at-least-once and strictly FIFO; the
// server dedups on the event_id embedded in every payload.
package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/omarques/ceg/internal/bus"
	"github.com/omarques/ceg/internal/netstate"
	"github.com/omarques/ceg/internal/outbox"
	"github.com/omarques/ceg/internal/routes"
	"github.com/omarques/ceg/internal/store"
	"go.uber.org/zap"
)

// DrainResult is the payload of sync.completed events.
type DrainResult struct {
	Synced    int
	Remaining int
}

// Engine consumes the outbox. All triggers funnel into a single consumer
// goroutine, so at most one drain runs at a time; the atomic flag additionally
// guards direct Drain calls from the HTTP surface.
type Engine struct {
	db       *store.DB
	router   *routes.Router
	client   Dispatcher
	net      *netstate.Monitor
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	draining atomic.Bool
	nudges   chan struct{}
	cancel   context.CancelFunc
}

// NewEngine creates a sync engine. interval is the periodic drain tick, a
// safety net for missed connectivity events.
func NewEngine(db *store.DB, router *routes.Router, client Dispatcher, net *netstate.Monitor, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		router:   router,
		client:   client,
		net:      net,
		bus:      b,
		logger:   logger,
		interval: interval,
		nudges:   make(chan struct{}, 1),
	}
}

// Start launches the trigger loop: connectivity restores, periodic ticks and
// nudges all request a drain. If currently online, an initial drain runs.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	online, unsub := e.bus.Subscribe("net.online", 16)

	go func() {
		defer unsub()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-online:
				e.Drain(ctx)
			case <-ticker.C:
				if e.net.IsOnline() {
					e.Drain(ctx)
				}
			case <-e.nudges:
				if e.net.IsOnline() {
					e.Drain(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if e.net.IsOnline() {
		e.Nudge()
	}
}

// Stop stops the trigger loop. An in-flight drain finishes its current item.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Nudge requests an opportunistic drain without blocking the caller. Nudges
// coalesce: one queued nudge is enough, extras are dropped.
func (e *Engine) Nudge() {
	select {
	case e.nudges <- struct{}{}:
	default:
	}
}

// Draining reports whether a drain cycle is currently running.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Drain runs one pass over the pending queue in FIFO order and returns the
// number of submissions acknowledged. It is a no-op when a drain is already
// running or the device looks offline.
//
// Outcome classification per item:
//
//	2xx              acknowledge
//	400              acknowledge (permanent rejection, logged)
//	429              halt: backpressure, retain this and all later items
//	5xx / other      retain this item, continue with the next
//	transport error  halt: we likely went offline mid-drain
func (e *Engine) Drain(ctx context.Context) int {
	if !e.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer e.draining.Store(false)

	if !e.net.IsOnline() {
		return 0
	}

	items, err := e.db.PendingOutbox()
	if err != nil {
		e.logger.Error("failed to read outbox", zap.Error(err))
		return 0
	}

	synced := 0
	defer func() {
		remaining, _ := e.db.PendingCount()
		e.bus.Publish(bus.Event{
			Kind:      "sync.completed",
			Timestamp: time.Now(),
			Payload:   DrainResult{Synced: synced, Remaining: remaining},
		})
	}()

loop:
	for _, item := range items {
		// Re-check before every item: connectivity can vanish mid-drain.
		if !e.net.IsOnline() {
			break
		}

		url, err := e.router.Resolve(outbox.Kind(item.Kind))
		if err != nil {
			if errors.Is(err, routes.ErrUnknownKind) {
				// Permanent: acknowledge so a poison item cannot block the
				// queue forever.
				e.logger.Warn("unknown submission kind, discarding",
					zap.String("event_id", item.EventID),
					zap.String("kind", item.Kind))
				if err := e.ack(item.EventID); err == nil {
					synced++
				}
				continue
			}
			e.logger.Error("route resolution failed", zap.Error(err))
			continue
		}

		status, err := e.client.Dispatch(ctx, url, item.Payload)
		switch {
		case err != nil:
			e.logger.Warn("dispatch failed, halting drain",
				zap.String("event_id", item.EventID),
				zap.Error(err))
			break loop

		case status >= 200 && status < 300:
			if err := e.ack(item.EventID); err == nil {
				synced++
			}

		case status == 400:
			// Retrying a rejected payload cannot succeed; acknowledge but
			// keep a diagnostic trail.
			e.logger.Warn("submission permanently rejected",
				zap.String("event_id", item.EventID),
				zap.String("kind", item.Kind))
			e.bus.Publish(bus.Event{
				Kind:      "outbox.rejected",
				Timestamp: time.Now(),
				Payload:   map[string]string{"event_id": item.EventID, "kind": item.Kind},
			})
			if err := e.ack(item.EventID); err == nil {
				synced++
			}

		case status == 429:
			e.logger.Info("rate limited, halting drain",
				zap.Int("remaining", len(items)-synced))
			break loop

		default:
			// Transient server failure: keep the item, but don't let one bad
			// endpoint block the others.
			e.logger.Warn("server error, will retry",
				zap.String("event_id", item.EventID),
				zap.Int("status", status))
		}
	}

	return synced
}

func (e *Engine) ack(eventID string) error {
	if err := e.db.MarkSynced(eventID); err != nil {
		e.logger.Error("failed to mark synced",
			zap.String("event_id", eventID),
			zap.Error(err))
		return err
	}
	return nil
}
