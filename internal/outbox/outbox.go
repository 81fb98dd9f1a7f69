// Package outbox is the producer-facing API of the offline queue. Saving a
// submission is purely local: it must succeed (or fail) without ever touching
// the network, so input capture works identically online and offline.
package outbox

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/omarques/ceg/internal/bus"
	"github.com/omarques/ceg/internal/store"
	"go.uber.org/zap"
)

// Kind identifies the destination a submission is bound for.
type Kind string

const (
	KindCheckin Kind = "checkin"
	KindHelp    Kind = "help"
	KindReunify Kind = "reunify"
	KindShelter Kind = "shelter"
	KindStuck   Kind = "stuck"
	KindEMS     Kind = "ems"
)

// Kinds lists every valid submission kind.
var Kinds = []Kind{KindCheckin, KindHelp, KindReunify, KindShelter, KindStuck, KindEMS}

// Valid reports whether k is a known submission kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Outbox persists submissions and hands the sync engine a nudge. It never
// dispatches anything itself.
type Outbox struct {
	db         *store.DB
	bus        *bus.Bus
	nudge      func()
	logger     *zap.Logger
	maxPending int
}

// New creates an outbox. nudge is invoked after each successful save for an
// opportunistic immediate drain; it may be nil. maxPending caps the queue
// (0 = unbounded).
func New(db *store.DB, b *bus.Bus, nudge func(), maxPending int, logger *zap.Logger) *Outbox {
	return &Outbox{
		db:         db,
		bus:        b,
		nudge:      nudge,
		logger:     logger,
		maxPending: maxPending,
	}
}

// Save persists a submission and returns its event id, the client-generated
// idempotency key. The id is embedded into a copy of the payload so the
// server can dedup re-deliveries; the caller's map is not modified.
// Save returns before any sync attempt is triggered.
func (o *Outbox) Save(kind Kind, payload map[string]any) (string, error) {
	id := uuid.NewString()

	body := make(map[string]any, len(payload)+1)
	maps.Copy(body, payload)
	body["event_id"] = id

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	item := &store.OutboxItem{
		EventID:   id,
		Kind:      string(kind),
		Payload:   raw,
		CreatedAt: time.Now().UnixMilli(),
	}

	evicted, err := o.db.SaveOutbox(item, o.maxPending)
	if err != nil {
		return "", fmt.Errorf("save submission: %w", err)
	}
	if evicted > 0 {
		o.logger.Warn("outbox at capacity, evicted oldest submission",
			zap.Int("evicted", evicted),
			zap.Int("max_pending", o.maxPending))
	}

	o.logger.Info("submission saved",
		zap.String("event_id", id),
		zap.String("kind", string(kind)))

	o.bus.Publish(bus.Event{
		Kind:      "outbox.saved",
		Timestamp: time.Now(),
		Payload:   map[string]string{"event_id": id, "kind": string(kind)},
	})

	if o.nudge != nil {
		o.nudge()
	}
	return id, nil
}
