package store

import "encoding/json"

// OutboxItem is a pending submission. Once created, its fields never change;
// only its location (outbox vs submitted) does.
type OutboxItem struct {
	// EventID is the client-generated UUID, also embedded in Payload as the
	// idempotency key the server dedups on.
	EventID   string
	Kind      string
	Payload   json.RawMessage
	CreatedAt int64 // unix millis, FIFO ordering only, never used for expiry
}

// SubmittedItem is an OutboxItem the server confirmed receipt of (or
// permanently rejected). Retained for audit and dedup visibility, never
// replayed.
type SubmittedItem struct {
	OutboxItem
	SyncedAt int64
}
