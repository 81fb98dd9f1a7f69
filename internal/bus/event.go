package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used across the app:
//
//	outbox.saved     a submission was written to the local outbox
//	outbox.rejected  the server permanently rejected a submission (HTTP 400)
//	sync.completed   a drain cycle finished
//	net.online       connectivity restored
//	net.offline      connectivity lost
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
