// Package routes maps submission kinds to their destination endpoints.
package routes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/omarques/ceg/internal/outbox"
)

// ErrUnknownKind is returned for kinds with no destination. The sync engine
// treats it as a permanent error so a poison item can never stall the queue.
var ErrUnknownKind = errors.New("unknown submission kind")

// Shelter and stuck reports go through the check-in endpoint; the server
// distinguishes them by payload.
var table = map[outbox.Kind]string{
	outbox.KindCheckin: "/api/public/checkin",
	outbox.KindHelp:    "/api/public/help",
	outbox.KindEMS:     "/api/public/ems",
	outbox.KindReunify: "/api/public/reunify",
	outbox.KindShelter: "/api/public/checkin",
	outbox.KindStuck:   "/api/public/checkin",
}

// Router resolves destination URLs from a configured base.
type Router struct {
	base string
}

// New creates a router for the given base URL, e.g. "https://checkin.example.org".
func New(base string) *Router {
	return &Router{base: strings.TrimRight(base, "/")}
}

// Resolve returns the destination URL for a submission kind.
func (r *Router) Resolve(kind outbox.Kind) (string, error) {
	path, ok := table[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return r.base + path, nil
}
