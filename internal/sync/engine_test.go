package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/omarques/ceg/internal/bus"
	"github.com/omarques/ceg/internal/netstate"
	"github.com/omarques/ceg/internal/routes"
	"github.com/omarques/ceg/internal/store"
	"go.uber.org/zap"
)

// mockDispatcher replays scripted outcomes and records every call.
type mockDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	script []outcome
	block  chan struct{} // when non-nil, each call waits here
	onCall func(n int)
}

type dispatchCall struct {
	URL     string
	EventID string
}

type outcome struct {
	status int
	err    error
}

func (m *mockDispatcher) Dispatch(_ context.Context, url string, body []byte) (int, error) {
	m.mu.Lock()
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)
	id, _ := decoded["event_id"].(string)
	m.calls = append(m.calls, dispatchCall{URL: url, EventID: id})
	n := len(m.calls)
	var out outcome
	if len(m.script) > 0 {
		out = m.script[0]
		if len(m.script) > 1 {
			m.script = m.script[1:]
		}
	} else {
		out = outcome{status: 200}
	}
	onCall := m.onCall
	m.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if m.block != nil {
		<-m.block
	}
	return out.status, out.err
}

func (m *mockDispatcher) recorded() []dispatchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dispatchCall(nil), m.calls...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T, db *store.DB, b *bus.Bus, mock *mockDispatcher) (*Engine, *netstate.Monitor) {
	t.Helper()
	mon := netstate.New("", time.Hour, b, zap.NewNop())
	router := routes.New("https://ceg.example.org")
	e := NewEngine(db, router, mock, mon, b, time.Hour, zap.NewNop())
	return e, mon
}

func enqueue(t *testing.T, db *store.DB, kind string, createdAt int64) string {
	t.Helper()
	id := fmt.Sprintf("%s-%d", kind, createdAt)
	payload, _ := json.Marshal(map[string]any{"event_id": id, "kind": kind})
	if _, err := db.SaveOutbox(&store.OutboxItem{
		EventID:   id,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: createdAt,
	}, 0); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDrainAcknowledgesOnSuccess(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	e, _ := testEngine(t, db, b, mock)

	id := enqueue(t, db, "checkin", 1000)

	synced := e.Drain(context.Background())
	if synced != 1 {
		t.Fatalf("Drain() = %d, want 1", synced)
	}

	calls := mock.recorded()
	if len(calls) != 1 {
		t.Fatalf("got %d dispatches, want 1", len(calls))
	}
	if calls[0].URL != "https://ceg.example.org/api/public/checkin" {
		t.Errorf("url = %q, want the checkin endpoint", calls[0].URL)
	}
	if calls[0].EventID != id {
		t.Errorf("dispatched event_id = %q, want %q", calls[0].EventID, id)
	}

	pending, _ := db.PendingCount()
	submitted, _ := db.SubmittedCount()
	if pending != 0 || submitted != 1 {
		t.Errorf("pending=%d submitted=%d, want 0/1", pending, submitted)
	}
}

func TestDrainFIFOOrder(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	e, _ := testEngine(t, db, b, mock)

	// Mixed kinds enqueued in sequence drain in that same sequence, no
	// partitioning by kind.
	var want []string
	want = append(want, enqueue(t, db, "checkin", 1000))
	want = append(want, enqueue(t, db, "help", 2000))
	want = append(want, enqueue(t, db, "ems", 3000))
	want = append(want, enqueue(t, db, "reunify", 4000))

	if got := e.Drain(context.Background()); got != 4 {
		t.Fatalf("Drain() = %d, want 4", got)
	}

	calls := mock.recorded()
	if len(calls) != 4 {
		t.Fatalf("got %d dispatches, want 4", len(calls))
	}
	for i, c := range calls {
		if c.EventID != want[i] {
			t.Errorf("dispatch %d = %q, want %q (FIFO)", i, c.EventID, want[i])
		}
	}
}

func TestDrainOfflineIsNoop(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	e, mon := testEngine(t, db, b, mock)

	enqueue(t, db, "checkin", 1000)
	mon.SetOnline(false)

	if got := e.Drain(context.Background()); got != 0 {
		t.Errorf("Drain() = %d, want 0 while offline", got)
	}
	if len(mock.recorded()) != 0 {
		t.Error("dispatched while offline")
	}
	pending, _ := db.PendingCount()
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
}

func TestDrainHaltsOnRateLimit(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{script: []outcome{{status: 200}, {status: 429}}}
	e, _ := testEngine(t, db, b, mock)

	enqueue(t, db, "checkin", 1000)
	id2 := enqueue(t, db, "help", 2000)
	id3 := enqueue(t, db, "ems", 3000)

	if got := e.Drain(context.Background()); got != 1 {
		t.Fatalf("Drain() = %d, want 1", got)
	}
	if len(mock.recorded()) != 2 {
		t.Fatalf("got %d dispatches, want 2 (halt on 429, item 3 untouched)", len(mock.recorded()))
	}

	// Items 2 and 3 stay pending, in original order.
	items, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d pending, want 2", len(items))
	}
	if items[0].EventID != id2 || items[1].EventID != id3 {
		t.Errorf("pending = [%s %s], want [%s %s]", items[0].EventID, items[1].EventID, id2, id3)
	}
}

func TestDrainContinuesPastServerError(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{script: []outcome{{status: 503}, {status: 200}}}
	e, _ := testEngine(t, db, b, mock)

	id1 := enqueue(t, db, "checkin", 1000)
	enqueue(t, db, "help", 2000)

	if got := e.Drain(context.Background()); got != 1 {
		t.Fatalf("Drain() = %d, want 1", got)
	}
	if len(mock.recorded()) != 2 {
		t.Fatalf("got %d dispatches, want 2 (5xx isolates the item, not the queue)", len(mock.recorded()))
	}

	// The failed item is retained for the next drain.
	items, _ := db.PendingOutbox()
	if len(items) != 1 || items[0].EventID != id1 {
		t.Errorf("pending = %v, want just %s", items, id1)
	}
}

func TestDrainAcknowledgesPermanentRejection(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{script: []outcome{{status: 400}}}
	e, _ := testEngine(t, db, b, mock)

	ch, unsub := b.Subscribe("outbox.rejected", 10)
	defer unsub()

	id := enqueue(t, db, "checkin", 1000)

	if got := e.Drain(context.Background()); got != 1 {
		t.Fatalf("Drain() = %d, want 1 (400 counts as handled)", got)
	}

	pending, _ := db.PendingCount()
	if pending != 0 {
		t.Errorf("pending = %d, want 0 (rejected items are not retried)", pending)
	}

	// Diagnostic event recorded.
	select {
	case evt := <-ch:
		p, _ := evt.Payload.(map[string]string)
		if p["event_id"] != id {
			t.Errorf("rejected event_id = %q, want %q", p["event_id"], id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outbox.rejected event")
	}
}

func TestDrainHaltsOnTransportError(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{script: []outcome{{err: errors.New("connection reset")}}}
	e, _ := testEngine(t, db, b, mock)

	enqueue(t, db, "checkin", 1000)
	enqueue(t, db, "help", 2000)

	if got := e.Drain(context.Background()); got != 0 {
		t.Fatalf("Drain() = %d, want 0", got)
	}
	if len(mock.recorded()) != 1 {
		t.Errorf("got %d dispatches, want 1 (halt immediately on transport error)", len(mock.recorded()))
	}
	pending, _ := db.PendingCount()
	if pending != 2 {
		t.Errorf("pending = %d, want 2 (everything retained)", pending)
	}
}

func TestDrainDiscardsUnknownKind(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	e, _ := testEngine(t, db, b, mock)

	// A row from an older build with a kind this build no longer knows.
	enqueue(t, db, "legacy-report", 1000)
	id2 := enqueue(t, db, "checkin", 2000)

	if got := e.Drain(context.Background()); got != 2 {
		t.Fatalf("Drain() = %d, want 2", got)
	}

	// The poison item was never dispatched but also no longer blocks the queue.
	calls := mock.recorded()
	if len(calls) != 1 || calls[0].EventID != id2 {
		t.Errorf("calls = %v, want only %s dispatched", calls, id2)
	}
	pending, _ := db.PendingCount()
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestDrainStopsWhenConnectivityDropsMidDrain(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	e, mon := testEngine(t, db, b, mock)
	mock.onCall = func(n int) {
		if n == 1 {
			mon.SetOnline(false)
		}
	}

	enqueue(t, db, "checkin", 1000)
	enqueue(t, db, "help", 2000)
	enqueue(t, db, "ems", 3000)

	if got := e.Drain(context.Background()); got != 1 {
		t.Fatalf("Drain() = %d, want 1", got)
	}
	if len(mock.recorded()) != 1 {
		t.Errorf("got %d dispatches, want 1 (per-item online re-check)", len(mock.recorded()))
	}
	pending, _ := db.PendingCount()
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}
}

func TestNoOverlappingDrains(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{block: make(chan struct{})}
	e, _ := testEngine(t, db, b, mock)

	enqueue(t, db, "checkin", 1000)

	started := make(chan struct{})
	mock.onCall = func(int) { close(started) }

	done := make(chan int, 1)
	go func() { done <- e.Drain(context.Background()) }()

	<-started
	if !e.Draining() {
		t.Error("Draining() = false during an active drain")
	}

	// A second trigger while draining must be a no-op.
	if got := e.Drain(context.Background()); got != 0 {
		t.Errorf("overlapping Drain() = %d, want 0", got)
	}
	if len(mock.recorded()) != 1 {
		t.Errorf("got %d dispatches, want 1 (single active drain)", len(mock.recorded()))
	}

	close(mock.block)
	if got := <-done; got != 1 {
		t.Errorf("first Drain() = %d, want 1", got)
	}
	if e.Draining() {
		t.Error("Draining() = true after drain finished")
	}
}

func TestDrainPublishesCompletedEvent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{script: []outcome{{status: 200}, {status: 429}}}
	e, _ := testEngine(t, db, b, mock)

	ch, unsub := b.Subscribe("sync.completed", 10)
	defer unsub()

	enqueue(t, db, "checkin", 1000)
	enqueue(t, db, "help", 2000)

	e.Drain(context.Background())

	select {
	case evt := <-ch:
		res, ok := evt.Payload.(DrainResult)
		if !ok {
			t.Fatalf("payload type = %T, want DrainResult", evt.Payload)
		}
		if res.Synced != 1 || res.Remaining != 1 {
			t.Errorf("result = %+v, want Synced=1 Remaining=1", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sync.completed event")
	}
}

// TestEngineDrainsOnOnlineEvent is the end-to-end offline→online scenario:
// submissions queued while offline go out, in order, once connectivity
// returns.
func TestEngineDrainsOnOnlineEvent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	e, mon := testEngine(t, db, b, mock)

	mon.SetOnline(false)

	id1 := enqueue(t, db, "checkin", 1000)
	id2 := enqueue(t, db, "help", 2000)

	done, unsub := b.Subscribe("sync.completed", 10)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	// Still offline: nothing should move.
	time.Sleep(50 * time.Millisecond)
	if len(mock.recorded()) != 0 {
		t.Fatal("dispatched while offline")
	}

	mon.SetOnline(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for drain after going online")
	}

	calls := mock.recorded()
	if len(calls) != 2 || calls[0].EventID != id1 || calls[1].EventID != id2 {
		t.Errorf("calls = %v, want [%s %s] in order", calls, id1, id2)
	}
	pending, _ := db.PendingCount()
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestNudgeTriggersDrain(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	e, _ := testEngine(t, db, b, mock)

	done, unsub := b.Subscribe("sync.completed", 10)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	// Drain the initial-start cycle first.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial drain")
	}

	enqueue(t, db, "checkin", 1000)
	e.Nudge()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for nudged drain")
	}

	if len(mock.recorded()) != 1 {
		t.Errorf("got %d dispatches, want 1", len(mock.recorded()))
	}
}
