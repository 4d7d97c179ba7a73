package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/internal/observability"
	"github.com/meshwire/courier/internal/transport"
)

type captureSink struct {
	mu       sync.Mutex
	txns     []*transport.Transaction
	failures int
	err      error
	sent     chan *transport.Transaction
}

func newCaptureSink() *captureSink {
	return &captureSink{sent: make(chan *transport.Transaction, 64)}
}

func (s *captureSink) Send(_ context.Context, txn *transport.Transaction) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.txns = append(s.txns, txn)
	s.mu.Unlock()
	select {
	case s.sent <- txn:
	default:
	}
	return nil
}

func (s *captureSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}

func (s *captureSink) all() []*transport.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Transaction, len(s.txns))
	copy(out, s.txns)
	return out
}

func (s *captureSink) waitForTxn(t *testing.T) *transport.Transaction {
	t.Helper()
	select {
	case txn := <-s.sent:
		return txn
	case <-time.After(2 * time.Second):
		t.Fatalf("no transaction arrived")
		return nil
	}
}

func newTestQueue(t *testing.T, mutate func(*Config)) (*Queue, *captureSink) {
	t.Helper()
	sink := newCaptureSink()
	cfg := Config{
		Origin:                "s1",
		Sink:                  sink,
		Metrics:               observability.NewRuntimeMetrics(),
		TransactionsPerSecond: 1000,
		MaxRetryElapsed:       200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := NewManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr.NewQueue("s2"), sink
}

func waitForIdle(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for q.TransmissionLoopRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("transmission loop did not go idle")
		}
		time.Sleep(time.Millisecond)
	}
}

func event(id string, ordering int64) *fed.Event {
	return &fed.Event{ID: id, RoomID: "!r:s1", Sender: "@u:s1", StreamOrdering: ordering}
}

func TestNewManagerValidates(t *testing.T) {
	if _, err := NewManager(context.Background(), Config{Sink: newCaptureSink()}); err == nil {
		t.Fatalf("missing origin must fail")
	}
	if _, err := NewManager(context.Background(), Config{Origin: "s1"}); err == nil {
		t.Fatalf("missing sink must fail")
	}
}

func TestQueueSendsPDU(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	q.SendPDU(event("$e1", 1), 1)
	txn := sink.waitForTxn(t)

	if txn.Origin != "s1" || txn.Destination != "s2" {
		t.Fatalf("transaction endpoints wrong: %+v", txn)
	}
	if len(txn.PDUs) != 1 || txn.PDUs[0].ID != "$e1" {
		t.Fatalf("unexpected PDUs: %+v", txn.PDUs)
	}
	if txn.ID == "" {
		t.Fatalf("transaction id missing")
	}
	waitForIdle(t, q)
	if q.PendingPDUCount() != 0 {
		t.Fatalf("sent PDU still pending")
	}
}

func TestQueuePDUsKeepOrderTag(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	// Enqueue out of order; the queue sorts by the order tag.
	q.mu.Lock()
	q.loopRunning = true // hold the loop so both land in one batch
	q.mu.Unlock()
	q.SendPDU(event("$e2", 2), 7)
	q.SendPDU(event("$e1", 1), 5)
	q.mu.Lock()
	q.loopRunning = false
	q.mu.Unlock()
	q.AttemptNewTransaction()

	txn := sink.waitForTxn(t)
	if len(txn.PDUs) != 2 || txn.PDUs[0].ID != "$e1" || txn.PDUs[1].ID != "$e2" {
		t.Fatalf("PDUs not ordered by tag: %+v", txn.PDUs)
	}
}

func TestQueueBatchesLargePDUBacklog(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	q.mu.Lock()
	q.loopRunning = true
	q.mu.Unlock()
	for i := 1; i <= 120; i++ {
		q.SendPDU(event("$e", int64(i)), int64(i))
	}
	q.mu.Lock()
	q.loopRunning = false
	q.mu.Unlock()
	q.AttemptNewTransaction()

	first := sink.waitForTxn(t)
	if len(first.PDUs) != maxPDUsPerTransaction {
		t.Fatalf("first batch has %d PDUs, want %d", len(first.PDUs), maxPDUsPerTransaction)
	}
	second := sink.waitForTxn(t)
	if len(second.PDUs) != maxPDUsPerTransaction {
		t.Fatalf("second batch has %d PDUs, want %d", len(second.PDUs), maxPDUsPerTransaction)
	}
	third := sink.waitForTxn(t)
	if len(third.PDUs) != 20 {
		t.Fatalf("final batch has %d PDUs, want 20", len(third.PDUs))
	}
	waitForIdle(t, q)
}

func TestKeyedEDUClobbers(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	q.mu.Lock()
	q.loopRunning = true
	q.mu.Unlock()
	q.SendKeyedEDU(fed.EDU{Origin: "s1", Destination: "s2", Type: fed.EDUTypeTyping,
		Content: json.RawMessage(`{"typing":true}`)}, "!r:s1")
	q.SendKeyedEDU(fed.EDU{Origin: "s1", Destination: "s2", Type: fed.EDUTypeTyping,
		Content: json.RawMessage(`{"typing":false}`)}, "!r:s1")
	if q.PendingEDUCount() != 1 {
		t.Fatalf("keyed EDUs must collapse, pending=%d", q.PendingEDUCount())
	}
	q.mu.Lock()
	q.loopRunning = false
	q.mu.Unlock()
	q.AttemptNewTransaction()

	txn := sink.waitForTxn(t)
	if len(txn.EDUs) != 1 {
		t.Fatalf("expected one EDU, got %d", len(txn.EDUs))
	}
	if string(txn.EDUs[0].Content) != `{"typing":false}` {
		t.Fatalf("older keyed EDU survived: %s", txn.EDUs[0].Content)
	}
}

func TestKeyedEDUsWithDistinctKeysBothSurvive(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	q.mu.Lock()
	q.loopRunning = true
	q.mu.Unlock()
	q.SendKeyedEDU(fed.EDU{Type: fed.EDUTypeTyping, Content: json.RawMessage(`{}`)}, "!a:s1")
	q.SendKeyedEDU(fed.EDU{Type: fed.EDUTypeTyping, Content: json.RawMessage(`{}`)}, "!b:s1")
	q.mu.Lock()
	q.loopRunning = false
	q.mu.Unlock()
	q.AttemptNewTransaction()

	txn := sink.waitForTxn(t)
	if len(txn.EDUs) != 2 {
		t.Fatalf("distinct keys must not clobber, got %d EDUs", len(txn.EDUs))
	}
}

func TestPresenceCollapsesToLatest(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	q.mu.Lock()
	q.loopRunning = true
	q.mu.Unlock()
	q.SendPresence([]fed.PresenceState{{UserID: "@u:s1", State: fed.PresenceOnline}})
	q.SendPresence([]fed.PresenceState{{UserID: "@u:s1", State: fed.PresenceOffline}})
	q.mu.Lock()
	q.loopRunning = false
	q.mu.Unlock()
	q.AttemptNewTransaction()

	txn := sink.waitForTxn(t)
	if len(txn.EDUs) != 1 || txn.EDUs[0].Type != fed.EDUTypePresence {
		t.Fatalf("expected one presence EDU, got %+v", txn.EDUs)
	}
	var content struct {
		Push []fed.PresenceState `json:"push"`
	}
	if err := json.Unmarshal(txn.EDUs[0].Content, &content); err != nil {
		t.Fatalf("decode presence content: %v", err)
	}
	if len(content.Push) != 1 || content.Push[0].State != fed.PresenceOffline {
		t.Fatalf("latest presence must win, got %+v", content.Push)
	}
}

func TestReceiptsWaitForFlush(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	q.QueueReadReceipt(fed.ReadReceipt{
		RoomID: "!r:s1", ReceiptType: "m.read", UserID: "@u:s1", EventIDs: []string{"$e1"},
	})
	time.Sleep(10 * time.Millisecond)
	if sink.sentCount() != 0 {
		t.Fatalf("buffered receipt must not trigger a transaction")
	}

	q.FlushReadReceiptsForRoom("!r:s1")
	txn := sink.waitForTxn(t)
	if len(txn.EDUs) != 1 || txn.EDUs[0].Type != fed.EDUTypeReceipt {
		t.Fatalf("expected one receipt EDU, got %+v", txn.EDUs)
	}

	var content map[string]map[string]map[string]struct {
		EventIDs []string `json:"event_ids"`
	}
	if err := json.Unmarshal(txn.EDUs[0].Content, &content); err != nil {
		t.Fatalf("decode receipt content: %v", err)
	}
	entry := content["!r:s1"]["m.read"]["@u:s1"]
	if len(entry.EventIDs) != 1 || entry.EventIDs[0] != "$e1" {
		t.Fatalf("receipt content wrong: %+v", content)
	}
}

func TestFlushWithoutReceiptsIsNoop(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	q.FlushReadReceiptsForRoom("!empty:s1")
	waitForIdle(t, q)
	if sink.sentCount() != 0 {
		t.Fatalf("flushing an empty room must not send anything")
	}
}

func TestRetryKeepsPDUsAndDropsEDUs(t *testing.T) {
	var metrics *observability.RuntimeMetrics
	q, sink := newTestQueue(t, func(cfg *Config) {
		cfg.MaxRetryElapsed = 30 * time.Millisecond
		metrics = cfg.Metrics
	})
	sink.mu.Lock()
	sink.failures = 1 << 30 // never succeeds
	sink.err = errors.New("connection refused")
	sink.mu.Unlock()

	q.mu.Lock()
	q.loopRunning = true
	q.mu.Unlock()
	q.SendPDU(event("$e1", 1), 1)
	q.SendEDU(fed.EDU{Type: fed.EDUTypeTyping, Content: json.RawMessage(`{}`)})
	q.mu.Lock()
	q.loopRunning = false
	q.mu.Unlock()
	q.AttemptNewTransaction()

	waitForIdle(t, q)
	if q.PendingPDUCount() != 1 {
		t.Fatalf("failed PDU must stay queued, pending=%d", q.PendingPDUCount())
	}
	if q.PendingEDUCount() != 0 {
		t.Fatalf("failed EDU must be dropped, pending=%d", q.PendingEDUCount())
	}
	snapshot := metrics.Snapshot()
	if snapshot.DroppedEDUs["s2"] != 1 {
		t.Fatalf("dropped EDU not counted: %+v", snapshot.DroppedEDUs)
	}

	// The destination recovers; the retained PDU goes out on the next kick.
	sink.mu.Lock()
	sink.failures = 0
	sink.mu.Unlock()
	q.AttemptNewTransaction()
	txn := sink.waitForTxn(t)
	if len(txn.PDUs) != 1 || txn.PDUs[0].ID != "$e1" {
		t.Fatalf("retained PDU not resent: %+v", txn.PDUs)
	}
}

func TestTransientFailureRecoversWithinBudget(t *testing.T) {
	var metrics *observability.RuntimeMetrics
	q, sink := newTestQueue(t, func(cfg *Config) {
		cfg.MaxRetryElapsed = 5 * time.Second
		metrics = cfg.Metrics
	})
	sink.mu.Lock()
	sink.failures = 1
	sink.err = errors.New("temporary glitch")
	sink.mu.Unlock()

	q.SendPDU(event("$e1", 1), 1)
	txn := sink.waitForTxn(t)
	if len(txn.PDUs) != 1 {
		t.Fatalf("PDU lost across retry: %+v", txn.PDUs)
	}
	if metrics.Snapshot().RetriedSends["s2"] == 0 {
		t.Fatalf("retry not counted")
	}
	waitForIdle(t, q)
	if q.PendingPDUCount() != 0 {
		t.Fatalf("PDU still pending after successful retry")
	}
}

func TestLoopPicksUpWorkArrivingAtExit(t *testing.T) {
	q, sink := newTestQueue(t, nil)

	for i := 1; i <= 20; i++ {
		q.SendPDU(event("$e", int64(i)), int64(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		total := 0
		for _, txn := range sink.all() {
			total += len(txn.PDUs)
		}
		if total == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 20 PDUs delivered", total)
		}
		time.Sleep(time.Millisecond)
	}
	waitForIdle(t, q)
}

func TestDepthMetricsTrackQueue(t *testing.T) {
	var metrics *observability.RuntimeMetrics
	q, sink := newTestQueue(t, func(cfg *Config) {
		metrics = cfg.Metrics
	})

	q.SendPDU(event("$e1", 1), 1)
	sink.waitForTxn(t)
	waitForIdle(t, q)

	snapshot := metrics.Snapshot()
	if snapshot.PendingPDUs["s2"] != 0 {
		t.Fatalf("depth not updated after send: %+v", snapshot.PendingPDUs)
	}
}
