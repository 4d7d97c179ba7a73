// Package queue implements the per-destination outbound queues behind the
// federation dispatcher. Each queue batches pending PDUs and EDUs into
// transactions, keeps at most one transaction in flight, and owns the retry
// policy for its destination.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/errs"
	"github.com/meshwire/courier/internal/observability"
	"github.com/meshwire/courier/internal/transport"
)

const (
	// maxPDUsPerTransaction caps the events batched into one transaction.
	maxPDUsPerTransaction = 50
	// maxEDUsPerTransaction caps the ephemeral payloads per transaction.
	maxEDUsPerTransaction = 100

	defaultMaxRetryElapsed       = 2 * time.Minute
	defaultTransactionsPerSecond = 10
)

// Config collects the shared collaborators for a set of destination queues.
type Config struct {
	// Origin is the local server name stamped on outgoing transactions.
	Origin string
	// Sink delivers assembled transactions.
	Sink transport.Sink
	// Metrics receives queue depth and drop counters. Optional.
	Metrics *observability.RuntimeMetrics
	// TransactionsPerSecond caps send attempts per destination. Zero means
	// the default.
	TransactionsPerSecond float64
	// MaxRetryElapsed bounds how long a failing transaction is retried
	// before its ephemeral payload is dropped. Zero means the default.
	MaxRetryElapsed time.Duration
}

// Manager creates and shares configuration across destination queues.
type Manager struct {
	cfg Config
	ctx context.Context
}

// NewManager validates the shared queue configuration.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Origin == "" {
		return nil, errs.New("queue", errs.CodeInvalid, errs.WithMessage("origin server name is required"))
	}
	if cfg.Sink == nil {
		return nil, errs.New("queue", errs.CodeInvalid, errs.WithMessage("transaction sink is required"))
	}
	if cfg.TransactionsPerSecond <= 0 {
		cfg.TransactionsPerSecond = defaultTransactionsPerSecond
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = defaultMaxRetryElapsed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{cfg: cfg, ctx: ctx}, nil
}

// NewQueue creates the queue for one destination.
func (m *Manager) NewQueue(destination string) *Queue {
	return &Queue{
		destination: destination,
		origin:      m.cfg.Origin,
		sink:        m.cfg.Sink,
		metrics:     m.cfg.Metrics,
		limiter:     rate.NewLimiter(rate.Limit(m.cfg.TransactionsPerSecond), 1),
		maxElapsed:  m.cfg.MaxRetryElapsed,
		ctx:         m.ctx,
		keyedEDUs:   make(map[eduKey]fed.EDU),
		presence:    make(map[string]fed.PresenceState),
		receipts:    make(map[string][]fed.ReadReceipt),
		signal:      make(chan struct{}, 1),
	}
}

type eduKey struct {
	eduType string
	key     string
}

type orderedPDU struct {
	evt   *fed.Event
	order int64
}

// Queue is the ordered outbound queue for a single remote server.
//
// PDUs are kept sorted by their global order tag and survive transaction
// failure. Presence and keyed EDUs collapse to the latest value while queued.
// Receipts accrue per room and only become sendable once their room is
// flushed. At most one transmission loop runs at a time.
type Queue struct {
	destination string
	origin      string
	sink        transport.Sink
	metrics     *observability.RuntimeMetrics
	limiter     *rate.Limiter
	maxElapsed  time.Duration
	ctx         context.Context

	mu          sync.Mutex
	pdus        []orderedPDU
	edus        []fed.EDU
	keyedEDUs   map[eduKey]fed.EDU
	keyedOrder  []eduKey
	presence    map[string]fed.PresenceState
	receipts    map[string][]fed.ReadReceipt
	flushable   []string
	loopRunning bool

	// signal wakes a running loop when new work arrives after it decided
	// the queue looked empty.
	signal chan struct{}
}

// SendPDU appends an event for delivery, keeping the pending list sorted by
// its global order tag, and starts the transmission loop if idle.
func (q *Queue) SendPDU(pdu *fed.Event, order int64) {
	q.mu.Lock()
	idx := sort.Search(len(q.pdus), func(i int) bool { return q.pdus[i].order > order })
	q.pdus = append(q.pdus, orderedPDU{})
	copy(q.pdus[idx+1:], q.pdus[idx:])
	q.pdus[idx] = orderedPDU{evt: pdu, order: order}
	q.recordDepthLocked()
	q.mu.Unlock()
	q.AttemptNewTransaction()
}

// SendEDU appends an unkeyed EDU and starts the transmission loop if idle.
func (q *Queue) SendEDU(edu fed.EDU) {
	q.mu.Lock()
	q.edus = append(q.edus, edu)
	q.recordDepthLocked()
	q.mu.Unlock()
	q.AttemptNewTransaction()
}

// SendKeyedEDU inserts or replaces the queued EDU for (type, key). An unsent
// predecessor with the same identity is clobbered.
func (q *Queue) SendKeyedEDU(edu fed.EDU, key string) {
	k := eduKey{eduType: edu.Type, key: key}
	q.mu.Lock()
	if _, exists := q.keyedEDUs[k]; !exists {
		q.keyedOrder = append(q.keyedOrder, k)
	}
	q.keyedEDUs[k] = edu
	q.recordDepthLocked()
	q.mu.Unlock()
	q.AttemptNewTransaction()
}

// SendPresence upserts presence states by user id; the latest state per user
// is the one transmitted.
func (q *Queue) SendPresence(states []fed.PresenceState) {
	q.mu.Lock()
	for _, state := range states {
		q.presence[state.UserID] = state
	}
	q.recordDepthLocked()
	q.mu.Unlock()
	q.AttemptNewTransaction()
}

// QueueReadReceipt buffers a receipt for its room. It does not trigger a
// transaction; the receipt rides along once the room is flushed or another
// payload causes a transaction anyway.
func (q *Queue) QueueReadReceipt(receipt fed.ReadReceipt) {
	q.mu.Lock()
	q.receipts[receipt.RoomID] = append(q.receipts[receipt.RoomID], receipt)
	q.mu.Unlock()
}

// FlushReadReceiptsForRoom marks the room's buffered receipts sendable and
// starts the transmission loop if idle.
func (q *Queue) FlushReadReceiptsForRoom(roomID string) {
	q.mu.Lock()
	flushable := false
	if _, ok := q.receipts[roomID]; ok {
		flushable = true
		for _, room := range q.flushable {
			if room == roomID {
				flushable = false
				break
			}
		}
	}
	if flushable {
		q.flushable = append(q.flushable, roomID)
	}
	q.mu.Unlock()
	q.AttemptNewTransaction()
}

// AttemptNewTransaction starts the transmission loop unless one is already
// running, in which case the running loop is signalled to take another look
// before exiting.
func (q *Queue) AttemptNewTransaction() {
	q.mu.Lock()
	if q.loopRunning {
		// Signal while still holding the lock so the loop cannot clear its
		// flag between our check and the send.
		select {
		case q.signal <- struct{}{}:
		default:
		}
		q.mu.Unlock()
		return
	}
	q.loopRunning = true
	q.mu.Unlock()
	go q.transmissionLoop()
}

// TransmissionLoopRunning reports whether a transaction is being worked on.
func (q *Queue) TransmissionLoopRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loopRunning
}

// PendingPDUCount returns the number of events awaiting delivery.
func (q *Queue) PendingPDUCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pdus)
}

// PendingEDUCount returns the number of ephemeral payloads awaiting
// delivery, counting the collapsed presence batch as one.
func (q *Queue) PendingEDUCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingEDUCountLocked()
}

func (q *Queue) pendingEDUCountLocked() int {
	n := len(q.edus) + len(q.keyedEDUs)
	if len(q.presence) > 0 {
		n++
	}
	return n
}

func (q *Queue) recordDepthLocked() {
	if q.metrics != nil {
		q.metrics.RecordPendingDepth(q.destination, len(q.pdus), q.pendingEDUCountLocked())
	}
}

func (q *Queue) transmissionLoop() {
	for {
		txn, pduCount := q.buildTransaction()
		if txn.IsEmpty() {
			q.mu.Lock()
			// Re-check under the lock: a send that raced the empty build
			// may have signalled while we were deciding to stop.
			select {
			case <-q.signal:
				q.mu.Unlock()
				continue
			default:
			}
			q.loopRunning = false
			q.mu.Unlock()
			return
		}

		if err := q.sendWithRetry(txn); err != nil {
			observability.Log().Error("giving up on transaction",
				observability.Field{Key: "destination", Value: q.destination},
				observability.Field{Key: "txn_id", Value: txn.ID},
				observability.Field{Key: "pdus", Value: len(txn.PDUs)},
				observability.Field{Key: "edus", Value: len(txn.EDUs)},
				observability.Field{Key: "error", Value: err.Error()})
			q.mu.Lock()
			// The events stay queued for the next attempt; the ephemeral
			// payload in the failed transaction is already stale and is
			// dropped with it.
			if q.metrics != nil && len(txn.EDUs) > 0 {
				q.metrics.IncrementDroppedEDUs(q.destination, len(txn.EDUs))
			}
			q.recordDepthLocked()
			q.loopRunning = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		q.pdus = q.pdus[pduCount:]
		q.recordDepthLocked()
		q.mu.Unlock()
	}
}

// buildTransaction drains one batch of pending payloads. The PDUs are left
// in the queue until the transaction succeeds; everything ephemeral is
// removed now and travels or dies with the transaction.
func (q *Queue) buildTransaction() (*transport.Transaction, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pduCount := len(q.pdus)
	if pduCount > maxPDUsPerTransaction {
		pduCount = maxPDUsPerTransaction
	}
	pdus := make([]*fed.Event, 0, pduCount)
	for _, pending := range q.pdus[:pduCount] {
		pdus = append(pdus, pending.evt)
	}

	edus := make([]fed.EDU, 0, maxEDUsPerTransaction)
	if len(q.presence) > 0 {
		if edu, err := q.presenceEDULocked(); err == nil {
			edus = append(edus, edu)
		}
		q.presence = make(map[string]fed.PresenceState)
	}
	for len(q.flushable) > 0 && len(edus) < maxEDUsPerTransaction {
		roomID := q.flushable[0]
		q.flushable = q.flushable[1:]
		receipts := q.receipts[roomID]
		delete(q.receipts, roomID)
		if edu, err := receiptEDU(q.origin, q.destination, roomID, receipts); err == nil {
			edus = append(edus, edu)
		}
	}
	for len(q.keyedOrder) > 0 && len(edus) < maxEDUsPerTransaction {
		k := q.keyedOrder[0]
		q.keyedOrder = q.keyedOrder[1:]
		edus = append(edus, q.keyedEDUs[k])
		delete(q.keyedEDUs, k)
	}
	for len(q.edus) > 0 && len(edus) < maxEDUsPerTransaction {
		edus = append(edus, q.edus[0])
		q.edus = q.edus[1:]
	}

	txn := transport.NewTransaction(q.origin, q.destination,
		time.Now().UnixMilli(), pdus, edus)
	return txn, pduCount
}

// presenceEDULocked collapses the pending presence map into one m.presence
// EDU. Caller holds q.mu.
func (q *Queue) presenceEDULocked() (fed.EDU, error) {
	states := make([]fed.PresenceState, 0, len(q.presence))
	for _, state := range q.presence {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	content, err := json.Marshal(map[string]any{"push": states})
	if err != nil {
		return fed.EDU{}, err
	}
	return fed.EDU{
		Origin:      q.origin,
		Destination: q.destination,
		Type:        fed.EDUTypePresence,
		Content:     content,
	}, nil
}

// receiptEDU aggregates a room's receipts into one m.receipt EDU, keyed
// room -> receipt type -> user.
func receiptEDU(origin, destination, roomID string, receipts []fed.ReadReceipt) (fed.EDU, error) {
	byType := make(map[string]map[string]map[string]any)
	for _, receipt := range receipts {
		users, ok := byType[receipt.ReceiptType]
		if !ok {
			users = make(map[string]map[string]any)
			byType[receipt.ReceiptType] = users
		}
		entry := map[string]any{"event_ids": receipt.EventIDs}
		if len(receipt.Data) > 0 {
			entry["data"] = receipt.Data
		}
		users[receipt.UserID] = entry
	}
	content, err := json.Marshal(map[string]any{roomID: byType})
	if err != nil {
		return fed.EDU{}, err
	}
	return fed.EDU{
		Origin:      origin,
		Destination: destination,
		Type:        fed.EDUTypeReceipt,
		Content:     content,
	}, nil
}

// sendWithRetry ships one transaction, retrying transient failures with
// exponential backoff until the max-elapsed budget runs out.
func (q *Queue) sendWithRetry(txn *transport.Transaction) error {
	backoffCfg := backoff.NewExponentialBackOff()
	start := time.Now()

	for {
		if err := q.waitForSlot(); err != nil {
			return err
		}
		err := q.sink.Send(q.ctx, txn)
		if err == nil {
			return nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop || time.Since(start)+sleep > q.maxElapsed {
			return err
		}
		if q.metrics != nil {
			q.metrics.IncrementRetriedSends(q.destination)
		}
		observability.Log().Warn("transaction send failed, retrying",
			observability.Field{Key: "destination", Value: q.destination},
			observability.Field{Key: "txn_id", Value: txn.ID},
			observability.Field{Key: "backoff", Value: sleep.String()},
			observability.Field{Key: "error", Value: err.Error()})
		select {
		case <-q.ctx.Done():
			return q.ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// waitForSlot blocks on the per-destination rate limiter and accounts the
// time spent throttled.
func (q *Queue) waitForSlot() error {
	start := time.Now()
	if err := q.limiter.Wait(q.ctx); err != nil {
		return err
	}
	if q.metrics != nil {
		if waited := time.Since(start).Milliseconds(); waited > 0 {
			q.metrics.AddThrottledMilliseconds(q.destination, waited)
		}
	}
	return nil
}
