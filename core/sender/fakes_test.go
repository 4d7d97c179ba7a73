package sender

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/meshwire/courier/core/fed"
)

type pduCall struct {
	evt   *fed.Event
	order int64
}

type eduCall struct {
	edu   fed.EDU
	key   string
	keyed bool
}

type fakeQueue struct {
	mu          sync.Mutex
	destination string
	pdus        []pduCall
	edus        []eduCall
	presence    [][]fed.PresenceState
	receipts    []fed.ReadReceipt
	flushes     []string
	kicks       int
	running     bool
}

func (q *fakeQueue) SendPDU(pdu *fed.Event, order int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pdus = append(q.pdus, pduCall{evt: pdu, order: order})
}

func (q *fakeQueue) SendEDU(edu fed.EDU) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.edus = append(q.edus, eduCall{edu: edu})
}

func (q *fakeQueue) SendKeyedEDU(edu fed.EDU, key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.edus = append(q.edus, eduCall{edu: edu, key: key, keyed: true})
}

func (q *fakeQueue) SendPresence(states []fed.PresenceState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := make([]fed.PresenceState, len(states))
	copy(copied, states)
	q.presence = append(q.presence, copied)
}

func (q *fakeQueue) QueueReadReceipt(receipt fed.ReadReceipt) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.receipts = append(q.receipts, receipt)
}

func (q *fakeQueue) FlushReadReceiptsForRoom(roomID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushes = append(q.flushes, roomID)
}

func (q *fakeQueue) AttemptNewTransaction() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kicks++
}

func (q *fakeQueue) TransmissionLoopRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *fakeQueue) PendingPDUCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pdus)
}

func (q *fakeQueue) PendingEDUCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.edus)
}

func (q *fakeQueue) pduOrders() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	orders := make([]int64, len(q.pdus))
	for i, c := range q.pdus {
		orders[i] = c.order
	}
	return orders
}

func (q *fakeQueue) receiptCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.receipts)
}

func (q *fakeQueue) flushCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.flushes)
}

func (q *fakeQueue) kickCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.kicks
}

// queueSet tracks the queues a test sender creates per destination.
type queueSet struct {
	mu     sync.Mutex
	queues map[string]*fakeQueue
}

func newQueueSet() *queueSet {
	return &queueSet{queues: make(map[string]*fakeQueue)}
}

func (qs *queueSet) factory() QueueFactory {
	return func(destination string) DestinationQueue {
		qs.mu.Lock()
		defer qs.mu.Unlock()
		q := &fakeQueue{destination: destination}
		qs.queues[destination] = q
		return q
	}
}

func (qs *queueSet) get(destination string) *fakeQueue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.queues[destination]
}

func (qs *queueSet) destinations() []string {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	out := make([]string, 0, len(qs.queues))
	for d := range qs.queues {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

type fakeStore struct {
	mu         sync.Mutex
	positions  map[string]int64
	events     []*fed.Event
	receivedTS map[string]int64
	posErr     error
	streamErr  error
	updateErr  error
	updated    chan int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions:  make(map[string]int64),
		receivedTS: make(map[string]int64),
		updated:    make(chan int64, 64),
	}
}

func (st *fakeStore) FederationOutPos(_ context.Context, key string) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.posErr != nil {
		return 0, st.posErr
	}
	return st.positions[key], nil
}

func (st *fakeStore) UpdateFederationOutPos(_ context.Context, key string, pos int64) error {
	st.mu.Lock()
	if st.updateErr != nil {
		err := st.updateErr
		st.mu.Unlock()
		return err
	}
	st.positions[key] = pos
	updated := st.updated
	st.mu.Unlock()
	select {
	case updated <- pos:
	default:
	}
	return nil
}

func (st *fakeStore) AllNewEventsStream(_ context.Context, from, to int64, limit int) (int64, []*fed.Event, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.streamErr != nil {
		return 0, nil, st.streamErr
	}
	var page []*fed.Event
	next := from
	for _, evt := range st.events {
		if evt.StreamOrdering <= from || evt.StreamOrdering > to {
			continue
		}
		page = append(page, evt)
		if evt.StreamOrdering > next {
			next = evt.StreamOrdering
		}
		if len(page) >= limit {
			return next, page, nil
		}
	}
	if next < to {
		next = to
	}
	return next, page, nil
}

func (st *fakeStore) ReceivedTS(_ context.Context, eventID string) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.receivedTS[eventID], nil
}

func (st *fakeStore) MaxStreamOrdering(context.Context) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var max int64
	for _, evt := range st.events {
		if evt.StreamOrdering > max {
			max = evt.StreamOrdering
		}
	}
	return max, nil
}

func (st *fakeStore) position(key string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.positions[key]
}

func (st *fakeStore) waitForPosition(key string, want int64, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if st.position(key) >= want {
			return true
		}
		select {
		case <-st.updated:
		case <-deadline:
			return st.position(key) >= want
		}
	}
}

type fakeResolver struct {
	mu           sync.Mutex
	hostsAt      map[string][]string
	hostsAtErr   map[string]error
	currentHosts map[string][]string
	currentErr   error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		hostsAt:      make(map[string][]string),
		hostsAtErr:   make(map[string]error),
		currentHosts: make(map[string][]string),
	}
}

func (r *fakeResolver) HostsInRoomAtEvents(_ context.Context, roomID string, _ []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hostsAtErr[roomID]; err != nil {
		return nil, err
	}
	return r.hostsAt[roomID], nil
}

func (r *fakeResolver) CurrentHostsInRoom(_ context.Context, roomID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentErr != nil {
		return nil, r.currentErr
	}
	return r.currentHosts[roomID], nil
}

type fakeRouter struct {
	mu      sync.Mutex
	calls   [][]fed.PresenceState
	pairs   []HostsAndStates
	err     error
	release chan struct{} // when set, InterestedRemotes blocks until closed
}

func (r *fakeRouter) InterestedRemotes(_ context.Context, states []fed.PresenceState) ([]HostsAndStates, error) {
	r.mu.Lock()
	blocked := r.release
	copied := make([]fed.PresenceState, len(states))
	copy(copied, states)
	r.calls = append(r.calls, copied)
	pairs := r.pairs
	err := r.err
	r.mu.Unlock()
	if blocked != nil {
		<-blocked
	}
	if err != nil {
		return nil, err
	}
	if pairs != nil {
		return pairs, nil
	}
	// Default routing: every state goes to the host of its user.
	out := make([]HostsAndStates, 0, len(states))
	for _, st := range states {
		out = append(out, HostsAndStates{
			Destinations: []string{fed.Host(st.UserID)},
			States:       []fed.PresenceState{st},
		})
	}
	return out, nil
}

func (r *fakeRouter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeAck struct {
	mu    sync.Mutex
	acks  []int64
	err   error
	acked chan int64
}

func newFakeAck() *fakeAck {
	return &fakeAck{acked: make(chan int64, 16)}
}

func (a *fakeAck) SendFederationAck(_ context.Context, pos int64) error {
	a.mu.Lock()
	if a.err != nil {
		err := a.err
		a.mu.Unlock()
		return err
	}
	a.acks = append(a.acks, pos)
	a.mu.Unlock()
	select {
	case a.acked <- pos:
	default:
	}
	return nil
}

func (a *fakeAck) lastAcked() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.acks) == 0 {
		return -1
	}
	return a.acks[len(a.acks)-1]
}

// fakeClock drives CallLater timers deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

type fakeTimer struct {
	at time.Time
	fn func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) CallLater(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), fn: fn})
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		idx := -1
		for i, t := range c.timers {
			if !t.at.After(c.now) && (idx < 0 || t.at.Before(c.timers[idx].at)) {
				idx = i
			}
		}
		if idx < 0 {
			c.mu.Unlock()
			return
		}
		timer := c.timers[idx]
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		c.mu.Unlock()
		timer.fn()
	}
}

func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }
