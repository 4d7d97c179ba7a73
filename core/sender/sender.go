package sender

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/errs"
	"github.com/meshwire/courier/internal/observability"
	"github.com/meshwire/courier/lib/async"
)

const (
	// posKeyEvents tracks consumption of the local event stream.
	posKeyEvents = "events"
	// posKeyFederation tracks acknowledgement of the federation stream.
	posKeyFederation = "federation"
)

// Config collects the collaborators and tunables for a Sender.
type Config struct {
	ServerName string
	Store      EventStore
	State      StateResolver
	Presence   PresenceRouter
	Acks       AckSender
	NewQueue   QueueFactory
	Clock      Clock
	Tasks      *async.Pool

	PresenceEnabled bool
	// RRTransactionIntervalPerRoom is the per-domain receipt flush interval;
	// the effective backoff for a room is this multiplied by the number of
	// pending domains.
	RRTransactionIntervalPerRoom time.Duration
	// FanoutWorkers bounds cross-room parallelism in the event loop.
	FanoutWorkers int
}

// Sender is the outbound federation dispatcher. It owns the per-destination
// queue registry, the event fan-out loop, the read-receipt flush scheduler,
// the presence batcher, and the consumed-position tracker.
//
// The PDU order counter is not persisted; it restarts at 1 with the process.
// Order only needs to be monotonic within a destination's live send session,
// so that is sufficient.
type Sender struct {
	serverName string
	store      EventStore
	state      StateResolver
	presence   PresenceRouter
	acks       AckSender
	newQueue   QueueFactory
	clock      Clock
	tasks      *async.Pool
	ownTasks   bool
	metrics    *senderMetrics

	presenceEnabled bool
	rrInterval      time.Duration
	fanoutWorkers   int

	ctx context.Context

	mu                 sync.Mutex
	queues             map[string]DestinationQueue
	pendingPresence    map[string]fed.PresenceState
	rrPendingByRoom    map[string]map[DestinationQueue]struct{}
	lastPokedID        int64
	processingEvents   bool
	processingPresence bool
	order              int64

	posMu              sync.Mutex
	federationPosition atomic.Int64
	lastAck            int64
}

// New constructs a Sender. Start must be called before the dispatcher reacts
// to stream advances.
func New(cfg Config) (*Sender, error) {
	if cfg.ServerName == "" {
		return nil, errs.New("sender", errs.CodeInvalid, errs.WithMessage("server name is required"))
	}
	if cfg.Store == nil || cfg.State == nil || cfg.NewQueue == nil {
		return nil, errs.New("sender", errs.CodeInvalid, errs.WithMessage("store, state resolver, and queue factory are required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	rrInterval := cfg.RRTransactionIntervalPerRoom
	if rrInterval <= 0 {
		rrInterval = 20 * time.Millisecond
	}
	workers := cfg.FanoutWorkers
	if workers <= 0 {
		workers = 4
	}
	tasks := cfg.Tasks
	ownTasks := false
	if tasks == nil {
		var err error
		tasks, err = async.NewPool(4, 64)
		if err != nil {
			return nil, err
		}
		ownTasks = true
	}

	s := &Sender{
		serverName:      cfg.ServerName,
		store:           cfg.Store,
		state:           cfg.State,
		presence:        cfg.Presence,
		acks:            cfg.Acks,
		newQueue:        cfg.NewQueue,
		clock:           clock,
		tasks:           tasks,
		ownTasks:        ownTasks,
		metrics:         newSenderMetrics(),
		presenceEnabled: cfg.PresenceEnabled,
		rrInterval:      rrInterval,
		fanoutWorkers:   workers,
		ctx:             context.Background(),
		queues:          make(map[string]DestinationQueue),
		pendingPresence: make(map[string]fed.PresenceState),
		rrPendingByRoom: make(map[string]map[DestinationQueue]struct{}),
		lastPokedID:     -1,
		order:           1,
	}
	s.metrics.register(s)
	return s, nil
}

// SetAckSender wires the upstream acknowledgement channel. It must be called
// before Start; the replication client and the dispatcher reference each
// other, so one side is attached late.
func (s *Sender) SetAckSender(acks AckSender) {
	s.acks = acks
}

// Start loads the persisted federation position and kicks the fan-out loop
// for any events persisted before startup.
func (s *Sender) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx

	pos, err := s.store.FederationOutPos(ctx, posKeyFederation)
	if err != nil {
		return errs.New("sender", errs.CodeStore, errs.WithMessage("load federation position"), errs.WithCause(err))
	}
	s.federationPosition.Store(pos)
	s.posMu.Lock()
	s.lastAck = pos
	s.posMu.Unlock()

	maxOrdering, err := s.store.MaxStreamOrdering(ctx)
	if err != nil {
		return errs.New("sender", errs.CodeStore, errs.WithMessage("load max stream ordering"), errs.WithCause(err))
	}
	s.NotifyNewEvents(maxOrdering)
	return nil
}

// Close releases resources owned by the sender.
func (s *Sender) Close(ctx context.Context) error {
	if s.ownTasks {
		return s.tasks.Shutdown(ctx)
	}
	return nil
}

// queueForLocked returns the queue for destination, creating it on first
// reference. Callers must hold s.mu and never pass the local server name.
func (s *Sender) queueForLocked(destination string) DestinationQueue {
	queue, ok := s.queues[destination]
	if !ok {
		queue = s.newQueue(destination)
		s.queues[destination] = queue
	}
	return queue
}

// BuildAndSendEDU constructs an EDU and queues it for sending. A non-empty
// key makes the EDU clobber any queued-but-unsent EDU with the same type and
// key for that destination.
func (s *Sender) BuildAndSendEDU(destination, eduType string, content json.RawMessage, key string) {
	if destination == s.serverName {
		observability.Log().Info("not sending EDU to ourselves",
			observability.Field{Key: "edu_type", Value: eduType})
		return
	}
	s.SendEDU(fed.EDU{
		Origin:      s.serverName,
		Destination: destination,
		Type:        eduType,
		Content:     content,
	}, key)
}

// SendEDU queues an EDU for sending.
func (s *Sender) SendEDU(edu fed.EDU, key string) {
	s.mu.Lock()
	queue := s.queueForLocked(edu.Destination)
	if key != "" {
		queue.SendKeyedEDU(edu, key)
	} else {
		queue.SendEDU(edu)
	}
	s.mu.Unlock()
}

// SendDeviceMessages kicks the destination so queued device updates and
// to-device messages get flushed.
func (s *Sender) SendDeviceMessages(destination string) {
	if destination == s.serverName {
		observability.Log().Warn("not sending device update to ourselves")
		return
	}
	s.mu.Lock()
	queue := s.queueForLocked(destination)
	s.mu.Unlock()
	queue.AttemptNewTransaction()
}

// WakeDestination retries sending transactions to a remote, typically after
// it is suspected to have recovered.
func (s *Sender) WakeDestination(destination string) {
	if destination == s.serverName {
		observability.Log().Warn("not waking up ourselves")
		return
	}
	s.mu.Lock()
	queue := s.queueForLocked(destination)
	s.mu.Unlock()
	queue.AttemptNewTransaction()
}
