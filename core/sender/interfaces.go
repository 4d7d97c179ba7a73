// Package sender implements the outbound federation dispatcher: it fans out
// local events, presence, receipts, and device notifications to the set of
// interested remote servers via per-destination queues.
package sender

import (
	"context"

	"github.com/meshwire/courier/core/fed"
)

// DestinationQueue is the per-remote-server ordered queue the dispatcher
// feeds. Implementations guarantee at most one transaction in flight per
// destination, deliver PDUs in ascending order, apply last-write-wins to
// presence and keyed EDUs before transmission, and own their retry policy.
type DestinationQueue interface {
	// SendPDU appends a PDU tagged with a global monotonic order.
	SendPDU(pdu *fed.Event, order int64)
	// SendEDU appends an unkeyed EDU, FIFO among unkeyed EDUs.
	SendEDU(edu fed.EDU)
	// SendKeyedEDU inserts-or-replaces by (edu type, key); only the most
	// recent survives if not yet transmitted.
	SendKeyedEDU(edu fed.EDU, key string)
	// SendPresence upserts the given states by user id.
	SendPresence(states []fed.PresenceState)
	// QueueReadReceipt buffers a receipt without triggering a transaction.
	QueueReadReceipt(receipt fed.ReadReceipt)
	// FlushReadReceiptsForRoom marks the room's receipts as eligible and
	// kicks the send loop.
	FlushReadReceiptsForRoom(roomID string)
	// AttemptNewTransaction ensures the queue tries a new transaction soon.
	// Idempotent while one is in flight.
	AttemptNewTransaction()
	// TransmissionLoopRunning reports whether a transaction is in flight.
	TransmissionLoopRunning() bool
	PendingPDUCount() int
	PendingEDUCount() int
}

// QueueFactory creates the queue for a destination on first reference.
type QueueFactory func(destination string) DestinationQueue

// EventStore is the durable event log the dispatcher drains.
type EventStore interface {
	// FederationOutPos returns the persisted stream position for the key.
	FederationOutPos(ctx context.Context, key string) (int64, error)
	// UpdateFederationOutPos persists the stream position for the key.
	// Idempotent and monotonic in its position argument.
	UpdateFederationOutPos(ctx context.Context, key string, pos int64) error
	// AllNewEventsStream returns events with stream ordering in (from, to],
	// capped at limit, along with the next token to resume from.
	AllNewEventsStream(ctx context.Context, from, to int64, limit int) (int64, []*fed.Event, error)
	// ReceivedTS returns the local receive timestamp of an event in
	// milliseconds.
	ReceivedTS(ctx context.Context, eventID string) (int64, error)
	// MaxStreamOrdering returns the highest persisted stream position.
	MaxStreamOrdering(ctx context.Context) (int64, error)
}

// StateResolver computes the remote servers present in a room.
type StateResolver interface {
	// HostsInRoomAtEvents resolves the hosts in the room at the state prior
	// to the given events.
	HostsInRoomAtEvents(ctx context.Context, roomID string, eventIDs []string) ([]string, error)
	// CurrentHostsInRoom resolves the hosts currently in the room.
	CurrentHostsInRoom(ctx context.Context, roomID string) ([]string, error)
}

// HostsAndStates pairs a set of interested destinations with the presence
// states they should receive.
type HostsAndStates struct {
	Destinations []string
	States       []fed.PresenceState
}

// PresenceRouter resolves which remotes are interested in presence updates.
type PresenceRouter interface {
	InterestedRemotes(ctx context.Context, states []fed.PresenceState) ([]HostsAndStates, error)
}

// AckSender acknowledges consumed federation stream positions upstream so the
// producer can drop its in-memory queues.
type AckSender interface {
	SendFederationAck(ctx context.Context, pos int64) error
}
