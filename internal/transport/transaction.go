// Package transport ships assembled transactions to remote servers.
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/meshwire/courier/core/fed"
)

// Transaction is the unit of transport from this server to one destination,
// containing batched PDUs and EDUs. Exactly one is in flight per destination.
type Transaction struct {
	ID             string       `json:"transaction_id"`
	Origin         string       `json:"origin"`
	Destination    string       `json:"destination"`
	OriginServerTS int64        `json:"origin_server_ts"`
	PDUs           []*fed.Event `json:"pdus"`
	EDUs           []fed.EDU    `json:"edus,omitempty"`
}

// NewTransaction assembles a transaction with a fresh identifier.
func NewTransaction(origin, destination string, ts int64, pdus []*fed.Event, edus []fed.EDU) *Transaction {
	return &Transaction{
		ID:             uuid.NewString(),
		Origin:         origin,
		Destination:    destination,
		OriginServerTS: ts,
		PDUs:           pdus,
		EDUs:           edus,
	}
}

// IsEmpty reports whether the transaction carries no payload.
func (t *Transaction) IsEmpty() bool {
	return t == nil || (len(t.PDUs) == 0 && len(t.EDUs) == 0)
}

// Sink delivers a transaction to its destination. Implementations own their
// connection management; retries and backoff are the caller's concern.
type Sink interface {
	Send(ctx context.Context, txn *Transaction) error
}
