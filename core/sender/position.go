package sender

import (
	"context"

	"github.com/meshwire/courier/internal/observability"
)

// GetCurrentToken returns the highest federation stream token fully handed
// off downstream.
func (s *Sender) GetCurrentToken() int64 {
	return s.federationPosition.Load()
}

// UpdateToken records a consumed federation stream token, persists it, and
// acknowledges it upstream. Stale tokens are ignored; persistence and acks
// are serialized so they advance monotonically. Errors are logged and
// swallowed; the position advances again on the next call.
func (s *Sender) UpdateToken(ctx context.Context, token int64) {
	for {
		current := s.federationPosition.Load()
		if token <= current {
			break
		}
		if s.federationPosition.CompareAndSwap(current, token) {
			break
		}
	}

	s.posMu.Lock()
	defer s.posMu.Unlock()

	position := s.federationPosition.Load()
	if s.lastAck >= position {
		return
	}
	if err := s.store.UpdateFederationOutPos(ctx, posKeyFederation, position); err != nil {
		observability.Log().Error("error updating federation stream position",
			observability.Field{Key: "position", Value: position},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if s.acks != nil {
		// Acking lets the upstream drop its in-memory queues.
		if err := s.acks.SendFederationAck(ctx, position); err != nil {
			observability.Log().Error("error acking federation stream position",
				observability.Field{Key: "position", Value: position},
				observability.Field{Key: "error", Value: err.Error()})
			return
		}
	}
	s.lastAck = position
}
