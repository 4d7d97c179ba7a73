package sender

import (
	"context"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/internal/observability"
)

// SendPresence queues new presence states for fan-out and drains them in
// batches. Multiple updates for the same user collapse to the latest one.
// Only one drain runs at a time; concurrent callers hand their states to the
// active drain and return.
func (s *Sender) SendPresence(ctx context.Context, states []fed.PresenceState) {
	if !s.presenceEnabled {
		return
	}

	s.mu.Lock()
	for _, state := range states {
		// Only fan out presence for our own users.
		if fed.IsLocal(state.UserID, s.serverName) {
			s.pendingPresence[state.UserID] = state
		}
	}
	if s.processingPresence {
		s.mu.Unlock()
		return
	}
	s.processingPresence = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processingPresence = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		batch := s.pendingPresence
		s.pendingPresence = make(map[string]fed.PresenceState)
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		if err := s.processPresenceBatch(ctx, batch); err != nil {
			// Presence is a best-effort overlay; the drained batch is lost.
			observability.Log().Error("error sending presence states to servers",
				observability.Field{Key: "error", Value: err.Error()})
			return
		}
	}
}

func (s *Sender) processPresenceBatch(ctx context.Context, batch map[string]fed.PresenceState) error {
	if s.presence == nil {
		return nil
	}
	states := make([]fed.PresenceState, 0, len(batch))
	for _, state := range batch {
		states = append(states, state)
	}

	hostsAndStates, err := s.presence.InterestedRemotes(ctx, states)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, pair := range hostsAndStates {
		for _, destination := range pair.Destinations {
			if destination == s.serverName {
				continue
			}
			s.queueForLocked(destination).SendPresence(pair.States)
		}
	}
	s.mu.Unlock()
	return nil
}

// SendPresenceToDestinations fans the given states directly to the given
// destinations, bypassing interest resolution.
func (s *Sender) SendPresenceToDestinations(states []fed.PresenceState, destinations []string) {
	if len(states) == 0 || !s.presenceEnabled {
		return
	}
	s.mu.Lock()
	for _, destination := range destinations {
		if destination == s.serverName {
			continue
		}
		s.queueForLocked(destination).SendPresence(states)
	}
	s.mu.Unlock()
}
