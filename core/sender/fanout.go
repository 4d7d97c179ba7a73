package sender

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/errs"
	"github.com/meshwire/courier/internal/observability"
)

// eventPageLimit caps how many events a single loop iteration pulls from the
// store.
const eventPageLimit = 100

// NotifyNewEvents advances the poked watermark and, if no fan-out pass is
// running, starts one in the background. Non-blocking; safe to call from any
// goroutine.
func (s *Sender) NotifyNewEvents(currentID int64) {
	s.mu.Lock()
	if currentID > s.lastPokedID {
		s.lastPokedID = currentID
	}
	if s.processingEvents {
		s.mu.Unlock()
		return
	}
	s.processingEvents = true
	s.mu.Unlock()

	go s.runEventLoop()
}

func (s *Sender) runEventLoop() {
	caughtUp, err := s.processEventQueue(s.ctx)

	s.mu.Lock()
	s.processingEvents = false
	repoke := err == nil && s.lastPokedID > caughtUp
	s.mu.Unlock()

	if err != nil {
		observability.Log().Error("event fan-out loop failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	// A poke may have landed between our break check and clearing the flag.
	if repoke {
		s.NotifyNewEvents(caughtUp)
	}
}

// processEventQueue drains the event stream up to the poked watermark, one
// page at a time, and returns the token it caught up to.
func (s *Sender) processEventQueue(ctx context.Context) (int64, error) {
	var caughtUp int64
	for {
		lastToken, err := s.store.FederationOutPos(ctx, posKeyEvents)
		if err != nil {
			return caughtUp, errs.New("sender", errs.CodeStore,
				errs.WithMessage("read events position"), errs.WithCause(err))
		}

		s.mu.Lock()
		upTo := s.lastPokedID
		s.mu.Unlock()

		nextToken, events, err := s.store.AllNewEventsStream(ctx, lastToken, upTo, eventPageLimit)
		if err != nil {
			return caughtUp, errs.New("sender", errs.CodeStore,
				errs.WithMessage("read event stream"), errs.WithCause(err))
		}

		if len(events) == 0 && nextToken >= upTo {
			return nextToken, nil
		}

		eventsByRoom := make(map[string][]*fed.Event)
		for _, evt := range events {
			eventsByRoom[evt.RoomID] = append(eventsByRoom[evt.RoomID], evt)
		}

		// Rooms fan out in parallel; events within a room stay sequential so
		// per-room PDU ordering survives.
		workers := s.fanoutWorkers
		if workers > len(eventsByRoom) {
			workers = len(eventsByRoom)
		}
		if workers < 1 {
			workers = 1
		}
		p := pool.New().WithMaxGoroutines(workers)
		for _, roomEvents := range eventsByRoom {
			evs := roomEvents
			p.Go(func() {
				s.handleRoomEvents(ctx, evs)
			})
		}
		p.Wait()

		if err := s.store.UpdateFederationOutPos(ctx, posKeyEvents, nextToken); err != nil {
			return caughtUp, errs.New("sender", errs.CodeStore,
				errs.WithMessage("advance events position"), errs.WithCause(err))
		}
		caughtUp = nextToken

		if len(events) > 0 {
			last := events[len(events)-1]
			if ts, tsErr := s.store.ReceivedTS(ctx, last.ID); tsErr == nil {
				now := s.clock.Now().UnixMilli()
				s.metrics.processingLagMS.Store(now - ts)
				s.metrics.lastProcessedTS.Store(ts)
			}
			s.metrics.eventsProcessed.Add(int64(len(events)))
			s.metrics.loopRoomCount.Add(int64(len(eventsByRoom)))
		}
		s.metrics.loopCount.Add(1)
		s.metrics.streamPosition.Store(nextToken)
	}
}

func (s *Sender) handleRoomEvents(ctx context.Context, events []*fed.Event) {
	for _, evt := range events {
		s.handleEvent(ctx, evt)
	}
}

func (s *Sender) handleEvent(ctx context.Context, evt *fed.Event) {
	// Only fan out events that originate here, or that we are sending on
	// behalf of another server.
	sendOnBehalfOf := evt.SendOnBehalfOf()
	if !fed.IsLocal(evt.Sender, s.serverName) && sendOnBehalfOf == "" {
		return
	}
	if !evt.ShouldProactivelySend() {
		return
	}

	// Resolve hosts at the state before the event: if the last member of a
	// server was just banned, that server must still receive the ban.
	hosts, err := s.state.HostsInRoomAtEvents(ctx, evt.RoomID, evt.PrevEventIDs)
	if err != nil {
		observability.Log().Error("failed to calculate hosts in room for event",
			observability.Field{Key: "event_id", Value: evt.ID},
			observability.Field{Key: "room_id", Value: evt.RoomID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}

	destinations := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		destinations[h] = struct{}{}
	}
	if sendOnBehalfOf != "" {
		// The origin server already has the event.
		delete(destinations, sendOnBehalfOf)
	}

	s.sendPDU(evt, destinations)
}

// sendPDU assigns the next global order value and enqueues the PDU on every
// destination queue. The local server is always filtered out.
func (s *Sender) sendPDU(pdu *fed.Event, destinations map[string]struct{}) {
	s.mu.Lock()
	order := s.order
	s.order++

	delete(destinations, s.serverName)
	if len(destinations) == 0 {
		s.mu.Unlock()
		return
	}
	// Enqueue while still holding the lock so every queue observes order
	// values strictly ascending.
	for destination := range destinations {
		s.queueForLocked(destination).SendPDU(pdu, order)
	}
	s.mu.Unlock()

	s.metrics.pduDestCount.Add(1)
	s.metrics.pduDestTotal.Add(int64(len(destinations)))
}
