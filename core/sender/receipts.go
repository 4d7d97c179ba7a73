package sender

import (
	"context"
	"time"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/errs"
)

// SendReadReceipt fans a read receipt out to the other servers in its room.
//
// Receipt flushes are rate limited per room: the first receipt flushes
// immediately and arms a timer proportional to the number of domains; further
// receipts within the window only accrue in the destination queues (which
// still piggyback on any transaction leaving anyway) until the timer fires.
func (s *Sender) SendReadReceipt(ctx context.Context, receipt fed.ReadReceipt) error {
	roomID := receipt.RoomID

	domains, err := s.state.CurrentHostsInRoom(ctx, roomID)
	if err != nil {
		return errs.New("sender", errs.CodeResolver,
			errs.WithRoom(roomID),
			errs.WithMessage("resolve current hosts"),
			errs.WithCause(err))
	}
	remotes := make([]string, 0, len(domains))
	for _, d := range domains {
		if d != s.serverName {
			remotes = append(remotes, d)
		}
	}
	if len(remotes) == 0 {
		return nil
	}

	s.mu.Lock()
	pending, flushScheduled := s.rrPendingByRoom[roomID]
	if !flushScheduled {
		s.scheduleRRFlushLocked(roomID, len(remotes))
	}
	var immediate []DestinationQueue
	for _, domain := range remotes {
		queue := s.queueForLocked(domain)
		queue.QueueReadReceipt(receipt)
		if flushScheduled {
			pending[queue] = struct{}{}
		} else {
			immediate = append(immediate, queue)
		}
	}
	s.mu.Unlock()

	for _, queue := range immediate {
		queue.FlushReadReceiptsForRoom(roomID)
	}
	return nil
}

// scheduleRRFlushLocked arms the one-shot flush timer for the room. The
// backoff scales with the number of domains the flush will poke, since that
// is how many transactions it is about to cause. Caller holds s.mu.
func (s *Sender) scheduleRRFlushLocked(roomID string, nDomains int) {
	backoff := s.rrInterval * time.Duration(nDomains)
	s.rrPendingByRoom[roomID] = make(map[DestinationQueue]struct{})
	s.clock.CallLater(backoff, func() {
		s.flushReadReceiptsForRoom(roomID)
	})
}

func (s *Sender) flushReadReceiptsForRoom(roomID string) {
	s.mu.Lock()
	queues := s.rrPendingByRoom[roomID]
	delete(s.rrPendingByRoom, roomID)
	if len(queues) == 0 {
		// No receipts accrued during the window; the cycle stops here.
		s.mu.Unlock()
		return
	}
	s.scheduleRRFlushLocked(roomID, len(queues))
	flush := make([]DestinationQueue, 0, len(queues))
	for queue := range queues {
		flush = append(flush, queue)
	}
	s.mu.Unlock()

	for _, queue := range flush {
		queue.FlushReadReceiptsForRoom(roomID)
	}
}
