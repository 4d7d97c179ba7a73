// Package storage provides the PostgreSQL-backed event log, position
// tracker, and room-host resolver behind the federation dispatcher.
package storage

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/errs"
)

// Store persists dispatcher state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	outPosSelectSQL = `
SELECT position FROM federation_out_pos WHERE pos_key = @pos_key;
`

	outPosUpsertSQL = `
INSERT INTO federation_out_pos (pos_key, position)
VALUES (@pos_key, @position)
ON CONFLICT (pos_key) DO UPDATE SET
    position = GREATEST(federation_out_pos.position, EXCLUDED.position);
`

	eventInsertSQL = `
INSERT INTO event_stream (
    event_id,
    room_id,
    sender,
    event_type,
    prev_event_ids,
    content,
    send_on_behalf_of,
    out_of_band,
    received_ts
)
VALUES (
    @event_id,
    @room_id,
    @sender,
    @event_type,
    @prev_event_ids::jsonb,
    @content::jsonb,
    @send_on_behalf_of,
    @out_of_band,
    @received_ts
)
ON CONFLICT (event_id) DO NOTHING
RETURNING stream_ordering;
`

	eventStreamSelectSQL = `
SELECT
    stream_ordering,
    event_id,
    room_id,
    sender,
    event_type,
    prev_event_ids,
    content,
    send_on_behalf_of,
    out_of_band,
    received_ts
FROM event_stream
WHERE stream_ordering > @from_pos AND stream_ordering <= @to_pos
ORDER BY stream_ordering ASC
LIMIT @page_limit;
`

	receivedTSSelectSQL = `
SELECT received_ts FROM event_stream WHERE event_id = @event_id;
`

	maxOrderingSelectSQL = `
SELECT COALESCE(MAX(stream_ordering), 0) FROM event_stream;
`

	roomHostsSelectSQL = `
SELECT host FROM room_hosts WHERE room_id = @room_id ORDER BY host;
`

	roomHostUpsertSQL = `
INSERT INTO room_hosts (room_id, host)
VALUES (@room_id, @host)
ON CONFLICT (room_id, host) DO NOTHING;
`

	roomHostDeleteSQL = `
DELETE FROM room_hosts WHERE room_id = @room_id AND host = @host;
`

	eventHostsSelectSQL = `
SELECT DISTINCT host FROM event_hosts
WHERE room_id = @room_id AND event_id = ANY(@event_ids)
ORDER BY host;
`

	eventHostInsertSQL = `
INSERT INTO event_hosts (room_id, event_id, host)
VALUES (@room_id, @event_id, @host)
ON CONFLICT (room_id, event_id, host) DO NOTHING;
`
)

// FederationOutPos returns the persisted stream position for the key, or
// zero when the key has never been written.
func (s *Store) FederationOutPos(ctx context.Context, key string) (int64, error) {
	var pos int64
	err := s.pool.QueryRow(ctx, outPosSelectSQL, pgx.NamedArgs{"pos_key": key}).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.New("storage", errs.CodeStore,
			errs.WithMessage("select federation position"), errs.WithCause(err))
	}
	return pos, nil
}

// UpdateFederationOutPos persists the stream position for the key. The
// position never moves backwards, so stale writers are harmless.
func (s *Store) UpdateFederationOutPos(ctx context.Context, key string, pos int64) error {
	_, err := s.pool.Exec(ctx, outPosUpsertSQL, pgx.NamedArgs{
		"pos_key":  key,
		"position": pos,
	})
	if err != nil {
		return errs.New("storage", errs.CodeStore,
			errs.WithMessage("upsert federation position"), errs.WithCause(err))
	}
	return nil
}

// AppendEvent persists an event and returns its assigned stream ordering.
func (s *Store) AppendEvent(ctx context.Context, evt *fed.Event) (int64, error) {
	prevIDs, err := json.Marshal(evt.PrevEventIDs)
	if err != nil {
		return 0, errs.New("storage", errs.CodeInvalid,
			errs.WithEvent(evt.ID), errs.WithCause(err))
	}
	content := evt.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	var ordering int64
	err = s.pool.QueryRow(ctx, eventInsertSQL, pgx.NamedArgs{
		"event_id":          evt.ID,
		"room_id":           evt.RoomID,
		"sender":            evt.Sender,
		"event_type":        evt.Type,
		"prev_event_ids":    string(prevIDs),
		"content":           string(content),
		"send_on_behalf_of": evt.Metadata.SendOnBehalfOf,
		"out_of_band":       evt.Metadata.OutOfBand,
		"received_ts":       evt.ReceivedTS,
	}).Scan(&ordering)
	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate event id; the original row keeps its ordering.
		return 0, errs.New("storage", errs.CodeConflict, errs.WithEvent(evt.ID),
			errs.WithMessage("event already persisted"))
	}
	if err != nil {
		return 0, errs.New("storage", errs.CodeStore,
			errs.WithEvent(evt.ID), errs.WithMessage("insert event"), errs.WithCause(err))
	}
	return ordering, nil
}

// AllNewEventsStream returns events with stream ordering in (from, to],
// capped at limit, along with the position to resume from.
func (s *Store) AllNewEventsStream(ctx context.Context, from, to int64, limit int) (int64, []*fed.Event, error) {
	rows, err := s.pool.Query(ctx, eventStreamSelectSQL, pgx.NamedArgs{
		"from_pos":   from,
		"to_pos":     to,
		"page_limit": limit,
	})
	if err != nil {
		return 0, nil, errs.New("storage", errs.CodeStore,
			errs.WithMessage("select event stream"), errs.WithCause(err))
	}
	defer rows.Close()

	var events []*fed.Event
	for rows.Next() {
		evt := new(fed.Event)
		var prevIDs []byte
		if err := rows.Scan(
			&evt.StreamOrdering,
			&evt.ID,
			&evt.RoomID,
			&evt.Sender,
			&evt.Type,
			&prevIDs,
			&evt.Content,
			&evt.Metadata.SendOnBehalfOf,
			&evt.Metadata.OutOfBand,
			&evt.ReceivedTS,
		); err != nil {
			return 0, nil, errs.New("storage", errs.CodeStore,
				errs.WithMessage("scan event row"), errs.WithCause(err))
		}
		if len(prevIDs) > 0 {
			if err := json.Unmarshal(prevIDs, &evt.PrevEventIDs); err != nil {
				return 0, nil, errs.New("storage", errs.CodeStore,
					errs.WithEvent(evt.ID), errs.WithMessage("decode prev event ids"), errs.WithCause(err))
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, errs.New("storage", errs.CodeStore,
			errs.WithMessage("iterate event stream"), errs.WithCause(err))
	}

	next := to
	if limit > 0 && len(events) == limit {
		next = events[len(events)-1].StreamOrdering
	}
	return next, events, nil
}

// ReceivedTS returns the local receive timestamp of an event in
// milliseconds, or zero when the event is unknown.
func (s *Store) ReceivedTS(ctx context.Context, eventID string) (int64, error) {
	var ts int64
	err := s.pool.QueryRow(ctx, receivedTSSelectSQL, pgx.NamedArgs{"event_id": eventID}).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.New("storage", errs.CodeStore,
			errs.WithEvent(eventID), errs.WithMessage("select received ts"), errs.WithCause(err))
	}
	return ts, nil
}

// MaxStreamOrdering returns the highest persisted stream position.
func (s *Store) MaxStreamOrdering(ctx context.Context) (int64, error) {
	var max int64
	if err := s.pool.QueryRow(ctx, maxOrderingSelectSQL).Scan(&max); err != nil {
		return 0, errs.New("storage", errs.CodeStore,
			errs.WithMessage("select max stream ordering"), errs.WithCause(err))
	}
	return max, nil
}

// CurrentHostsInRoom resolves the hosts currently joined to the room.
func (s *Store) CurrentHostsInRoom(ctx context.Context, roomID string) ([]string, error) {
	return s.queryHosts(ctx, roomHostsSelectSQL, pgx.NamedArgs{"room_id": roomID}, roomID)
}

// HostsInRoomAtEvents resolves the hosts in the room at the state prior to
// the given events.
func (s *Store) HostsInRoomAtEvents(ctx context.Context, roomID string, eventIDs []string) ([]string, error) {
	return s.queryHosts(ctx, eventHostsSelectSQL, pgx.NamedArgs{
		"room_id":   roomID,
		"event_ids": eventIDs,
	}, roomID)
}

func (s *Store) queryHosts(ctx context.Context, sql string, args pgx.NamedArgs, roomID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args)
	if err != nil {
		return nil, errs.New("storage", errs.CodeResolver,
			errs.WithRoom(roomID), errs.WithMessage("select hosts"), errs.WithCause(err))
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, errs.New("storage", errs.CodeResolver,
				errs.WithRoom(roomID), errs.WithMessage("scan host"), errs.WithCause(err))
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("storage", errs.CodeResolver,
			errs.WithRoom(roomID), errs.WithMessage("iterate hosts"), errs.WithCause(err))
	}
	return hosts, nil
}

// AddRoomHost records that a host is currently joined to the room.
func (s *Store) AddRoomHost(ctx context.Context, roomID, host string) error {
	_, err := s.pool.Exec(ctx, roomHostUpsertSQL, pgx.NamedArgs{
		"room_id": roomID,
		"host":    host,
	})
	if err != nil {
		return errs.New("storage", errs.CodeStore,
			errs.WithRoom(roomID), errs.WithMessage("insert room host"), errs.WithCause(err))
	}
	return nil
}

// RemoveRoomHost records that a host has left the room.
func (s *Store) RemoveRoomHost(ctx context.Context, roomID, host string) error {
	_, err := s.pool.Exec(ctx, roomHostDeleteSQL, pgx.NamedArgs{
		"room_id": roomID,
		"host":    host,
	})
	if err != nil {
		return errs.New("storage", errs.CodeStore,
			errs.WithRoom(roomID), errs.WithMessage("delete room host"), errs.WithCause(err))
	}
	return nil
}

// SetEventHosts records the hosts in the room at the state prior to the
// given event.
func (s *Store) SetEventHosts(ctx context.Context, roomID, eventID string, hosts []string) error {
	for _, host := range hosts {
		_, err := s.pool.Exec(ctx, eventHostInsertSQL, pgx.NamedArgs{
			"room_id":  roomID,
			"event_id": eventID,
			"host":     host,
		})
		if err != nil {
			return errs.New("storage", errs.CodeStore,
				errs.WithRoom(roomID), errs.WithEvent(eventID),
				errs.WithMessage("insert event host"), errs.WithCause(err))
		}
	}
	return nil
}
