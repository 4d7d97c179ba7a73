package sender

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/meshwire/courier/core/fed"
	"github.com/meshwire/courier/internal/observability"
)

// Replication stream names consumed by the dispatcher.
const (
	StreamFederation  = "federation"
	StreamEvents      = "events"
	StreamReceipts    = "receipts"
	StreamDeviceLists = "device_lists"
	StreamToDevice    = "to_device"
)

// ReplicationRow is a typed row from an upstream replication stream.
type ReplicationRow interface {
	replicationRow()
}

// FederationRowKind discriminates pre-marshalled send instructions on the
// federation stream.
type FederationRowKind string

const (
	// FederationRowPresence carries presence states for known destinations.
	FederationRowPresence FederationRowKind = "p"
	// FederationRowKeyedEDU carries an EDU with a clobbering key.
	FederationRowKeyedEDU FederationRowKind = "k"
	// FederationRowEDU carries a plain EDU.
	FederationRowEDU FederationRowKind = "e"
	// FederationRowDevice pokes a destination for device messages.
	FederationRowDevice FederationRowKind = "d"
)

// FederationRow is a pre-marshalled send instruction generated upstream; it
// is applied exactly as if the corresponding local send had happened here.
type FederationRow struct {
	Kind         FederationRowKind   `json:"kind"`
	Destinations []string            `json:"destinations,omitempty"`
	States       []fed.PresenceState `json:"states,omitempty"`
	EDU          *fed.EDU            `json:"edu,omitempty"`
	Key          string              `json:"key,omitempty"`
	Destination  string              `json:"destination,omitempty"`
}

func (FederationRow) replicationRow() {}

// ReceiptRow is a replicated read receipt.
type ReceiptRow struct {
	RoomID      string          `json:"room_id"`
	ReceiptType string          `json:"receipt_type"`
	UserID      string          `json:"user_id"`
	EventID     string          `json:"event_id"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (ReceiptRow) replicationRow() {}

// EntityRow is a device-list or to-device row: the entity is either a local
// user id (ignored for fan-out) or a remote server to poke.
type EntityRow struct {
	Entity string `json:"entity"`
}

func (EntityRow) replicationRow() {}

// GetReplicationRows returns the rows this sender exposes over replication:
// none, since the dispatcher is not offloaded to a separate worker.
func (s *Sender) GetReplicationRows(from, to int64, limit int) []ReplicationRow {
	return []ReplicationRow{}
}

// ProcessReplicationRows demultiplexes typed rows from an upstream
// replication stream into the dispatcher.
func (s *Sender) ProcessReplicationRows(ctx context.Context, streamName string, token int64, rows []ReplicationRow) {
	switch streamName {
	case StreamFederation:
		for _, row := range rows {
			fedRow, ok := row.(FederationRow)
			if !ok {
				continue
			}
			s.applyFederationRow(fedRow)
		}
		// A dropped token update is recovered by the next batch.
		if err := s.tasks.Submit(ctx, "update_federation_token", func(ctx context.Context) error {
			s.UpdateToken(ctx, token)
			return nil
		}); err != nil {
			observability.Log().Debug("federation token update not scheduled",
				observability.Field{Key: "token", Value: token},
				observability.Field{Key: "error", Value: err.Error()})
		}

	case StreamEvents:
		s.NotifyNewEvents(token)

	case StreamReceipts:
		receiptRows := make([]ReceiptRow, 0, len(rows))
		for _, row := range rows {
			if rr, ok := row.(ReceiptRow); ok {
				receiptRows = append(receiptRows, rr)
			}
		}
		if err := s.tasks.Submit(ctx, "process_receipts_for_federation", func(ctx context.Context) error {
			return s.onNewReceipts(ctx, receiptRows)
		}); err != nil {
			observability.Log().Debug("receipt processing not scheduled",
				observability.Field{Key: "token", Value: token},
				observability.Field{Key: "error", Value: err.Error()})
		}

	case StreamDeviceLists, StreamToDevice:
		hosts := make(map[string]struct{})
		for _, row := range rows {
			entityRow, ok := row.(EntityRow)
			if !ok {
				continue
			}
			// Entities starting with '@' are local users, not destinations.
			if fed.IsUserID(entityRow.Entity) {
				continue
			}
			hosts[entityRow.Entity] = struct{}{}
		}
		for host := range hosts {
			s.SendDeviceMessages(host)
		}
	}
}

func (s *Sender) applyFederationRow(row FederationRow) {
	switch row.Kind {
	case FederationRowPresence:
		s.SendPresenceToDestinations(row.States, row.Destinations)
	case FederationRowKeyedEDU:
		if row.EDU != nil {
			s.SendEDU(*row.EDU, row.Key)
		}
	case FederationRowEDU:
		if row.EDU != nil {
			s.SendEDU(*row.EDU, "")
		}
	case FederationRowDevice:
		if row.Destination != "" {
			s.SendDeviceMessages(row.Destination)
		}
	}
}

func (s *Sender) onNewReceipts(ctx context.Context, rows []ReceiptRow) error {
	for _, row := range rows {
		// Only fan out receipts for our own users.
		if !fed.IsLocal(row.UserID, s.serverName) {
			continue
		}
		receipt := fed.ReadReceipt{
			RoomID:      row.RoomID,
			ReceiptType: row.ReceiptType,
			UserID:      row.UserID,
			EventIDs:    []string{row.EventID},
			Data:        row.Data,
		}
		if err := s.SendReadReceipt(ctx, receipt); err != nil {
			return err
		}
	}
	return nil
}
