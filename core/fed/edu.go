package fed

import (
	json "github.com/goccy/go-json"
)

// Well-known EDU types produced by the dispatcher.
const (
	EDUTypePresence = "m.presence"
	EDUTypeReceipt  = "m.receipt"
	EDUTypeTyping   = "m.typing"
	EDUTypeDevice   = "m.device_list_update"
)

// EDU is an ephemeral datagram, delivered best-effort. An EDU may be keyed:
// a newer keyed EDU with the same (type, key) clobbers a queued-but-unsent
// predecessor for the same destination.
type EDU struct {
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Type        string          `json:"edu_type"`
	Content     json.RawMessage `json:"content"`
}

// ReadReceipt declares that a user has read up to the given events in a room.
type ReadReceipt struct {
	RoomID      string          `json:"room_id"`
	ReceiptType string          `json:"receipt_type"`
	UserID      string          `json:"user_id"`
	EventIDs    []string        `json:"event_ids"`
	Data        json.RawMessage `json:"data,omitempty"`
}
