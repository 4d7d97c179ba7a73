// Package fed defines the wire-level units exchanged between federated servers.
package fed

import (
	json "github.com/goccy/go-json"
)

// EventMetadata carries dispatch hints attached to an event outside its
// signed content.
type EventMetadata struct {
	// SendOnBehalfOf names the origin server when this server completed an
	// operation (such as a join) for another server. Empty means none.
	SendOnBehalfOf string `json:"send_on_behalf_of,omitempty"`
	// OutOfBand marks events that arrived outside the normal timeline and
	// must not be proactively fanned out.
	OutOfBand bool `json:"out_of_band,omitempty"`
}

// Event is a persistent durable unit (PDU) that must be delivered reliably
// and in order to a set of destination servers.
type Event struct {
	ID             string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	PrevEventIDs   []string        `json:"prev_events"`
	Content        json.RawMessage `json:"content,omitempty"`
	StreamOrdering int64           `json:"-"`
	ReceivedTS     int64           `json:"-"`
	Metadata       EventMetadata   `json:"-"`
}

// SendOnBehalfOf returns the origin server this event is being sent for, or
// the empty string when the event originated locally.
func (e *Event) SendOnBehalfOf() string {
	return e.Metadata.SendOnBehalfOf
}

// ShouldProactivelySend reports whether the event may be fanned out without
// an explicit request from a remote.
func (e *Event) ShouldProactivelySend() bool {
	return !e.Metadata.OutOfBand
}
