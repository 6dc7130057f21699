// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"go.mau.fi/util/jsontime"

	"go.mau.fi/roomkeys/id"
)

// Event represents a single event, either received in a room timeline or
// directly over the to-device channel (in which case the room-related fields
// are empty).
type Event struct {
	StateKey  *string            `json:"state_key,omitempty"`
	Sender    id.UserID          `json:"sender,omitempty"`
	Type      Type               `json:"type"`
	Timestamp jsontime.UnixMilli `json:"origin_server_ts,omitempty"`
	ID        id.EventID         `json:"event_id,omitempty"`
	RoomID    id.RoomID          `json:"room_id,omitempty"`
	Content   Content            `json:"content"`

	// Info carries decryption metadata filled in by the engine. It is never
	// sent over the wire.
	Info DecryptionInfo `json:"-"`
}

// DecryptionInfo tells the consumer how much the decrypted event can be
// trusted.
type DecryptionInfo struct {
	// Verified is set when the sending device is locally verified and the
	// session key arrived directly from it.
	Verified bool
	// Untrusted is set when the session key arrived through a forward that
	// did not pass the forwarded-key trust policy. The plaintext is usable
	// for display, but sender authenticity is not confirmed.
	Untrusted bool
}

func (evt *Event) GetStateKey() string {
	if evt.StateKey != nil {
		return *evt.StateKey
	}
	return ""
}
