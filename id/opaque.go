// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

// A UserID is a string starting with @ that references a specific user.
// https://matrix.org/docs/spec/appendices#user-identifiers
type UserID string

// A RoomID is a string starting with ! that references a specific room.
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
type RoomID string

// An EventID is a string starting with $ that references a specific event.
//
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
// https://matrix.org/docs/spec/rooms/v4#event-ids
type EventID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A SessionID is the unique identifier of a Megolm group session, assigned by
// the ratchet engine at session creation.
type SessionID string

func (userID UserID) String() string {
	return string(userID)
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (sessionID SessionID) String() string {
	return string(sessionID)
}
