// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// UserDevice identifies a single device of a single user.
type UserDevice struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

// MarshalText makes UserDevice usable as a JSON map key. User IDs can never
// contain a slash, so the first slash is an unambiguous separator.
func (ud UserDevice) MarshalText() ([]byte, error) {
	return []byte(string(ud.UserID) + "/" + string(ud.DeviceID)), nil
}

func (ud *UserDevice) UnmarshalText(data []byte) error {
	parts := strings.SplitN(string(data), "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid user/device key %q", data)
	}
	ud.UserID = id.UserID(parts[0])
	ud.DeviceID = id.DeviceID(parts[1])
	return nil
}

// SharedTarget records what a device received when a session key was shared
// with it. The identity key is compared on later shares and re-shares: a
// device whose identity key changed was replaced and must be treated as a
// brand-new device.
type SharedTarget struct {
	IdentityKey id.Curve25519 `json:"identity_key"`
	ChainIndex  uint32        `json:"chain_index"`
}

// OutboundGroupSession is the bookkeeping around one outbound group session.
// The ratchet state itself lives in the GroupRatchet; this struct tracks
// rotation accounting and who has received the key.
//
// Exactly one session per room is current, guarded by the per-room setup
// serialization in OutboundManager. Superseded sessions are kept in the
// store, read-only, to answer re-share requests.
type OutboundGroupSession struct {
	RoomID id.RoomID    `json:"room_id"`
	ID     id.SessionID `json:"session_id"`

	CreationTime time.Time `json:"creation_time"`
	UseCount     int       `json:"use_count"`

	MaxAge      time.Duration `json:"max_age"`
	MaxMessages int           `json:"max_messages"`

	// SharedHistory is fixed at creation from the room's history visibility.
	// A visibility change therefore forces a new session.
	SharedHistory bool `json:"shared_history"`

	// SharedWith maps devices to what they received. A device is only added
	// after the transport confirmed the key-send to it.
	SharedWith map[UserDevice]SharedTarget `json:"shared_with"`

	// WithheldNotified tracks which devices have already been told why they
	// won't get this session's key, so withheld notifications are sent at
	// most once per device per session.
	WithheldNotified map[UserDevice]event.RoomKeyWithheldCode `json:"withheld_notified"`
}

func newOutboundGroupSession(roomID id.RoomID, sessionID id.SessionID, sharedHistory bool, maxAge time.Duration, maxMessages int) *OutboundGroupSession {
	return &OutboundGroupSession{
		RoomID:           roomID,
		ID:               sessionID,
		CreationTime:     time.Now().UTC(),
		MaxAge:           maxAge,
		MaxMessages:      maxMessages,
		SharedHistory:    sharedHistory,
		SharedWith:       make(map[UserDevice]SharedTarget),
		WithheldNotified: make(map[UserDevice]event.RoomKeyWithheldCode),
	}
}

// Expired tells whether the session has hit either rotation threshold.
func (ogs *OutboundGroupSession) Expired() bool {
	return ogs.UseCount >= ogs.MaxMessages || time.Since(ogs.CreationTime) >= ogs.MaxAge
}

// IsSharedWith tells whether the key was confirmed-sent to this exact device
// with this exact identity key.
func (ogs *OutboundGroupSession) IsSharedWith(userID id.UserID, deviceID id.DeviceID, identityKey id.Curve25519) bool {
	target, ok := ogs.SharedWith[UserDevice{userID, deviceID}]
	return ok && target.IdentityKey == identityKey
}

// SharedWithUsers returns the set of users the session was shared with.
func (ogs *OutboundGroupSession) SharedWithUsers() map[id.UserID]struct{} {
	users := make(map[id.UserID]struct{}, len(ogs.SharedWith))
	for target := range ogs.SharedWith {
		users[target.UserID] = struct{}{}
	}
	return users
}
