// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"

	"go.mau.fi/roomkeys/id"
)

// EncryptionEventContent represents the content of a m.room.encryption state event.
// https://spec.matrix.org/v1.2/client-server-api/#mroomencryption
type EncryptionEventContent struct {
	// The encryption algorithm to be used to encrypt messages sent in this room. Must be 'm.megolm.v1.aes-sha2'.
	Algorithm id.Algorithm `json:"algorithm"`
	// How long the session should be used before changing it. 604800000 (a week) is the recommended default.
	RotationPeriodMillis int64 `json:"rotation_period_ms,omitempty"`
	// How many messages should be sent before changing the session. 100 is the recommended default.
	RotationPeriodMessages int `json:"rotation_period_messages,omitempty"`
}

// HistoryVisibility specifies who can read room history.
// https://spec.matrix.org/v1.2/client-server-api/#room-history-visibility
type HistoryVisibility string

const (
	HistoryVisibilityInvited       HistoryVisibility = "invited"
	HistoryVisibilityJoined        HistoryVisibility = "joined"
	HistoryVisibilityShared        HistoryVisibility = "shared"
	HistoryVisibilityWorldReadable HistoryVisibility = "world_readable"
)

// SharedHistory tells whether group session keys in a room with this history
// visibility may be freely re-shared with new members.
func (hv HistoryVisibility) SharedHistory() bool {
	return hv == HistoryVisibilityShared || hv == HistoryVisibilityWorldReadable
}

// HistoryVisibilityEventContent represents the content of a m.room.history_visibility state event.
type HistoryVisibilityEventContent struct {
	HistoryVisibility HistoryVisibility `json:"history_visibility"`
}

// OlmCiphertext is a single pairwise-channel ciphertext blob.
type OlmCiphertext struct {
	Body string        `json:"body"`
	Type id.OlmMsgType `json:"type"`
}

type OlmCiphertexts map[id.Curve25519]OlmCiphertext

// EncryptedEventContent represents the content of a m.room.encrypted event.
//
// The struct covers both the m.olm.v1.curve25519-aes-sha2 to-device form
// (OlmCiphertext) and the m.megolm.v1.aes-sha2 room message form (the
// remaining fields). The Algorithm field tags which one is in use.
//
// https://spec.matrix.org/v1.2/client-server-api/#mroomencrypted
type EncryptedEventContent struct {
	Algorithm id.Algorithm `json:"algorithm"`
	SenderKey id.SenderKey `json:"sender_key,omitempty"`

	OlmCiphertext OlmCiphertexts `json:"-"`

	DeviceID         id.DeviceID  `json:"device_id,omitempty"`
	SessionID        id.SessionID `json:"session_id,omitempty"`
	MegolmCiphertext []byte       `json:"-"`
}

type serializableEncryptedEventContent struct {
	Algorithm id.Algorithm `json:"algorithm"`
	SenderKey id.SenderKey `json:"sender_key,omitempty"`
	DeviceID  id.DeviceID  `json:"device_id,omitempty"`
	SessionID id.SessionID `json:"session_id,omitempty"`

	Ciphertext json.RawMessage `json:"ciphertext"`
}

func (content *EncryptedEventContent) UnmarshalJSON(data []byte) error {
	var serializable serializableEncryptedEventContent
	err := json.Unmarshal(data, &serializable)
	if err != nil {
		return err
	}
	content.Algorithm = serializable.Algorithm
	content.SenderKey = serializable.SenderKey
	content.DeviceID = serializable.DeviceID
	content.SessionID = serializable.SessionID
	switch content.Algorithm {
	case id.AlgorithmOlmV1:
		return json.Unmarshal(serializable.Ciphertext, &content.OlmCiphertext)
	case id.AlgorithmMegolmV1:
		return json.Unmarshal(serializable.Ciphertext, (*unpaddedBase64)(&content.MegolmCiphertext))
	}
	return nil
}

func (content *EncryptedEventContent) MarshalJSON() ([]byte, error) {
	serializable := serializableEncryptedEventContent{
		Algorithm: content.Algorithm,
		SenderKey: content.SenderKey,
		DeviceID:  content.DeviceID,
		SessionID: content.SessionID,
	}
	var err error
	switch content.Algorithm {
	case id.AlgorithmOlmV1:
		serializable.Ciphertext, err = json.Marshal(content.OlmCiphertext)
	case id.AlgorithmMegolmV1:
		serializable.Ciphertext, err = json.Marshal((*unpaddedBase64)(&content.MegolmCiphertext))
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(&serializable)
}

// RoomKeyEventContent represents the content of a m.room_key to_device event.
// https://spec.matrix.org/v1.2/client-server-api/#mroom_key
type RoomKeyEventContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
	ChainIndex uint32       `json:"chain_index"`

	// MSC3061: Sharing room keys for past messages
	SharedHistory bool `json:"org.matrix.msc3061.shared_history,omitempty"`

	MaxAge      int64 `json:"com.beeper.max_age_ms,omitempty"`
	MaxMessages int   `json:"com.beeper.max_messages,omitempty"`
}

// ForwardedRoomKeyEventContent represents the content of a m.forwarded_room_key to_device event.
// https://spec.matrix.org/v1.2/client-server-api/#mforwarded_room_key
type ForwardedRoomKeyEventContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`

	SenderKey          id.SenderKey `json:"sender_key"`
	SenderClaimedKey   id.Ed25519   `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string     `json:"forwarding_curve25519_key_chain"`

	SharedHistory bool `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type KeyRequestAction string

const (
	KeyRequestActionRequest KeyRequestAction = "request"
	KeyRequestActionCancel  KeyRequestAction = "request_cancellation"
)

// RoomKeyRequestEventContent represents the content of a m.room_key_request to_device event.
// https://spec.matrix.org/v1.2/client-server-api/#mroom_key_request
type RoomKeyRequestEventContent struct {
	Body               RequestedKeyInfo `json:"body"`
	Action             KeyRequestAction `json:"action"`
	RequestingDeviceID id.DeviceID      `json:"requesting_device_id"`
	RequestID          string           `json:"request_id"`
}

type RequestedKeyInfo struct {
	Algorithm id.Algorithm `json:"algorithm"`
	RoomID    id.RoomID    `json:"room_id"`
	SenderKey id.SenderKey `json:"sender_key"`
	SessionID id.SessionID `json:"session_id"`
}

type RoomKeyWithheldCode string

const (
	RoomKeyWithheldBlacklisted  RoomKeyWithheldCode = "m.blacklisted"
	RoomKeyWithheldUnverified   RoomKeyWithheldCode = "m.unverified"
	RoomKeyWithheldUnauthorized RoomKeyWithheldCode = "m.unauthorised"
	RoomKeyWithheldUnavailable  RoomKeyWithheldCode = "m.unavailable"
	RoomKeyWithheldNoOlmSession RoomKeyWithheldCode = "m.no_olm"
)

// RoomKeyWithheldEventContent represents the content of a m.room_key.withheld
// to_device event. RoomID and SessionID are omitted for m.no_olm, which tells
// the recipient that no key for any session could be sent to it.
// https://spec.matrix.org/v1.4/client-server-api/#mroom_keywithheld
type RoomKeyWithheldEventContent struct {
	RoomID    id.RoomID           `json:"room_id,omitempty"`
	Algorithm id.Algorithm        `json:"algorithm"`
	SessionID id.SessionID        `json:"session_id,omitempty"`
	SenderKey id.SenderKey        `json:"sender_key"`
	Code      RoomKeyWithheldCode `json:"code"`
	Reason    string              `json:"reason,omitempty"`
}

// DummyEventContent represents the content of a m.dummy to_device event,
// sent only to wake up the pairwise channel on the peer.
type DummyEventContent struct{}
