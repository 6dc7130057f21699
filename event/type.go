// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"fmt"
)

type TypeClass int

func (tc TypeClass) Name() string {
	switch tc {
	case MessageEventType:
		return "message"
	case StateEventType:
		return "state"
	case ToDeviceEventType:
		return "to-device"
	default:
		return "unknown"
	}
}

const (
	// UnknownEventType is the default value for the Class of a Type.
	UnknownEventType TypeClass = iota
	// MessageEventType of events are identified by the event ID and can be sent to rooms.
	MessageEventType
	// StateEventType of events are identified by their type and state key.
	StateEventType
	// ToDeviceEventType of events are sent directly to devices and are not persisted in rooms.
	ToDeviceEventType
)

type Type struct {
	Type  string
	Class TypeClass
}

func NewEventType(name string) Type {
	evtType := Type{Type: name}
	evtType.Class = evtType.GuessClass()
	return evtType
}

func (et *Type) IsState() bool {
	return et.Class == StateEventType
}

func (et *Type) IsToDevice() bool {
	return et.Class == ToDeviceEventType
}

func (et *Type) GuessClass() TypeClass {
	switch et.Type {
	case StateEncryption.Type, StateHistoryVisibility.Type, StateMember.Type:
		return StateEventType
	case ToDeviceRoomKey.Type, ToDeviceForwardedRoomKey.Type, ToDeviceRoomKeyRequest.Type,
		ToDeviceRoomKeyWithheld.Type, ToDeviceOrgMatrixRoomKeyWithheld.Type,
		ToDeviceEncrypted.Type, ToDeviceDummy.Type:
		return ToDeviceEventType
	default:
		return MessageEventType
	}
}

func (et *Type) UnmarshalJSON(data []byte) error {
	err := json.Unmarshal(data, &et.Type)
	if err != nil {
		return err
	}
	et.Class = et.GuessClass()
	return nil
}

func (et *Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(&et.Type)
}

func (et Type) String() string {
	return et.Type
}

func (et Type) Repr() string {
	return fmt.Sprintf("%s (%s)", et.Type, et.Class.Name())
}

// Default event types
var (
	EventMessage   = Type{"m.room.message", MessageEventType}
	EventEncrypted = Type{"m.room.encrypted", MessageEventType}

	StateEncryption        = Type{"m.room.encryption", StateEventType}
	StateHistoryVisibility = Type{"m.room.history_visibility", StateEventType}
	StateMember            = Type{"m.room.member", StateEventType}

	ToDeviceRoomKey                  = Type{"m.room_key", ToDeviceEventType}
	ToDeviceForwardedRoomKey         = Type{"m.forwarded_room_key", ToDeviceEventType}
	ToDeviceRoomKeyRequest           = Type{"m.room_key_request", ToDeviceEventType}
	ToDeviceRoomKeyWithheld          = Type{"m.room_key.withheld", ToDeviceEventType}
	ToDeviceOrgMatrixRoomKeyWithheld = Type{"org.matrix.room_key.withheld", ToDeviceEventType}
	ToDeviceEncrypted                = Type{"m.room.encrypted", ToDeviceEventType}
	ToDeviceDummy                    = Type{"m.dummy", ToDeviceEventType}
)

// Verification event types and msgtypes are special-cased in the outbound
// manager: they're distributed even to unverified devices so that the
// verification flow itself can't be blocked by the unverified-device policy.
var (
	ToDeviceVerificationRequest = Type{"m.key.verification.request", ToDeviceEventType}
	ToDeviceVerificationStart   = Type{"m.key.verification.start", ToDeviceEventType}
	ToDeviceVerificationAccept  = Type{"m.key.verification.accept", ToDeviceEventType}
	ToDeviceVerificationKey     = Type{"m.key.verification.key", ToDeviceEventType}
	ToDeviceVerificationMAC     = Type{"m.key.verification.mac", ToDeviceEventType}
	ToDeviceVerificationCancel  = Type{"m.key.verification.cancel", ToDeviceEventType}
	ToDeviceVerificationDone    = Type{"m.key.verification.done", ToDeviceEventType}

	MsgVerificationRequest = "m.key.verification.request"
)
