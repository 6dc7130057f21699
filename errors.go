// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"errors"
	"fmt"

	"go.mau.fi/roomkeys/event"
)

// Errors the ratchet engine reports through GroupRatchet implementations.
var (
	ErrUnknownSession      = errors.New("no session with given ID found")
	ErrUnknownMessageIndex = errors.New("unknown message index")
	ErrMalformedSessionKey = errors.New("malformed session key material")
)

// Decryption failure taxonomy. Integrity failures (replay, wrong room) always
// surface to the caller; recoverable failures leave the event queued.
var (
	ErrIncorrectEncryptedContentType = errors.New("event content is not an encrypted event content struct")
	ErrUnsupportedAlgorithm          = errors.New("unsupported event encryption algorithm")
	ErrMissingFields                 = errors.New("missing fields in encrypted event")
	ErrReplayAttack                  = errors.New("duplicate message index")
	ErrWrongRoom                     = errors.New("encrypted event is not intended for this room")
	ErrDeviceKeyMismatch             = errors.New("device keys in event and verified device info do not match")
)

// Outbound failure taxonomy.
var (
	ErrNoGroupSession    = errors.New("no group session created")
	ErrUnknownDevices    = errors.New("room contains unknown devices that have not been marked known")
	ErrKeyShareSetup     = errors.New("failed to set up group session sharing")
	ErrSessionNotShared  = errors.New("session was not shared with the requested device")
	ErrIdentityKeyChange = errors.New("device identity key changed since the session was shared")
)

// NoSessionError is returned by DecryptEvent when the session key hasn't
// arrived yet. The Reason is human-readable and becomes more specific when a
// withheld notification or session problem record explains the gap; retrying
// decryption after such a record arrives refreshes it.
type NoSessionError struct {
	Code   event.RoomKeyWithheldCode
	Reason string
}

func (err *NoSessionError) Error() string {
	return err.Reason
}

func (err *NoSessionError) Is(other error) bool {
	return other == ErrUnknownSession
}

// Human-readable reasons for key gaps, keyed by withheld code where one
// exists.
const (
	reasonNoKey       = "the sender hasn't sent us the keys for this message"
	reasonBlacklisted = "the sender has blocked you"
	reasonUnverified  = "the sender won't send keys to unverified devices"
	reasonUnavailable = "the sender doesn't have the keys for this message"
	reasonNoOlm       = "unable to establish a secure channel with the sender"
	reasonWedged      = "the secure channel with the sender was corrupted"
)

func withheldToError(content *event.RoomKeyWithheldEventContent) *NoSessionError {
	reason := reasonNoKey
	switch content.Code {
	case event.RoomKeyWithheldBlacklisted:
		reason = reasonBlacklisted
	case event.RoomKeyWithheldUnverified:
		reason = reasonUnverified
	case event.RoomKeyWithheldUnavailable:
		reason = reasonUnavailable
	case event.RoomKeyWithheldNoOlmSession:
		reason = reasonNoOlm
	default:
		if content.Reason != "" {
			reason = fmt.Sprintf("the sender withheld the keys for this message (%s)", content.Reason)
		} else {
			reason = fmt.Sprintf("the sender withheld the keys for this message (%s)", content.Code)
		}
	}
	return &NoSessionError{Code: content.Code, Reason: reason}
}

func problemToError(problem *SessionProblem) *NoSessionError {
	switch problem.Kind {
	case SessionProblemNoOlm:
		return &NoSessionError{Code: event.RoomKeyWithheldNoOlmSession, Reason: reasonNoOlm}
	case SessionProblemWedged:
		return &NoSessionError{Reason: reasonWedged}
	default:
		return &NoSessionError{Reason: reasonNoKey}
	}
}
