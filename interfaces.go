// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"time"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// GroupPlaintext is the result of decrypting a single group message.
type GroupPlaintext struct {
	Plaintext    []byte
	MessageIndex uint32
	// Untrusted is set when the session the message was decrypted with came
	// from an unverified forward (see SessionExtraData.Untrusted).
	Untrusted bool
}

// SessionExtraData is metadata attached to an inbound group session when it's
// imported, beyond the key material itself.
type SessionExtraData struct {
	// Untrusted marks a session whose key arrived through a forward that
	// didn't pass the forwarded-key trust policy.
	Untrusted bool
	// SharedHistory marks a session that may be re-shared with new room
	// members under the room's history visibility rules.
	SharedHistory bool
}

// SessionProblemKind classifies recorded pairwise channel problems with a
// specific sender.
type SessionProblemKind string

const (
	SessionProblemNoOlm  SessionProblemKind = "no_olm"
	SessionProblemWedged SessionProblemKind = "wedged"
)

// SessionProblem is a record of a pairwise channel problem, used to replace
// generic "no key" decryption errors with the actual reason.
type SessionProblem struct {
	Kind  SessionProblemKind
	Fixed bool
	Time  time.Time
}

// GroupRatchet is the opaque per-device cryptographic engine that owns all
// group ratchet state. Implementations wrap an Olm/Megolm library (or the
// platform's equivalent); this package never looks inside key material.
type GroupRatchet interface {
	// CreateOutboundSession creates a new outbound group session and returns
	// its unique session ID.
	CreateOutboundSession(ctx context.Context) (id.SessionID, error)
	// GetOutboundSessionKey returns the current exportable session key and
	// chain index of the given outbound session.
	GetOutboundSessionKey(ctx context.Context, sessionID id.SessionID) (key string, chainIndex uint32, err error)
	// EncryptGroupMessage encrypts the plaintext with the given outbound
	// session, advancing its ratchet.
	EncryptGroupMessage(ctx context.Context, sessionID id.SessionID, plaintext []byte) ([]byte, error)

	// AddInboundSession imports an inbound group session. exportFormat tells
	// whether sessionKey is in the exported (forwardable) form rather than
	// the original form signed by the creating device. Fails with
	// ErrMalformedSessionKey on bad key material. Importing a session that
	// already exists keeps whichever copy has the lower first known index,
	// and an equivalent trusted copy replaces an untrusted one.
	AddInboundSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, forwardingChain []string, sessionID id.SessionID, sessionKey string, claimedSigningKey id.Ed25519, exportFormat bool, extra SessionExtraData) error
	// DecryptGroupMessage decrypts a single group message. Fails with
	// ErrUnknownSession when no session with the given ID is known for the
	// sender, and ErrUnknownMessageIndex when the known ratchet state starts
	// after the message's index.
	DecryptGroupMessage(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, ciphertext []byte) (*GroupPlaintext, error)
	// GetInboundSessionKeyAt exports the inbound session's key material
	// ratcheted forward to the given chain index.
	GetInboundSessionKeyAt(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, chainIndex uint32) (string, error)
	// GetFirstKnownIndex returns the lowest chain index the inbound session
	// can decrypt (the forward secrecy boundary of any export).
	GetFirstKnownIndex(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (uint32, error)
	// HasInboundSessionKeys tells whether the inbound session exists locally.
	HasInboundSessionKeys(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (bool, error)
	// GetInboundSessionInfo returns the stored metadata of an inbound
	// session, or nil when the session is unknown.
	GetInboundSessionInfo(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*InboundSessionInfo, error)
	// ListInboundSessions enumerates inbound sessions, optionally filtered to
	// one room (empty roomID means all).
	ListInboundSessions(ctx context.Context, roomID id.RoomID) ([]*InboundSessionInfo, error)
	// DeleteInboundSessions removes every inbound session received from the
	// given sender key and returns how many were deleted. Called when the
	// sending device vanishes from the device directory.
	DeleteInboundSessions(ctx context.Context, senderKey id.SenderKey) (int, error)

	// RecordSessionProblem records a pairwise channel problem with a sender.
	RecordSessionProblem(ctx context.Context, senderKey id.SenderKey, kind SessionProblemKind, fixed bool) error
	// SessionMayHaveProblems returns the most recent problem record for the
	// sender not older than since, or nil.
	SessionMayHaveProblems(ctx context.Context, senderKey id.SenderKey, since time.Time) (*SessionProblem, error)
}

// InboundSessionInfo is the metadata of one inbound group session as tracked
// by the ratchet engine.
type InboundSessionInfo struct {
	RoomID           id.RoomID
	SenderKey        id.SenderKey
	SessionID        id.SessionID
	SigningKey       id.Ed25519
	ForwardingChains []string
	Extra            SessionExtraData
}

// DeviceDirectory tracks other users' device identity keys and trust state.
type DeviceDirectory interface {
	// DownloadKeys returns the known devices of the given users, optionally
	// forcing a refresh over federation.
	DownloadKeys(ctx context.Context, users []id.UserID, forceRefresh bool) (map[id.UserID]map[id.DeviceID]*id.Device, error)
	// CheckDeviceTrust resolves the effective trust level of a device,
	// taking cross-signing into account.
	CheckDeviceTrust(ctx context.Context, device *id.Device) id.TrustState
	// GetDeviceByIdentityKey finds the device currently claiming the given
	// identity key, or nil.
	GetDeviceByIdentityKey(ctx context.Context, algorithm id.Algorithm, identityKey id.IdentityKey) (*id.Device, error)
	// GetDevice returns a single tracked device, or nil if not known.
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
}

// PairwiseChannels establishes and uses pairwise (Olm) channels to other
// devices, claiming one-time keys over the network as needed.
type PairwiseChannels interface {
	// HasChannel tells whether a usable pairwise channel to the device
	// already exists.
	HasChannel(ctx context.Context, device *id.Device) bool
	// EnsureChannels makes sure pairwise channels exist for the given
	// devices, within the timeout. Homeservers that failed to answer the
	// one-time key claim in time are appended to failedServers, so that a
	// retry can be restricted to them. Devices for which no channel could be
	// established are simply absent from later HasChannel checks; the call
	// itself only fails on total breakage.
	EnsureChannels(ctx context.Context, devices map[id.UserID][]*id.Device, forceNew bool, timeout time.Duration, failedServers *[]string) error
	// Encrypt encrypts the payload for the device over its pairwise channel.
	Encrypt(ctx context.Context, device *id.Device, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error)
}

// Transport delivers to-device messages.
type Transport interface {
	SendToDevice(ctx context.Context, evtType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error
}

// StateStore provides the room state the engine needs: encryption config,
// history visibility, membership.
type StateStore interface {
	IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error)
	GetEncryptionEvent(ctx context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error)
	GetHistoryVisibility(ctx context.Context, roomID id.RoomID) (event.HistoryVisibility, error)
	IsRoomJoined(ctx context.Context, roomID id.RoomID) (bool, error)
	// GetInviter returns the user who invited the local user to the room, or
	// empty if the local user joined without an invite.
	GetInviter(ctx context.Context, roomID id.RoomID) (id.UserID, error)
	GetRoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	FindSharedRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error)
}

// DecryptedOlmEvent is an event that arrived through a pairwise channel. The
// pairwise layer has already authenticated SenderKey and SenderSigningKey;
// the engine derives key trust from that authentication.
type DecryptedOlmEvent struct {
	Source *event.Event

	Sender           id.UserID
	SenderDevice     id.DeviceID
	SenderKey        id.SenderKey
	SenderSigningKey id.Ed25519

	Type    event.Type
	Content event.Content
}
