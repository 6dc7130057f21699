// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// ParkedKey is a forwarded room key for a room the local user hasn't joined,
// kept around in case the forwarder later invites the user to that room.
// Replaying parked keys on join is the sync layer's responsibility.
type ParkedKey struct {
	RoomID             id.RoomID    `json:"room_id"`
	SenderKey          id.SenderKey `json:"sender_key"`
	SessionID          id.SessionID `json:"session_id"`
	SessionKey         string       `json:"session_key"`
	SenderClaimedKey   id.Ed25519   `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string     `json:"forwarding_curve25519_key_chain"`
	ReceivedFrom       id.UserID    `json:"received_from"`
	ReceivedAt         time.Time    `json:"received_at"`
}

// SentKeyRequest records an outgoing key request, so that a later forward can
// be checked against "did we actually ask this device for this session".
type SentKeyRequest struct {
	RequestID string       `json:"request_id"`
	RoomID    id.RoomID    `json:"room_id"`
	SenderKey id.SenderKey `json:"sender_key"`
	SessionID id.SessionID `json:"session_id"`
	Target    UserDevice   `json:"target"`
	CreatedAt time.Time    `json:"created_at"`
}

// Store persists the engine's bookkeeping: outbound session accounting,
// replay detection indexes, withheld records, parked keys and sent key
// requests. Ratchet state itself lives in the GroupRatchet.
type Store interface {
	// Flush ensures everything is persisted. No-op for database stores.
	Flush(ctx context.Context) error

	// PutOutboundGroupSession upserts the session and marks it as the room's
	// current one.
	PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	// GetOutboundGroupSession returns the room's current session, or nil.
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error)
	// GetOutboundGroupSessionByID finds a current or superseded session by
	// ID, for answering re-share requests.
	GetOutboundGroupSessionByID(ctx context.Context, sessionID id.SessionID) (*OutboundGroupSession, error)
	// RemoveOutboundGroupSession clears the room's current-session pointer.
	// The session itself is kept for re-share lookups.
	RemoveOutboundGroupSession(ctx context.Context, roomID id.RoomID) error

	// ValidateMessageIndex checks that the given message index hasn't been
	// seen with a different event ID or timestamp (replay detection).
	// Repeated validation of the identical event succeeds.
	ValidateMessageIndex(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error)

	PutWithheldGroupSession(ctx context.Context, content event.RoomKeyWithheldEventContent) error
	GetWithheldGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*event.RoomKeyWithheldEventContent, error)

	PutParkedKey(ctx context.Context, parked *ParkedKey) error
	GetParkedKeys(ctx context.Context, roomID id.RoomID) ([]*ParkedKey, error)

	PutKeyRequest(ctx context.Context, request *SentKeyRequest) error
	// GetKeyRequest returns the recorded request for the exact
	// (room, session, target device) tuple, or nil.
	GetKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, target UserDevice) (*SentKeyRequest, error)
	DeleteKeyRequests(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) error
}

type messageIndexKey struct {
	SenderKey id.SenderKey
	SessionID id.SessionID
	Index     uint32
}

type messageIndexValue struct {
	EventID   id.EventID
	Timestamp int64
}

type withheldKey struct {
	RoomID    id.RoomID
	SenderKey id.SenderKey
	SessionID id.SessionID
}

type keyRequestKey struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	Target    UserDevice
}

// MemoryStore is a simple in-memory Store. The optional save callback is
// called after every write, so a wrapper can persist the whole store (e.g.
// by serializing it to a file).
type MemoryStore struct {
	lock sync.RWMutex
	save func() error

	currentOutbound  map[id.RoomID]id.SessionID
	outboundSessions map[id.SessionID]*OutboundGroupSession
	messageIndices   map[messageIndexKey]messageIndexValue
	withheld         map[withheldKey]*event.RoomKeyWithheldEventContent
	parkedKeys       map[id.RoomID][]*ParkedKey
	keyRequests      map[keyRequestKey]*SentKeyRequest
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(saveCallback func() error) *MemoryStore {
	if saveCallback == nil {
		saveCallback = noopSave
	}
	return &MemoryStore{
		save: saveCallback,

		currentOutbound:  make(map[id.RoomID]id.SessionID),
		outboundSessions: make(map[id.SessionID]*OutboundGroupSession),
		messageIndices:   make(map[messageIndexKey]messageIndexValue),
		withheld:         make(map[withheldKey]*event.RoomKeyWithheldEventContent),
		parkedKeys:       make(map[id.RoomID][]*ParkedKey),
		keyRequests:      make(map[keyRequestKey]*SentKeyRequest),
	}
}

func noopSave() error {
	return nil
}

func (store *MemoryStore) Flush(_ context.Context) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	return store.save()
}

func (store *MemoryStore) PutOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.outboundSessions[session.ID] = session
	store.currentOutbound[session.RoomID] = session.ID
	return store.save()
}

func (store *MemoryStore) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	sessionID, ok := store.currentOutbound[roomID]
	if !ok {
		return nil, nil
	}
	return store.outboundSessions[sessionID], nil
}

func (store *MemoryStore) GetOutboundGroupSessionByID(_ context.Context, sessionID id.SessionID) (*OutboundGroupSession, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.outboundSessions[sessionID], nil
}

func (store *MemoryStore) RemoveOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	delete(store.currentOutbound, roomID)
	return store.save()
}

func (store *MemoryStore) ValidateMessageIndex(_ context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	key := messageIndexKey{SenderKey: senderKey, SessionID: sessionID, Index: index}
	val, ok := store.messageIndices[key]
	if !ok {
		store.messageIndices[key] = messageIndexValue{EventID: eventID, Timestamp: timestamp}
		return true, store.save()
	}
	return val.EventID == eventID && val.Timestamp == timestamp, nil
}

func (store *MemoryStore) PutWithheldGroupSession(_ context.Context, content event.RoomKeyWithheldEventContent) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.withheld[withheldKey{content.RoomID, content.SenderKey, content.SessionID}] = &content
	return store.save()
}

func (store *MemoryStore) GetWithheldGroupSession(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*event.RoomKeyWithheldEventContent, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.withheld[withheldKey{roomID, senderKey, sessionID}], nil
}

func (store *MemoryStore) PutParkedKey(_ context.Context, parked *ParkedKey) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.parkedKeys[parked.RoomID] = append(store.parkedKeys[parked.RoomID], parked)
	return store.save()
}

func (store *MemoryStore) GetParkedKeys(_ context.Context, roomID id.RoomID) ([]*ParkedKey, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.parkedKeys[roomID], nil
}

func (store *MemoryStore) PutKeyRequest(_ context.Context, request *SentKeyRequest) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.keyRequests[keyRequestKey{request.RoomID, request.SessionID, request.Target}] = request
	return store.save()
}

func (store *MemoryStore) GetKeyRequest(_ context.Context, roomID id.RoomID, sessionID id.SessionID, target UserDevice) (*SentKeyRequest, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.keyRequests[keyRequestKey{roomID, sessionID, target}], nil
}

func (store *MemoryStore) DeleteKeyRequests(_ context.Context, roomID id.RoomID, sessionID id.SessionID) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	for key := range store.keyRequests {
		if key.RoomID == roomID && key.SessionID == sessionID {
			delete(store.keyRequests, key)
		}
	}
	return store.save()
}
