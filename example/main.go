// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command example runs two in-process devices through a full key exchange:
// Alice creates and shares a group session, Bob receives the key over a toy
// pairwise channel, and decrypts Alice's message. Alice's bookkeeping is
// persisted in SQLite, Bob's stays in memory. The ratchet itself is a toy
// stand-in; in a real client it would wrap an Olm/Megolm implementation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"

	"go.mau.fi/roomkeys"
	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

const roomID = id.RoomID("!demo:example.com")

type inboundSession struct {
	info       roomkeys.InboundSessionInfo
	baseKey    string
	firstIndex uint32
}

type outboundSession struct {
	baseKey string
	index   uint32
}

// demoRatchet is a toy GroupRatchet: "ciphertext" is a self-describing JSON
// blob that can only be read back by a device holding a matching session key.
type demoRatchet struct {
	lock     sync.Mutex
	outbound map[id.SessionID]*outboundSession
	inbound  map[string]*inboundSession
	problems map[id.SenderKey]*roomkeys.SessionProblem
}

func newDemoRatchet() *demoRatchet {
	return &demoRatchet{
		outbound: make(map[id.SessionID]*outboundSession),
		inbound:  make(map[string]*inboundSession),
		problems: make(map[id.SenderKey]*roomkeys.SessionProblem),
	}
}

type demoCiphertext struct {
	SessionKey string          `json:"session_key"`
	Index      uint32          `json:"index"`
	Plaintext  json.RawMessage `json:"plaintext"`
}

func inboundKey(roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) string {
	return fmt.Sprintf("%s|%s|%s", roomID, senderKey, sessionID)
}

func exportKeyAt(baseKey string, index uint32) string {
	return fmt.Sprintf("%s@%d", baseKey, index)
}

func parseExportedKey(key string) (baseKey string, index uint32, err error) {
	base, idx, found := strings.Cut(key, "@")
	if !found {
		return "", 0, roomkeys.ErrMalformedSessionKey
	}
	_, err = fmt.Sscanf(idx, "%d", &index)
	if err != nil {
		return "", 0, roomkeys.ErrMalformedSessionKey
	}
	return base, index, nil
}

func (dr *demoRatchet) CreateOutboundSession(_ context.Context) (id.SessionID, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	sessionID := id.SessionID(random.String(22))
	dr.outbound[sessionID] = &outboundSession{baseKey: random.String(43)}
	return sessionID, nil
}

func (dr *demoRatchet) GetOutboundSessionKey(_ context.Context, sessionID id.SessionID) (string, uint32, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	session, ok := dr.outbound[sessionID]
	if !ok {
		return "", 0, roomkeys.ErrUnknownSession
	}
	return exportKeyAt(session.baseKey, session.index), session.index, nil
}

func (dr *demoRatchet) EncryptGroupMessage(_ context.Context, sessionID id.SessionID, plaintext []byte) ([]byte, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	session, ok := dr.outbound[sessionID]
	if !ok {
		return nil, roomkeys.ErrUnknownSession
	}
	ciphertext, err := json.Marshal(&demoCiphertext{
		SessionKey: session.baseKey,
		Index:      session.index,
		Plaintext:  plaintext,
	})
	session.index++
	return ciphertext, err
}

func (dr *demoRatchet) AddInboundSession(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, forwardingChain []string, sessionID id.SessionID, sessionKey string, claimedSigningKey id.Ed25519, _ bool, extra roomkeys.SessionExtraData) error {
	baseKey, firstIndex, err := parseExportedKey(sessionKey)
	if err != nil {
		return err
	}
	dr.lock.Lock()
	defer dr.lock.Unlock()
	key := inboundKey(roomID, senderKey, sessionID)
	if existing, ok := dr.inbound[key]; ok && existing.firstIndex <= firstIndex {
		return nil
	}
	dr.inbound[key] = &inboundSession{
		info: roomkeys.InboundSessionInfo{
			RoomID:           roomID,
			SenderKey:        senderKey,
			SessionID:        sessionID,
			SigningKey:       claimedSigningKey,
			ForwardingChains: forwardingChain,
			Extra:            extra,
		},
		baseKey:    baseKey,
		firstIndex: firstIndex,
	}
	return nil
}

func (dr *demoRatchet) DecryptGroupMessage(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, ciphertext []byte) (*roomkeys.GroupPlaintext, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	session, ok := dr.inbound[inboundKey(roomID, senderKey, sessionID)]
	if !ok {
		return nil, roomkeys.ErrUnknownSession
	}
	var parsed demoCiphertext
	if err := json.Unmarshal(ciphertext, &parsed); err != nil || parsed.SessionKey != session.baseKey {
		return nil, fmt.Errorf("undecryptable demo ciphertext")
	}
	if parsed.Index < session.firstIndex {
		return nil, roomkeys.ErrUnknownMessageIndex
	}
	return &roomkeys.GroupPlaintext{
		Plaintext:    parsed.Plaintext,
		MessageIndex: parsed.Index,
		Untrusted:    session.info.Extra.Untrusted,
	}, nil
}

func (dr *demoRatchet) GetInboundSessionKeyAt(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, chainIndex uint32) (string, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	session, ok := dr.inbound[inboundKey(roomID, senderKey, sessionID)]
	if !ok {
		return "", roomkeys.ErrUnknownSession
	}
	if chainIndex < session.firstIndex {
		chainIndex = session.firstIndex
	}
	return exportKeyAt(session.baseKey, chainIndex), nil
}

func (dr *demoRatchet) GetFirstKnownIndex(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (uint32, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	session, ok := dr.inbound[inboundKey(roomID, senderKey, sessionID)]
	if !ok {
		return 0, roomkeys.ErrUnknownSession
	}
	return session.firstIndex, nil
}

func (dr *demoRatchet) HasInboundSessionKeys(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (bool, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	_, ok := dr.inbound[inboundKey(roomID, senderKey, sessionID)]
	return ok, nil
}

func (dr *demoRatchet) GetInboundSessionInfo(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*roomkeys.InboundSessionInfo, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	session, ok := dr.inbound[inboundKey(roomID, senderKey, sessionID)]
	if !ok {
		return nil, nil
	}
	info := session.info
	return &info, nil
}

func (dr *demoRatchet) ListInboundSessions(_ context.Context, roomID id.RoomID) ([]*roomkeys.InboundSessionInfo, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	var sessions []*roomkeys.InboundSessionInfo
	for _, session := range dr.inbound {
		if roomID == "" || session.info.RoomID == roomID {
			info := session.info
			sessions = append(sessions, &info)
		}
	}
	return sessions, nil
}

func (dr *demoRatchet) DeleteInboundSessions(_ context.Context, senderKey id.SenderKey) (int, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	count := 0
	for key, session := range dr.inbound {
		if session.info.SenderKey == senderKey {
			delete(dr.inbound, key)
			count++
		}
	}
	return count, nil
}

func (dr *demoRatchet) RecordSessionProblem(_ context.Context, senderKey id.SenderKey, kind roomkeys.SessionProblemKind, fixed bool) error {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	dr.problems[senderKey] = &roomkeys.SessionProblem{Kind: kind, Fixed: fixed, Time: time.Now()}
	return nil
}

func (dr *demoRatchet) SessionMayHaveProblems(_ context.Context, senderKey id.SenderKey, since time.Time) (*roomkeys.SessionProblem, error) {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	problem, ok := dr.problems[senderKey]
	if !ok || problem.Time.Before(since) {
		return nil, nil
	}
	return problem, nil
}

// olmWire is what travels inside the toy pairwise channel ciphertext.
type olmWire struct {
	Sender           id.UserID       `json:"sender"`
	SenderDevice     id.DeviceID     `json:"sender_device"`
	SenderKey        id.SenderKey    `json:"sender_key"`
	SenderSigningKey id.Ed25519      `json:"sender_signing_key"`
	Type             event.Type      `json:"type"`
	Content          json.RawMessage `json:"content"`
}

// demoChannels is a toy PairwiseChannels: a channel is just a flag, and
// "encryption" wraps the payload with sender metadata.
type demoChannels struct {
	lock     sync.Mutex
	own      *id.Device
	channels map[id.IdentityKey]bool
}

func (dc *demoChannels) HasChannel(_ context.Context, device *id.Device) bool {
	dc.lock.Lock()
	defer dc.lock.Unlock()
	return dc.channels[device.IdentityKey]
}

func (dc *demoChannels) EnsureChannels(_ context.Context, devices map[id.UserID][]*id.Device, _ bool, _ time.Duration, _ *[]string) error {
	dc.lock.Lock()
	defer dc.lock.Unlock()
	for _, userDevices := range devices {
		for _, device := range userDevices {
			dc.channels[device.IdentityKey] = true
		}
	}
	return nil
}

func (dc *demoChannels) Encrypt(_ context.Context, device *id.Device, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error) {
	if !dc.HasChannel(context.Background(), device) {
		return nil, fmt.Errorf("no channel to %s/%s", device.UserID, device.DeviceID)
	}
	rawContent := exerrors.Must(json.Marshal(&content))
	body := exerrors.Must(json.Marshal(&olmWire{
		Sender:           dc.own.UserID,
		SenderDevice:     dc.own.DeviceID,
		SenderKey:        dc.own.IdentityKey,
		SenderSigningKey: dc.own.SigningKey,
		Type:             evtType,
		Content:          rawContent,
	}))
	return &event.EncryptedEventContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: dc.own.IdentityKey,
		OlmCiphertext: event.OlmCiphertexts{
			device.IdentityKey: {Body: string(body), Type: id.OlmMsgTypePreKey},
		},
	}, nil
}

// demoDirectory serves a static set of devices with full trust.
type demoDirectory struct {
	devices map[id.UserID]map[id.DeviceID]*id.Device
}

func (dd *demoDirectory) DownloadKeys(_ context.Context, users []id.UserID, _ bool) (map[id.UserID]map[id.DeviceID]*id.Device, error) {
	result := make(map[id.UserID]map[id.DeviceID]*id.Device, len(users))
	for _, userID := range users {
		result[userID] = dd.devices[userID]
	}
	return result, nil
}

func (dd *demoDirectory) CheckDeviceTrust(_ context.Context, device *id.Device) id.TrustState {
	return device.Trust
}

func (dd *demoDirectory) GetDeviceByIdentityKey(_ context.Context, _ id.Algorithm, identityKey id.IdentityKey) (*id.Device, error) {
	for _, devices := range dd.devices {
		for _, device := range devices {
			if device.IdentityKey == identityKey {
				return device, nil
			}
		}
	}
	return nil, nil
}

func (dd *demoDirectory) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	return dd.devices[userID][deviceID], nil
}

// demoStateStore is one fixed encrypted room.
type demoStateStore struct {
	members []id.UserID
}

func (ds *demoStateStore) IsEncrypted(_ context.Context, _ id.RoomID) (bool, error) {
	return true, nil
}

func (ds *demoStateStore) GetEncryptionEvent(_ context.Context, _ id.RoomID) (*event.EncryptionEventContent, error) {
	return &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}, nil
}

func (ds *demoStateStore) GetHistoryVisibility(_ context.Context, _ id.RoomID) (event.HistoryVisibility, error) {
	return event.HistoryVisibilityShared, nil
}

func (ds *demoStateStore) IsRoomJoined(_ context.Context, _ id.RoomID) (bool, error) {
	return true, nil
}

func (ds *demoStateStore) GetInviter(_ context.Context, _ id.RoomID) (id.UserID, error) {
	return "", nil
}

func (ds *demoStateStore) GetRoomMembers(_ context.Context, _ id.RoomID) ([]id.UserID, error) {
	return ds.members, nil
}

func (ds *demoStateStore) FindSharedRooms(_ context.Context, _ id.UserID) ([]id.RoomID, error) {
	return []id.RoomID{roomID}, nil
}

// demoTransport routes to-device messages straight into the recipient
// machine, unwrapping the toy pairwise encryption on the way.
type demoTransport struct {
	machines map[id.DeviceID]*roomkeys.Machine
}

func (dt *demoTransport) SendToDevice(ctx context.Context, evtType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error {
	for userID, deviceMessages := range messages {
		for deviceID, content := range deviceMessages {
			target, ok := dt.machines[deviceID]
			if !ok {
				continue
			}
			if evtType == event.ToDeviceEncrypted {
				encrypted, isEncrypted := content.Parsed.(*event.EncryptedEventContent)
				if !isEncrypted {
					continue
				}
				ciphertext, hasKey := encrypted.OlmCiphertext[target.IdentityKey]
				if !hasKey {
					continue
				}
				var wire olmWire
				exerrors.PanicIfNotNil(json.Unmarshal([]byte(ciphertext.Body), &wire))
				var parsed event.Content
				exerrors.PanicIfNotNil(json.Unmarshal(wire.Content, &parsed))
				exerrors.PanicIfNotNil(parsed.ParseRaw(wire.Type))
				target.HandleDecryptedOlmEvent(ctx, &roomkeys.DecryptedOlmEvent{
					Sender:           wire.Sender,
					SenderDevice:     wire.SenderDevice,
					SenderKey:        wire.SenderKey,
					SenderSigningKey: wire.SenderSigningKey,
					Type:             wire.Type,
					Content:          parsed,
				})
			} else {
				raw := exerrors.Must(json.Marshal(content))
				var parsed event.Content
				exerrors.PanicIfNotNil(json.Unmarshal(raw, &parsed))
				exerrors.PanicIfNotNil(parsed.ParseRaw(evtType))
				target.HandleToDeviceEvent(ctx, &event.Event{
					Sender:  userID,
					Type:    evtType,
					Content: parsed,
				})
			}
		}
	}
	return nil
}

func newDevice(userID id.UserID, deviceID id.DeviceID) *id.Device {
	return &id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: id.Curve25519(random.String(43)),
		SigningKey:  id.Ed25519(random.String(43)),
		Trust:       id.TrustStateVerified,
	}
}

func main() {
	log := exerrors.Must((&zeroconfig.Config{
		Writers: []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStderr,
			Format: zeroconfig.LogFormatPrettyColored,
		}},
	}).Compile())
	exzerolog.SetupDefaults(log)
	ctx := log.WithContext(context.Background())

	alice := newDevice("@alice:example.com", "ALICEDEVICE")
	bob := newDevice("@bob:example.com", "BOBDEVICE")
	directory := &demoDirectory{devices: map[id.UserID]map[id.DeviceID]*id.Device{
		alice.UserID: {alice.DeviceID: alice},
		bob.UserID:   {bob.DeviceID: bob},
	}}
	stateStore := &demoStateStore{members: []id.UserID{alice.UserID, bob.UserID}}
	transport := &demoTransport{machines: make(map[id.DeviceID]*roomkeys.Machine)}

	rawDB := exerrors.Must(dbutil.NewWithDialect("roomkeys-demo.db", "sqlite3-fk-wal"))
	aliceStore := roomkeys.NewSQLStore(rawDB, dbutil.ZeroLogger(*log))
	exerrors.PanicIfNotNil(aliceStore.DB.Upgrade(ctx))

	aliceMachine := roomkeys.NewMachine(log.With().Str("machine", "alice").Logger(),
		newDemoRatchet(), directory, &demoChannels{own: alice, channels: make(map[id.IdentityKey]bool)},
		transport, stateStore, aliceStore,
		alice.UserID, alice.DeviceID, alice.IdentityKey, alice.SigningKey)
	bobMachine := roomkeys.NewMachine(log.With().Str("machine", "bob").Logger(),
		newDemoRatchet(), directory, &demoChannels{own: bob, channels: make(map[id.IdentityKey]bool)},
		transport, stateStore, roomkeys.NewMemoryStore(nil),
		bob.UserID, bob.DeviceID, bob.IdentityKey, bob.SigningKey)
	transport.machines[alice.DeviceID] = aliceMachine
	transport.machines[bob.DeviceID] = bobMachine

	encrypted := exerrors.Must(aliceMachine.EncryptMessage(ctx, roomID, event.EventMessage, map[string]any{
		"msgtype": "m.text",
		"body":    "testytest",
	}))
	log.Info().Stringer("session_id", encrypted.SessionID).Msg("Alice encrypted a message")

	decrypted := exerrors.Must(bobMachine.DecryptEvent(ctx, &event.Event{
		Sender:    alice.UserID,
		Type:      event.EventEncrypted,
		ID:        "$demo-event",
		RoomID:    roomID,
		Timestamp: jsontime.UnixMilliNow(),
		Content:   event.Content{Parsed: encrypted},
	}))
	fmt.Printf("Bob decrypted %s from %s: %s\n",
		decrypted.Type.Type, decrypted.Sender, decrypted.Content.RawGet("body").Str)
}
