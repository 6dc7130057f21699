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

	"github.com/rs/zerolog"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// Default rotation and key exchange policy. These are local policy knobs, not
// protocol constants; rooms can override rotation via m.room.encryption.
const (
	DefaultRotationPeriod         = 7 * 24 * time.Hour
	DefaultRotationPeriodMessages = 100

	// InitialKeyShareTimeout is how long EncryptMessage waits for pairwise
	// channel establishment before sending to whoever is reachable.
	InitialKeyShareTimeout = 2 * time.Second
	// ExtendedKeyShareTimeout is the deadline of the background retry that
	// covers homeservers too slow for the initial phase.
	ExtendedKeyShareTimeout = 30 * time.Second

	// MinUnwedgeInterval limits how often a broken pairwise channel with a
	// single sender is forcibly re-established.
	MinUnwedgeInterval = 1 * time.Hour
	// MinKeyRequestInterval limits how often the keys for a single missing
	// session are re-requested.
	MinKeyRequestInterval = 5 * time.Minute
)

type pendingSessionKey struct {
	SenderKey id.SenderKey
	SessionID id.SessionID
}

// Machine is the group session management engine. It owns outbound session
// lifecycle and key distribution for encrypting, and inbound session intake,
// pending event queues and key request handling for decrypting.
//
// The cryptographic ratchet, device tracking, pairwise channels, transport
// and room state are injected collaborators; Machine contains the
// orchestration protocol between them.
type Machine struct {
	Log zerolog.Logger

	Ratchet    GroupRatchet
	Devices    DeviceDirectory
	Channels   PairwiseChannels
	Transport  Transport
	StateStore StateStore
	Store      Store

	UserID      id.UserID
	DeviceID    id.DeviceID
	IdentityKey id.IdentityKey
	SigningKey  id.SigningKey

	// SendKeysMinTrust is the minimum trust a device needs to receive
	// outbound session keys. Devices below it get a withheld notification
	// instead (m.blacklisted or m.unverified).
	SendKeysMinTrust id.TrustState
	// ShareKeysMinTrust is the minimum trust a device needs to get inbound
	// session keys forwarded in response to a m.room_key_request.
	ShareKeysMinTrust id.TrustState

	// AllowKeyShare lets the application accept key requests from devices
	// that the default policy would reject (or vice versa). Nil means the
	// default policy applies.
	AllowKeyShare func(ctx context.Context, device *id.Device, info event.RequestedKeyInfo) *KeyShareRejection

	// OnEventDecrypted is called for events that decrypt during a retry,
	// i.e. after the caller of DecryptEvent already got an error. It also
	// fires with a non-nil err when a withheld notification arrives and
	// makes the failure reason of a still-undecryptable event more specific.
	OnEventDecrypted func(ctx context.Context, evt *event.Event, err error)

	// ErrorOnUnknownDevices makes EncryptMessage fail with ErrUnknownDevices
	// when the room contains devices with no trust state at all, instead of
	// encrypting for them. Sending becomes possible again once the devices
	// are verified, cross-signed or blacklisted.
	ErrorOnUnknownDevices bool

	// DeleteKeysOnDeviceDelete drops outbound sessions when a previously
	// shared-with device disappears, forcing rotation on the next send.
	// Rotation on membership shrink happens regardless; this extends it to
	// same-user device deletions reported by the directory.
	DeleteKeysOnDeviceDelete bool

	roomSetups     map[id.RoomID]*roomSetup
	roomSetupsLock sync.Mutex

	pendingEvents     map[pendingSessionKey]map[id.EventID]*event.Event
	pendingEventsLock sync.Mutex

	keyWaiters     map[pendingSessionKey]chan struct{}
	keyWaitersLock sync.Mutex

	lastKeyRequests     map[pendingSessionKey]time.Time
	lastKeyRequestsLock sync.Mutex

	recentlyUnwedged     map[id.SenderKey]time.Time
	recentlyUnwedgedLock sync.Mutex

	backgroundCtx context.Context
}

// NewMachine creates a Machine wired to the given collaborators. The trust
// policy defaults to sharing keys with all non-blacklisted devices and
// answering key requests from verified own devices only.
func NewMachine(log zerolog.Logger, ratchet GroupRatchet, devices DeviceDirectory, channels PairwiseChannels, transport Transport, stateStore StateStore, store Store, userID id.UserID, deviceID id.DeviceID, identityKey id.IdentityKey, signingKey id.SigningKey) *Machine {
	return &Machine{
		Log: log,

		Ratchet:    ratchet,
		Devices:    devices,
		Channels:   channels,
		Transport:  transport,
		StateStore: stateStore,
		Store:      store,

		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,

		SendKeysMinTrust:  id.TrustStateUnset,
		ShareKeysMinTrust: id.TrustStateCrossSigned,

		roomSetups:       make(map[id.RoomID]*roomSetup),
		pendingEvents:    make(map[pendingSessionKey]map[id.EventID]*event.Event),
		keyWaiters:       make(map[pendingSessionKey]chan struct{}),
		lastKeyRequests:  make(map[pendingSessionKey]time.Time),
		recentlyUnwedged: make(map[id.SenderKey]time.Time),

		backgroundCtx: log.WithContext(context.Background()),
	}
}

func (mach *Machine) machOrContextLog(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		return &mach.Log
	}
	return log
}

// bgCtx returns a context for detached background tasks, carrying over the
// logger of the caller's context without its cancellation.
func (mach *Machine) bgCtx(ctx context.Context) context.Context {
	return mach.machOrContextLog(ctx).WithContext(mach.backgroundCtx)
}

// OwnDevice returns the local device's directory entry.
func (mach *Machine) OwnDevice() *id.Device {
	return &id.Device{
		UserID:      mach.UserID,
		DeviceID:    mach.DeviceID,
		IdentityKey: mach.IdentityKey,
		SigningKey:  mach.SigningKey,
		Trust:       id.TrustStateVerified,
	}
}

// HandleToDeviceEvent routes plaintext to-device events to the engine.
// Encrypted to-device events go through the pairwise channel layer first and
// arrive via HandleDecryptedOlmEvent.
func (mach *Machine) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	log := mach.machOrContextLog(ctx).With().
		Str("to_device_type", evt.Type.Type).
		Stringer("sender", evt.Sender).
		Logger()
	ctx = log.WithContext(ctx)
	switch evt.Type {
	case event.ToDeviceRoomKeyRequest:
		mach.HandleKeyRequest(ctx, evt.Sender, evt.Content.AsRoomKeyRequest())
	case event.ToDeviceRoomKeyWithheld, event.ToDeviceOrgMatrixRoomKeyWithheld:
		mach.HandleRoomKeyWithheld(ctx, evt.Content.AsRoomKeyWithheld())
	default:
		log.Debug().Msg("Unhandled to-device event")
	}
}

// HandleDecryptedOlmEvent routes events that arrived through an authenticated
// pairwise channel: room keys, forwarded room keys and channel-reset dummies.
func (mach *Machine) HandleDecryptedOlmEvent(ctx context.Context, evt *DecryptedOlmEvent) {
	log := mach.machOrContextLog(ctx).With().
		Str("olm_event_type", evt.Type.Type).
		Stringer("sender", evt.Sender).
		Stringer("sender_device", evt.SenderDevice).
		Stringer("sender_key", evt.SenderKey).
		Logger()
	ctx = log.WithContext(ctx)
	switch evt.Type {
	case event.ToDeviceRoomKey:
		mach.HandleRoomKey(ctx, evt)
	case event.ToDeviceForwardedRoomKey:
		mach.HandleForwardedRoomKey(ctx, evt)
	case event.ToDeviceDummy:
		log.Debug().Msg("Received dummy event, peer likely reset the pairwise channel")
	default:
		log.Debug().Msg("Unhandled decrypted olm event")
	}
}

// OnDevicesChanged invalidates outbound sessions shared with the given user
// whose device list changed, so the next encrypt re-evaluates sharing and the
// new device gets the key. With DeleteKeysOnDeviceDelete set, inbound sessions
// received from the user's vanished devices are deleted as well.
func (mach *Machine) OnDevicesChanged(ctx context.Context, userID id.UserID) {
	log := mach.machOrContextLog(ctx)
	rooms, err := mach.StateStore.FindSharedRooms(ctx, userID)
	if err != nil {
		log.Err(err).Stringer("user_id", userID).Msg("Failed to find shared rooms for changed device list")
		return
	}
	sharedDevices := make(map[id.DeviceID]id.IdentityKey)
	for _, roomID := range rooms {
		// The session stays in the store for re-shares, only the current
		// pointer is cleared. The clear queues onto the setup chain so an
		// in-flight share can finish its bookkeeping first.
		shared, err := mach.discardSessionIfSharedWith(ctx, roomID, userID)
		if err != nil {
			log.Err(err).Stringer("room_id", roomID).Msg("Failed to invalidate outbound session of shared room")
			continue
		} else if len(shared) == 0 {
			continue
		}
		log.Debug().
			Stringer("user_id", userID).
			Stringer("room_id", roomID).
			Msg("Invalidated outbound session after device list change")
		for deviceID, identityKey := range shared {
			sharedDevices[deviceID] = identityKey
		}
	}
	if mach.DeleteKeysOnDeviceDelete {
		mach.deleteKeysOfVanishedDevices(ctx, userID, sharedDevices)
	}
}

// deleteKeysOfVanishedDevices drops inbound sessions received from devices
// the directory no longer lists for the user, or lists with a different
// identity key (a replaced device must not keep its old sessions alive).
func (mach *Machine) deleteKeysOfVanishedDevices(ctx context.Context, userID id.UserID, sharedDevices map[id.DeviceID]id.IdentityKey) {
	log := mach.machOrContextLog(ctx)
	for deviceID, identityKey := range sharedDevices {
		device, err := mach.Devices.GetDevice(ctx, userID, deviceID)
		if err != nil {
			log.Warn().Err(err).
				Stringer("user_id", userID).
				Stringer("device_id", deviceID).
				Msg("Failed to check if changed device still exists")
			continue
		} else if device != nil && device.IdentityKey == identityKey {
			continue
		}
		count, err := mach.Ratchet.DeleteInboundSessions(ctx, id.SenderKey(identityKey))
		if err != nil {
			log.Err(err).
				Stringer("user_id", userID).
				Stringer("device_id", deviceID).
				Msg("Failed to delete inbound sessions of deleted device")
		} else if count > 0 {
			log.Info().
				Stringer("user_id", userID).
				Stringer("device_id", deviceID).
				Int("session_count", count).
				Msg("Deleted inbound sessions of deleted device")
		}
	}
}
