// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

type roomSetupState int

const (
	setupIdle roomSetupState = iota
	setupPreparing
	setupSharing
	setupReady
)

// roomSetup serializes outbound session setup for one room. Everything that
// reads or mutates the room's current session and its share tracking runs
// with the lock held, so at most one setup-and-share sequence is in flight
// per room and callers always see either the previous committed session or
// the fully shared new one.
type roomSetup struct {
	lock  sync.Mutex
	state roomSetupState

	prepareLock sync.Mutex
	prepare     *prepareHandle
}

type prepareHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (rs *roomSetup) currentPrepare() *prepareHandle {
	rs.prepareLock.Lock()
	defer rs.prepareLock.Unlock()
	return rs.prepare
}

func (mach *Machine) getRoomSetup(roomID id.RoomID) *roomSetup {
	mach.roomSetupsLock.Lock()
	defer mach.roomSetupsLock.Unlock()
	setup, ok := mach.roomSetups[roomID]
	if !ok {
		setup = &roomSetup{}
		mach.roomSetups[roomID] = setup
	}
	return setup
}

type blockedDevice struct {
	device *id.Device
	code   event.RoomKeyWithheldCode
	reason string
}

// encryptionTargets is an immutable snapshot of the room's device set, taken
// once per setup so the concurrent sharing branches can't disagree about
// device status.
type encryptionTargets struct {
	devices map[id.UserID][]*id.Device
	blocked []blockedDevice
}

func (mach *Machine) getEncryptionTargets(ctx context.Context, roomID id.RoomID, verificationEvent, dropUnknown bool) (*encryptionTargets, error) {
	members, err := mach.StateStore.GetRoomMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}
	keys, err := mach.Devices.DownloadKeys(ctx, members, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get device keys: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	targets := &encryptionTargets{devices: make(map[id.UserID][]*id.Device, len(keys))}
	unknownDevices := 0
	for userID, devices := range keys {
		for _, device := range devices {
			// Cancellation is checked per device so a large room can't
			// delay a PrepareToEncrypt cancel for long.
			if err = ctx.Err(); err != nil {
				return nil, err
			}
			if device.Deleted || (device.UserID == mach.UserID && device.DeviceID == mach.DeviceID) {
				continue
			}
			trust := mach.Devices.CheckDeviceTrust(ctx, device)
			switch {
			case trust <= id.TrustStateBlacklisted:
				targets.blocked = append(targets.blocked, blockedDevice{device, event.RoomKeyWithheldBlacklisted, "Device is blacklisted"})
			case mach.ErrorOnUnknownDevices && trust == id.TrustStateUnset && !verificationEvent:
				if !dropUnknown {
					unknownDevices++
				}
			case trust < mach.SendKeysMinTrust && !verificationEvent:
				targets.blocked = append(targets.blocked, blockedDevice{device, event.RoomKeyWithheldUnverified, "This device does not encrypt messages for unverified devices"})
			default:
				targets.devices[userID] = append(targets.devices[userID], device)
			}
		}
	}
	if unknownDevices > 0 {
		return nil, fmt.Errorf("%w (%d devices)", ErrUnknownDevices, unknownDevices)
	}
	return targets, nil
}

// megolmPayload is the plaintext that actually gets encrypted with the group
// session. The embedded room ID is checked on decryption to stop a malicious
// server from replaying ciphertext into a different room.
type megolmPayload struct {
	RoomID  id.RoomID     `json:"room_id"`
	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}

func isVerificationContent(evtType event.Type, content event.Content) bool {
	switch evtType {
	case event.ToDeviceVerificationRequest, event.ToDeviceVerificationStart, event.ToDeviceVerificationAccept,
		event.ToDeviceVerificationKey, event.ToDeviceVerificationMAC, event.ToDeviceVerificationCancel,
		event.ToDeviceVerificationDone:
		return true
	case event.EventMessage:
		if msgtype := content.RawGet("msgtype"); msgtype.Exists() {
			return msgtype.Str == event.MsgVerificationRequest
		}
		if parsed, ok := content.Parsed.(map[string]any); ok {
			msgtype, _ := parsed["msgtype"].(string)
			return msgtype == event.MsgVerificationRequest
		}
		return false
	default:
		return false
	}
}

// EncryptMessage encrypts the event content with the room's current outbound
// group session, creating, rotating and sharing the session first as needed.
//
// If a PrepareToEncrypt warm-up is in flight for the room, it is awaited
// first; its errors are swallowed because the session setup is re-checked
// here anyway. Verification events are distributed even to devices blocked by
// the unverified-device policy, so that the verification flow itself can't be
// blocked by it.
func (mach *Machine) EncryptMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	wrapped, ok := content.(event.Content)
	if !ok {
		if ptr, isPtr := content.(*event.Content); isPtr {
			wrapped = *ptr
		} else {
			wrapped = event.Content{Parsed: content}
		}
	}
	setup := mach.getRoomSetup(roomID)
	if handle := setup.currentPrepare(); handle != nil {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	setup.lock.Lock()
	defer setup.lock.Unlock()
	log := mach.machOrContextLog(ctx).With().
		Stringer("room_id", roomID).
		Str("event_type", evtType.Type).
		Logger()
	ctx = log.WithContext(ctx)
	targets, err := mach.getEncryptionTargets(ctx, roomID, isVerificationContent(evtType, wrapped), false)
	if err != nil {
		return nil, err
	}
	session, err := mach.ensureSessionLocked(ctx, setup, roomID, targets, false)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(&megolmPayload{
		RoomID:  roomID,
		Type:    evtType,
		Content: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plaintext: %w", err)
	}
	ciphertext, err := mach.Ratchet.EncryptGroupMessage(ctx, session.ID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	session.UseCount++
	if err = mach.Store.PutOutboundGroupSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update outbound session use count: %w", err)
	}
	return &event.EncryptedEventContent{
		Algorithm:        id.AlgorithmMegolmV1,
		SenderKey:        mach.IdentityKey,
		DeviceID:         mach.DeviceID,
		SessionID:        session.ID,
		MegolmCiphertext: ciphertext,
	}, nil
}

// EnsureOutboundSession makes sure the room has a shared, rotation-compliant
// outbound group session without encrypting anything. It uses the full
// two-phase key exchange like EncryptMessage.
func (mach *Machine) EnsureOutboundSession(ctx context.Context, roomID id.RoomID) error {
	setup := mach.getRoomSetup(roomID)
	setup.lock.Lock()
	defer setup.lock.Unlock()
	targets, err := mach.getEncryptionTargets(ctx, roomID, false, false)
	if err != nil {
		return err
	}
	_, err = mach.ensureSessionLocked(ctx, setup, roomID, targets, false)
	return err
}

func (mach *Machine) rotationConfig(ctx context.Context, roomID id.RoomID) (maxAge time.Duration, maxMessages int) {
	maxAge = DefaultRotationPeriod
	maxMessages = DefaultRotationPeriodMessages
	cfg, err := mach.StateStore.GetEncryptionEvent(ctx, roomID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to get encryption event for rotation config, using defaults")
		return
	} else if cfg == nil {
		return
	}
	if cfg.RotationPeriodMillis > 0 {
		maxAge = time.Duration(cfg.RotationPeriodMillis) * time.Millisecond
	}
	if cfg.RotationPeriodMessages > 0 {
		maxMessages = cfg.RotationPeriodMessages
	}
	return
}

func sessionLostADevice(session *OutboundGroupSession, targets *encryptionTargets) bool {
	for ud := range session.SharedWith {
		found := false
		for _, device := range targets.devices[ud.UserID] {
			if device.DeviceID == ud.DeviceID {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

// ensureSessionLocked is the single serialized setup step: decide whether the
// current session is still usable, create and register a new one if not, and
// run key distribution. Must be called with setup.lock held.
func (mach *Machine) ensureSessionLocked(ctx context.Context, setup *roomSetup, roomID id.RoomID, targets *encryptionTargets, singlePhase bool) (*OutboundGroupSession, error) {
	log := zerolog.Ctx(ctx)
	setup.state = setupPreparing
	visibility, err := mach.StateStore.GetHistoryVisibility(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get history visibility, assuming keys can't be re-shared")
		visibility = event.HistoryVisibilityJoined
	}
	sharedHistory := visibility.SharedHistory()
	session, err := mach.Store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		setup.state = setupIdle
		return nil, fmt.Errorf("failed to get previous outbound group session: %w", err)
	}
	if session != nil {
		switch {
		case session.Expired():
			log.Debug().Stringer("session_id", session.ID).Msg("Rotating group session: rotation threshold reached")
			session = nil
		case session.SharedHistory != sharedHistory:
			log.Debug().Stringer("session_id", session.ID).Msg("Rotating group session: history visibility changed")
			session = nil
		case sessionLostADevice(session, targets):
			// A device the key was shared with is gone from the eligible
			// set. The old session must never be used again, or the removed
			// device could keep reading new messages.
			log.Debug().Stringer("session_id", session.ID).Msg("Rotating group session: previously shared-with device no longer in room")
			session = nil
		}
	}
	if session == nil {
		maxAge, maxMessages := mach.rotationConfig(ctx, roomID)
		sessionID, err := mach.Ratchet.CreateOutboundSession(ctx)
		if err != nil {
			setup.state = setupIdle
			return nil, fmt.Errorf("failed to create outbound group session: %w", err)
		}
		key, _, err := mach.Ratchet.GetOutboundSessionKey(ctx, sessionID)
		if err != nil {
			setup.state = setupIdle
			return nil, fmt.Errorf("failed to get new session key: %w", err)
		}
		// The new session is registered as an inbound session under our own
		// identity key, else we couldn't decrypt our own messages later.
		err = mach.Ratchet.AddInboundSession(ctx, roomID, mach.IdentityKey, nil, sessionID, key, mach.SigningKey, false, SessionExtraData{SharedHistory: sharedHistory})
		if err != nil {
			setup.state = setupIdle
			return nil, fmt.Errorf("failed to register own inbound copy of new session: %w", err)
		}
		session = newOutboundGroupSession(roomID, sessionID, sharedHistory, maxAge, maxMessages)
		if err = mach.Store.PutOutboundGroupSession(ctx, session); err != nil {
			setup.state = setupIdle
			return nil, fmt.Errorf("failed to store new outbound group session: %w", err)
		}
		log.Info().
			Stringer("session_id", session.ID).
			Bool("shared_history", sharedHistory).
			Msg("Created new outbound group session")
	}
	setup.state = setupSharing
	err = mach.shareGroupSession(ctx, session, targets, singlePhase)
	if err != nil {
		// Reset to "no session" instead of leaving a half-shared session
		// current: the next send starts over from scratch.
		if removeErr := mach.Store.RemoveOutboundGroupSession(ctx, roomID); removeErr != nil {
			log.Err(removeErr).Msg("Failed to remove outbound session after failed share")
		}
		setup.state = setupIdle
		return nil, fmt.Errorf("%w: %w", ErrKeyShareSetup, err)
	}
	setup.state = setupReady
	return session, nil
}

// PrepareToEncrypt warms up the room's outbound session in the background
// with a single key exchange phase, so a later EncryptMessage has less work
// to do. The returned function cancels the warm-up; calling it after the
// warm-up finished is a no-op. A second call while one warm-up is in flight
// doesn't start another, it returns the in-flight one's cancel function.
func (mach *Machine) PrepareToEncrypt(ctx context.Context, roomID id.RoomID) func() {
	setup := mach.getRoomSetup(roomID)
	setup.prepareLock.Lock()
	defer setup.prepareLock.Unlock()
	if setup.prepare != nil {
		return setup.prepare.cancel
	}
	prepCtx, cancel := context.WithCancel(mach.bgCtx(ctx))
	handle := &prepareHandle{cancel: cancel, done: make(chan struct{})}
	setup.prepare = handle
	go mach.runPrepare(prepCtx, setup, roomID, handle)
	return cancel
}

func (mach *Machine) runPrepare(ctx context.Context, setup *roomSetup, roomID id.RoomID, handle *prepareHandle) {
	defer func() {
		handle.cancel()
		close(handle.done)
		setup.prepareLock.Lock()
		if setup.prepare == handle {
			setup.prepare = nil
		}
		setup.prepareLock.Unlock()
	}()
	log := zerolog.Ctx(ctx).With().Stringer("room_id", roomID).Logger()
	ctx = log.WithContext(ctx)
	targets, err := mach.getEncryptionTargets(ctx, roomID, false, true)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to get devices for group session warm-up")
		}
		return
	}
	setup.lock.Lock()
	defer setup.lock.Unlock()
	// Cancellation after this point would throw away a fully shared session
	// for no benefit, so it's only checked before committing to the setup.
	if ctx.Err() != nil {
		return
	}
	if _, err = mach.ensureSessionLocked(ctx, setup, roomID, targets, true); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Failed to warm up outbound group session")
	}
}

// ForceDiscardSession clears the room's current outbound session, forcing
// full rotation on the next send. The discard waits for any in-flight setup
// for the room, it never mutates setup state from the side.
func (mach *Machine) ForceDiscardSession(ctx context.Context, roomID id.RoomID) error {
	setup := mach.getRoomSetup(roomID)
	setup.lock.Lock()
	defer setup.lock.Unlock()
	setup.state = setupIdle
	return mach.Store.RemoveOutboundGroupSession(ctx, roomID)
}

// discardSessionIfSharedWith clears the room's current outbound session if
// its key was shared with any device of the given user, and returns the
// identity keys recorded for that user's shared-with devices. The share
// tracking maps are only ever touched with the room's setup lock held, so
// the read here takes it too and an in-flight share finishes its bookkeeping
// before the discard.
func (mach *Machine) discardSessionIfSharedWith(ctx context.Context, roomID id.RoomID, userID id.UserID) (map[id.DeviceID]id.IdentityKey, error) {
	setup := mach.getRoomSetup(roomID)
	setup.lock.Lock()
	defer setup.lock.Unlock()
	session, err := mach.Store.GetOutboundGroupSession(ctx, roomID)
	if err != nil || session == nil {
		return nil, err
	}
	shared := make(map[id.DeviceID]id.IdentityKey)
	for target, sharedTarget := range session.SharedWith {
		if target.UserID == userID {
			shared[target.DeviceID] = sharedTarget.IdentityKey
		}
	}
	if len(shared) == 0 {
		return nil, nil
	}
	setup.state = setupIdle
	return shared, mach.Store.RemoveOutboundGroupSession(ctx, roomID)
}

// ReshareKeyWithDevice re-sends a previously shared session key to a device,
// e.g. after its pairwise channel was re-established. The key is exported at
// the chain index recorded at the original share, never the current one.
//
// The send is refused unless the session is known, was shared with exactly
// this user and device, and the device's identity key still matches the key
// recorded at share time. A changed identity key means the device was
// replaced and must not silently receive the key again.
func (mach *Machine) ReshareKeyWithDevice(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, userID id.UserID, device *id.Device) error {
	if senderKey != mach.IdentityKey {
		return fmt.Errorf("%w: session does not belong to this device", ErrSessionNotShared)
	}
	session, err := mach.Store.GetOutboundGroupSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get outbound group session: %w", err)
	} else if session == nil {
		return ErrNoGroupSession
	}
	// The share tracking maps are guarded by the room's setup lock; without
	// it this read could race an in-flight share of the same session.
	setup := mach.getRoomSetup(session.RoomID)
	setup.lock.Lock()
	target, wasShared := session.SharedWith[UserDevice{UserID: userID, DeviceID: device.DeviceID}]
	setup.lock.Unlock()
	if !wasShared {
		return ErrSessionNotShared
	}
	if target.IdentityKey != device.IdentityKey {
		zerolog.Ctx(ctx).Warn().
			Stringer("session_id", sessionID).
			Stringer("user_id", userID).
			Stringer("device_id", device.DeviceID).
			Msg("Refusing to re-share session key: device identity key changed since the original share")
		return ErrIdentityKeyChange
	}
	exportedKey, err := mach.Ratchet.GetInboundSessionKeyAt(ctx, session.RoomID, mach.IdentityKey, sessionID, target.ChainIndex)
	if err != nil {
		return fmt.Errorf("failed to export session key: %w", err)
	}
	content := event.ForwardedRoomKeyEventContent{
		Algorithm:        id.AlgorithmMegolmV1,
		RoomID:           session.RoomID,
		SessionID:        sessionID,
		SessionKey:       exportedKey,
		SenderKey:        mach.IdentityKey,
		SenderClaimedKey: mach.SigningKey,
		SharedHistory:    session.SharedHistory,
	}
	return mach.sendEncryptedToDevice(ctx, device, event.ToDeviceForwardedRoomKey, &content)
}
