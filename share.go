// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// SinglePhaseKeyShareTimeout is the pairwise channel establishment deadline
// used by PrepareToEncrypt warm-ups, which have no second phase and no
// caller waiting on them.
const SinglePhaseKeyShareTimeout = 10 * time.Second

// toDeviceBatchSize is the maximum number of device entries per to-device
// request, balancing per-request overhead against request size limits.
const toDeviceBatchSize = 20

// batchToDeviceMessages splits the message map into batches of at most
// maxSize device entries. A single user's devices are never split across
// batches, unless that user alone exceeds the cap.
func batchToDeviceMessages(messages map[id.UserID]map[id.DeviceID]*event.Content, maxSize int) []map[id.UserID]map[id.DeviceID]*event.Content {
	var batches []map[id.UserID]map[id.DeviceID]*event.Content
	current := make(map[id.UserID]map[id.DeviceID]*event.Content)
	currentSize := 0
	flush := func() {
		if currentSize > 0 {
			batches = append(batches, current)
			current = make(map[id.UserID]map[id.DeviceID]*event.Content)
			currentSize = 0
		}
	}
	for userID, devices := range messages {
		if len(devices) == 0 {
			continue
		}
		if len(devices) > maxSize {
			flush()
			part := make(map[id.DeviceID]*event.Content, maxSize)
			for deviceID, content := range devices {
				part[deviceID] = content
				if len(part) == maxSize {
					batches = append(batches, map[id.UserID]map[id.DeviceID]*event.Content{userID: part})
					part = make(map[id.DeviceID]*event.Content, maxSize)
				}
			}
			if len(part) > 0 {
				batches = append(batches, map[id.UserID]map[id.DeviceID]*event.Content{userID: part})
			}
			continue
		}
		if currentSize+len(devices) > maxSize {
			flush()
		}
		current[userID] = devices
		currentSize += len(devices)
	}
	flush()
	return batches
}

func (mach *Machine) sendBatched(ctx context.Context, evtType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error {
	for _, batch := range batchToDeviceMessages(messages, toDeviceBatchSize) {
		if err := mach.Transport.SendToDevice(ctx, evtType, batch); err != nil {
			return err
		}
	}
	return nil
}

// userServer returns the homeserver part of a user ID.
func userServer(userID id.UserID) string {
	_, server, _ := strings.Cut(string(userID), ":")
	return server
}

func splitByServers(devices map[id.UserID][]*id.Device, servers []string) (on, off map[id.UserID][]*id.Device) {
	serverSet := make(map[string]struct{}, len(servers))
	for _, server := range servers {
		serverSet[server] = struct{}{}
	}
	on = make(map[id.UserID][]*id.Device)
	off = make(map[id.UserID][]*id.Device)
	for userID, userDevices := range devices {
		if _, failed := serverSet[userServer(userID)]; failed {
			on[userID] = userDevices
		} else {
			off[userID] = userDevices
		}
	}
	return
}

func (mach *Machine) splitByChannel(ctx context.Context, devices map[id.UserID][]*id.Device) (have, missing map[id.UserID][]*id.Device) {
	have = make(map[id.UserID][]*id.Device)
	missing = make(map[id.UserID][]*id.Device)
	for userID, userDevices := range devices {
		for _, device := range userDevices {
			if mach.Channels.HasChannel(ctx, device) {
				have[userID] = append(have[userID], device)
			} else {
				missing[userID] = append(missing[userID], device)
			}
		}
	}
	return
}

// shareGroupSession distributes the session key to every eligible device
// that doesn't have it yet, and sends withheld notifications to blocked
// devices. Must run with the room's setup lock held.
//
// Three branches run concurrently off the same device snapshot: sending to
// devices with existing pairwise channels, establishing channels for the
// rest (with a detached longer retry for slow homeservers), and notifying
// blocked devices. A failure in the detached retry never reaches the caller.
func (mach *Machine) shareGroupSession(ctx context.Context, session *OutboundGroupSession, targets *encryptionTargets, singlePhase bool) error {
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", session.RoomID).
		Stringer("session_id", session.ID).
		Logger()
	ctx = log.WithContext(ctx)
	key, chainIndex, err := mach.Ratchet.GetOutboundSessionKey(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to get outbound session key: %w", err)
	}
	keyContent := &event.RoomKeyEventContent{
		Algorithm:     id.AlgorithmMegolmV1,
		RoomID:        session.RoomID,
		SessionID:     session.ID,
		SessionKey:    key,
		ChainIndex:    chainIndex,
		SharedHistory: session.SharedHistory,
		MaxAge:        session.MaxAge.Milliseconds(),
		MaxMessages:   session.MaxMessages,
	}

	unshared := make(map[id.UserID][]*id.Device)
	for userID, devices := range targets.devices {
		for _, device := range devices {
			if session.IsSharedWith(device.UserID, device.DeviceID, device.IdentityKey) {
				continue
			}
			unshared[userID] = append(unshared[userID], device)
		}
	}
	withChannel, needChannel := mach.splitByChannel(ctx, unshared)

	// Guards session.SharedWith and session.WithheldNotified while the
	// branches run.
	var sessionLock sync.Mutex

	var group errgroup.Group
	group.Go(func() error {
		return mach.encryptAndSendKey(ctx, session, &sessionLock, keyContent, chainIndex, withChannel)
	})
	group.Go(func() error {
		if len(needChannel) == 0 {
			return nil
		}
		timeout := InitialKeyShareTimeout
		if singlePhase {
			timeout = SinglePhaseKeyShareTimeout
		}
		var failedServers []string
		if err := mach.Channels.EnsureChannels(ctx, needChannel, false, timeout, &failedServers); err != nil {
			return fmt.Errorf("failed to establish pairwise channels: %w", err)
		}
		established, missing := mach.splitByChannel(ctx, needChannel)
		if err := mach.encryptAndSendKey(ctx, session, &sessionLock, keyContent, chainIndex, established); err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		if singlePhase {
			mach.notifyNoOlm(ctx, session, &sessionLock, missing)
			return nil
		}
		retry, giveUp := splitByServers(missing, failedServers)
		mach.notifyNoOlm(ctx, session, &sessionLock, giveUp)
		if len(retry) > 0 {
			go mach.retryKeyShare(mach.bgCtx(ctx), session, keyContent, chainIndex, retry)
		}
		return nil
	})
	group.Go(func() error {
		mach.notifyBlocked(ctx, session, &sessionLock, targets.blocked)
		return nil
	})
	if err = group.Wait(); err != nil {
		return err
	}
	if err = mach.Store.PutOutboundGroupSession(ctx, session); err != nil {
		return fmt.Errorf("failed to store group session after sharing: %w", err)
	}
	log.Debug().
		Int("shared_with_count", len(session.SharedWith)).
		Msg("Finished sharing group session")
	return nil
}

// retryKeyShare is the detached second key exchange phase, restricted to the
// devices whose homeservers didn't answer the one-time key claim in time.
// Errors here are logged and dropped: the caller already returned.
func (mach *Machine) retryKeyShare(ctx context.Context, session *OutboundGroupSession, keyContent *event.RoomKeyEventContent, chainIndex uint32, devices map[id.UserID][]*id.Device) {
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", session.RoomID).
		Stringer("session_id", session.ID).
		Logger()
	ctx = log.WithContext(ctx)
	if err := mach.Channels.EnsureChannels(ctx, devices, false, ExtendedKeyShareTimeout, nil); err != nil {
		log.Warn().Err(err).Msg("Second phase pairwise channel establishment failed")
	}
	// Session bookkeeping is only touched inside the room's setup
	// serialization, even from this detached task.
	setup := mach.getRoomSetup(session.RoomID)
	setup.lock.Lock()
	defer setup.lock.Unlock()
	var sessionLock sync.Mutex
	established, missing := mach.splitByChannel(ctx, devices)
	if err := mach.encryptAndSendKey(ctx, session, &sessionLock, keyContent, chainIndex, established); err != nil {
		log.Warn().Err(err).Msg("Failed to send keys in second key exchange phase")
	}
	mach.notifyNoOlm(ctx, session, &sessionLock, missing)
	if err := mach.Store.PutOutboundGroupSession(ctx, session); err != nil {
		log.Err(err).Msg("Failed to store group session after second key exchange phase")
	}
}

// encryptAndSendKey sends the room key to the given devices over their
// pairwise channels. Devices are only marked as shared-with after their
// batch was accepted by the transport.
func (mach *Machine) encryptAndSendKey(ctx context.Context, session *OutboundGroupSession, sessionLock *sync.Mutex, keyContent *event.RoomKeyEventContent, chainIndex uint32, devices map[id.UserID][]*id.Device) error {
	log := zerolog.Ctx(ctx)
	deviceByTarget := make(map[UserDevice]*id.Device)
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content)
	for userID, userDevices := range devices {
		for _, device := range userDevices {
			encrypted, err := mach.Channels.Encrypt(ctx, device, event.ToDeviceRoomKey, event.Content{Parsed: keyContent})
			if err != nil {
				log.Warn().Err(err).
					Stringer("user_id", device.UserID).
					Stringer("device_id", device.DeviceID).
					Msg("Failed to encrypt room key for device, skipping")
				continue
			}
			if messages[userID] == nil {
				messages[userID] = make(map[id.DeviceID]*event.Content)
			}
			messages[userID][device.DeviceID] = &event.Content{Parsed: encrypted}
			deviceByTarget[UserDevice{UserID: device.UserID, DeviceID: device.DeviceID}] = device
		}
	}
	if len(messages) == 0 {
		return nil
	}
	for _, batch := range batchToDeviceMessages(messages, toDeviceBatchSize) {
		if err := mach.Transport.SendToDevice(ctx, event.ToDeviceEncrypted, batch); err != nil {
			return fmt.Errorf("failed to send room keys: %w", err)
		}
		sessionLock.Lock()
		for userID, deviceContents := range batch {
			for deviceID := range deviceContents {
				target := UserDevice{UserID: userID, DeviceID: deviceID}
				session.SharedWith[target] = SharedTarget{
					IdentityKey: deviceByTarget[target].IdentityKey,
					ChainIndex:  chainIndex,
				}
			}
		}
		sessionLock.Unlock()
	}
	return nil
}

// notifyBlocked sends withheld notifications to devices excluded by trust
// policy. Each device is notified at most once per session; failures are
// logged and dropped, they never fail the send that triggered them.
func (mach *Machine) notifyBlocked(ctx context.Context, session *OutboundGroupSession, sessionLock *sync.Mutex, blocked []blockedDevice) {
	log := zerolog.Ctx(ctx)
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content)
	var notified []UserDevice
	sessionLock.Lock()
	for _, entry := range blocked {
		target := UserDevice{UserID: entry.device.UserID, DeviceID: entry.device.DeviceID}
		if _, alreadyNotified := session.WithheldNotified[target]; alreadyNotified {
			continue
		}
		session.WithheldNotified[target] = entry.code
		notified = append(notified, target)
		if messages[target.UserID] == nil {
			messages[target.UserID] = make(map[id.DeviceID]*event.Content)
		}
		messages[target.UserID][target.DeviceID] = &event.Content{Parsed: &event.RoomKeyWithheldEventContent{
			RoomID:    session.RoomID,
			Algorithm: id.AlgorithmMegolmV1,
			SessionID: session.ID,
			SenderKey: mach.IdentityKey,
			Code:      entry.code,
			Reason:    entry.reason,
		}}
	}
	sessionLock.Unlock()
	if len(messages) == 0 {
		return
	}
	if err := mach.sendWithheldMessages(ctx, messages); err != nil {
		log.Warn().Err(err).Msg("Failed to send withheld notifications to blocked devices")
		sessionLock.Lock()
		for _, target := range notified {
			delete(session.WithheldNotified, target)
		}
		sessionLock.Unlock()
	}
}

// notifyNoOlm tells devices that no pairwise channel could be established to
// them, so they can ask for the key again once they've published fresh
// one-time keys. Also once per device per session.
func (mach *Machine) notifyNoOlm(ctx context.Context, session *OutboundGroupSession, sessionLock *sync.Mutex, devices map[id.UserID][]*id.Device) {
	log := zerolog.Ctx(ctx)
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content)
	var notified []UserDevice
	sessionLock.Lock()
	for userID, userDevices := range devices {
		for _, device := range userDevices {
			target := UserDevice{UserID: device.UserID, DeviceID: device.DeviceID}
			if _, alreadyNotified := session.WithheldNotified[target]; alreadyNotified {
				continue
			}
			session.WithheldNotified[target] = event.RoomKeyWithheldNoOlmSession
			notified = append(notified, target)
			if messages[userID] == nil {
				messages[userID] = make(map[id.DeviceID]*event.Content)
			}
			// m.no_olm is about the channel, not any one session, so the
			// room and session fields are left out.
			messages[userID][device.DeviceID] = &event.Content{Parsed: &event.RoomKeyWithheldEventContent{
				Algorithm: id.AlgorithmMegolmV1,
				SenderKey: mach.IdentityKey,
				Code:      event.RoomKeyWithheldNoOlmSession,
				Reason:    "Unable to establish an olm session",
			}}
		}
	}
	sessionLock.Unlock()
	if len(messages) == 0 {
		return
	}
	log.Debug().Int("device_count", len(notified)).Msg("Sending no_olm withheld notifications")
	if err := mach.sendWithheldMessages(ctx, messages); err != nil {
		log.Warn().Err(err).Msg("Failed to send no_olm withheld notifications")
		sessionLock.Lock()
		for _, target := range notified {
			delete(session.WithheldNotified, target)
		}
		sessionLock.Unlock()
	}
}

// sendWithheldMessages sends the withheld contents under both the stable and
// the unstable event type, since peers may only listen for one of them.
func (mach *Machine) sendWithheldMessages(ctx context.Context, messages map[id.UserID]map[id.DeviceID]*event.Content) error {
	if err := mach.sendBatched(ctx, event.ToDeviceRoomKeyWithheld, messages); err != nil {
		return err
	}
	return mach.sendBatched(ctx, event.ToDeviceOrgMatrixRoomKeyWithheld, messages)
}

// sendEncryptedToDevice encrypts a single to-device payload over the
// device's pairwise channel and sends it, establishing the channel first if
// needed.
func (mach *Machine) sendEncryptedToDevice(ctx context.Context, device *id.Device, evtType event.Type, content any) error {
	if !mach.Channels.HasChannel(ctx, device) {
		err := mach.Channels.EnsureChannels(ctx, map[id.UserID][]*id.Device{device.UserID: {device}}, false, InitialKeyShareTimeout, nil)
		if err != nil {
			return fmt.Errorf("failed to establish pairwise channel: %w", err)
		}
	}
	encrypted, err := mach.Channels.Encrypt(ctx, device, evtType, event.Content{Parsed: content})
	if err != nil {
		return fmt.Errorf("failed to encrypt for device: %w", err)
	}
	return mach.Transport.SendToDevice(ctx, event.ToDeviceEncrypted, map[id.UserID]map[id.DeviceID]*event.Content{
		device.UserID: {device.DeviceID: {Parsed: encrypted}},
	})
}
