// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// HandleRoomKeyWithheld processes a withheld-key notification.
//
// m.no_olm means the peer couldn't establish a pairwise channel to us at
// all, so it triggers active remediation: establish a fresh channel from our
// side and poke the peer with a dummy event so it can retry sharing.
// m.unavailable just means the peer doesn't have the key and isn't recorded.
// Every other code is stored against the (room, sender, session) tuple.
// Affected pending events are retried afterwards in all branches; even when
// they still fail, the retry upgrades their failure reason from the generic
// "no key" message to the withheld reason.
func (mach *Machine) HandleRoomKeyWithheld(ctx context.Context, content *event.RoomKeyWithheldEventContent) {
	log := mach.machOrContextLog(ctx)
	if content == nil || content.Algorithm != id.AlgorithmMegolmV1 {
		log.Debug().Msg("Ignoring withheld notification for unsupported algorithm")
		return
	}
	logger := log.With().
		Str("code", string(content.Code)).
		Stringer("room_id", content.RoomID).
		Stringer("session_id", content.SessionID).
		Stringer("sender_key", content.SenderKey).
		Logger()
	log = &logger
	ctx = log.WithContext(ctx)
	switch content.Code {
	case event.RoomKeyWithheldNoOlmSession:
		mach.handleNoOlm(ctx, content)
		mach.RetryDecryptionFromSender(ctx, content.SenderKey)
		return
	case event.RoomKeyWithheldUnavailable:
		log.Debug().Msg("Peer doesn't have the keys for this session")
	default:
		if content.RoomID == "" || content.SessionID == "" {
			log.Debug().Msg("Ignoring withheld notification without room or session ID")
			return
		}
		if err := mach.Store.PutWithheldGroupSession(ctx, *content); err != nil {
			log.Err(err).Msg("Failed to store withheld notification")
		}
	}
	if content.SessionID != "" {
		mach.RetryDecryption(ctx, content.SenderKey, content.SessionID, false)
	}
}

// handleNoOlm records the broken channel and tries to re-establish it. The
// re-establishment is rate limited per sender key: a peer that keeps
// claiming no_olm doesn't get to make us burn one-time keys in a loop.
func (mach *Machine) handleNoOlm(ctx context.Context, content *event.RoomKeyWithheldEventContent) {
	log := zerolog.Ctx(ctx)
	device, err := mach.Devices.GetDeviceByIdentityKey(ctx, content.Algorithm, content.SenderKey)
	if err != nil {
		log.Err(err).Msg("Failed to find device for no_olm notification")
		return
	} else if device == nil {
		log.Warn().Msg("Got no_olm notification from unknown device")
		return
	}
	hasChannel := mach.Channels.HasChannel(ctx, device)
	if err = mach.Ratchet.RecordSessionProblem(ctx, content.SenderKey, SessionProblemNoOlm, hasChannel); err != nil {
		log.Err(err).Msg("Failed to record channel problem")
	}
	if hasChannel {
		log.Debug().Msg("Got no_olm notification, but a pairwise channel already exists")
		return
	}

	mach.recentlyUnwedgedLock.Lock()
	lastUnwedge, ok := mach.recentlyUnwedged[content.SenderKey]
	if ok && time.Since(lastUnwedge) < MinUnwedgeInterval {
		mach.recentlyUnwedgedLock.Unlock()
		log.Debug().
			Time("previous_attempt", lastUnwedge).
			Msg("Not re-establishing channel, last attempt was too recent")
		return
	}
	mach.recentlyUnwedged[content.SenderKey] = time.Now()
	mach.recentlyUnwedgedLock.Unlock()

	log.Debug().
		Stringer("user_id", device.UserID).
		Stringer("device_id", device.DeviceID).
		Msg("Creating fresh pairwise channel after no_olm notification")
	err = mach.Channels.EnsureChannels(ctx, map[id.UserID][]*id.Device{device.UserID: {device}}, true, ExtendedKeyShareTimeout, nil)
	if err != nil {
		log.Err(err).Msg("Failed to re-establish pairwise channel")
		return
	}
	// The dummy gives the peer a working channel and a reason to retry the
	// share that produced the no_olm.
	err = mach.sendEncryptedToDevice(ctx, device, event.ToDeviceDummy, &event.DummyEventContent{})
	if err != nil {
		log.Err(err).Msg("Failed to send dummy event over fresh channel")
		return
	}
	if err = mach.Ratchet.RecordSessionProblem(ctx, content.SenderKey, SessionProblemNoOlm, true); err != nil {
		log.Err(err).Msg("Failed to mark channel problem as fixed")
	}
}
