// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// KeyShareRejection is a reason to not share keys in response to a
// m.room_key_request. An empty Code means the request is ignored without
// telling the requester anything.
type KeyShareRejection struct {
	Code   event.RoomKeyWithheldCode
	Reason string
}

var (
	// KeyShareRejectNoResponse ignores the request silently.
	KeyShareRejectNoResponse = KeyShareRejection{}

	KeyShareRejectBlacklisted = KeyShareRejection{event.RoomKeyWithheldBlacklisted, "You have been blacklisted by this device"}
	KeyShareRejectUnverified  = KeyShareRejection{event.RoomKeyWithheldUnverified, "You have not been verified by this device"}
	KeyShareRejectOtherUser   = KeyShareRejection{event.RoomKeyWithheldUnauthorized, "This device only shares keys to its own user"}
	KeyShareRejectUnavailable = KeyShareRejection{event.RoomKeyWithheldUnavailable, "Requested session ID not found on this device"}

	KeyShareRejectInternalError = KeyShareRejection{event.RoomKeyWithheldUnavailable, "An internal error occurred while trying to share the requested session"}
)

// SendRoomKeyRequest sends a m.room_key_request for the given session to the
// given devices ("*" meaning all of a user's devices) and records which
// devices were asked, so that an answering forward can later be recognized
// as explicitly requested. Returns the request ID.
func (mach *Machine) SendRoomKeyRequest(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, toDevices map[id.UserID][]id.DeviceID) (string, error) {
	if len(toDevices) == 0 {
		toDevices = map[id.UserID][]id.DeviceID{mach.UserID: {"*"}}
	}
	requestID := xid.New().String()
	content := &event.RoomKeyRequestEventContent{
		Action: event.KeyRequestActionRequest,
		Body: event.RequestedKeyInfo{
			Algorithm: id.AlgorithmMegolmV1,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		RequestingDeviceID: mach.DeviceID,
		RequestID:          requestID,
	}
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content, len(toDevices))
	now := time.Now().UTC()
	for userID, devices := range toDevices {
		messages[userID] = make(map[id.DeviceID]*event.Content, len(devices))
		for _, deviceID := range devices {
			messages[userID][deviceID] = &event.Content{Parsed: content}
		}
	}
	if err := mach.sendBatched(ctx, event.ToDeviceRoomKeyRequest, messages); err != nil {
		return "", fmt.Errorf("failed to send key request: %w", err)
	}
	for userID, devices := range toDevices {
		for _, deviceID := range devices {
			err := mach.Store.PutKeyRequest(ctx, &SentKeyRequest{
				RequestID: requestID,
				RoomID:    roomID,
				SenderKey: senderKey,
				SessionID: sessionID,
				Target:    UserDevice{UserID: userID, DeviceID: deviceID},
				CreatedAt: now,
			})
			if err != nil {
				return requestID, fmt.Errorf("failed to record sent key request: %w", err)
			}
		}
	}
	return requestID, nil
}

// requestMissingKey asks our own user's other devices for a session that a
// decryption attempt found missing. Re-requests for the same session are
// rate limited.
func (mach *Machine) requestMissingKey(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) {
	key := pendingSessionKey{SenderKey: senderKey, SessionID: sessionID}
	mach.lastKeyRequestsLock.Lock()
	lastRequest, requestedRecently := mach.lastKeyRequests[key]
	if requestedRecently && time.Since(lastRequest) < MinKeyRequestInterval {
		mach.lastKeyRequestsLock.Unlock()
		return
	}
	mach.lastKeyRequests[key] = time.Now()
	mach.lastKeyRequestsLock.Unlock()
	log := zerolog.Ctx(ctx)
	requestID, err := mach.SendRoomKeyRequest(ctx, roomID, senderKey, sessionID, nil)
	if err != nil {
		log.Warn().Err(err).
			Stringer("session_id", sessionID).
			Msg("Failed to request keys for missing session")
	} else {
		log.Debug().
			Stringer("session_id", sessionID).
			Str("request_id", requestID).
			Msg("Requested keys for missing session")
	}
}

// HandleKeyRequest answers another device's m.room_key_request, either by
// forwarding the requested session key or by telling the requester why not.
func (mach *Machine) HandleKeyRequest(ctx context.Context, sender id.UserID, content *event.RoomKeyRequestEventContent) {
	log := zerolog.Ctx(ctx).With().
		Str("request_id", content.RequestID).
		Stringer("requesting_device_id", content.RequestingDeviceID).
		Stringer("session_id", content.Body.SessionID).
		Logger()
	ctx = log.WithContext(ctx)
	if content.Action != event.KeyRequestActionRequest {
		log.Debug().Str("action", string(content.Action)).Msg("Ignoring non-request key request action")
		return
	}
	if sender == mach.UserID && content.RequestingDeviceID == mach.DeviceID {
		log.Debug().Msg("Ignoring key request from ourselves")
		return
	}
	if content.Body.Algorithm != id.AlgorithmMegolmV1 {
		log.Debug().Msg("Ignoring key request for unsupported algorithm")
		return
	}
	device, err := mach.Devices.GetDevice(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		log.Err(err).Msg("Failed to get requesting device")
		return
	} else if device == nil {
		log.Warn().Msg("Ignoring key request from unknown device")
		return
	}

	rejection := mach.defaultAllowKeyShare(ctx, device, content.Body)
	if mach.AllowKeyShare != nil {
		rejection = mach.AllowKeyShare(ctx, device, content.Body)
	}
	if rejection != nil {
		mach.rejectKeyRequest(ctx, device, content.Body, *rejection)
		return
	}
	if err = mach.ShareKeysWithDevice(ctx, device, content.Body); err != nil {
		log.Err(err).Msg("Failed to share requested keys")
		mach.rejectKeyRequest(ctx, device, content.Body, KeyShareRejectInternalError)
	}
}

func (mach *Machine) defaultAllowKeyShare(ctx context.Context, device *id.Device, info event.RequestedKeyInfo) *KeyShareRejection {
	log := zerolog.Ctx(ctx)
	if device.UserID != mach.UserID {
		log.Debug().Msg("Rejecting key request from a different user")
		return &KeyShareRejectOtherUser
	}
	trust := mach.Devices.CheckDeviceTrust(ctx, device)
	if trust <= id.TrustStateBlacklisted {
		log.Debug().Msg("Rejecting key request from blacklisted device")
		return &KeyShareRejectBlacklisted
	} else if trust < mach.ShareKeysMinTrust {
		log.Debug().Stringer("device_trust", trust).Msg("Rejecting key request from insufficiently trusted device")
		return &KeyShareRejectUnverified
	}
	return nil
}

func (mach *Machine) rejectKeyRequest(ctx context.Context, device *id.Device, info event.RequestedKeyInfo, rejection KeyShareRejection) {
	if rejection.Code == "" {
		// Silent rejection, don't even send a withheld notification.
		return
	}
	content := event.RoomKeyWithheldEventContent{
		RoomID:    info.RoomID,
		Algorithm: info.Algorithm,
		SessionID: info.SessionID,
		SenderKey: info.SenderKey,
		Code:      rejection.Code,
		Reason:    rejection.Reason,
	}
	err := mach.sendWithheldMessages(ctx, map[id.UserID]map[id.DeviceID]*event.Content{
		device.UserID: {device.DeviceID: {Parsed: &content}},
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to send key request rejection")
	}
}

// HasKeysForKeyRequest tells whether the requested inbound session exists
// locally.
func (mach *Machine) HasKeysForKeyRequest(ctx context.Context, info event.RequestedKeyInfo) (bool, error) {
	return mach.Ratchet.HasInboundSessionKeys(ctx, info.RoomID, info.SenderKey, info.SessionID)
}

// ShareKeysWithDevice forwards the requested session key to the device. The
// key is exported at our first known index: the requester can read exactly
// as much of the session as we can, never more.
func (mach *Machine) ShareKeysWithDevice(ctx context.Context, device *id.Device, info event.RequestedKeyInfo) error {
	has, err := mach.HasKeysForKeyRequest(ctx, info)
	if err != nil {
		return fmt.Errorf("failed to check for requested session: %w", err)
	} else if !has {
		zerolog.Ctx(ctx).Debug().Msg("Requested session not found, responding with unavailable")
		mach.rejectKeyRequest(ctx, device, info, KeyShareRejectUnavailable)
		return nil
	}
	firstKnownIndex, err := mach.Ratchet.GetFirstKnownIndex(ctx, info.RoomID, info.SenderKey, info.SessionID)
	if err != nil {
		return fmt.Errorf("failed to get first known index: %w", err)
	}
	exportedKey, err := mach.Ratchet.GetInboundSessionKeyAt(ctx, info.RoomID, info.SenderKey, info.SessionID, firstKnownIndex)
	if err != nil {
		return fmt.Errorf("failed to export session key: %w", err)
	}
	sessionInfo, err := mach.Ratchet.GetInboundSessionInfo(ctx, info.RoomID, info.SenderKey, info.SessionID)
	if err != nil {
		return fmt.Errorf("failed to get session info: %w", err)
	} else if sessionInfo == nil {
		return ErrUnknownSession
	}
	content := event.ForwardedRoomKeyEventContent{
		Algorithm:          id.AlgorithmMegolmV1,
		RoomID:             info.RoomID,
		SessionID:          info.SessionID,
		SessionKey:         exportedKey,
		SenderKey:          info.SenderKey,
		SenderClaimedKey:   sessionInfo.SigningKey,
		ForwardingKeyChain: sessionInfo.ForwardingChains,
		SharedHistory:      sessionInfo.Extra.SharedHistory,
	}
	if err = mach.sendEncryptedToDevice(ctx, device, event.ToDeviceForwardedRoomKey, &content); err != nil {
		return fmt.Errorf("failed to send forwarded key: %w", err)
	}
	zerolog.Ctx(ctx).Debug().
		Stringer("device_id", device.DeviceID).
		Uint32("first_known_index", firstKnownIndex).
		Msg("Forwarded requested session key")
	return nil
}
