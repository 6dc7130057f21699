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

// HandleRoomKey imports a directly shared group session key. Direct keys are
// trusted implicitly: the pairwise channel already authenticated the sending
// device as the owner of the sender key.
func (mach *Machine) HandleRoomKey(ctx context.Context, evt *DecryptedOlmEvent) {
	log := zerolog.Ctx(ctx)
	content, ok := evt.Content.Parsed.(*event.RoomKeyEventContent)
	if !ok {
		log.Warn().Msg("Dropping room key event with unexpected content type")
		return
	}
	if content.Algorithm != id.AlgorithmMegolmV1 || content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" {
		log.Warn().Msg("Dropping malformed room key event")
		return
	}
	logger := log.With().
		Stringer("room_id", content.RoomID).
		Stringer("session_id", content.SessionID).
		Logger()
	log = &logger
	ctx = log.WithContext(ctx)
	err := mach.Ratchet.AddInboundSession(ctx, content.RoomID, evt.SenderKey, nil, content.SessionID, content.SessionKey, evt.SenderSigningKey, false, SessionExtraData{
		SharedHistory: content.SharedHistory,
	})
	if err != nil {
		log.Err(err).Msg("Failed to import received group session")
		return
	}
	log.Debug().Msg("Imported group session from room key event")
	mach.markSessionReceived(ctx, content.RoomID, evt.SenderKey, content.SessionID, true)
}

// HandleForwardedRoomKey imports a forwarded group session key after running
// it through the forwarded-key trust policy. Keys that fail the policy are
// still imported, permanently flagged untrusted: usable to display messages,
// excluded from anything that needs confirmed sender authenticity. Keys for
// rooms we haven't joined are parked instead if they claim shared history.
func (mach *Machine) HandleForwardedRoomKey(ctx context.Context, evt *DecryptedOlmEvent) {
	log := zerolog.Ctx(ctx)
	content, ok := evt.Content.Parsed.(*event.ForwardedRoomKeyEventContent)
	if !ok {
		log.Warn().Msg("Dropping forwarded room key event with unexpected content type")
		return
	}
	if content.Algorithm != id.AlgorithmMegolmV1 || content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" || content.SenderKey == "" {
		log.Warn().Msg("Dropping malformed forwarded room key event")
		return
	}
	logger := log.With().
		Stringer("room_id", content.RoomID).
		Stringer("session_id", content.SessionID).
		Stringer("original_sender_key", content.SenderKey).
		Logger()
	log = &logger
	ctx = log.WithContext(ctx)

	trusted := mach.checkForwardedKeyTrust(ctx, evt, content)

	joined, err := mach.StateStore.IsRoomJoined(ctx, content.RoomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check room membership for forwarded key")
	}
	if !joined {
		if !content.SharedHistory {
			log.Debug().Msg("Dropping forwarded key for unjoined room without shared history")
			return
		}
		err = mach.Store.PutParkedKey(ctx, &ParkedKey{
			RoomID:             content.RoomID,
			SenderKey:          content.SenderKey,
			SessionID:          content.SessionID,
			SessionKey:         content.SessionKey,
			SenderClaimedKey:   content.SenderClaimedKey,
			ForwardingKeyChain: append(content.ForwardingKeyChain, evt.SenderKey.String()),
			ReceivedFrom:       evt.Sender,
			ReceivedAt:         time.Now().UTC(),
		})
		if err != nil {
			log.Err(err).Msg("Failed to park forwarded key for unjoined room")
		} else {
			log.Debug().Msg("Parked shared-history key for unjoined room")
		}
		return
	}

	// The forwarder's own key is appended to the chain, so the full relay
	// path stays visible to later recipients.
	forwardingChain := append(content.ForwardingKeyChain, evt.SenderKey.String())
	err = mach.Ratchet.AddInboundSession(ctx, content.RoomID, content.SenderKey, forwardingChain, content.SessionID, content.SessionKey, content.SenderClaimedKey, true, SessionExtraData{
		Untrusted:     !trusted,
		SharedHistory: content.SharedHistory,
	})
	if err != nil {
		log.Err(err).Msg("Failed to import forwarded group session")
		return
	}
	log.Debug().Bool("trusted", trusted).Msg("Imported forwarded group session")
	mach.markSessionReceived(ctx, content.RoomID, content.SenderKey, content.SessionID, trusted)
}

// checkForwardedKeyTrust decides whether a forwarded key counts as
// equivalent to a directly shared one. That requires either that we
// explicitly requested this exact session from the forwarding device and
// that device is verified, or that the forwarder invited us to the room and
// the key is marked as shared history.
func (mach *Machine) checkForwardedKeyTrust(ctx context.Context, evt *DecryptedOlmEvent, content *event.ForwardedRoomKeyEventContent) bool {
	log := zerolog.Ctx(ctx)

	request, err := mach.Store.GetKeyRequest(ctx, content.RoomID, content.SessionID, UserDevice{UserID: evt.Sender, DeviceID: evt.SenderDevice})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up key request record")
	}
	if request == nil {
		request, err = mach.Store.GetKeyRequest(ctx, content.RoomID, content.SessionID, UserDevice{UserID: evt.Sender, DeviceID: "*"})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to look up wildcard key request record")
		}
	}
	if request != nil {
		device, err := mach.Devices.GetDevice(ctx, evt.Sender, evt.SenderDevice)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get forwarding device for trust check")
		} else if device != nil && device.IdentityKey == evt.SenderKey &&
			mach.Devices.CheckDeviceTrust(ctx, device) >= id.TrustStateVerified {
			return true
		}
	}

	if content.SharedHistory {
		inviter, err := mach.StateStore.GetInviter(ctx, content.RoomID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get room inviter for trust check")
		} else if inviter != "" && inviter == evt.Sender {
			return true
		}
	}
	return false
}
