// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

func TestSendRoomKeyRequest(t *testing.T) {
	_, bob := setupInboundTest(t)
	ctx := context.Background()

	requestID, err := bob.mach.SendRoomKeyRequest(ctx, testRoomID, "sender-key", "session-id", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, requestID)

	sends := bob.transport.sendsOfType(event.ToDeviceRoomKeyRequest)
	require.Len(t, sends, 1)
	content, ok := sends[0].Messages[bob.own.UserID]["*"]
	require.True(t, ok, "default key requests go to all of our own devices")
	request := content.Parsed.(*event.RoomKeyRequestEventContent)
	assert.Equal(t, event.KeyRequestActionRequest, request.Action)
	assert.Equal(t, requestID, request.RequestID)
	assert.Equal(t, bob.own.DeviceID, request.RequestingDeviceID)
	assert.Equal(t, id.SessionID("session-id"), request.Body.SessionID)

	recorded, err := bob.store.GetKeyRequest(ctx, testRoomID, "session-id", UserDevice{UserID: bob.own.UserID, DeviceID: "*"})
	require.NoError(t, err)
	require.NotNil(t, recorded)
	assert.Equal(t, requestID, recorded.RequestID)
}

// requestKeyInfo builds the request body for a session alice created.
func requestKeyInfo(alice *testEnv, sessionID id.SessionID) event.RequestedKeyInfo {
	return event.RequestedKeyInfo{
		Algorithm: id.AlgorithmMegolmV1,
		RoomID:    testRoomID,
		SenderKey: id.SenderKey(alice.own.IdentityKey),
		SessionID: sessionID,
	}
}

func TestHandleKeyRequestSharesKey(t *testing.T) {
	alice, _ := setupInboundTest(t)
	ctx := context.Background()
	_, err := alice.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)
	session, err := alice.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)

	// A verified device of alice's own user asks for the session.
	sibling := makeDevice(alice.own.UserID, "ALICEPHONE", id.TrustStateVerified)
	alice.directory.putDevice(sibling)
	alice.channels.channels[sibling.IdentityKey] = true

	alice.mach.HandleKeyRequest(ctx, sibling.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               requestKeyInfo(alice, session.ID),
		RequestingDeviceID: sibling.DeviceID,
		RequestID:          "req1",
	})

	payloads := alice.transport.olmPayloadsFor(t, sibling)
	require.Len(t, payloads, 1)
	assert.Equal(t, event.ToDeviceForwardedRoomKey, payloads[0].Type)
	require.NoError(t, payloads[0].Content.ParseRaw(payloads[0].Type))
	forwarded := payloads[0].Content.AsForwardedRoomKey()
	assert.Equal(t, session.ID, forwarded.SessionID)
	assert.Equal(t, id.SenderKey(alice.own.IdentityKey), forwarded.SenderKey)
	assert.Equal(t, alice.own.SigningKey, forwarded.SenderClaimedKey)
	// Exported at alice's first known index.
	assert.Equal(t, mockExportedKey("mock-key-1", 0), forwarded.SessionKey)
}

func TestHandleKeyRequestOtherUser(t *testing.T) {
	alice, bob := setupInboundTest(t)
	ctx := context.Background()
	_, err := alice.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)
	session, err := alice.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)

	alice.mach.HandleKeyRequest(ctx, bob.own.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               requestKeyInfo(alice, session.ID),
		RequestingDeviceID: bob.own.DeviceID,
		RequestID:          "req1",
	})

	contents := alice.transport.contentsFor(event.ToDeviceRoomKeyWithheld, bob.own.UserID, bob.own.DeviceID)
	require.Len(t, contents, 1)
	withheld := contents[0].Parsed.(*event.RoomKeyWithheldEventContent)
	assert.Equal(t, event.RoomKeyWithheldUnauthorized, withheld.Code)
}

func TestHandleKeyRequestUnverified(t *testing.T) {
	alice, _ := setupInboundTest(t)
	ctx := context.Background()
	_, err := alice.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)
	session, err := alice.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)

	sibling := makeDevice(alice.own.UserID, "ALICEPHONE", id.TrustStateUnset)
	alice.directory.putDevice(sibling)

	alice.mach.HandleKeyRequest(ctx, sibling.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               requestKeyInfo(alice, session.ID),
		RequestingDeviceID: sibling.DeviceID,
		RequestID:          "req1",
	})

	contents := alice.transport.contentsFor(event.ToDeviceRoomKeyWithheld, sibling.UserID, sibling.DeviceID)
	require.Len(t, contents, 1)
	withheld := contents[0].Parsed.(*event.RoomKeyWithheldEventContent)
	assert.Equal(t, event.RoomKeyWithheldUnverified, withheld.Code)
}

func TestHandleKeyRequestBlacklisted(t *testing.T) {
	alice, _ := setupInboundTest(t)
	ctx := context.Background()
	_, err := alice.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)
	session, err := alice.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)

	sibling := makeDevice(alice.own.UserID, "ALICEPHONE", id.TrustStateBlacklisted)
	alice.directory.putDevice(sibling)

	alice.mach.HandleKeyRequest(ctx, sibling.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               requestKeyInfo(alice, session.ID),
		RequestingDeviceID: sibling.DeviceID,
		RequestID:          "req1",
	})

	contents := alice.transport.contentsFor(event.ToDeviceRoomKeyWithheld, sibling.UserID, sibling.DeviceID)
	require.Len(t, contents, 1)
	withheld := contents[0].Parsed.(*event.RoomKeyWithheldEventContent)
	assert.Equal(t, event.RoomKeyWithheldBlacklisted, withheld.Code)
}

func TestHandleKeyRequestUnavailable(t *testing.T) {
	alice, _ := setupInboundTest(t)
	ctx := context.Background()

	sibling := makeDevice(alice.own.UserID, "ALICEPHONE", id.TrustStateVerified)
	alice.directory.putDevice(sibling)

	alice.mach.HandleKeyRequest(ctx, sibling.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               requestKeyInfo(alice, "never-existed"),
		RequestingDeviceID: sibling.DeviceID,
		RequestID:          "req1",
	})

	contents := alice.transport.contentsFor(event.ToDeviceRoomKeyWithheld, sibling.UserID, sibling.DeviceID)
	require.Len(t, contents, 1)
	withheld := contents[0].Parsed.(*event.RoomKeyWithheldEventContent)
	assert.Equal(t, event.RoomKeyWithheldUnavailable, withheld.Code)
}

func TestHandleKeyRequestCancelIgnored(t *testing.T) {
	alice, _ := setupInboundTest(t)
	ctx := context.Background()

	sibling := makeDevice(alice.own.UserID, "ALICEPHONE", id.TrustStateVerified)
	alice.directory.putDevice(sibling)

	alice.mach.HandleKeyRequest(ctx, sibling.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionCancel,
		Body:               requestKeyInfo(alice, "whatever"),
		RequestingDeviceID: sibling.DeviceID,
		RequestID:          "req1",
	})

	assert.Empty(t, alice.transport.sends)
}

func TestHandleKeyRequestAllowOverride(t *testing.T) {
	alice, bob := setupInboundTest(t)
	ctx := context.Background()
	_, err := alice.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)
	session, err := alice.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)

	// The override allows bob, who the default policy would reject.
	alice.mach.AllowKeyShare = func(_ context.Context, _ *id.Device, _ event.RequestedKeyInfo) *KeyShareRejection {
		return nil
	}
	alice.mach.HandleKeyRequest(ctx, bob.own.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               requestKeyInfo(alice, session.ID),
		RequestingDeviceID: bob.own.DeviceID,
		RequestID:          "req1",
	})

	payloads := alice.transport.olmPayloadsFor(t, bob.own)
	var forwardedCount int
	for _, payload := range payloads {
		if payload.Type == event.ToDeviceForwardedRoomKey {
			forwardedCount++
		}
	}
	assert.Equal(t, 1, forwardedCount)
}

func TestHandleKeyRequestSilentRejection(t *testing.T) {
	alice, bob := setupInboundTest(t)
	ctx := context.Background()
	_, err := alice.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)
	session, err := alice.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)

	alice.mach.AllowKeyShare = func(_ context.Context, _ *id.Device, _ event.RequestedKeyInfo) *KeyShareRejection {
		return &KeyShareRejectNoResponse
	}
	sendsBefore := len(alice.transport.sendsOfType(event.ToDeviceRoomKeyWithheld))
	alice.mach.HandleKeyRequest(ctx, bob.own.UserID, &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               requestKeyInfo(alice, session.ID),
		RequestingDeviceID: bob.own.DeviceID,
		RequestID:          "req1",
	})
	assert.Len(t, alice.transport.sendsOfType(event.ToDeviceRoomKeyWithheld), sendsBefore,
		"silent rejections send nothing at all")
}
