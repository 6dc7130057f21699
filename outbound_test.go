// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

func TestEncryptMessage(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	encrypted, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"msgtype": "m.text", "body": "hi"})
	require.NoError(t, err)
	assert.Equal(t, id.AlgorithmMegolmV1, encrypted.Algorithm)
	assert.Equal(t, env.own.IdentityKey, id.Curve25519(encrypted.SenderKey))
	assert.Equal(t, env.own.DeviceID, encrypted.DeviceID)
	assert.NotEmpty(t, encrypted.SessionID)
	assert.NotEmpty(t, encrypted.MegolmCiphertext)

	payloads := env.transport.olmPayloadsFor(t, bob)
	require.Len(t, payloads, 1)
	assert.Equal(t, event.ToDeviceRoomKey, payloads[0].Type)

	session, err := env.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, encrypted.SessionID, session.ID)
	assert.Equal(t, 1, session.UseCount)
	assert.True(t, session.IsSharedWith(bob.UserID, bob.DeviceID, bob.IdentityKey))
}

func TestEncryptMessageReusesSession(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	first, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "one"})
	require.NoError(t, err)
	second, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "two"})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, env.transport.olmPayloadsFor(t, bob), 1, "the key should only be sent once per session")
}

func TestEncryptMessageRotatesAfterMaxMessages(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	env.stateStore.encryption = &event.EncryptionEventContent{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMessages: 2,
	}
	ctx := context.Background()

	first, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "one"})
	require.NoError(t, err)
	second, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "two"})
	require.NoError(t, err)
	third, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "three"})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, second.SessionID, third.SessionID, "session should rotate after the configured message count")
	assert.Len(t, env.transport.olmPayloadsFor(t, bob), 2, "the rotated session's key should be shared again")
}

func TestEncryptMessageRotatesAfterMaxAge(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	first, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "one"})
	require.NoError(t, err)
	session, err := env.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	session.CreationTime = session.CreationTime.Add(-DefaultRotationPeriod)
	require.NoError(t, env.store.PutOutboundGroupSession(ctx, session))

	second, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID, "session should rotate once it's older than the rotation period")
}

func TestEncryptMessageRotatesWhenDeviceLeaves(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	first, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "one"})
	require.NoError(t, err)

	env.directory.removeDevice(bob.UserID, bob.DeviceID)
	second, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID, "session should rotate when a shared-with device disappears")
}

func TestEncryptMessageRotatesOnHistoryVisibilityChange(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	first, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "one"})
	require.NoError(t, err)

	env.stateStore.lock.Lock()
	env.stateStore.visibility = event.HistoryVisibilityJoined
	env.stateStore.lock.Unlock()
	second, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID, "session should rotate when history visibility changes")
}

func TestEncryptMessageUnknownDevices(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateUnset)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	env.mach.ErrorOnUnknownDevices = true
	ctx := context.Background()

	_, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.ErrorIs(t, err, ErrUnknownDevices)

	// Once the device is verified, sending works again.
	bob.Trust = id.TrustStateVerified
	_, err = env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)
}

func TestEncryptMessageWithheldBlacklisted(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateBlacklisted)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	ctx := context.Background()

	_, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)

	for _, evtType := range []event.Type{event.ToDeviceRoomKeyWithheld, event.ToDeviceOrgMatrixRoomKeyWithheld} {
		contents := env.transport.contentsFor(evtType, bob.UserID, bob.DeviceID)
		require.Len(t, contents, 1, "expected exactly one %s notification", evtType.Type)
		withheld, ok := contents[0].Parsed.(*event.RoomKeyWithheldEventContent)
		require.True(t, ok)
		assert.Equal(t, event.RoomKeyWithheldBlacklisted, withheld.Code)
		assert.Equal(t, "Device is blacklisted", withheld.Reason)
		assert.Equal(t, testRoomID, withheld.RoomID)
		assert.NotEmpty(t, withheld.SessionID)
	}
	assert.Empty(t, env.transport.contentsFor(event.ToDeviceEncrypted, bob.UserID, bob.DeviceID), "blacklisted device should never get the key")
}

func TestEncryptMessageWithheldUnverified(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateUnset)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.mach.SendKeysMinTrust = id.TrustStateCrossSigned
	ctx := context.Background()

	_, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)

	contents := env.transport.contentsFor(event.ToDeviceRoomKeyWithheld, bob.UserID, bob.DeviceID)
	require.Len(t, contents, 1)
	withheld := contents[0].Parsed.(*event.RoomKeyWithheldEventContent)
	assert.Equal(t, event.RoomKeyWithheldUnverified, withheld.Code)
	assert.Equal(t, "This device does not encrypt messages for unverified devices", withheld.Reason)
}

func TestEncryptMessageWithheldOnlyOnce(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateBlacklisted)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	ctx := context.Background()

	_, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "one"})
	require.NoError(t, err)
	_, err = env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "two"})
	require.NoError(t, err)

	contents := env.transport.contentsFor(event.ToDeviceRoomKeyWithheld, bob.UserID, bob.DeviceID)
	assert.Len(t, contents, 1, "withheld notification should be sent at most once per session")
}

func TestEncryptMessageVerificationBypassesPolicy(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateUnset)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	env.mach.SendKeysMinTrust = id.TrustStateCrossSigned
	ctx := context.Background()

	_, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{
		"msgtype": event.MsgVerificationRequest,
		"body":    "verify me",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, env.transport.contentsFor(event.ToDeviceEncrypted, bob.UserID, bob.DeviceID),
		"verification requests should be encrypted even for unverified devices")
	assert.Empty(t, env.transport.contentsFor(event.ToDeviceRoomKeyWithheld, bob.UserID, bob.DeviceID))
}

func TestShareGroupSessionNoOlm(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.unreachable[bob.IdentityKey] = true
	ctx := context.Background()

	_, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)

	contents := env.transport.contentsFor(event.ToDeviceRoomKeyWithheld, bob.UserID, bob.DeviceID)
	require.Len(t, contents, 1)
	withheld := contents[0].Parsed.(*event.RoomKeyWithheldEventContent)
	assert.Equal(t, event.RoomKeyWithheldNoOlmSession, withheld.Code)
	assert.Empty(t, withheld.RoomID, "no_olm notifications are about the channel, not a session")
	assert.Empty(t, withheld.SessionID)
}

func TestEnsureOutboundSession(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	require.NoError(t, env.mach.EnsureOutboundSession(ctx, testRoomID))
	session, err := env.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.True(t, session.IsSharedWith(bob.UserID, bob.DeviceID, bob.IdentityKey))
	assert.Equal(t, 0, session.UseCount)
}

func TestPrepareToEncrypt(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	env.mach.PrepareToEncrypt(ctx, testRoomID)
	// EncryptMessage waits for the warm-up before taking the setup lock.
	encrypted, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)

	session, err := env.store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, session.ID, encrypted.SessionID)
	assert.Len(t, env.transport.olmPayloadsFor(t, bob), 1, "warm-up should have shared the key, encrypt shouldn't re-share")
}

func TestPrepareToEncryptCancel(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	gate := make(chan struct{})
	env.directory.downloadGate = gate
	ctx := context.Background()

	cancel := env.mach.PrepareToEncrypt(ctx, testRoomID)
	cancel()
	close(gate)

	assert.Never(t, func() bool {
		session, _ := env.store.GetOutboundGroupSession(ctx, testRoomID)
		return session != nil
	}, 200*time.Millisecond, 20*time.Millisecond, "cancelled warm-up shouldn't create a session")
}

func TestForceDiscardSession(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	first, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "one"})
	require.NoError(t, err)
	require.NoError(t, env.mach.ForceDiscardSession(ctx, testRoomID))

	second, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// The discarded session stays resolvable by ID for re-shares.
	discarded, err := env.store.GetOutboundGroupSessionByID(ctx, first.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, discarded)
}

func TestReshareKeyWithDevice(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	encrypted, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)

	require.NoError(t, env.mach.ReshareKeyWithDevice(ctx, id.SenderKey(env.own.IdentityKey), encrypted.SessionID, bob.UserID, bob))
	payloads := env.transport.olmPayloadsFor(t, bob)
	require.Len(t, payloads, 2)
	assert.Equal(t, event.ToDeviceForwardedRoomKey, payloads[1].Type)
	require.NoError(t, payloads[1].Content.ParseRaw(payloads[1].Type))
	forwarded, ok := payloads[1].Content.Parsed.(*event.ForwardedRoomKeyEventContent)
	require.True(t, ok)
	assert.Equal(t, encrypted.SessionID, forwarded.SessionID)
	assert.Equal(t, testRoomID, forwarded.RoomID)
	// The key was shared before the first message, so the re-share exports at
	// chain index 0 even though the ratchet has advanced since.
	assert.Equal(t, mockExportedKey("mock-key-1", 0), forwarded.SessionKey)
}

func TestReshareKeyWithDeviceErrors(t *testing.T) {
	bob := makeDevice("@bob:example.com", "BOBDEV", id.TrustStateVerified)
	charlie := makeDevice("@charlie:example.com", "CHARLIEDEV", id.TrustStateVerified)
	env := newTestMachine(t, "@alice:example.com", "ALICEDEV", bob)
	env.channels.channels[bob.IdentityKey] = true
	ctx := context.Background()

	encrypted, err := env.mach.EncryptMessage(ctx, testRoomID, event.EventMessage, map[string]any{"body": "hi"})
	require.NoError(t, err)

	err = env.mach.ReshareKeyWithDevice(ctx, "someone-elses-key", encrypted.SessionID, bob.UserID, bob)
	assert.ErrorIs(t, err, ErrSessionNotShared)

	err = env.mach.ReshareKeyWithDevice(ctx, id.SenderKey(env.own.IdentityKey), "unknown-session", bob.UserID, bob)
	assert.ErrorIs(t, err, ErrNoGroupSession)

	err = env.mach.ReshareKeyWithDevice(ctx, id.SenderKey(env.own.IdentityKey), encrypted.SessionID, charlie.UserID, charlie)
	assert.ErrorIs(t, err, ErrSessionNotShared)

	replaced := *bob
	replaced.IdentityKey = "brand-new-curve-key"
	err = env.mach.ReshareKeyWithDevice(ctx, id.SenderKey(env.own.IdentityKey), encrypted.SessionID, bob.UserID, &replaced)
	assert.ErrorIs(t, err, ErrIdentityKeyChange)
}
