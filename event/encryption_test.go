// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

func TestEncryptedEventContentMegolm(t *testing.T) {
	content := &event.EncryptedEventContent{
		Algorithm:        id.AlgorithmMegolmV1,
		SenderKey:        "sender-curve",
		DeviceID:         "DEVICE",
		SessionID:        "session",
		MegolmCiphertext: []byte("meow"),
	}
	data, err := json.Marshal(content)
	require.NoError(t, err)
	// Megolm ciphertext is a single unpadded base64 string.
	assert.Equal(t, `{"algorithm":"m.megolm.v1.aes-sha2","sender_key":"sender-curve","device_id":"DEVICE","session_id":"session","ciphertext":"bWVvdw"}`, string(data))

	var parsed event.EncryptedEventContent
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, content.MegolmCiphertext, parsed.MegolmCiphertext)
	assert.Equal(t, content.SessionID, parsed.SessionID)
	assert.Nil(t, parsed.OlmCiphertext)
}

func TestEncryptedEventContentOlm(t *testing.T) {
	content := &event.EncryptedEventContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: "sender-curve",
		OlmCiphertext: event.OlmCiphertexts{
			"recipient-curve": {Body: "encrypted body", Type: id.OlmMsgTypePreKey},
		},
	}
	data, err := json.Marshal(content)
	require.NoError(t, err)
	// Olm ciphertext is a map from recipient identity key to message.
	assert.Equal(t, "encrypted body", gjson.GetBytes(data, `ciphertext.recipient-curve.body`).Str)
	assert.EqualValues(t, id.OlmMsgTypePreKey, gjson.GetBytes(data, `ciphertext.recipient-curve.type`).Int())

	var parsed event.EncryptedEventContent
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, content.OlmCiphertext, parsed.OlmCiphertext)
	assert.Empty(t, parsed.MegolmCiphertext)
}

func TestRoomKeyWithheldNoOlmOmitsSession(t *testing.T) {
	data, err := json.Marshal(&event.RoomKeyWithheldEventContent{
		Algorithm: id.AlgorithmMegolmV1,
		SenderKey: "sender-curve",
		Code:      event.RoomKeyWithheldNoOlmSession,
		Reason:    "unable to establish a secure channel",
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "room_id")
	assert.NotContains(t, string(data), "session_id")
}

func TestContentParseRaw(t *testing.T) {
	var content event.Content
	require.NoError(t, json.Unmarshal([]byte(`{
		"algorithm": "m.megolm.v1.aes-sha2",
		"room_id": "!room:example.com",
		"session_id": "session",
		"session_key": "key",
		"chain_index": 5,
		"org.matrix.msc3061.shared_history": true
	}`), &content))
	require.NoError(t, content.ParseRaw(event.ToDeviceRoomKey))
	roomKey := content.AsRoomKey()
	require.NotNil(t, roomKey)
	assert.Equal(t, id.RoomID("!room:example.com"), roomKey.RoomID)
	assert.EqualValues(t, 5, roomKey.ChainIndex)
	assert.True(t, roomKey.SharedHistory)

	assert.ErrorIs(t, content.ParseRaw(event.ToDeviceRoomKey), event.ErrContentAlreadyParsed)

	var unknown event.Content
	unknown.VeryRaw = []byte(`{}`)
	assert.ErrorIs(t, unknown.ParseRaw(event.NewEventType("com.example.custom")), event.ErrUnsupportedContentType)
}

func TestContentRawGetSet(t *testing.T) {
	content := event.Content{VeryRaw: []byte(`{"msgtype":"m.text","body":"hi"}`)}
	assert.Equal(t, "m.text", content.RawGet("msgtype").Str)
	require.NoError(t, content.RawSet("edited", "body"))
	assert.Equal(t, "edited", content.RawGet("body").Str)
	// Keys with dots are escaped, not treated as paths.
	require.NoError(t, content.RawSet(true, "org.matrix.msc3061.shared_history"))
	assert.True(t, content.RawGet("org.matrix.msc3061.shared_history").Bool())
}

func TestHistoryVisibilitySharedHistory(t *testing.T) {
	assert.True(t, event.HistoryVisibilityShared.SharedHistory())
	assert.True(t, event.HistoryVisibilityWorldReadable.SharedHistory())
	assert.False(t, event.HistoryVisibilityJoined.SharedHistory())
	assert.False(t, event.HistoryVisibilityInvited.SharedHistory())
}

func TestEventTypeGuessClass(t *testing.T) {
	assert.Equal(t, event.ToDeviceEventType, event.ToDeviceRoomKey.Class)
	assert.Equal(t, event.StateEventType, event.StateEncryption.Class)

	var evt event.Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"m.room_key","content":{}}`), &evt))
	assert.Equal(t, event.ToDeviceRoomKey, evt.Type)
	assert.True(t, evt.Type.IsToDevice())
}
