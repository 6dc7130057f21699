// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/roomkeys/id"
)

func TestUserDeviceMapKey(t *testing.T) {
	shared := map[UserDevice]SharedTarget{
		{"@alice:example.com", "ALICEDEV"}: {IdentityKey: "alice-curve", ChainIndex: 3},
		// Device IDs are free-form, so slashes in them have to survive.
		{"@bob:example.com", "web/stable"}: {IdentityKey: "bob-curve"},
	}
	data, err := json.Marshal(shared)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"@alice:example.com/ALICEDEV"`)

	var parsed map[UserDevice]SharedTarget
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, shared, parsed)

	var invalid UserDevice
	assert.Error(t, invalid.UnmarshalText([]byte("no-separator")))
}

func TestOutboundGroupSessionExpired(t *testing.T) {
	session := newOutboundGroupSession(testRoomID, "session1", false, time.Hour, 2)
	assert.False(t, session.Expired())

	session.UseCount = 2
	assert.True(t, session.Expired(), "session expires after max messages")

	session.UseCount = 0
	session.CreationTime = time.Now().Add(-2 * time.Hour)
	assert.True(t, session.Expired(), "session expires after max age")
}

func TestOutboundGroupSessionIsSharedWith(t *testing.T) {
	session := newOutboundGroupSession(testRoomID, "session1", false, time.Hour, 100)
	session.SharedWith[UserDevice{"@bob:example.com", "BOBDEV"}] = SharedTarget{IdentityKey: "bob-curve"}

	assert.True(t, session.IsSharedWith("@bob:example.com", "BOBDEV", "bob-curve"))
	assert.False(t, session.IsSharedWith("@bob:example.com", "BOBDEV", "other-curve"),
		"a changed identity key means a different device")
	assert.False(t, session.IsSharedWith("@bob:example.com", "OTHERDEV", "bob-curve"))

	users := session.SharedWithUsers()
	assert.Equal(t, map[id.UserID]struct{}{"@bob:example.com": {}}, users)
}
