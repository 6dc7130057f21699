// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

func makeMessages(deviceCounts map[id.UserID]int) map[id.UserID]map[id.DeviceID]*event.Content {
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content, len(deviceCounts))
	for userID, count := range deviceCounts {
		messages[userID] = make(map[id.DeviceID]*event.Content, count)
		for i := 0; i < count; i++ {
			messages[userID][id.DeviceID(fmt.Sprintf("DEV%d", i))] = &event.Content{}
		}
	}
	return messages
}

func batchStats(t *testing.T, batches []map[id.UserID]map[id.DeviceID]*event.Content, maxSize int) map[id.UserID]int {
	t.Helper()
	seen := make(map[id.UserID]int)
	for _, batch := range batches {
		size := 0
		for userID, devices := range batch {
			size += len(devices)
			seen[userID] += len(devices)
		}
		assert.LessOrEqual(t, size, maxSize)
	}
	return seen
}

func TestBatchToDeviceMessages(t *testing.T) {
	messages := makeMessages(map[id.UserID]int{
		"@a:example.com": 7,
		"@b:example.com": 7,
		"@c:example.com": 7,
		"@d:example.com": 3,
	})
	batches := batchToDeviceMessages(messages, 20)

	seen := batchStats(t, batches, 20)
	assert.Equal(t, map[id.UserID]int{
		"@a:example.com": 7,
		"@b:example.com": 7,
		"@c:example.com": 7,
		"@d:example.com": 3,
	}, seen, "every device entry must appear in exactly one batch")

	// No user's devices may be spread over multiple batches.
	for _, userID := range []id.UserID{"@a:example.com", "@b:example.com", "@c:example.com", "@d:example.com"} {
		batchesWithUser := 0
		for _, batch := range batches {
			if len(batch[userID]) > 0 {
				batchesWithUser++
			}
		}
		assert.Equal(t, 1, batchesWithUser, "user %s was split across batches", userID)
	}
}

func TestBatchToDeviceMessagesOversizedUser(t *testing.T) {
	messages := makeMessages(map[id.UserID]int{
		"@whale:example.com": 45,
		"@tiny:example.com":  2,
	})
	batches := batchToDeviceMessages(messages, 20)

	seen := batchStats(t, batches, 20)
	assert.Equal(t, 45, seen["@whale:example.com"], "oversized users are split but fully covered")
	assert.Equal(t, 2, seen["@tiny:example.com"])
}

func TestBatchToDeviceMessagesEmpty(t *testing.T) {
	assert.Empty(t, batchToDeviceMessages(nil, 20))
	assert.Empty(t, batchToDeviceMessages(map[id.UserID]map[id.DeviceID]*event.Content{
		"@empty:example.com": {},
	}, 20))
}

func TestBatchToDeviceMessagesSingleFullBatch(t *testing.T) {
	messages := makeMessages(map[id.UserID]int{"@a:example.com": 20})
	batches := batchToDeviceMessages(messages, 20)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0]["@a:example.com"], 20)
}

func TestUserServer(t *testing.T) {
	assert.Equal(t, "example.com", userServer("@user:example.com"))
	assert.Equal(t, "sub.example.com:8448", userServer("@user:sub.example.com:8448"))
}
