// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
)

// sessionProblemFuzz widens the window when checking whether a recorded
// channel problem explains a missing key, to cover clock skew between the
// event timestamp and the local problem record.
const sessionProblemFuzz = 2 * time.Minute

// DecryptEvent decrypts a group-encrypted room event.
//
// Integrity failures (replay, room mismatch, sender device mismatch) surface
// as hard errors and drop the event from the redecryption queue: no future
// key can fix them. A missing session key returns a NoSessionError, queues the event for
// redecryption once the key arrives, and triggers a key request in the
// background. Events decrypted with an untrusted (forwarded) key succeed
// with Info.Untrusted set and stay queued in case a trusted copy of the
// session arrives later.
func (mach *Machine) DecryptEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, ErrIncorrectEncryptedContentType
	} else if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, ErrUnsupportedAlgorithm
	} else if content.SenderKey == "" || content.SessionID == "" || len(content.MegolmCiphertext) == 0 {
		return nil, ErrMissingFields
	}
	log := mach.machOrContextLog(ctx).With().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender_key", content.SenderKey).
		Stringer("session_id", content.SessionID).
		Logger()
	ctx = log.WithContext(ctx)
	// The event goes into the pending queue before the decryption attempt:
	// if the key arrives while the attempt is failing, the retry triggered
	// by the key arrival must already see this event.
	mach.addPendingEvent(content.SenderKey, content.SessionID, evt)
	result, err := mach.Ratchet.DecryptGroupMessage(ctx, evt.RoomID, content.SenderKey, content.SessionID, content.MegolmCiphertext)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownMessageIndex):
			// Unlike a true replay, this event stays queued: a copy of the
			// key with an earlier first known index can still decrypt it.
			go mach.requestMissingKey(mach.bgCtx(ctx), evt.RoomID, content.SenderKey, content.SessionID)
			return nil, fmt.Errorf("%w: %w", ErrReplayAttack, err)
		case errors.Is(err, ErrUnknownSession):
			return nil, mach.noSessionError(ctx, evt, content)
		default:
			return nil, fmt.Errorf("failed to decrypt group message: %w", err)
		}
	}
	valid, err := mach.Store.ValidateMessageIndex(ctx, content.SenderKey, content.SessionID, evt.ID, result.MessageIndex, evt.Timestamp.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to check message index: %w", err)
	} else if !valid {
		// A replayed index can never become decryptable, so the event must
		// not keep the session's pending queue from draining.
		mach.removePendingEvent(content.SenderKey, content.SessionID, evt.ID)
		return nil, ErrReplayAttack
	}
	var payload megolmPayload
	if err = json.Unmarshal(result.Plaintext, &payload); err != nil {
		mach.removePendingEvent(content.SenderKey, content.SessionID, evt.ID)
		return nil, fmt.Errorf("failed to parse decrypted payload: %w", err)
	}
	if payload.RoomID != evt.RoomID {
		mach.removePendingEvent(content.SenderKey, content.SessionID, evt.ID)
		return nil, ErrWrongRoom
	}
	verified, err := mach.checkSenderDevice(ctx, evt, content)
	if err != nil {
		if errors.Is(err, ErrDeviceKeyMismatch) {
			mach.removePendingEvent(content.SenderKey, content.SessionID, evt.ID)
		}
		return nil, err
	}
	if err = payload.Content.ParseRaw(payload.Type); err != nil && !errors.Is(err, event.ErrUnsupportedContentType) {
		mach.removePendingEvent(content.SenderKey, content.SessionID, evt.ID)
		return nil, fmt.Errorf("failed to parse decrypted content: %w", err)
	}
	if !result.Untrusted {
		mach.removePendingEvent(content.SenderKey, content.SessionID, evt.ID)
	}
	return &event.Event{
		Sender:    evt.Sender,
		Type:      payload.Type,
		Timestamp: evt.Timestamp,
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Content:   payload.Content,
		Info: event.DecryptionInfo{
			Verified:  verified && !result.Untrusted,
			Untrusted: result.Untrusted,
		},
	}, nil
}

// checkSenderDevice cross-checks the claimed sending device against the
// device directory. A device found by identity key that doesn't match the
// event's claimed sender or device ID is an integrity failure.
func (mach *Machine) checkSenderDevice(ctx context.Context, evt *event.Event, content *event.EncryptedEventContent) (verified bool, err error) {
	device, err := mach.Devices.GetDeviceByIdentityKey(ctx, content.Algorithm, content.SenderKey)
	if err != nil {
		return false, fmt.Errorf("failed to look up sender device: %w", err)
	} else if device == nil {
		return false, nil
	}
	if device.UserID != evt.Sender || (content.DeviceID != "" && device.DeviceID != content.DeviceID) {
		return false, ErrDeviceKeyMismatch
	}
	return mach.Devices.CheckDeviceTrust(ctx, device) >= id.TrustStateCrossSigned, nil
}

// noSessionError turns a missing-session failure into the most specific
// reason available: a stored withheld record beats a recorded channel
// problem beats the generic "keys not received" message. It also kicks off a
// background key request for the session.
func (mach *Machine) noSessionError(ctx context.Context, evt *event.Event, content *event.EncryptedEventContent) error {
	go mach.requestMissingKey(mach.bgCtx(ctx), evt.RoomID, content.SenderKey, content.SessionID)
	withheld, err := mach.Store.GetWithheldGroupSession(ctx, evt.RoomID, content.SenderKey, content.SessionID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to check withheld records for missing session")
	} else if withheld != nil {
		return withheldToError(withheld)
	}
	problem, err := mach.Ratchet.SessionMayHaveProblems(ctx, content.SenderKey, evt.Timestamp.Add(-sessionProblemFuzz))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to check session problem records for missing session")
	} else if problem != nil && !problem.Fixed {
		return problemToError(problem)
	}
	return &NoSessionError{Reason: reasonNoKey}
}

func (mach *Machine) addPendingEvent(senderKey id.SenderKey, sessionID id.SessionID, evt *event.Event) {
	key := pendingSessionKey{SenderKey: senderKey, SessionID: sessionID}
	mach.pendingEventsLock.Lock()
	defer mach.pendingEventsLock.Unlock()
	queue, ok := mach.pendingEvents[key]
	if !ok {
		queue = make(map[id.EventID]*event.Event)
		mach.pendingEvents[key] = queue
	}
	queue[evt.ID] = evt
}

func (mach *Machine) removePendingEvent(senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID) {
	key := pendingSessionKey{SenderKey: senderKey, SessionID: sessionID}
	mach.pendingEventsLock.Lock()
	defer mach.pendingEventsLock.Unlock()
	if queue, ok := mach.pendingEvents[key]; ok {
		delete(queue, eventID)
		if len(queue) == 0 {
			delete(mach.pendingEvents, key)
		}
	}
}

func (mach *Machine) snapshotPendingEvents(senderKey id.SenderKey, sessionID id.SessionID) []*event.Event {
	key := pendingSessionKey{SenderKey: senderKey, SessionID: sessionID}
	mach.pendingEventsLock.Lock()
	defer mach.pendingEventsLock.Unlock()
	queue := mach.pendingEvents[key]
	events := make([]*event.Event, 0, len(queue))
	for _, evt := range queue {
		events = append(events, evt)
	}
	return events
}

func (mach *Machine) pendingSessionsForSender(senderKey id.SenderKey) []id.SessionID {
	mach.pendingEventsLock.Lock()
	defer mach.pendingEventsLock.Unlock()
	var sessions []id.SessionID
	for key := range mach.pendingEvents {
		if key.SenderKey == senderKey {
			sessions = append(sessions, key.SessionID)
		}
	}
	return sessions
}

// RetryDecryption re-attempts every queued event waiting for the given
// session. Events that still fail just stay queued; events that succeed are
// delivered through OnEventDecrypted, as is the refreshed error of events
// that now fail with a more specific reason. Returns whether the queue for
// the session is fully drained, so the caller can tell a partially-filled
// key (some events still before the key's first known index) from a complete
// one.
//
// forceIfUntrusted also re-attempts events that already decrypted with an
// untrusted key, used when a trusted copy of the session arrives.
func (mach *Machine) RetryDecryption(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, forceIfUntrusted bool) bool {
	events := mach.snapshotPendingEvents(senderKey, sessionID)
	if len(events) == 0 {
		return true
	}
	log := mach.machOrContextLog(ctx).With().
		Stringer("sender_key", senderKey).
		Stringer("session_id", sessionID).
		Logger()
	retryCtx := log.WithContext(ctx)
	var group errgroup.Group
	for _, evt := range events {
		group.Go(func() error {
			decrypted, err := mach.DecryptEvent(retryCtx, evt)
			if err != nil {
				var noSession *NoSessionError
				if errors.As(err, &noSession) && mach.OnEventDecrypted != nil {
					// Still no key, but the reason may have become more
					// specific; let the consumer refresh its error display.
					mach.OnEventDecrypted(retryCtx, evt, err)
				} else if !errors.Is(err, ErrUnknownSession) {
					log.Debug().Err(err).Stringer("event_id", evt.ID).Msg("Retried event still fails to decrypt")
				}
				return nil
			}
			if decrypted.Info.Untrusted && !forceIfUntrusted {
				return nil
			}
			log.Debug().Stringer("event_id", evt.ID).Msg("Decrypted queued event after receiving keys")
			if mach.OnEventDecrypted != nil {
				mach.OnEventDecrypted(retryCtx, decrypted, nil)
			}
			return nil
		})
	}
	_ = group.Wait()
	return len(mach.snapshotPendingEvents(senderKey, sessionID)) == 0
}

// RetryDecryptionFromSender retries every queued event from the sender
// across all of their sessions. Used when a withheld notification or channel
// problem affects the sender as a whole rather than one session, mainly to
// refresh the user-visible failure reasons.
func (mach *Machine) RetryDecryptionFromSender(ctx context.Context, senderKey id.SenderKey) {
	for _, sessionID := range mach.pendingSessionsForSender(senderKey) {
		mach.RetryDecryption(ctx, senderKey, sessionID, false)
	}
}

// markSessionReceived runs the bookkeeping after an inbound session arrives:
// retry queued events, and if that fully drained the queue, drop the key
// request state for the session and wake up WaitForSession callers.
func (mach *Machine) markSessionReceived(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, trusted bool) {
	drained := mach.RetryDecryption(ctx, senderKey, sessionID, trusted)
	if drained {
		if err := mach.Store.DeleteKeyRequests(ctx, roomID, sessionID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Stringer("session_id", sessionID).
				Msg("Failed to delete key requests for received session")
		}
	}
	mach.keyWaitersLock.Lock()
	if waiter, ok := mach.keyWaiters[pendingSessionKey{SenderKey: senderKey, SessionID: sessionID}]; ok {
		close(waiter)
		delete(mach.keyWaiters, pendingSessionKey{SenderKey: senderKey, SessionID: sessionID})
	}
	mach.keyWaitersLock.Unlock()
}

// WaitForSession waits for the given inbound session to arrive, up to the
// timeout. Returns immediately if the session is already known.
func (mach *Machine) WaitForSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, timeout time.Duration) bool {
	key := pendingSessionKey{SenderKey: senderKey, SessionID: sessionID}
	mach.keyWaitersLock.Lock()
	waiter, ok := mach.keyWaiters[key]
	if !ok {
		waiter = make(chan struct{})
		mach.keyWaiters[key] = waiter
	}
	mach.keyWaitersLock.Unlock()
	has, err := mach.Ratchet.HasInboundSessionKeys(ctx, roomID, senderKey, sessionID)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).Stringer("session_id", sessionID).Msg("Failed to check for inbound session keys")
	} else if has {
		return true
	}
	select {
	case <-waiter:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
