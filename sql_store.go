// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/roomkeys/event"
	"go.mau.fi/roomkeys/id"
	"go.mau.fi/roomkeys/sql_store_upgrade"
)

// SQLStore is a database-backed Store using the shared dbutil helpers, for
// SQLite and Postgres.
type SQLStore struct {
	DB *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps the database for use as a Store. Call DB.Upgrade before
// first use to create or migrate the tables.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStore {
	return &SQLStore{
		DB: db.Child(sql_store_upgrade.VersionTableName, sql_store_upgrade.Table, log),
	}
}

// Flush does nothing for this implementation as data is already persisted in the database.
func (store *SQLStore) Flush(_ context.Context) error {
	return nil
}

const (
	clearCurrentOutboundSessionQuery = `
		UPDATE roomkeys_outbound_session SET is_current=false WHERE room_id=$1 AND session_id<>$2
	`
	upsertOutboundSessionQuery = `
		INSERT INTO roomkeys_outbound_session (
			session_id, room_id, is_current, creation_time, use_count, max_age_ms, max_messages,
			shared_history, shared_with, withheld_notified
		) VALUES ($1, $2, true, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE
			SET is_current=true, use_count=excluded.use_count,
			    shared_with=excluded.shared_with, withheld_notified=excluded.withheld_notified
	`
	getOutboundSessionQuery = `
		SELECT session_id, room_id, creation_time, use_count, max_age_ms, max_messages,
		       shared_history, shared_with, withheld_notified
		FROM roomkeys_outbound_session WHERE room_id=$1 AND is_current=true
	`
	getOutboundSessionByIDQuery = `
		SELECT session_id, room_id, creation_time, use_count, max_age_ms, max_messages,
		       shared_history, shared_with, withheld_notified
		FROM roomkeys_outbound_session WHERE session_id=$1
	`
	removeOutboundSessionQuery = `
		UPDATE roomkeys_outbound_session SET is_current=false WHERE room_id=$1
	`
)

func (store *SQLStore) PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error {
	return store.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := store.DB.Exec(ctx, clearCurrentOutboundSessionQuery, session.RoomID, session.ID)
		if err != nil {
			return err
		}
		_, err = store.DB.Exec(ctx, upsertOutboundSessionQuery,
			session.ID, session.RoomID, session.CreationTime.UnixMilli(), session.UseCount,
			session.MaxAge.Milliseconds(), session.MaxMessages, session.SharedHistory,
			dbutil.JSON{Data: &session.SharedWith}, dbutil.JSON{Data: &session.WithheldNotified})
		return err
	})
}

func (store *SQLStore) scanOutboundSession(row dbutil.Scannable) (*OutboundGroupSession, error) {
	var session OutboundGroupSession
	var creationTime, maxAgeMS int64
	err := row.Scan(&session.ID, &session.RoomID, &creationTime, &session.UseCount, &maxAgeMS,
		&session.MaxMessages, &session.SharedHistory,
		dbutil.JSON{Data: &session.SharedWith}, dbutil.JSON{Data: &session.WithheldNotified})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	session.CreationTime = time.UnixMilli(creationTime).UTC()
	session.MaxAge = time.Duration(maxAgeMS) * time.Millisecond
	if session.SharedWith == nil {
		session.SharedWith = make(map[UserDevice]SharedTarget)
	}
	if session.WithheldNotified == nil {
		session.WithheldNotified = make(map[UserDevice]event.RoomKeyWithheldCode)
	}
	return &session, nil
}

func (store *SQLStore) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	return store.scanOutboundSession(store.DB.QueryRow(ctx, getOutboundSessionQuery, roomID))
}

func (store *SQLStore) GetOutboundGroupSessionByID(ctx context.Context, sessionID id.SessionID) (*OutboundGroupSession, error) {
	return store.scanOutboundSession(store.DB.QueryRow(ctx, getOutboundSessionByIDQuery, sessionID))
}

func (store *SQLStore) RemoveOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	_, err := store.DB.Exec(ctx, removeOutboundSessionQuery, roomID)
	return err
}

const validateMessageIndexQuery = `
	INSERT INTO roomkeys_message_index (sender_key, session_id, "index", event_id, timestamp)
	VALUES ($1, $2, $3, $4, $5)
	-- have to update something so that RETURNING * always returns the row
	ON CONFLICT (sender_key, session_id, "index") DO UPDATE SET sender_key=excluded.sender_key
	RETURNING event_id, timestamp
`

// ValidateMessageIndex returns whether the given event information matches
// what was stored for this message index. If nothing was stored yet, the
// given values are stored and the index is valid.
func (store *SQLStore) ValidateMessageIndex(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error) {
	var expectedEventID id.EventID
	var expectedTimestamp int64
	err := store.DB.QueryRow(ctx, validateMessageIndexQuery, senderKey, sessionID, index, eventID, timestamp).
		Scan(&expectedEventID, &expectedTimestamp)
	if err != nil {
		return false, err
	} else if expectedEventID != eventID || expectedTimestamp != timestamp {
		zerolog.Ctx(ctx).Debug().
			Uint32("message_index", index).
			Str("expected_event_id", expectedEventID.String()).
			Int64("expected_timestamp", expectedTimestamp).
			Int64("actual_timestamp", timestamp).
			Msg("Failed to validate that message index wasn't duplicated")
		return false, nil
	}
	return true, nil
}

const (
	putWithheldSessionQuery = `
		INSERT INTO roomkeys_withheld_session (room_id, sender_key, session_id, code, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET code=excluded.code, reason=excluded.reason
	`
	getWithheldSessionQuery = `
		SELECT code, reason FROM roomkeys_withheld_session
		WHERE room_id=$1 AND sender_key=$2 AND session_id=$3
	`
)

func (store *SQLStore) PutWithheldGroupSession(ctx context.Context, content event.RoomKeyWithheldEventContent) error {
	_, err := store.DB.Exec(ctx, putWithheldSessionQuery,
		content.RoomID, content.SenderKey, content.SessionID, content.Code, content.Reason)
	return err
}

func (store *SQLStore) GetWithheldGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*event.RoomKeyWithheldEventContent, error) {
	content := &event.RoomKeyWithheldEventContent{
		RoomID:    roomID,
		Algorithm: id.AlgorithmMegolmV1,
		SenderKey: senderKey,
		SessionID: sessionID,
	}
	err := store.DB.QueryRow(ctx, getWithheldSessionQuery, roomID, senderKey, sessionID).
		Scan(&content.Code, &content.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return content, nil
}

const (
	putParkedKeyQuery = `
		INSERT INTO roomkeys_parked_key (
			room_id, sender_key, session_id, session_key, sender_claimed_key,
			forwarding_chains, received_from, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id, sender_key, session_id) DO UPDATE
			SET session_key=excluded.session_key, received_from=excluded.received_from,
			    received_at=excluded.received_at
	`
	getParkedKeysQuery = `
		SELECT room_id, sender_key, session_id, session_key, sender_claimed_key,
		       forwarding_chains, received_from, received_at
		FROM roomkeys_parked_key WHERE room_id=$1
	`
)

func (store *SQLStore) PutParkedKey(ctx context.Context, parked *ParkedKey) error {
	_, err := store.DB.Exec(ctx, putParkedKeyQuery,
		parked.RoomID, parked.SenderKey, parked.SessionID, parked.SessionKey,
		parked.SenderClaimedKey, dbutil.JSON{Data: &parked.ForwardingKeyChain},
		parked.ReceivedFrom, parked.ReceivedAt.UnixMilli())
	return err
}

func (store *SQLStore) scanParkedKey(row dbutil.Scannable) (*ParkedKey, error) {
	var parked ParkedKey
	var receivedAt int64
	err := row.Scan(&parked.RoomID, &parked.SenderKey, &parked.SessionID, &parked.SessionKey,
		&parked.SenderClaimedKey, dbutil.JSON{Data: &parked.ForwardingKeyChain},
		&parked.ReceivedFrom, &receivedAt)
	if err != nil {
		return nil, err
	}
	parked.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	return &parked, nil
}

func (store *SQLStore) GetParkedKeys(ctx context.Context, roomID id.RoomID) ([]*ParkedKey, error) {
	return dbutil.ConvertRowFn[*ParkedKey](store.scanParkedKey).
		NewRowIter(store.DB.Query(ctx, getParkedKeysQuery, roomID)).
		AsList()
}

const (
	putKeyRequestQuery = `
		INSERT INTO roomkeys_sent_key_request (
			room_id, session_id, target_user_id, target_device_id, request_id, sender_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, session_id, target_user_id, target_device_id) DO UPDATE
			SET request_id=excluded.request_id, created_at=excluded.created_at
	`
	getKeyRequestQuery = `
		SELECT request_id, sender_key, created_at FROM roomkeys_sent_key_request
		WHERE room_id=$1 AND session_id=$2 AND target_user_id=$3 AND target_device_id=$4
	`
	deleteKeyRequestsQuery = `
		DELETE FROM roomkeys_sent_key_request WHERE room_id=$1 AND session_id=$2
	`
)

func (store *SQLStore) PutKeyRequest(ctx context.Context, request *SentKeyRequest) error {
	_, err := store.DB.Exec(ctx, putKeyRequestQuery,
		request.RoomID, request.SessionID, request.Target.UserID, request.Target.DeviceID,
		request.RequestID, request.SenderKey, request.CreatedAt.UnixMilli())
	return err
}

func (store *SQLStore) GetKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, target UserDevice) (*SentKeyRequest, error) {
	request := &SentKeyRequest{
		RoomID:    roomID,
		SessionID: sessionID,
		Target:    target,
	}
	var createdAt int64
	err := store.DB.QueryRow(ctx, getKeyRequestQuery, roomID, sessionID, target.UserID, target.DeviceID).
		Scan(&request.RequestID, &request.SenderKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	request.CreatedAt = time.UnixMilli(createdAt).UTC()
	return request, nil
}

func (store *SQLStore) DeleteKeyRequests(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) error {
	_, err := store.DB.Exec(ctx, deleteKeyRequestsQuery, roomID, sessionID)
	return err
}
