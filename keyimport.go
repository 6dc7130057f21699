// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package roomkeys

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/roomkeys/id"
)

var (
	ErrMissingExportPrefix      = errors.New("invalid Matrix key export: missing prefix")
	ErrMissingExportSuffix      = errors.New("invalid Matrix key export: missing suffix")
	ErrUnsupportedExportVersion = errors.New("unsupported Matrix key export format version")
	ErrMismatchingExportHash    = errors.New("mismatching hash; incorrect passphrase?")
	ErrInvalidExportedAlgorithm = errors.New("session has unknown algorithm")
)

var exportPrefixBytes, exportSuffixBytes = []byte(exportPrefix), []byte(exportSuffix)

func decodeKeyExport(data []byte) ([]byte, error) {
	// If the valid prefix and suffix aren't there, it's probably not a Matrix key export
	if !bytes.HasPrefix(data, exportPrefixBytes) {
		return nil, ErrMissingExportPrefix
	} else if !bytes.HasSuffix(data, exportSuffixBytes) {
		return nil, ErrMissingExportSuffix
	}
	// Remove the prefix and suffix, we don't care about them anymore
	data = data[len(exportPrefix) : len(data)-len(exportSuffix)]

	// Allocate space for the decoded data. Ignore newlines when counting the length
	exportData := make([]byte, base64.StdEncoding.DecodedLen(len(data)-bytes.Count(data, []byte{'\n'})))
	n, err := base64.StdEncoding.Decode(exportData, data)
	if err != nil {
		return nil, err
	}

	return exportData[:n], nil
}

func decryptKeyExport(passphrase string, exportData []byte) ([]ExportedSession, error) {
	if len(exportData) < exportHeaderLength+exportHashLength {
		return nil, ErrUnsupportedExportVersion
	} else if exportData[0] != exportVersion1 {
		return nil, ErrUnsupportedExportVersion
	}

	// Get all the different parts of the export
	salt := exportData[1:17]
	iv := exportData[17:33]
	passphraseRounds := binary.BigEndian.Uint32(exportData[33:37])
	dataWithoutHashLength := len(exportData) - exportHashLength
	encryptedData := exportData[exportHeaderLength:dataWithoutHashLength]
	hash := exportData[dataWithoutHashLength:]

	// Compute the encryption and hash keys from the passphrase and salt
	encryptionKey, hashKey := computeKey(passphrase, salt, int(passphraseRounds))

	// Compute and verify the hash. If it doesn't match, the passphrase is probably wrong
	mac := hmac.New(sha256.New, hashKey)
	mac.Write(exportData[:dataWithoutHashLength])
	if !bytes.Equal(hash, mac.Sum(nil)) {
		return nil, ErrMismatchingExportHash
	}

	// Decrypt the export
	block, _ := aes.NewCipher(encryptionKey)
	unencryptedData := make([]byte, len(encryptedData))
	cipher.NewCTR(block, iv).XORKeyStream(unencryptedData, encryptedData)

	// Parse the decrypted JSON
	var sessions []ExportedSession
	err := json.Unmarshal(unencryptedData, &sessions)
	if err != nil {
		return nil, fmt.Errorf("invalid export json: %w", err)
	}
	return sessions, nil
}

func (mach *Machine) importExportedRoomKey(ctx context.Context, session ExportedSession) error {
	if session.Algorithm != id.AlgorithmMegolmV1 {
		return ErrInvalidExportedAlgorithm
	}
	err := mach.Ratchet.AddInboundSession(ctx, session.RoomID, session.SenderKey, session.ForwardingChains, session.SessionID, session.SessionKey, session.SenderClaimedKeys.Ed25519, true, SessionExtraData{})
	if err != nil {
		return fmt.Errorf("failed to import session: %w", err)
	}
	mach.markSessionReceived(ctx, session.RoomID, session.SenderKey, session.SessionID, true)
	return nil
}

// ImportRoomKeys imports data that was exported with the format specified in
// the Matrix spec. Returns the number of imported sessions and the total
// number of sessions in the export.
// See https://spec.matrix.org/v1.2/client-server-api/#key-exports
func (mach *Machine) ImportRoomKeys(ctx context.Context, passphrase string, data []byte) (int, int, error) {
	exportData, err := decodeKeyExport(data)
	if err != nil {
		return 0, 0, err
	}
	sessions, err := decryptKeyExport(passphrase, exportData)
	if err != nil {
		return 0, 0, err
	}

	count := 0
	for _, session := range sessions {
		log := mach.Log.With().
			Stringer("room_id", session.RoomID).
			Stringer("session_id", session.SessionID).
			Logger()
		err = mach.importExportedRoomKey(log.WithContext(ctx), session)
		if err != nil {
			if ctx.Err() != nil {
				return count, len(sessions), ctx.Err()
			}
			log.Err(err).Msg("Failed to import group session from file")
		} else {
			log.Debug().Msg("Imported group session from file")
			count++
		}
	}
	return count, len(sessions), nil
}
