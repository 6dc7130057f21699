// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
)

// An Algorithm is a message encryption algorithm identifier.
// https://spec.matrix.org/v1.2/client-server-api/#messaging-algorithm-names
type Algorithm string

const (
	AlgorithmOlmV1    Algorithm = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 Algorithm = "m.megolm.v1.aes-sha2"
)

func (alg Algorithm) String() string {
	return string(alg)
}

// A Curve25519 identity key, represented as unpadded base64.
type Curve25519 string

// An Ed25519 signing key, represented as unpadded base64.
type Ed25519 string

// SenderKey is the curve25519 identity key of the device that originated a
// message, as reported in the encrypted event content.
type SenderKey = Curve25519

// IdentityKey is an alias for Curve25519 used where the key identifies a
// device rather than a message sender.
type IdentityKey = Curve25519

// SigningKey is an alias for Ed25519.
type SigningKey = Ed25519

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// A KeyAlgorithm is the identifier of an algorithm within a key ID.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
)

// A KeyID is a string formatted as <algorithm>:<key identifier> that is used
// as the key in device key and one-time key mappings.
type KeyID string

func NewKeyID(alg KeyAlgorithm, keyID string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", alg, keyID))
}

func (keyID KeyID) String() string {
	return string(keyID)
}

// An OlmMsgType is the type of a pairwise channel message: a prekey message
// establishes a new session, a normal message continues an existing one.
type OlmMsgType int

const (
	OlmMsgTypePreKey OlmMsgType = 0
	OlmMsgTypeMsg    OlmMsgType = 1
)
