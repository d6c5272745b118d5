// keys.go - Service node and user key types.
// Copyright (C) 2021  The Oxen Project.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package crypto provides the key types and channel encryption primitives
// used by the storage server.
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/tv42/zbase32"
)

const (
	// LegacyPubkeySize is the size of a legacy (primary identity) public key.
	LegacyPubkeySize = 32

	// Ed25519PubkeySize is the size of an Ed25519 public key.
	Ed25519PubkeySize = ed25519.PublicKeySize

	// X25519PubkeySize is the size of an X25519 public key.
	X25519PubkeySize = 32

	// X25519PrivkeySize is the size of an X25519 secret key.
	X25519PrivkeySize = 32

	// SignatureSize is the size of a detached Ed25519 signature.
	SignatureSize = ed25519.SignatureSize

	// UserPubkeySize is the size of a user (recipient) public key: one
	// network tag byte followed by the 32 byte X25519 key.
	UserPubkeySize = 33
)

// LegacyPubkey is a service node's primary identity key.
type LegacyPubkey [LegacyPubkeySize]byte

// Ed25519Pubkey is a service node's signing key.
type Ed25519Pubkey [Ed25519PubkeySize]byte

// X25519Pubkey is a service node's channel encryption key.
type X25519Pubkey [X25519PubkeySize]byte

// X25519Privkey is the secret half of an X25519 keypair.
type X25519Privkey [X25519PrivkeySize]byte

// Signature is a detached Ed25519 signature.
type Signature [SignatureSize]byte

func parseHexKey(dst []byte, s string) error {
	if hex.DecodedLen(len(s)) != len(dst) {
		return fmt.Errorf("crypto: invalid hex key length: %d", len(s))
	}
	// encoding/hex accepts both upper and lower case digits.
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("crypto: invalid hex key: %v", err)
	}
	return nil
}

// LegacyPubkeyFromHex parses a legacy pubkey from its 64 character hex form.
func LegacyPubkeyFromHex(s string) (LegacyPubkey, error) {
	var pk LegacyPubkey
	err := parseHexKey(pk[:], s)
	return pk, err
}

// LegacyPubkeyFromBase32z parses a legacy pubkey from its 52 character
// base32z form, as used in the sender pubkey header and .snode addresses.
func LegacyPubkeyFromBase32z(s string) (LegacyPubkey, error) {
	var pk LegacyPubkey
	raw, err := zbase32.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("crypto: invalid base32z key: %v", err)
	}
	if len(raw) != LegacyPubkeySize {
		return pk, fmt.Errorf("crypto: invalid base32z key length: %d", len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// Hex returns the lower case hex form of the key.
func (pk LegacyPubkey) Hex() string {
	return hex.EncodeToString(pk[:])
}

// Base32z returns the base32z form of the key.
func (pk LegacyPubkey) Base32z() string {
	return zbase32.EncodeToString(pk[:])
}

func (pk LegacyPubkey) String() string { return pk.Hex() }

// IsZero returns true if the key is all zero, i.e. unset.
func (pk LegacyPubkey) IsZero() bool { return pk == LegacyPubkey{} }

// Ed25519PubkeyFromHex parses an Ed25519 pubkey from its hex form.
func Ed25519PubkeyFromHex(s string) (Ed25519Pubkey, error) {
	var pk Ed25519Pubkey
	err := parseHexKey(pk[:], s)
	return pk, err
}

// Hex returns the lower case hex form of the key.
func (pk Ed25519Pubkey) Hex() string {
	return hex.EncodeToString(pk[:])
}

func (pk Ed25519Pubkey) String() string { return pk.Hex() }

// IsZero returns true if the key is all zero, i.e. unset.
func (pk Ed25519Pubkey) IsZero() bool { return pk == Ed25519Pubkey{} }

// X25519PubkeyFromHex parses an X25519 pubkey from its hex form.
func X25519PubkeyFromHex(s string) (X25519Pubkey, error) {
	var pk X25519Pubkey
	err := parseHexKey(pk[:], s)
	return pk, err
}

// Hex returns the lower case hex form of the key.
func (pk X25519Pubkey) Hex() string {
	return hex.EncodeToString(pk[:])
}

func (pk X25519Pubkey) String() string { return pk.Hex() }

// IsZero returns true if the key is all zero, i.e. unset.
func (pk X25519Pubkey) IsZero() bool { return pk == X25519Pubkey{} }

// UserPubkey is a recipient identifier: a network tag byte followed by the
// recipient's 32 byte key.  Its canonical string form is 66 lower case hex
// characters; parsing accepts either case.
type UserPubkey struct {
	raw [UserPubkeySize]byte
}

// UserPubkeyFromString parses a user pubkey from its 66 character hex form.
func UserPubkeyFromString(s string) (UserPubkey, error) {
	var pk UserPubkey
	if len(s) != 2*UserPubkeySize {
		return pk, fmt.Errorf("crypto: user pubkey must be %d characters long", 2*UserPubkeySize)
	}
	if err := parseHexKey(pk.raw[:], s); err != nil {
		return pk, err
	}
	return pk, nil
}

// String returns the canonical 66 character hex form.
func (pk UserPubkey) String() string {
	return hex.EncodeToString(pk.raw[:])
}

// NetworkTag returns the leading network tag byte.
func (pk UserPubkey) NetworkTag() byte {
	return pk.raw[0]
}

// Key returns the trailing 32 key bytes.
func (pk UserPubkey) Key() [32]byte {
	var k [32]byte
	copy(k[:], pk.raw[1:])
	return k
}
