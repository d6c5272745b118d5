// sign.go - Detached Ed25519 signatures over SHA-512 digests.
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

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Sign produces a detached signature over the SHA-512 digest of body.
func Sign(sec ed25519.PrivateKey, body []byte) Signature {
	digest := sha512.Sum512(body)
	var sig Signature
	copy(sig[:], ed25519.Sign(sec, digest[:]))
	return sig
}

// Verify checks a detached signature over the SHA-512 digest of body.
func Verify(pk Ed25519Pubkey, body []byte, sig Signature) bool {
	digest := sha512.Sum512(body)
	return ed25519.Verify(pk[:], digest[:], sig[:])
}

// Base64 returns the wire form of the signature.
func (s Signature) Base64() string {
	return base64.StdEncoding.EncodeToString(s[:])
}

// SignatureFromBase64 parses the wire form of a signature.
func SignatureFromBase64(s string) (Signature, error) {
	var sig Signature
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return sig, fmt.Errorf("crypto: invalid base64 signature: %v", err)
	}
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("crypto: invalid signature length: %d", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// GenerateX25519Keypair generates a fresh X25519 keypair, used for tests and
// for the client side of onion layer construction.
func GenerateX25519Keypair() (X25519Pubkey, X25519Privkey, error) {
	var pub X25519Pubkey
	var sec X25519Privkey
	if _, err := rand.Read(sec[:]); err != nil {
		return pub, sec, err
	}
	p, err := curve25519.X25519(sec[:], curve25519.Basepoint)
	if err != nil {
		return pub, sec, err
	}
	copy(pub[:], p)
	return pub, sec, nil
}

// X25519PubkeyFromPrivkey derives the public half of an X25519 keypair.
func X25519PubkeyFromPrivkey(sec X25519Privkey) (X25519Pubkey, error) {
	var pub X25519Pubkey
	p, err := curve25519.X25519(sec[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], p)
	return pub, nil
}

// Ed25519PubkeyFromPrivate extracts the typed public key from an Ed25519
// private key.
func Ed25519PubkeyFromPrivate(sec ed25519.PrivateKey) Ed25519Pubkey {
	var pk Ed25519Pubkey
	copy(pk[:], sec.Public().(ed25519.PublicKey))
	return pk
}
