// channel.go - Channel encryption between onion hops and proxy peers.
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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrBadCiphertext is returned for every decryption failure.  Callers
	// never learn which step failed.
	ErrBadCiphertext = errors.New("crypto: could not decrypt ciphertext")

	// ErrKeyDerivation is returned when the X25519 shared secret is the
	// all zero point.
	ErrKeyDerivation = errors.New("crypto: shared key derivation failed")

	gcmSalt = []byte("LOKI")
)

// EncType selects one of the supported channel encryption schemes.
type EncType int

const (
	// EncTypeAESGCM is AES-256-GCM with an HMAC-SHA256 derived key.
	EncTypeAESGCM EncType = iota

	// EncTypeAESCBC is AES-256-CBC keyed with the raw shared secret.  It
	// carries no integrity tag and exists only for the legacy proxy
	// channel; onion layers never use it.
	EncTypeAESCBC

	// EncTypeXChaCha20 is XChaCha20-Poly1305 with a BLAKE2b derived key.
	EncTypeXChaCha20
)

// ParseEncType parses the wire name of an encryption scheme.
func ParseEncType(s string) (EncType, error) {
	switch s {
	case "aes-gcm", "gcm":
		return EncTypeAESGCM, nil
	case "aes-cbc", "cbc":
		return EncTypeAESCBC, nil
	case "xchacha20", "xchacha20-poly1305":
		return EncTypeXChaCha20, nil
	}
	return 0, fmt.Errorf("crypto: invalid encryption type %q", s)
}

func (t EncType) String() string {
	switch t {
	case EncTypeAESGCM:
		return "aes-gcm"
	case EncTypeAESCBC:
		return "aes-cbc"
	case EncTypeXChaCha20:
		return "xchacha20"
	}
	return fmt.Sprintf("EncType(%d)", int(t))
}

// ChannelEncryption implements the three interoperable AEAD schemes over a
// derived X25519 shared secret.  Every scheme produces the wire layout
// nonce || body || [tag]; the scheme tag itself travels outside the
// ciphertext.
type ChannelEncryption struct {
	pub X25519Pubkey
	sec X25519Privkey
}

// NewChannelEncryption constructs a ChannelEncryption around the node's
// X25519 keypair.
func NewChannelEncryption(pub X25519Pubkey, sec X25519Privkey) *ChannelEncryption {
	return &ChannelEncryption{pub: pub, sec: sec}
}

// PublicKey returns the node's X25519 public key.
func (c *ChannelEncryption) PublicKey() X25519Pubkey {
	return c.pub
}

func (c *ChannelEncryption) sharedSecret(peer X25519Pubkey) ([]byte, error) {
	s, err := curve25519.X25519(c.sec[:], peer[:])
	if err != nil {
		// curve25519 rejects the all zero shared point.
		return nil, ErrKeyDerivation
	}
	return s, nil
}

// gcmKey derives the AES-GCM key: HMAC-SHA256(key="LOKI", msg=s).
func (c *ChannelEncryption) gcmKey(peer X25519Pubkey) ([]byte, error) {
	s, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, gcmSalt)
	h.Write(s)
	return h.Sum(nil), nil
}

// xchachaKey derives the XChaCha20 key: BLAKE2b-256 over the shared secret
// followed by the two public keys, sender's key first.
func (c *ChannelEncryption) xchachaKey(peer X25519Pubkey, sending bool) ([]byte, error) {
	s, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(s)
	if sending {
		h.Write(c.pub[:])
		h.Write(peer[:])
	} else {
		h.Write(peer[:])
		h.Write(c.pub[:])
	}
	return h.Sum(nil), nil
}

// Encrypt encrypts plaintext to the peer under the given scheme.
func (c *ChannelEncryption) Encrypt(t EncType, plaintext []byte, peer X25519Pubkey) ([]byte, error) {
	switch t {
	case EncTypeAESGCM:
		return c.encryptGCM(plaintext, peer)
	case EncTypeAESCBC:
		return c.encryptCBC(plaintext, peer)
	case EncTypeXChaCha20:
		return c.encryptXChaCha20(plaintext, peer)
	}
	return nil, fmt.Errorf("crypto: invalid encryption type %v", t)
}

// Decrypt decrypts ciphertext from the peer under the given scheme.  All
// failures surface as ErrBadCiphertext.
func (c *ChannelEncryption) Decrypt(t EncType, ciphertext []byte, peer X25519Pubkey) ([]byte, error) {
	switch t {
	case EncTypeAESGCM:
		return c.decryptGCM(ciphertext, peer)
	case EncTypeAESCBC:
		return c.DecryptCBC(ciphertext, peer)
	case EncTypeXChaCha20:
		return c.decryptXChaCha20(ciphertext, peer)
	}
	return nil, fmt.Errorf("crypto: invalid decryption type %v", t)
}

func (c *ChannelEncryption) encryptGCM(plaintext []byte, peer X25519Pubkey) ([]byte, error) {
	key, err := c.gcmKey(peer)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Output is nonce(12) || ciphertext || tag(16).
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *ChannelEncryption) decryptGCM(ciphertext []byte, peer X25519Pubkey) ([]byte, error) {
	key, err := c.gcmKey(peer)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrBadCiphertext
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	return plaintext, nil
}

func (c *ChannelEncryption) encryptCBC(plaintext []byte, peer X25519Pubkey) ([]byte, error) {
	key, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, block.BlockSize()+len(padded))
	iv := out[:block.BlockSize()]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[block.BlockSize():], padded)
	return out, nil
}

// DecryptCBC decrypts a legacy AES-CBC proxy payload.  Exported because the
// legacy proxy path selects it directly rather than via an enc_type field.
func (c *ChannelEncryption) DecryptCBC(ciphertext []byte, peer X25519Pubkey) ([]byte, error) {
	key, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 2*block.BlockSize() || (len(ciphertext)-block.BlockSize())%block.BlockSize() != 0 {
		return nil, ErrBadCiphertext
	}
	iv, body := ciphertext[:block.BlockSize()], ciphertext[block.BlockSize():]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return pkcs7Unpad(out, block.BlockSize())
}

func (c *ChannelEncryption) encryptXChaCha20(plaintext []byte, peer X25519Pubkey) ([]byte, error) {
	key, err := c.xchachaKey(peer, true)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *ChannelEncryption) decryptXChaCha20(ciphertext []byte, peer X25519Pubkey) ([]byte, error) {
	key, err := c.xchachaKey(peer, false)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrBadCiphertext
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	return plaintext, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrBadCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrBadCiphertext
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadCiphertext
		}
	}
	return b[:len(b)-n], nil
}
