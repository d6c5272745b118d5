// channel_test.go - Channel encryption tests.
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
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPair(t *testing.T) (*ChannelEncryption, *ChannelEncryption) {
	aPub, aSec, err := GenerateX25519Keypair()
	require.NoError(t, err)
	bPub, bSec, err := GenerateX25519Keypair()
	require.NoError(t, err)
	return NewChannelEncryption(aPub, aSec), NewChannelEncryption(bPub, bSec)
}

func TestChannelRoundTrip(t *testing.T) {
	client, node := newTestPair(t)

	for _, encType := range []EncType{EncTypeAESGCM, EncTypeAESCBC, EncTypeXChaCha20} {
		t.Run(encType.String(), func(t *testing.T) {
			plaintext := []byte("attack at dawn")

			ciphertext, err := client.Encrypt(encType, plaintext, node.PublicKey())
			require.NoError(t, err)
			require.NotEqual(t, plaintext, ciphertext)

			decrypted, err := node.Decrypt(encType, ciphertext, client.PublicKey())
			require.NoError(t, err)
			require.Equal(t, plaintext, decrypted)
		})
	}
}

func TestChannelGCMCiphertextLength(t *testing.T) {
	client, node := newTestPair(t)

	// nonce(12) + len("hello") + tag(16)
	ciphertext, err := client.Encrypt(EncTypeAESGCM, []byte("hello"), node.PublicKey())
	require.NoError(t, err)
	require.Len(t, ciphertext, 12+5+16)

	decrypted, err := node.Decrypt(EncTypeAESGCM, ciphertext, client.PublicKey())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), decrypted)
}

func TestChannelXChaCha20Directionality(t *testing.T) {
	client, node := newTestPair(t)

	// The hashed key incorporates (my_pub, peer_pub) on send and
	// (peer_pub, my_pub) on receive; both sides must agree.
	sendKey, err := client.xchachaKey(node.PublicKey(), true)
	require.NoError(t, err)
	recvKey, err := node.xchachaKey(client.PublicKey(), false)
	require.NoError(t, err)
	require.Equal(t, sendKey, recvKey)

	// And the reverse direction derives a different key.
	reverseKey, err := node.xchachaKey(client.PublicKey(), true)
	require.NoError(t, err)
	require.NotEqual(t, sendKey, reverseKey)
}

func TestChannelBadCiphertext(t *testing.T) {
	client, node := newTestPair(t)

	for _, encType := range []EncType{EncTypeAESGCM, EncTypeXChaCha20} {
		ciphertext, err := client.Encrypt(encType, []byte("payload"), node.PublicKey())
		require.NoError(t, err)

		ciphertext[len(ciphertext)-1] ^= 0xff
		_, err = node.Decrypt(encType, ciphertext, client.PublicKey())
		require.ErrorIs(t, err, ErrBadCiphertext)

		_, err = node.Decrypt(encType, []byte("short"), client.PublicKey())
		require.ErrorIs(t, err, ErrBadCiphertext)
	}
}

func TestChannelWrongPeerKey(t *testing.T) {
	client, node := newTestPair(t)
	otherPub, _, err := GenerateX25519Keypair()
	require.NoError(t, err)

	ciphertext, err := client.Encrypt(EncTypeAESGCM, []byte("payload"), node.PublicKey())
	require.NoError(t, err)

	_, err = node.Decrypt(EncTypeAESGCM, ciphertext, otherPub)
	require.ErrorIs(t, err, ErrBadCiphertext)
}

func TestParseEncType(t *testing.T) {
	for name, expected := range map[string]EncType{
		"aes-gcm":            EncTypeAESGCM,
		"gcm":                EncTypeAESGCM,
		"aes-cbc":            EncTypeAESCBC,
		"cbc":                EncTypeAESCBC,
		"xchacha20":          EncTypeXChaCha20,
		"xchacha20-poly1305": EncTypeXChaCha20,
	} {
		encType, err := ParseEncType(name)
		require.NoError(t, err)
		require.Equal(t, expected, encType)
	}

	_, err := ParseEncType("rot13")
	require.Error(t, err)
}

func TestPKCS7(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 100} {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i)
		}
		padded := pkcs7Pad(b, 16)
		require.Equal(t, 0, len(padded)%16)
		unpadded, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		require.Equal(t, b, unpadded)
	}

	_, err := pkcs7Unpad(make([]byte, 16), 16)
	require.ErrorIs(t, err, ErrBadCiphertext)
}
