// commands.go - Message queue wire format.
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

// Package mq implements the snode-to-snode message queue transport: CBOR
// framed commands over TCP, encrypted per frame with the peers' X25519
// identity keys.
package mq

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/oxen-io/oxen-storage-server/crypto"
)

// Peer commands.
const (
	// CmdData pushes a batch of messages to a swarm peer.
	CmdData = "sn.data"

	// CmdOnionReq relays one onion layer; semantics match the HTTPS
	// /onion_req/v2 endpoint, the reply is [status, body].
	CmdOnionReq = "sn.onion_req"

	// CmdPing is the liveness probe.
	CmdPing = "sn.ping"

	// CmdStorageTest asks the peer to produce a stored message by
	// (height, hash).
	CmdStorageTest = "sn.storage_test"
)

// frame is one decrypted MQ message: a request carries a command, a reply
// echoes the request id.
type frame struct {
	ID      uint64   `cbor:"id"`
	Reply   bool     `cbor:"reply,omitempty"`
	Command string   `cbor:"command,omitempty"`
	Parts   [][]byte `cbor:"parts,omitempty"`
}

// envelope is the outer, unencrypted wire record: the sender's X25519
// identity plus the encrypted frame.  The transport is authenticated by key
// possession: a frame that decrypts under the advertised sender key was
// produced by its holder.
type envelope struct {
	Sender  []byte `cbor:"sender"`
	Payload []byte `cbor:"payload"`
}

func sealFrame(cipher *crypto.ChannelEncryption, peer crypto.X25519Pubkey, f *frame) (*envelope, error) {
	raw, err := cbor.Marshal(f)
	if err != nil {
		return nil, err
	}
	payload, err := cipher.Encrypt(crypto.EncTypeXChaCha20, raw, peer)
	if err != nil {
		return nil, err
	}
	sender := cipher.PublicKey()
	return &envelope{Sender: sender[:], Payload: payload}, nil
}

func openFrame(cipher *crypto.ChannelEncryption, e *envelope) (crypto.X25519Pubkey, *frame, error) {
	var sender crypto.X25519Pubkey
	if len(e.Sender) != crypto.X25519PubkeySize {
		return sender, nil, fmt.Errorf("mq: invalid sender key length %d", len(e.Sender))
	}
	copy(sender[:], e.Sender)

	raw, err := cipher.Decrypt(crypto.EncTypeXChaCha20, e.Payload, sender)
	if err != nil {
		return sender, nil, err
	}
	f := new(frame)
	if err := cbor.Unmarshal(raw, f); err != nil {
		return sender, nil, fmt.Errorf("mq: invalid frame: %v", err)
	}
	return sender, f, nil
}
