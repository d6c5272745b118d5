// client.go - Message queue client side.
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

package mq

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

// ErrTimeout is returned when a peer does not answer within the deadline.
var ErrTimeout = errors.New("mq: request timed out")

const requestTimeout = 30 * time.Second

// Client sends MQ requests to peer snodes.
type Client struct {
	log *logging.Logger

	cipher *crypto.ChannelEncryption
	nextID atomic.Uint64
}

// NewClient creates an MQ client around the node's channel keys.
func NewClient(logBackend *log.Backend, cipher *crypto.ChannelEncryption) *Client {
	return &Client{
		log:    logBackend.GetLogger("mq/client"),
		cipher: cipher,
	}
}

// Request sends one command to the peer and waits for the matching reply.
func (c *Client) Request(sn swarm.SnodeRecord, command string, parts [][]byte) ([][]byte, error) {
	if sn.PortMQ == 0 || sn.HasDefaultAddress() {
		return nil, fmt.Errorf("mq: peer %s has no usable MQ address", sn.PubkeyLegacy)
	}
	addr := net.JoinHostPort(sn.IP, fmt.Sprint(sn.PortMQ))

	conn, err := net.DialTimeout("tcp", addr, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("mq: dial %s: %w", addr, err)
	}
	defer conn.Close()
	deadline := time.Now().Add(requestTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	out, err := sealFrame(c.cipher, sn.PubkeyX25519, &frame{ID: id, Command: command, Parts: parts})
	if err != nil {
		return nil, err
	}
	if err := cbor.NewEncoder(conn).Encode(out); err != nil {
		return nil, fmt.Errorf("mq: write to %s: %w", addr, err)
	}

	dec := cbor.NewDecoder(conn)
	for {
		var e envelope
		if err := dec.Decode(&e); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("mq: read from %s: %w", addr, err)
		}
		sender, f, err := openFrame(c.cipher, &e)
		if err != nil {
			return nil, err
		}
		if sender != sn.PubkeyX25519 {
			c.log.Warningf("Reply from unexpected identity %s", sender)
			continue
		}
		if !f.Reply || f.ID != id {
			continue
		}
		return f.Parts, nil
	}
}
