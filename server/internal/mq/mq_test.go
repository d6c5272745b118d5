// mq_test.go - Message queue transport tests.
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
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/ratelimit"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

type mapAuth map[crypto.X25519Pubkey]swarm.SnodeRecord

func (m mapAuth) FindNodeByX25519(pk crypto.X25519Pubkey) (swarm.SnodeRecord, bool) {
	sn, ok := m[pk]
	return sn, ok
}

func newCipher(t *testing.T) *crypto.ChannelEncryption {
	t.Helper()
	pub, sec, err := crypto.GenerateX25519Keypair()
	require.NoError(t, err)
	return crypto.NewChannelEncryption(pub, sec)
}

func TestRequestReply(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	serverCipher := newCipher(t)
	clientCipher := newCipher(t)

	clientRecord := swarm.SnodeRecord{IP: "127.0.0.1", PortHTTPS: 1, PortMQ: 1}
	clientRecord.PubkeyLegacy[0] = 7
	clientRecord.PubkeyX25519 = clientCipher.PublicKey()
	auth := mapAuth{clientCipher.PublicKey(): clientRecord}

	var gotCommand string
	dispatch := func(sender swarm.SnodeRecord, command string, parts [][]byte, reply func([][]byte)) {
		require.Equal(t, clientRecord.PubkeyLegacy, sender.PubkeyLegacy)
		gotCommand = command
		reply([][]byte{[]byte("200"), parts[0]})
	}

	srv, err := NewServer("127.0.0.1:0", logBackend, serverCipher, auth,
		ratelimit.New(ratelimit.DefaultConfig()), dispatch)
	require.NoError(t, err)
	defer srv.Halt()

	_, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	serverRecord := swarm.SnodeRecord{IP: "127.0.0.1", PortHTTPS: 443, PortMQ: uint16(port)}
	serverRecord.PubkeyX25519 = serverCipher.PublicKey()

	client := NewClient(logBackend, clientCipher)
	parts, err := client.Request(serverRecord, CmdOnionReq, [][]byte{[]byte("hello")})
	require.NoError(t, err)
	require.Equal(t, CmdOnionReq, gotCommand)
	require.Len(t, parts, 2)
	require.Equal(t, "200", string(parts[0]))
	require.Equal(t, "hello", string(parts[1]))
}

func TestUnknownSenderDropped(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	serverCipher := newCipher(t)
	strangerCipher := newCipher(t)

	dispatched := false
	srv, err := NewServer("127.0.0.1:0", logBackend, serverCipher, mapAuth{},
		ratelimit.New(ratelimit.DefaultConfig()),
		func(swarm.SnodeRecord, string, [][]byte, func([][]byte)) { dispatched = true })
	require.NoError(t, err)
	defer srv.Halt()

	_, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	serverRecord := swarm.SnodeRecord{IP: "127.0.0.1", PortHTTPS: 443, PortMQ: uint16(port)}
	serverRecord.PubkeyX25519 = serverCipher.PublicKey()

	client := NewClient(logBackend, strangerCipher)
	_, err = client.Request(serverRecord, CmdPing, nil)
	// The server hangs up without replying.
	require.Error(t, err)
	require.False(t, dispatched)
}

func TestFrameSealOpen(t *testing.T) {
	a, b := newCipher(t), newCipher(t)

	f := &frame{ID: 9, Command: CmdData, Parts: [][]byte{[]byte("x")}}
	e, err := sealFrame(a, b.PublicKey(), f)
	require.NoError(t, err)

	sender, got, err := openFrame(b, e)
	require.NoError(t, err)
	require.Equal(t, a.PublicKey(), sender)
	require.Equal(t, f.ID, got.ID)
	require.Equal(t, f.Command, got.Command)

	// A third party cannot open the frame.
	c := newCipher(t)
	_, _, err = openFrame(c, e)
	require.Error(t, err)
}
