// handler_test.go - Request handler tests.
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

package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/onion"
	"github.com/oxen-io/oxen-storage-server/storage"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

type fakeSnode struct {
	ready      bool
	own        swarm.SnodeRecord
	swarms     []swarm.Swarm
	ourSwarmID uint64
}

func (f *fakeSnode) Ready() bool                    { return f.ready }
func (f *fakeSnode) OwnAddress() swarm.SnodeRecord  { return f.own }
func (f *fakeSnode) IsPubkeyForUs(pk crypto.UserPubkey) bool {
	return swarm.GetSwarmByPK(f.swarms, pk) == f.ourSwarmID
}

func (f *fakeSnode) GetSnodesByPK(pk crypto.UserPubkey) []swarm.SnodeRecord {
	id := swarm.GetSwarmByPK(f.swarms, pk)
	for _, sw := range f.swarms {
		if sw.SwarmID == id {
			return sw.Snodes
		}
	}
	return nil
}

func (f *fakeSnode) FindNodeByEd25519(pk crypto.Ed25519Pubkey) (swarm.SnodeRecord, bool) {
	for _, sw := range f.swarms {
		for _, sn := range sw.Snodes {
			if sn.PubkeyEd25519 == pk {
				return sn, true
			}
		}
	}
	return swarm.SnodeRecord{}, false
}

type fakeOxend struct {
	lastEndpoint string
	result       json.RawMessage
	err          error
}

func (f *fakeOxend) Request(endpoint string, params json.RawMessage) (json.RawMessage, error) {
	f.lastEndpoint = endpoint
	return f.result, f.err
}

type fakeForwarder struct {
	onionDest  *swarm.SnodeRecord
	onionMeta  onion.Metadata
	onionCt    []byte
	replyOK    bool
	replyParts [][]byte

	serverHost   string
	serverTarget string
	serverRes    Response
}

func (f *fakeForwarder) SendOnionToSnode(sn swarm.SnodeRecord, ciphertext []byte,
	meta onion.Metadata, cb func(bool, [][]byte)) {
	f.onionDest = &sn
	f.onionMeta = meta
	f.onionCt = ciphertext
	cb(f.replyOK, f.replyParts)
}

func (f *fakeForwarder) SendToServer(protocol, host string, port uint16, target string,
	payload []byte, cb func(Response)) {
	f.serverHost = host
	f.serverTarget = target
	cb(f.serverRes)
}

func testSnodeRecord(t *testing.T, seed byte) swarm.SnodeRecord {
	t.Helper()
	hexByte := fmt.Sprintf("%02x", seed)
	legacy, err := crypto.LegacyPubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	ed, err := crypto.Ed25519PubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	x, err := crypto.X25519PubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	return swarm.SnodeRecord{
		IP: "10.0.0.1", PortHTTPS: 443, PortMQ: 4443,
		PubkeyLegacy: legacy, PubkeyEd25519: ed, PubkeyX25519: x,
	}
}

type testEnv struct {
	handler   *RequestHandler
	store     *storage.Store
	snode     *fakeSnode
	oxend     *fakeOxend
	forwarder *fakeForwarder
	nodeCE    *crypto.ChannelEncryption
	clientCE  *crypto.ChannelEncryption
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	store, err := storage.New(filepath.Join(t.TempDir(), "messages.db"), logBackend)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	own := testSnodeRecord(t, 1)
	snode := &fakeSnode{
		ready: true,
		own:   own,
		swarms: []swarm.Swarm{
			{SwarmID: 0, Snodes: []swarm.SnodeRecord{own}},
			{SwarmID: 1 << 63, Snodes: []swarm.SnodeRecord{testSnodeRecord(t, 2)}},
		},
		ourSwarmID: 0,
	}

	nodePub, nodeSec, err := crypto.GenerateX25519Keypair()
	require.NoError(t, err)
	clientPub, clientSec, err := crypto.GenerateX25519Keypair()
	require.NoError(t, err)

	oxend := &fakeOxend{result: json.RawMessage(`{"height":1}`)}
	forwarder := &fakeForwarder{}

	env := &testEnv{
		store:     store,
		snode:     snode,
		oxend:     oxend,
		forwarder: forwarder,
		nodeCE:    crypto.NewChannelEncryption(nodePub, nodeSec),
		clientCE:  crypto.NewChannelEncryption(clientPub, clientSec),
	}
	env.handler = NewRequestHandler(DefaultConfig(), logBackend, store, snode,
		env.nodeCE, oxend, forwarder)
	return env
}

// userPubkeyForSwarm builds a pubkey whose fold lands in the given id.
func userPubkeyForSwarm(t *testing.T, fold uint64) string {
	t.Helper()
	return fmt.Sprintf("05%016x%s", fold, strings.Repeat("0", 48))
}

func storeParams(pubkey, data string) string {
	now := time.Now().UnixMilli()
	return fmt.Sprintf(`{"method":"store","params":{"pubKey":%q,"ttl":"60000","timestamp":"%d","data":%q}}`,
		pubkey, now, data)
}

func callHandler(t *testing.T, h *RequestHandler, req string) Response {
	t.Helper()
	var res Response
	called := false
	h.ProcessClientReq([]byte(req), func(r Response) {
		res = r
		called = true
	})
	require.True(t, called, "handler did not reply")
	return res
}

func TestStoreAndRetrieve(t *testing.T) {
	env := newTestEnv(t)
	pk := userPubkeyForSwarm(t, 42) // maps to swarm 0, ours

	res := callHandler(t, env.handler, storeParams(pk, "aGVsbG8="))
	require.Equal(t, http.StatusOK, res.Status)
	require.JSONEq(t, `{"difficulty":1}`, res.Body)

	res = callHandler(t, env.handler,
		fmt.Sprintf(`{"method":"retrieve","params":{"pubKey":%q,"lastHash":""}}`, pk))
	require.Equal(t, http.StatusOK, res.Status)

	var out struct {
		Messages []struct {
			Hash       string `json:"hash"`
			Expiration uint64 `json:"expiration"`
			Data       string `json:"data"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Body), &out))
	require.Len(t, out.Messages, 1)
	require.Equal(t, "aGVsbG8=", out.Messages[0].Data)
	require.Len(t, out.Messages[0].Hash, 128)
}

func TestStoreValidation(t *testing.T) {
	env := newTestEnv(t)
	pk := userPubkeyForSwarm(t, 42)
	now := time.Now().UnixMilli()

	// Missing field.
	res := callHandler(t, env.handler,
		fmt.Sprintf(`{"method":"store","params":{"pubKey":%q,"ttl":"60000","timestamp":"%d"}}`, pk, now))
	require.Equal(t, http.StatusBadRequest, res.Status)

	// Malformed pubkey.
	res = callHandler(t, env.handler, storeParams("05abcd", "x"))
	require.Equal(t, http.StatusBadRequest, res.Status)

	// Oversized body.
	res = callHandler(t, env.handler, storeParams(pk, strings.Repeat("a", MaxMessageBody+1)))
	require.Equal(t, http.StatusBadRequest, res.Status)

	// TTL out of bounds.
	res = callHandler(t, env.handler,
		fmt.Sprintf(`{"method":"store","params":{"pubKey":%q,"ttl":"1","timestamp":"%d","data":"eA=="}}`, pk, now))
	require.Equal(t, http.StatusForbidden, res.Status)

	// Timestamp too far in the future.
	res = callHandler(t, env.handler,
		fmt.Sprintf(`{"method":"store","params":{"pubKey":%q,"ttl":"60000","timestamp":"%d","data":"eA=="}}`,
			pk, now+3600_000))
	require.Equal(t, http.StatusNotAcceptable, res.Status)

	// Expired timestamp.
	res = callHandler(t, env.handler,
		fmt.Sprintf(`{"method":"store","params":{"pubKey":%q,"ttl":"60000","timestamp":"%d","data":"eA=="}}`,
			pk, now-3600_000))
	require.Equal(t, http.StatusNotAcceptable, res.Status)
}

func TestStoreMisdirected(t *testing.T) {
	env := newTestEnv(t)
	// This pubkey folds next to 1<<63, the other swarm.
	pk := userPubkeyForSwarm(t, 1<<63)

	res := callHandler(t, env.handler, storeParams(pk, "eA=="))
	require.Equal(t, http.StatusMisdirectedRequest, res.Status)

	var out struct {
		Snodes []struct {
			PubkeyLegacy string `json:"pubkey_legacy"`
			Address      string `json:"address"`
			Port         string `json:"port"`
		} `json:"snodes"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Body), &out))
	require.Len(t, out.Snodes, 1)
	require.Equal(t, strings.Repeat("02", 32), out.Snodes[0].PubkeyLegacy)
	require.True(t, strings.HasSuffix(out.Snodes[0].Address, ".snode"))
	require.Equal(t, "443", out.Snodes[0].Port)

	// retrieve is misdirected the same way.
	res = callHandler(t, env.handler,
		fmt.Sprintf(`{"method":"retrieve","params":{"pubKey":%q,"lastHash":""}}`, pk))
	require.Equal(t, http.StatusMisdirectedRequest, res.Status)
}

func TestGetSnodesForPubkey(t *testing.T) {
	env := newTestEnv(t)
	res := callHandler(t, env.handler,
		fmt.Sprintf(`{"method":"get_snodes_for_pubkey","params":{"pubKey":%q}}`,
			userPubkeyForSwarm(t, 1<<63)))
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, res.Body, strings.Repeat("02", 32))
}

func TestOxendRequestAllowList(t *testing.T) {
	env := newTestEnv(t)

	res := callHandler(t, env.handler,
		`{"method":"oxend_request","params":{"endpoint":"get_service_nodes","oxend_params":{}}}`)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "get_service_nodes", env.oxend.lastEndpoint)
	require.JSONEq(t, `{"result":{"height":1}}`, res.Body)

	// The allow-list is a closed set.
	res = callHandler(t, env.handler,
		`{"method":"oxend_request","params":{"endpoint":"get_service_node_privkeys","oxend_params":{}}}`)
	require.Equal(t, http.StatusBadRequest, res.Status)
}

func TestGetLNSMapping(t *testing.T) {
	env := newTestEnv(t)
	env.oxend.result = json.RawMessage(`{"entries":[]}`)

	res := callHandler(t, env.handler,
		`{"method":"get_lns_mapping","params":{"name_hash":"abc123"}}`)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "lns_names_to_owners", env.oxend.lastEndpoint)

	res = callHandler(t, env.handler, `{"method":"get_lns_mapping","params":{}}`)
	require.Equal(t, http.StatusBadRequest, res.Status)
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	res := callHandler(t, env.handler, `{"method":"dance","params":{}}`)
	require.Equal(t, http.StatusBadRequest, res.Status)
}
