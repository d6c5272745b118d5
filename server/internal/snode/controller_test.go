// controller_test.go - Swarm controller tests.
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

package snode

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/oxend"
	"github.com/oxen-io/oxen-storage-server/server/internal/peerclient"
	"github.com/oxen-io/oxen-storage-server/storage"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

type fakeSource struct {
	sync.Mutex
	bu    *swarm.BlockUpdate
	pings int
}

func (f *fakeSource) GetBlockUpdate() (*swarm.BlockUpdate, error) {
	f.Lock()
	defer f.Unlock()
	return f.bu, nil
}

func (f *fakeSource) Ping(string) {
	f.Lock()
	defer f.Unlock()
	f.pings++
}

type fakePeers struct {
	sync.Mutex
	pushes     map[crypto.LegacyPubkey]int
	testResult *peerclient.StorageTestResult
}

func (f *fakePeers) PushBatch(sn swarm.SnodeRecord, msgs []storage.Message) error {
	f.Lock()
	defer f.Unlock()
	if f.pushes == nil {
		f.pushes = make(map[crypto.LegacyPubkey]int)
	}
	f.pushes[sn.PubkeyLegacy] += len(msgs)
	return nil
}

func (f *fakePeers) StorageTest(sn swarm.SnodeRecord, height uint64, hash string) (*peerclient.StorageTestResult, error) {
	f.Lock()
	defer f.Unlock()
	if f.testResult == nil {
		return &peerclient.StorageTestResult{Status: "retry"}, nil
	}
	return f.testResult, nil
}

func testKeys(t *testing.T) *oxend.ServiceNodeKeys {
	t.Helper()
	_, edSec, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	xPub, xSec, err := crypto.GenerateX25519Keypair()
	require.NoError(t, err)
	keys := &oxend.ServiceNodeKeys{
		Ed25519Privkey: edSec,
		Ed25519Pubkey:  crypto.Ed25519PubkeyFromPrivate(edSec),
		X25519Privkey:  xSec,
		X25519Pubkey:   xPub,
	}
	keys.LegacyPubkey[0] = 0xA1
	return keys
}

func testRecord(t *testing.T, seed byte) swarm.SnodeRecord {
	t.Helper()
	hexByte := fmt.Sprintf("%02x", seed)
	legacy, err := crypto.LegacyPubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	ed, err := crypto.Ed25519PubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	x, err := crypto.X25519PubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	return swarm.SnodeRecord{
		IP: fmt.Sprintf("10.0.0.%d", seed), PortHTTPS: 443, PortMQ: 4443,
		PubkeyLegacy: legacy, PubkeyEd25519: ed, PubkeyX25519: x,
	}
}

func newTestController(t *testing.T) (*Controller, *fakeSource, *fakePeers, *storage.Store, *oxend.ServiceNodeKeys) {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	store, err := storage.New(filepath.Join(t.TempDir(), "messages.db"), logBackend)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	keys := testKeys(t)
	source := &fakeSource{}
	peers := &fakePeers{}

	c, err := New(DefaultConfig(), logBackend, source, peers, store, keys)
	require.NoError(t, err)
	t.Cleanup(c.Halt)
	return c, source, peers, store, keys
}

func ownRecord(keys *oxend.ServiceNodeKeys) swarm.SnodeRecord {
	return swarm.SnodeRecord{
		IP: "10.1.1.1", PortHTTPS: 443, PortMQ: 4443,
		PubkeyLegacy:  keys.LegacyPubkey,
		PubkeyEd25519: keys.Ed25519Pubkey,
		PubkeyX25519:  keys.X25519Pubkey,
	}
}

func TestApplyBlockUpdatePublishesRoster(t *testing.T) {
	c, _, _, _, keys := newTestController(t)
	require.False(t, c.Ready())

	peer := testRecord(t, 2)
	bu := &swarm.BlockUpdate{
		Height:    100,
		BlockHash: "aa11",
		Swarms: []swarm.Swarm{
			{SwarmID: 0, Snodes: []swarm.SnodeRecord{ownRecord(keys), peer}},
			{SwarmID: 1 << 63, Snodes: []swarm.SnodeRecord{testRecord(t, 3)}},
		},
	}
	c.ApplyBlockUpdate(bu)

	require.True(t, c.Ready())
	require.Equal(t, uint64(100), c.Height())
	require.Equal(t, "10.1.1.1", c.OwnAddress().IP)

	sn, ok := c.FindNodeByEd25519(peer.PubkeyEd25519)
	require.True(t, ok)
	require.True(t, sn.Equal(peer))

	sn, ok = c.FindNodeByX25519(peer.PubkeyX25519)
	require.True(t, ok)
	require.True(t, sn.Equal(peer))

	_, ok = c.FindNodeByLegacy(testRecord(t, 9).PubkeyLegacy)
	require.False(t, ok)
}

func TestPubkeyMappingThroughController(t *testing.T) {
	c, _, _, _, keys := newTestController(t)
	bu := &swarm.BlockUpdate{
		Height: 1, BlockHash: "bb22",
		Swarms: []swarm.Swarm{
			{SwarmID: 0, Snodes: []swarm.SnodeRecord{ownRecord(keys)}},
			{SwarmID: 1 << 63, Snodes: []swarm.SnodeRecord{testRecord(t, 3)}},
		},
	}
	c.ApplyBlockUpdate(bu)

	near, err := crypto.UserPubkeyFromString(fmt.Sprintf("05%016x%s", uint64(7), strings.Repeat("0", 48)))
	require.NoError(t, err)
	far, err := crypto.UserPubkeyFromString(fmt.Sprintf("05%016x%s", uint64(1)<<63, strings.Repeat("0", 48)))
	require.NoError(t, err)

	require.True(t, c.IsPubkeyForUs(near))
	require.False(t, c.IsPubkeyForUs(far))
	require.Len(t, c.GetSnodesByPK(far), 1)
}

func TestNewMemberTriggersPush(t *testing.T) {
	c, _, peers, store, keys := newTestController(t)

	// Seed a stored message.
	_, err := store.Store(&storage.Message{
		PubKey: "05" + strings.Repeat("11", 32), Hash: strings.Repeat("ab", 64),
		Data: "blob", TTL: 600_000, Timestamp: uint64(time.Now().UnixMilli()),
	})
	require.NoError(t, err)

	c.ApplyBlockUpdate(&swarm.BlockUpdate{
		Height: 1, BlockHash: "cc33",
		Swarms: []swarm.Swarm{{SwarmID: 0, Snodes: []swarm.SnodeRecord{ownRecord(keys)}}},
	})

	joiner := testRecord(t, 4)
	c.ApplyBlockUpdate(&swarm.BlockUpdate{
		Height: 2, BlockHash: "dd44",
		Swarms: []swarm.Swarm{{SwarmID: 0, Snodes: []swarm.SnodeRecord{ownRecord(keys), joiner}}},
	})

	require.Eventually(t, func() bool {
		peers.Lock()
		defer peers.Unlock()
		return peers.pushes[joiner.PubkeyLegacy] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateBlockHashSkipped(t *testing.T) {
	c, source, _, _, keys := newTestController(t)
	source.bu = &swarm.BlockUpdate{
		Height: 5, BlockHash: "ee55",
		Swarms: []swarm.Swarm{{SwarmID: 0, Snodes: []swarm.SnodeRecord{ownRecord(keys)}}},
	}

	c.pollOnce()
	require.Equal(t, uint64(5), c.Height())

	// Same hash again: no re-apply, no second daemon ping.
	source.Lock()
	pings := source.pings
	source.Unlock()
	c.pollOnce()
	source.Lock()
	defer source.Unlock()
	require.Equal(t, pings, source.pings)
}

func TestProcessStorageTest(t *testing.T) {
	c, _, _, store, keys := newTestController(t)
	c.ApplyBlockUpdate(&swarm.BlockUpdate{
		Height: 100, BlockHash: "ff66",
		Swarms: []swarm.Swarm{{SwarmID: 0, Snodes: []swarm.SnodeRecord{ownRecord(keys)}}},
	})

	msg := &storage.Message{
		PubKey: "05" + strings.Repeat("22", 32), Hash: strings.Repeat("cd", 64),
		Data: "the payload", TTL: 600_000, Timestamp: uint64(time.Now().UnixMilli()),
	}
	_, err := store.Store(msg)
	require.NoError(t, err)

	status, got := c.ProcessStorageTest(100, msg.Hash)
	require.Equal(t, TestSuccess, status)
	require.Equal(t, "the payload", got.Data)

	status, _ = c.ProcessStorageTest(100, strings.Repeat("00", 64))
	require.Equal(t, TestRetry, status)

	// Height far out of range: wrong request.
	status, _ = c.ProcessStorageTest(50, msg.Hash)
	require.Equal(t, TestWrongReq, status)
}

func TestProcessPush(t *testing.T) {
	c, _, _, store, _ := newTestController(t)

	msgs := []storage.Message{
		{PubKey: "05" + strings.Repeat("33", 32), Hash: strings.Repeat("01", 64),
			Data: "a", TTL: 600_000, Timestamp: uint64(time.Now().UnixMilli())},
		{PubKey: "05" + strings.Repeat("33", 32), Hash: strings.Repeat("02", 64),
			Data: "b", TTL: 600_000, Timestamp: uint64(time.Now().UnixMilli())},
	}
	c.ProcessPush(msgs)
	// Duplicates are idempotent.
	c.ProcessPush(msgs)

	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
