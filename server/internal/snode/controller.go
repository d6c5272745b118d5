// controller.go - Swarm controller: daemon polling and state publication.
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

// Package snode implements the swarm controller: it polls the blockchain
// daemon for the authoritative roster, diffs and applies swarm changes, and
// drives the peer storage test protocol.
package snode

import (
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/core/worker"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/oxend"
	"github.com/oxen-io/oxen-storage-server/server/internal/peerclient"
	"github.com/oxen-io/oxen-storage-server/storage"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

// Default poll cadence: fast while we have no roster yet, slower once
// synced.
const (
	DefaultPollIntervalSyncing = 1 * time.Second
	DefaultPollInterval        = 5 * time.Second

	// DefaultBlockHashCacheSize bounds the recently seen block hash
	// cache.
	DefaultBlockHashCacheSize = 128
)

var (
	blockUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oxen",
		Subsystem: "snode",
		Name:      "block_updates_total",
		Help:      "Number of applied block updates",
	})
	storageTests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oxen",
		Subsystem: "snode",
		Name:      "storage_tests_total",
		Help:      "Storage tests initiated as tester, by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(blockUpdates, storageTests)
}

// BlockSource is the daemon surface the controller polls.
type BlockSource interface {
	GetBlockUpdate() (*swarm.BlockUpdate, error)
	Ping(version string)
}

// PeerSender is the outbound peer surface the controller drives.
type PeerSender interface {
	PushBatch(sn swarm.SnodeRecord, msgs []storage.Message) error
	StorageTest(sn swarm.SnodeRecord, height uint64, hash string) (*peerclient.StorageTestResult, error)
}

// TestStatus is the testee's answer to a storage test.
type TestStatus int

const (
	// TestSuccess: message found, include it in the reply.
	TestSuccess TestStatus = iota

	// TestRetry: not stored (yet); gossip may still deliver it.
	TestRetry

	// TestWrongReq: the tester/testee pairing is invalid at that height.
	TestWrongReq
)

// heightTolerance is how far a storage test's height may diverge from our
// synced height before the request is rejected as wrong.
const heightTolerance = 2

// Config holds the controller knobs.
type Config struct {
	PollIntervalSyncing time.Duration
	PollInterval        time.Duration
	BlockHashCacheSize  int
	Version             string
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		PollIntervalSyncing: DefaultPollIntervalSyncing,
		PollInterval:        DefaultPollInterval,
		BlockHashCacheSize:  DefaultBlockHashCacheSize,
	}
}

// Controller owns the swarm state.  The poll worker is the single writer;
// every read goes through the atomically swapped roster snapshot.
type Controller struct {
	worker.Worker

	log *logging.Logger
	cfg Config

	source BlockSource
	peers  PeerSender
	store  *storage.Store
	keys   *oxend.ServiceNodeKeys

	tracker *swarm.Tracker

	roster  atomic.Pointer[swarm.Roster]
	swarmID atomic.Uint64
	height  atomic.Uint64
	own     atomic.Pointer[swarm.SnodeRecord]

	blockHashes *lru.Cache
}

// New creates the controller.  Start begins polling.
func New(cfg Config, logBackend *log.Backend, source BlockSource, peers PeerSender,
	store *storage.Store, keys *oxend.ServiceNodeKeys) (*Controller, error) {

	if cfg.BlockHashCacheSize <= 0 {
		cfg.BlockHashCacheSize = DefaultBlockHashCacheSize
	}
	cache, err := lru.New(cfg.BlockHashCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		log:         logBackend.GetLogger("snode"),
		cfg:         cfg,
		source:      source,
		peers:       peers,
		store:       store,
		keys:        keys,
		tracker:     swarm.NewTracker(keys.LegacyPubkey),
		blockHashes: cache,
	}
	c.swarmID.Store(swarm.InvalidSwarmID)
	return c, nil
}

// Start launches the poll worker.
func (c *Controller) Start() {
	c.Go(c.pollWorker)
}

// Ready reports whether we have a roster and belong to a swarm.
func (c *Controller) Ready() bool {
	return c.roster.Load() != nil && c.swarmID.Load() != swarm.InvalidSwarmID
}

// Height returns the last synced block height.
func (c *Controller) Height() uint64 {
	return c.height.Load()
}

// OwnAddress returns our own roster record (zero until the daemon lists us).
func (c *Controller) OwnAddress() swarm.SnodeRecord {
	if sn := c.own.Load(); sn != nil {
		return *sn
	}
	return swarm.SnodeRecord{
		PubkeyLegacy:  c.keys.LegacyPubkey,
		PubkeyEd25519: c.keys.Ed25519Pubkey,
		PubkeyX25519:  c.keys.X25519Pubkey,
	}
}

// IsPubkeyForUs reports whether the recipient maps to our swarm.
func (c *Controller) IsPubkeyForUs(pk crypto.UserPubkey) bool {
	roster := c.roster.Load()
	if roster == nil {
		return false
	}
	id := c.swarmID.Load()
	return id != swarm.InvalidSwarmID && swarm.GetSwarmByPK(roster.Swarms, pk) == id
}

// GetSnodesByPK returns the members of the swarm owning pk.
func (c *Controller) GetSnodesByPK(pk crypto.UserPubkey) []swarm.SnodeRecord {
	roster := c.roster.Load()
	if roster == nil {
		return nil
	}
	return roster.SnodesFor(pk)
}

// FindNodeByEd25519 resolves a peer by signing key.
func (c *Controller) FindNodeByEd25519(pk crypto.Ed25519Pubkey) (swarm.SnodeRecord, bool) {
	roster := c.roster.Load()
	if roster == nil {
		return swarm.SnodeRecord{}, false
	}
	return roster.FindNodeByEd25519(pk)
}

// FindNodeByX25519 resolves a peer by channel key; used to authenticate MQ
// senders.
func (c *Controller) FindNodeByX25519(pk crypto.X25519Pubkey) (swarm.SnodeRecord, bool) {
	roster := c.roster.Load()
	if roster == nil {
		return swarm.SnodeRecord{}, false
	}
	return roster.FindNodeByX25519(pk)
}

// FindNodeByLegacy resolves a peer by its primary identity; used to
// authenticate HTTPS peer requests.
func (c *Controller) FindNodeByLegacy(pk crypto.LegacyPubkey) (swarm.SnodeRecord, bool) {
	roster := c.roster.Load()
	if roster == nil {
		return swarm.SnodeRecord{}, false
	}
	return roster.FindNode(pk)
}

func (c *Controller) pollWorker() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Halting swarm poll worker")
			return
		case <-timer.C:
		}

		c.pollOnce()

		interval := c.cfg.PollInterval
		if !c.Ready() {
			interval = c.cfg.PollIntervalSyncing
		}
		timer.Reset(interval)
	}
}

func (c *Controller) pollOnce() {
	bu, err := c.source.GetBlockUpdate()
	if err != nil {
		c.log.Warningf("Failed to fetch block update: %v", err)
		return
	}
	if _, seen := c.blockHashes.Get(bu.BlockHash); seen {
		return
	}
	c.ApplyBlockUpdate(bu)
	c.source.Ping(c.cfg.Version)
}

// ApplyBlockUpdate diffs the update against local state and publishes the
// resulting roster atomically.  Exported for tests and for the push-based
// update path.
func (c *Controller) ApplyBlockUpdate(bu *swarm.BlockUpdate) {
	events := c.tracker.DeriveEvents(bu.Swarms)

	if events.OurSwarmID == swarm.InvalidSwarmID {
		c.log.Warningf("We are not currently an active service node")
	} else if c.tracker.SwarmID() == swarm.InvalidSwarmID {
		c.log.Noticef("EVENT: started as service node in swarm %d", events.OurSwarmID)
	} else if c.tracker.SwarmID() != events.OurSwarmID {
		c.log.Noticef("EVENT: got moved into a new swarm: %d", events.OurSwarmID)
	}
	if events.Dissolved {
		c.log.Noticef("EVENT: our old swarm got dissolved")
	}
	for _, sn := range events.NewSnodes {
		c.log.Noticef("EVENT: detected new snode in our swarm: %s", sn.PubkeyLegacy)
	}
	for _, id := range events.NewSwarms {
		c.log.Noticef("EVENT: detected a new swarm: %d", id)
	}

	roster := c.tracker.Update(bu.Swarms, bu.Decommissioned, events)

	c.roster.Store(roster)
	c.swarmID.Store(events.OurSwarmID)
	c.height.Store(bu.Height)
	if sn, ok := roster.FindNode(c.keys.LegacyPubkey); ok {
		own := sn
		c.own.Store(&own)
	}
	c.blockHashes.Add(bu.BlockHash, struct{}{})
	blockUpdates.Inc()

	if events.Dissolved {
		c.Go(func() { c.redistribute(roster) })
	} else if len(events.NewSnodes) > 0 {
		newSnodes := events.NewSnodes
		c.Go(func() { c.pushToNewMembers(newSnodes) })
	}

	if c.Ready() {
		// Snapshot the peer list on the writer goroutine; the test runs
		// in the background.
		peers := append([]swarm.SnodeRecord(nil), c.tracker.Peers()...)
		c.Go(func() { c.initiateStorageTest(bu.Height, bu.BlockHash, peers) })
	}
}

// redistribute pushes every stored message to the swarm that owns it now;
// used when our old swarm dissolved.
func (c *Controller) redistribute(roster *swarm.Roster) {
	msgs, err := c.store.RetrieveAll()
	if err != nil {
		c.log.Errorf("Could not read store for redistribution: %v", err)
		return
	}
	byNode := make(map[crypto.LegacyPubkey][]storage.Message)
	nodes := make(map[crypto.LegacyPubkey]swarm.SnodeRecord)
	for _, m := range msgs {
		pk, err := crypto.UserPubkeyFromString(m.PubKey)
		if err != nil {
			continue
		}
		for _, sn := range roster.SnodesFor(pk) {
			if sn.PubkeyLegacy == c.keys.LegacyPubkey {
				continue
			}
			byNode[sn.PubkeyLegacy] = append(byNode[sn.PubkeyLegacy], m)
			nodes[sn.PubkeyLegacy] = sn
		}
	}
	for pk, batch := range byNode {
		if err := c.peers.PushBatch(nodes[pk], batch); err != nil {
			c.log.Warningf("Could not push %d messages to %s: %v", len(batch), pk, err)
		}
	}
}

// pushToNewMembers ships our whole spool to nodes that just joined our
// swarm so they catch up.
func (c *Controller) pushToNewMembers(newSnodes []swarm.SnodeRecord) {
	msgs, err := c.store.RetrieveAll()
	if err != nil {
		c.log.Errorf("Could not read store for push: %v", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	for _, sn := range newSnodes {
		if err := c.peers.PushBatch(sn, msgs); err != nil {
			c.log.Warningf("Could not push %d messages to new snode %s: %v", len(msgs), sn.PubkeyLegacy, err)
		}
	}
}

// ProcessPush stores a batch of messages received from a swarm peer.
func (c *Controller) ProcessPush(msgs []storage.Message) {
	stored := 0
	for i := range msgs {
		m := msgs[i]
		isNew, err := c.store.Store(&m)
		if err != nil {
			c.log.Errorf("Could not store pushed message: %v", err)
			continue
		}
		if isNew {
			stored++
		}
	}
	c.log.Debugf("Stored %d/%d pushed messages", stored, len(msgs))
}

// ProcessStorageTest answers a storage test from a peer: produce the
// message stored under hash, or ask the tester to retry while gossip may
// still deliver it.
func (c *Controller) ProcessStorageTest(height uint64, hash string) (TestStatus, *storage.Message) {
	ours := c.height.Load()
	if ours == 0 || height+heightTolerance < ours || height > ours+heightTolerance {
		c.log.Debugf("Storage test height %d out of range (ours %d)", height, ours)
		return TestWrongReq, nil
	}
	msg, err := c.store.RetrieveByHash(hash)
	if err != nil {
		c.log.Errorf("Storage test lookup failed: %v", err)
		return TestRetry, nil
	}
	if msg == nil {
		return TestRetry, nil
	}
	return TestSuccess, msg
}

// initiateStorageTest acts as a tester for the new block: derive a
// (peer, message) pair from the block hash and check the peer can produce
// the message.
func (c *Controller) initiateStorageTest(height uint64, blockHash string, peers []swarm.SnodeRecord) {
	if len(peers) == 0 {
		return
	}
	msgs, err := c.store.RetrieveAll()
	if err != nil || len(msgs) == 0 {
		return
	}

	// Both sides of a test derive determinism from the block hash.
	seed := int64(binary.BigEndian.Uint64(seedFromHash(blockHash)))
	rng := rand.New(rand.NewSource(seed))
	testee := peers[rng.Intn(len(peers))]
	msg := msgs[rng.Intn(len(msgs))]

	res, err := c.peers.StorageTest(testee, height, msg.Hash)
	if err != nil {
		c.log.Debugf("Storage test against %s failed: %v", testee.PubkeyLegacy, err)
		storageTests.WithLabelValues("unreachable").Inc()
		return
	}
	switch res.Status {
	case "OK":
		if res.Value == msg.Data {
			c.log.Debugf("Storage test against %s passed", testee.PubkeyLegacy)
			storageTests.WithLabelValues("ok").Inc()
		} else {
			c.log.Warningf("Storage test against %s returned wrong data", testee.PubkeyLegacy)
			storageTests.WithLabelValues("mismatch").Inc()
		}
	default:
		c.log.Debugf("Storage test against %s: %s", testee.PubkeyLegacy, res.Status)
		storageTests.WithLabelValues(res.Status).Inc()
	}
}

func seedFromHash(blockHash string) []byte {
	raw, err := hex.DecodeString(blockHash)
	if err != nil || len(raw) < 8 {
		padded := make([]byte, 8)
		copy(padded, blockHash)
		return padded
	}
	return raw[:8]
}
