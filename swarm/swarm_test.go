// swarm_test.go - Swarm model tests.
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

package swarm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/oxen-storage-server/crypto"
)

func testSnode(t *testing.T, seed byte) SnodeRecord {
	t.Helper()
	hexByte := fmt.Sprintf("%02x", seed)
	legacy, err := crypto.LegacyPubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	ed, err := crypto.Ed25519PubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	x, err := crypto.X25519PubkeyFromHex(strings.Repeat(hexByte, 32))
	require.NoError(t, err)
	return SnodeRecord{
		IP:            fmt.Sprintf("10.0.0.%d", seed),
		PortHTTPS:     443,
		PortMQ:        4443,
		PubkeyLegacy:  legacy,
		PubkeyEd25519: ed,
		PubkeyX25519:  x,
	}
}

// userPubkeyWithFold builds a user pubkey whose XOR fold equals the given
// value: the first 16 hex chars after the tag carry the value, the rest are
// zero.
func userPubkeyWithFold(t *testing.T, fold uint64) crypto.UserPubkey {
	t.Helper()
	s := fmt.Sprintf("05%016x%s", fold, strings.Repeat("0", 48))
	pk, err := crypto.UserPubkeyFromString(s)
	require.NoError(t, err)
	return pk
}

func TestFoldPubkey(t *testing.T) {
	// Four equal words XOR to zero.
	pk, err := crypto.UserPubkeyFromString("05" + strings.Repeat("deadbeefdeadbeef", 4))
	require.NoError(t, err)
	require.Equal(t, uint64(0), foldPubkey(pk))

	require.Equal(t, uint64(0x1234), foldPubkey(userPubkeyWithFold(t, 0x1234)))
}

func TestGetSwarmByPK(t *testing.T) {
	swarms := []Swarm{
		{SwarmID: 0},
		{SwarmID: 1 << 63},
	}

	require.Equal(t, uint64(0), GetSwarmByPK(swarms, userPubkeyWithFold(t, 100)))
	require.Equal(t, uint64(1)<<63, GetSwarmByPK(swarms, userPubkeyWithFold(t, 1<<63)))
	require.Equal(t, uint64(1)<<63, GetSwarmByPK(swarms, userPubkeyWithFold(t, (1<<63)+5000)))

	// Wrap-around: a key near the top of the ring is closer to swarm 0
	// than to 1<<63.
	require.Equal(t, uint64(0), GetSwarmByPK(swarms, userPubkeyWithFold(t, InvalidSwarmID-2)))

	// InvalidSwarmID is never a candidate.
	withInvalid := append([]Swarm{{SwarmID: InvalidSwarmID}}, swarms...)
	require.Equal(t, uint64(0), GetSwarmByPK(withInvalid, userPubkeyWithFold(t, 100)))

	require.Equal(t, InvalidSwarmID, GetSwarmByPK(nil, userPubkeyWithFold(t, 100)))
}

func TestGetSwarmByPKTieBreak(t *testing.T) {
	// A key exactly between two swarm ids belongs to the smaller one.
	swarms := []Swarm{
		{SwarmID: 200},
		{SwarmID: 100},
	}
	require.Equal(t, uint64(100), GetSwarmByPK(swarms, userPubkeyWithFold(t, 150)))
}

func TestGetSwarmByPKDeterministicUnderMemberChange(t *testing.T) {
	a, b := testSnode(t, 1), testSnode(t, 2)
	swarms := []Swarm{
		{SwarmID: 0, Snodes: []SnodeRecord{a, b}},
		{SwarmID: 1 << 62, Snodes: []SnodeRecord{testSnode(t, 3)}},
	}
	pk := userPubkeyWithFold(t, 42)
	before := GetSwarmByPK(swarms, pk)

	// Removing a member does not move the mapping while the swarm exists.
	swarms[0].Snodes = swarms[0].Snodes[:1]
	require.Equal(t, before, GetSwarmByPK(swarms, pk))
}

func TestDeriveEventsBootstrap(t *testing.T) {
	us := testSnode(t, 1)
	tracker := NewTracker(us.PubkeyLegacy)

	events := tracker.DeriveEvents([]Swarm{
		{SwarmID: 7, Snodes: []SnodeRecord{us, testSnode(t, 2)}},
	})
	require.Equal(t, uint64(7), events.OurSwarmID)
	require.Len(t, events.OurSwarmMembers, 2)
	require.False(t, events.Dissolved)
	require.Empty(t, events.NewSnodes)
}

func TestDeriveEventsNotInAnySwarm(t *testing.T) {
	tracker := NewTracker(testSnode(t, 9).PubkeyLegacy)
	events := tracker.DeriveEvents([]Swarm{
		{SwarmID: 7, Snodes: []SnodeRecord{testSnode(t, 2)}},
	})
	require.Equal(t, InvalidSwarmID, events.OurSwarmID)
}

func TestDeriveEventsNewSnodeAndSwarm(t *testing.T) {
	us, peer, joiner := testSnode(t, 1), testSnode(t, 2), testSnode(t, 3)
	tracker := NewTracker(us.PubkeyLegacy)

	initial := []Swarm{{SwarmID: 7, Snodes: []SnodeRecord{us, peer}}}
	events := tracker.DeriveEvents(initial)
	tracker.Update(initial, nil, events)

	next := []Swarm{
		{SwarmID: 7, Snodes: []SnodeRecord{us, peer, joiner}},
		{SwarmID: 9, Snodes: []SnodeRecord{testSnode(t, 4)}},
	}
	events = tracker.DeriveEvents(next)
	require.Equal(t, uint64(7), events.OurSwarmID)
	require.Len(t, events.NewSnodes, 1)
	require.True(t, events.NewSnodes[0].Equal(joiner))
	require.Equal(t, []uint64{9}, events.NewSwarms)
	require.False(t, events.Dissolved)
}

func TestDeriveEventsDissolved(t *testing.T) {
	us, other := testSnode(t, 1), testSnode(t, 2)
	tracker := NewTracker(us.PubkeyLegacy)

	initial := []Swarm{{SwarmID: 7, Snodes: []SnodeRecord{us}}}
	tracker.Update(initial, nil, tracker.DeriveEvents(initial))

	// Our swarm id vanishes and we land somewhere else: dissolved.
	moved := []Swarm{{SwarmID: 9, Snodes: []SnodeRecord{us, other}}}
	events := tracker.DeriveEvents(moved)
	require.True(t, events.Dissolved)
	require.Equal(t, uint64(9), events.OurSwarmID)

	// Moved while the old swarm lives on: not dissolved.
	tracker = NewTracker(us.PubkeyLegacy)
	tracker.Update(initial, nil, tracker.DeriveEvents(initial))
	relocated := []Swarm{
		{SwarmID: 7, Snodes: []SnodeRecord{other}},
		{SwarmID: 9, Snodes: []SnodeRecord{us}},
	}
	events = tracker.DeriveEvents(relocated)
	require.False(t, events.Dissolved)
	require.Equal(t, uint64(9), events.OurSwarmID)
}

func TestApplyIPsCarryForward(t *testing.T) {
	known := testSnode(t, 1)
	prior := []Swarm{{SwarmID: 1, Snodes: []SnodeRecord{known}}}

	// The daemon re-publishes the node with default address data.
	blank := known
	blank.IP = "0.0.0.0"
	blank.PortHTTPS = 0
	blank.PortMQ = 0

	merged := ApplyIPs([]Swarm{{SwarmID: 1, Snodes: []SnodeRecord{blank}}}, prior)
	require.Equal(t, known.IP, merged[0].Snodes[0].IP)
	require.Equal(t, known.PortHTTPS, merged[0].Snodes[0].PortHTTPS)
	require.Equal(t, known.PortMQ, merged[0].Snodes[0].PortMQ)

	// A real new address is never clobbered by the old one.
	fresh := known
	fresh.IP = "10.9.9.9"
	merged = ApplyIPs([]Swarm{{SwarmID: 1, Snodes: []SnodeRecord{fresh}}}, prior)
	require.Equal(t, "10.9.9.9", merged[0].Snodes[0].IP)
}

func TestRosterLookups(t *testing.T) {
	active, decom := testSnode(t, 1), testSnode(t, 2)
	roster := NewRoster([]Swarm{{SwarmID: 1, Snodes: []SnodeRecord{active}}}, []SnodeRecord{decom})

	sn, ok := roster.FindNode(active.PubkeyLegacy)
	require.True(t, ok)
	require.True(t, sn.Equal(active))

	// Side indexes resolve back through the legacy key.
	sn, ok = roster.FindNodeByEd25519(active.PubkeyEd25519)
	require.True(t, ok)
	require.True(t, sn.Equal(active))

	sn, ok = roster.FindNodeByX25519(decom.PubkeyX25519)
	require.True(t, ok)
	require.True(t, sn.Equal(decom))

	_, ok = roster.FindNodeByEd25519(testSnode(t, 3).PubkeyEd25519)
	require.False(t, ok)

	require.True(t, roster.HasSwarm(1))
	require.False(t, roster.HasSwarm(2))
}

func TestRosterSnodesFor(t *testing.T) {
	s0 := Swarm{SwarmID: 0, Snodes: []SnodeRecord{testSnode(t, 1)}}
	s1 := Swarm{SwarmID: 1 << 63, Snodes: []SnodeRecord{testSnode(t, 2)}}
	roster := NewRoster([]Swarm{s0, s1}, nil)

	got := roster.SnodesFor(userPubkeyWithFold(t, 1<<63))
	require.Len(t, got, 1)
	require.True(t, got[0].Equal(s1.Snodes[0]))
}

func TestIsPubkeyForUs(t *testing.T) {
	us := testSnode(t, 1)
	tracker := NewTracker(us.PubkeyLegacy)
	swarms := []Swarm{
		{SwarmID: 0, Snodes: []SnodeRecord{us}},
		{SwarmID: 1 << 63, Snodes: []SnodeRecord{testSnode(t, 2)}},
	}
	tracker.Update(swarms, nil, tracker.DeriveEvents(swarms))

	require.True(t, tracker.IsPubkeyForUs(userPubkeyWithFold(t, 5)))
	require.False(t, tracker.IsPubkeyForUs(userPubkeyWithFold(t, 1<<63)))
}
