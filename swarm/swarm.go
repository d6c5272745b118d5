// swarm.go - Swarm model: snode records, rosters, block updates.
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

// Package swarm models the authoritative service node roster and maps
// recipient pubkeys onto swarms.
package swarm

import (
	"fmt"
	"math"

	"github.com/oxen-io/oxen-storage-server/crypto"
)

// InvalidSwarmID is the sentinel for "not assigned to any swarm".
const InvalidSwarmID uint64 = math.MaxUint64

// SnodeRecord describes a single service node.  Two records with equal
// legacy pubkeys refer to the same node.
type SnodeRecord struct {
	IP            string
	PortHTTPS     uint16
	PortMQ        uint16
	PubkeyLegacy  crypto.LegacyPubkey
	PubkeyEd25519 crypto.Ed25519Pubkey
	PubkeyX25519  crypto.X25519Pubkey
}

// Equal reports whether two records refer to the same node.
func (s SnodeRecord) Equal(o SnodeRecord) bool {
	return s.PubkeyLegacy == o.PubkeyLegacy
}

// HasDefaultAddress reports whether the daemon has not (yet) published a
// usable address for the node.
func (s SnodeRecord) HasDefaultAddress() bool {
	return s.IP == "" || s.IP == "0.0.0.0" || s.PortHTTPS == 0
}

func (s SnodeRecord) String() string {
	return fmt.Sprintf("%s (%s:%d)", s.PubkeyLegacy, s.IP, s.PortHTTPS)
}

// Swarm is one replica group, an ordered sequence of snodes.
type Swarm struct {
	SwarmID uint64
	Snodes  []SnodeRecord
}

// BlockUpdate is the authoritative state published by the blockchain daemon
// for one block.  Every active snode appears in exactly one swarm;
// decommissioned snodes appear in neither.
type BlockUpdate struct {
	Height         uint64
	BlockHash      string
	Hardfork       uint8
	Swarms         []Swarm
	Decommissioned []SnodeRecord
}

// Roster is an immutable snapshot of the network: the swarm list plus
// lookup indexes over every funded node (active and decommissioned).
// Readers hold a *Roster obtained from an atomic swap and never observe a
// partially applied update.
type Roster struct {
	Swarms []Swarm

	byLegacy  map[crypto.LegacyPubkey]SnodeRecord
	byEd25519 map[crypto.Ed25519Pubkey]crypto.LegacyPubkey
	byX25519  map[crypto.X25519Pubkey]crypto.LegacyPubkey
}

// NewRoster builds a snapshot from the given swarms and decommissioned
// nodes.  The inputs are copied into the indexes; the caller must not
// mutate the swarm slice afterwards.
func NewRoster(swarms []Swarm, decommissioned []SnodeRecord) *Roster {
	r := &Roster{
		Swarms:    swarms,
		byLegacy:  make(map[crypto.LegacyPubkey]SnodeRecord),
		byEd25519: make(map[crypto.Ed25519Pubkey]crypto.LegacyPubkey),
		byX25519:  make(map[crypto.X25519Pubkey]crypto.LegacyPubkey),
	}
	for _, sw := range swarms {
		for _, sn := range sw.Snodes {
			r.byLegacy[sn.PubkeyLegacy] = sn
		}
	}
	for _, sn := range decommissioned {
		r.byLegacy[sn.PubkeyLegacy] = sn
	}
	for pk, sn := range r.byLegacy {
		if !sn.PubkeyEd25519.IsZero() {
			r.byEd25519[sn.PubkeyEd25519] = pk
		}
		if !sn.PubkeyX25519.IsZero() {
			r.byX25519[sn.PubkeyX25519] = pk
		}
	}
	return r
}

// FindNode looks a node up by its legacy pubkey.
func (r *Roster) FindNode(pk crypto.LegacyPubkey) (SnodeRecord, bool) {
	sn, ok := r.byLegacy[pk]
	return sn, ok
}

// FindNodeByEd25519 looks a node up by its signing key.  The side index
// resolves back to the legacy key.
func (r *Roster) FindNodeByEd25519(pk crypto.Ed25519Pubkey) (SnodeRecord, bool) {
	legacy, ok := r.byEd25519[pk]
	if !ok {
		return SnodeRecord{}, false
	}
	return r.FindNode(legacy)
}

// FindNodeByX25519 looks a node up by its channel key.
func (r *Roster) FindNodeByX25519(pk crypto.X25519Pubkey) (SnodeRecord, bool) {
	legacy, ok := r.byX25519[pk]
	if !ok {
		return SnodeRecord{}, false
	}
	return r.FindNode(legacy)
}

// HasSwarm reports whether the given swarm id exists in the snapshot.
func (r *Roster) HasSwarm(id uint64) bool {
	for _, sw := range r.Swarms {
		if sw.SwarmID == id {
			return true
		}
	}
	return false
}

// SnodesFor returns the members of the swarm owning the given user pubkey.
func (r *Roster) SnodesFor(pk crypto.UserPubkey) []SnodeRecord {
	id := GetSwarmByPK(r.Swarms, pk)
	for _, sw := range r.Swarms {
		if sw.SwarmID == id {
			return sw.Snodes
		}
	}
	return nil
}
