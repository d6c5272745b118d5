// events.go - Swarm change detection and state tracking.
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
	"github.com/oxen-io/oxen-storage-server/crypto"
)

// Events describes what changed between two consecutive block updates from
// this node's point of view.
type Events struct {
	OurSwarmID      uint64
	OurSwarmMembers []SnodeRecord

	// NewSnodes are nodes that joined our swarm (excluding ourselves).
	NewSnodes []SnodeRecord

	// NewSwarms are swarm ids that appeared anywhere in the network.
	NewSwarms []uint64

	// Dissolved is set when our previous swarm no longer exists.
	Dissolved bool
}

// Tracker holds the mutable swarm state owned by the controller.  It is
// single-writer; concurrent readers use the immutable Roster snapshots the
// controller publishes after each Update.
type Tracker struct {
	ourAddress crypto.LegacyPubkey

	curSwarmID     uint64
	swarmPeers     []SnodeRecord
	allValidSwarms []Swarm
}

// NewTracker creates a tracker for the node with the given identity.
func NewTracker(ourAddress crypto.LegacyPubkey) *Tracker {
	return &Tracker{
		ourAddress: ourAddress,
		curSwarmID: InvalidSwarmID,
	}
}

// SwarmID returns the id of the swarm we currently belong to, or
// InvalidSwarmID.
func (t *Tracker) SwarmID() uint64 {
	return t.curSwarmID
}

// Peers returns our current swarm members minus ourselves.
func (t *Tracker) Peers() []SnodeRecord {
	return t.swarmPeers
}

func (t *Tracker) hasSwarm(id uint64) bool {
	for _, sw := range t.allValidSwarms {
		if sw.SwarmID == id {
			return true
		}
	}
	return false
}

// DeriveEvents diffs the incoming swarm list against the tracked state.
func (t *Tracker) DeriveEvents(swarms []Swarm) Events {
	events := Events{OurSwarmID: InvalidSwarmID}

	var ourSwarm *Swarm
	for i := range swarms {
		for _, sn := range swarms[i].Snodes {
			if sn.PubkeyLegacy == t.ourAddress {
				ourSwarm = &swarms[i]
				break
			}
		}
		if ourSwarm != nil {
			break
		}
	}

	if ourSwarm == nil {
		// We are not in any swarm, nothing to do.
		return events
	}

	events.OurSwarmID = ourSwarm.SwarmID
	events.OurSwarmMembers = ourSwarm.Snodes

	if t.curSwarmID == InvalidSwarmID {
		// Only just started in a swarm, nothing to diff yet.
		return events
	}

	if t.curSwarmID != ourSwarm.SwarmID {
		// Got moved to a new swarm; if the old one is gone it was
		// dissolved and its data needs redistributing.
		exists := false
		for _, sw := range swarms {
			if sw.SwarmID == t.curSwarmID {
				exists = true
				break
			}
		}
		events.Dissolved = !exists
		return events
	}

	// Still in the same swarm; see if anyone joined.
	for _, sn := range ourSwarm.Snodes {
		if sn.PubkeyLegacy == t.ourAddress {
			continue
		}
		known := false
		for _, peer := range t.swarmPeers {
			if peer.PubkeyLegacy == sn.PubkeyLegacy {
				known = true
				break
			}
		}
		if !known {
			events.NewSnodes = append(events.NewSnodes, sn)
		}
	}

	// And whether any new swarms appeared anywhere.
	for _, sw := range swarms {
		if !t.hasSwarm(sw.SwarmID) {
			events.NewSwarms = append(events.NewSwarms, sw.SwarmID)
		}
	}

	return events
}

// ApplyIPs merges address information: the result has next's structure, but
// a default ip/port ("0.0.0.0"/0, as the daemon publishes during reorgs)
// never overwrites a previously known good value.
func ApplyIPs(next, prior []Swarm) []Swarm {
	known := make(map[crypto.LegacyPubkey]SnodeRecord)
	for _, sw := range prior {
		for _, sn := range sw.Snodes {
			known[sn.PubkeyLegacy] = sn
		}
	}

	result := make([]Swarm, len(next))
	for i, sw := range next {
		snodes := make([]SnodeRecord, len(sw.Snodes))
		copy(snodes, sw.Snodes)
		for j := range snodes {
			old, ok := known[snodes[j].PubkeyLegacy]
			if !ok {
				continue
			}
			if (snodes[j].IP == "" || snodes[j].IP == "0.0.0.0") && old.IP != "" && old.IP != "0.0.0.0" {
				snodes[j].IP = old.IP
			}
			if snodes[j].PortHTTPS == 0 && old.PortHTTPS != 0 {
				snodes[j].PortHTTPS = old.PortHTTPS
			}
			if snodes[j].PortMQ == 0 && old.PortMQ != 0 {
				snodes[j].PortMQ = old.PortMQ
			}
		}
		result[i] = Swarm{SwarmID: sw.SwarmID, Snodes: snodes}
	}
	return result
}

// Update applies a block update to the tracked state and returns the new
// immutable roster snapshot for publication.  The events must come from
// DeriveEvents over the same swarm list.
func (t *Tracker) Update(swarms []Swarm, decommissioned []SnodeRecord, events Events) *Roster {
	merged := ApplyIPs(swarms, t.allValidSwarms)
	t.allValidSwarms = merged
	t.curSwarmID = events.OurSwarmID

	t.swarmPeers = t.swarmPeers[:0]
	for _, sn := range events.OurSwarmMembers {
		if sn.PubkeyLegacy != t.ourAddress {
			t.swarmPeers = append(t.swarmPeers, sn)
		}
	}

	return NewRoster(merged, decommissioned)
}

// IsPubkeyForUs reports whether the recipient pubkey maps onto our swarm.
func (t *Tracker) IsPubkeyForUs(pk crypto.UserPubkey) bool {
	return t.curSwarmID != InvalidSwarmID && t.curSwarmID == GetSwarmByPK(t.allValidSwarms, pk)
}
