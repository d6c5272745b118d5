// mapping.go - Recipient pubkey to swarm mapping.
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
	"strconv"

	"github.com/oxen-io/oxen-storage-server/crypto"
)

// foldPubkey XOR-folds a user pubkey into a uint64.  It walks the hex
// representation 16 characters at a time, starting after the 2 character
// network tag.  This must walk the *hex* form; the mapping is wire
// compatible across implementations.
func foldPubkey(pk crypto.UserPubkey) uint64 {
	s := pk.String()[2:]
	var res uint64
	for i := 0; i+16 <= len(s); i += 16 {
		// The hex form cannot fail to parse here.
		w, _ := strconv.ParseUint(s[i:i+16], 16, 64)
		res ^= w
	}
	return res
}

// GetSwarmByPK maps a user pubkey onto the swarm that owns it: the swarm
// whose id is nearest to the folded key on the ring [0, 2^64-2], with
// wrap-around.  Ties break toward the smaller swarm id.  InvalidSwarmID is
// never a candidate; if no valid swarm exists, InvalidSwarmID is returned.
func GetSwarmByPK(swarms []Swarm, pk crypto.UserPubkey) uint64 {
	res := foldPubkey(pk)

	// InvalidSwarmID is reserved as the sentinel; the ring tops out one
	// below it.
	const maxID = InvalidSwarmID - 1

	best := InvalidSwarmID
	bestDist := uint64(InvalidSwarmID)

	// The swarm list is not required to be sorted; find the edge ids in
	// the same pass.
	leftmost := InvalidSwarmID
	rightmost := uint64(0)

	for _, sw := range swarms {
		if sw.SwarmID == InvalidSwarmID {
			continue
		}

		var dist uint64
		if sw.SwarmID > res {
			dist = sw.SwarmID - res
		} else {
			dist = res - sw.SwarmID
		}
		if dist < bestDist || (dist == bestDist && sw.SwarmID < best) {
			best = sw.SwarmID
			bestDist = dist
		}

		if sw.SwarmID < leftmost {
			leftmost = sw.SwarmID
		}
		if sw.SwarmID > rightmost {
			rightmost = sw.SwarmID
		}
	}

	if best == InvalidSwarmID {
		return InvalidSwarmID
	}

	// Wrap-around: the id space is a ring, so a key beyond the rightmost
	// id may be closer to the leftmost one, and vice versa.
	if res > rightmost {
		dist := (maxID - res) + leftmost
		if dist < bestDist || (dist == bestDist && leftmost < best) {
			best = leftmost
		}
	} else if res < leftmost {
		dist := res + (maxID - rightmost)
		if dist < bestDist || (dist == bestDist && rightmost < best) {
			best = rightmost
		}
	}

	return best
}
