// hash.go - Message hashing.
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

package crypto

import (
	"crypto/sha512"
	"encoding/hex"
)

// ComputeMessageHash computes the canonical message hash:
// hex(SHA-512(timestamp || ttl || recipient || data)).  The timestamp and
// ttl are the decimal strings from the wire, not binary; this must not
// change, the hash is wire compatible across implementations.
func ComputeMessageHash(timestamp, ttl, recipient, data string) string {
	h := sha512.New()
	for _, s := range []string{timestamp, ttl, recipient, data} {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}
