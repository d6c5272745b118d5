// constants.go - Shared server constants.
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

// Package constants defines service wide constants.
package constants

import "time"

const (
	// ServerName appears in the Server response header.
	ServerName = "oxen-storage"

	// Version is the storage server version.
	Version = "2.0.0"

	// Namespace is the prometheus namespace.
	Namespace = "oxen"

	// KeepAliveInterval is the TCP keep alive cadence for long lived
	// peer connections.
	KeepAliveInterval = 3 * time.Minute
)
