// ratelimit.go - Token bucket throttling for clients and peers.
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

// Package ratelimit implements per-key token bucket throttling.
package ratelimit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/oxen-io/oxen-storage-server/crypto"
)

const (
	// DefaultClientRate and DefaultClientBurst throttle requests keyed by
	// client IPv4 address.
	DefaultClientRate  = 0.2
	DefaultClientBurst = 10

	// DefaultSnodeRate and DefaultSnodeBurst throttle requests keyed by
	// peer legacy pubkey.
	DefaultSnodeRate  = 10
	DefaultSnodeBurst = 100

	// maxClientBuckets bounds the client bucket map; the least recently used bucket is
	// evicted when a new client would exceed it.
	maxClientBuckets = 10000
)

// Config holds the bucket parameters.
type Config struct {
	ClientRate  float64
	ClientBurst int
	SnodeRate   float64
	SnodeBurst  int
}

// DefaultConfig returns the default bucket parameters.
func DefaultConfig() Config {
	return Config{
		ClientRate:  DefaultClientRate,
		ClientBurst: DefaultClientBurst,
		SnodeRate:   DefaultSnodeRate,
		SnodeBurst:  DefaultSnodeBurst,
	}
}

// RateLimiter keeps an independent token bucket per client address and per
// peer pubkey.  Lookups touch only the bucket for the key and never block;
// it is safe to call from connection handling goroutines.
type RateLimiter struct {
	sync.Mutex

	cfg Config

	clients *lru.Cache
	snodes  map[crypto.LegacyPubkey]*rate.Limiter
}

// New creates a RateLimiter with the given parameters.
func New(cfg Config) *RateLimiter {
	clients, err := lru.New(maxClientBuckets)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: clients,
		snodes:  make(map[crypto.LegacyPubkey]*rate.Limiter),
	}
}

// ShouldRateLimitClient returns true when the request from the given client
// address must be rejected.
func (r *RateLimiter) ShouldRateLimitClient(addr string) bool {
	r.Lock()
	defer r.Unlock()

	if v, ok := r.clients.Get(addr); ok {
		return !v.(*rate.Limiter).Allow()
	}
	l := rate.NewLimiter(rate.Limit(r.cfg.ClientRate), r.cfg.ClientBurst)
	r.clients.Add(addr, l)
	return !l.Allow()
}

// ShouldRateLimitSnode returns true when the request from the given peer
// must be rejected.
func (r *RateLimiter) ShouldRateLimitSnode(pk crypto.LegacyPubkey) bool {
	r.Lock()
	defer r.Unlock()

	l, ok := r.snodes[pk]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.SnodeRate), r.cfg.SnodeBurst)
		r.snodes[pk] = l
	}
	return !l.Allow()
}
