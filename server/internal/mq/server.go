// server.go - Message queue listener.
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

package mq

import (
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/core/worker"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/ratelimit"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

const connDeadline = 60 * time.Second

// PeerAuth resolves the sender identity of an incoming frame.  Commands are
// only dispatched for currently known snodes.
type PeerAuth interface {
	FindNodeByX25519(crypto.X25519Pubkey) (swarm.SnodeRecord, bool)
}

// DispatchFunc handles one authenticated command.  reply must be called
// exactly once; it may be called from another goroutine.
type DispatchFunc func(sender swarm.SnodeRecord, command string, parts [][]byte, reply func(parts [][]byte))

// Server accepts MQ connections from swarm peers.
type Server struct {
	worker.Worker

	log *logging.Logger

	cipher   *crypto.ChannelEncryption
	auth     PeerAuth
	limiter  *ratelimit.RateLimiter
	dispatch DispatchFunc

	l net.Listener
}

// NewServer starts an MQ listener on addr.
func NewServer(addr string, logBackend *log.Backend, cipher *crypto.ChannelEncryption,
	auth PeerAuth, limiter *ratelimit.RateLimiter, dispatch DispatchFunc) (*Server, error) {

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:      logBackend.GetLogger("mq"),
		cipher:   cipher,
		auth:     auth,
		limiter:  limiter,
		dispatch: dispatch,
		l:        l,
	}
	s.Go(s.acceptWorker)
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.l.Addr()
}

// Halt closes the listener and waits for connection handlers to finish.
func (s *Server) Halt() {
	s.l.Close()
	s.Worker.Halt()
}

func (s *Server) acceptWorker() {
	addr := s.l.Addr()
	s.log.Noticef("Listening on: %v", addr)
	defer s.log.Noticef("Stopping listening on: %v", addr)
	for {
		conn, err := s.l.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			if e, ok := err.(net.Error); ok && e.Timeout() {
				continue
			}
			s.log.Errorf("accept failure: %v", err)
			return
		}
		s.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		s.Go(func() { s.connWorker(conn) })
	}
}

func (s *Server) connWorker(conn net.Conn) {
	defer conn.Close()

	go func() {
		<-s.HaltCh()
		conn.Close()
	}()

	dec := cbor.NewDecoder(conn)
	enc := cbor.NewEncoder(conn)

	// Replies may arrive from continuation goroutines; serialize writes.
	var writeMu sync.Mutex

	for {
		if err := conn.SetDeadline(time.Now().Add(connDeadline)); err != nil {
			return
		}

		var e envelope
		if err := dec.Decode(&e); err != nil {
			return
		}

		sender, f, err := openFrame(s.cipher, &e)
		if err != nil {
			s.log.Debugf("Dropping undecryptable frame from %v: %v", conn.RemoteAddr(), err)
			return
		}
		peer, ok := s.auth.FindNodeByX25519(sender)
		if !ok {
			s.log.Warningf("Dropping frame from unknown snode %s", sender)
			return
		}
		if s.limiter.ShouldRateLimitSnode(peer.PubkeyLegacy) {
			s.log.Debugf("Rate limiting %s", peer.PubkeyLegacy)
			continue
		}
		if f.Reply {
			// Servers never originate requests on inbound conns.
			continue
		}

		id := f.ID
		s.dispatch(peer, f.Command, f.Parts, func(parts [][]byte) {
			out, err := sealFrame(s.cipher, sender, &frame{ID: id, Reply: true, Parts: parts})
			if err != nil {
				s.log.Errorf("Could not seal reply: %v", err)
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := enc.Encode(out); err != nil {
				s.log.Debugf("Could not write reply: %v", err)
			}
		})
	}
}
