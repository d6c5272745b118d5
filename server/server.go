// server.go - Storage server assembly.
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

// Package server ties the storage server subsystems together.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/config"
	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/core/worker"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/constants"
	"github.com/oxen-io/oxen-storage-server/server/internal/httpd"
	"github.com/oxen-io/oxen-storage-server/server/internal/instrument"
	"github.com/oxen-io/oxen-storage-server/server/internal/mq"
	"github.com/oxen-io/oxen-storage-server/server/internal/onion"
	"github.com/oxen-io/oxen-storage-server/server/internal/oxend"
	"github.com/oxen-io/oxen-storage-server/server/internal/peerclient"
	"github.com/oxen-io/oxen-storage-server/server/internal/ratelimit"
	"github.com/oxen-io/oxen-storage-server/server/internal/rpc"
	"github.com/oxen-io/oxen-storage-server/server/internal/snode"
	"github.com/oxen-io/oxen-storage-server/server/internal/workerpool"
	"github.com/oxen-io/oxen-storage-server/storage"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

// Server is a running storage server instance.
type Server struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	keys   *oxend.ServiceNodeKeys
	cipher *crypto.ChannelEncryption

	oxend      *oxend.Client
	store      *storage.Store
	pool       *workerpool.Pool
	limiter    *ratelimit.RateLimiter
	peers      *peerclient.Client
	controller *snode.Controller
	handler    *rpc.RequestHandler
	httpd      *httpd.Server
	mqServer   *mq.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("server: DataDir '%v' is not a directory", d)
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.Server.DataDir, p)
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("server: failed to rotate log file: %v", err)
	}
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown")

	// Stop the front-ends first so no new work arrives, then the rest in
	// reverse dependency order.
	if s.httpd != nil {
		s.httpd.Halt()
	}
	if s.mqServer != nil {
		s.mqServer.Halt()
	}
	if s.controller != nil {
		s.controller.Halt()
	}
	if s.pool != nil {
		s.pool.Halt()
	}
	s.Worker.Halt()
	if s.store != nil {
		s.store.Close()
	}

	close(s.fatalErrCh)
	s.log.Noticef("Shutdown complete")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Oxen Storage Server %s", constants.Version)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warningf("Debug logging is enabled.")
	}
	if s.cfg.Debug.EnableCBCProxy {
		s.log.Warningf("Legacy AES-CBC proxy channel is enabled.")
	}

	// Fetch our keys from the daemon; it may still be starting up, so
	// this blocks until they are available.
	s.oxend = oxend.New(s.logBackend, s.cfg.Oxend.RPC)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	keys, err := s.oxend.GetServiceNodeKeys(ctx)
	cancel()
	if err != nil {
		return nil, err
	}
	s.keys = keys
	s.cipher = crypto.NewChannelEncryption(keys.X25519Pubkey, keys.X25519Privkey)
	s.log.Noticef("Service node identity: %s", keys.LegacyPubkey)

	// Past this point, failures need to call Shutdown() for cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.store, err = storage.New(filepath.Join(s.cfg.Server.DataDir, "storage.db"), s.logBackend); err != nil {
		return nil, err
	}

	s.pool = workerpool.New(s.cfg.Limits.NumWorkers, s.logBackend)
	s.limiter = ratelimit.New(ratelimit.Config{
		ClientRate:  s.cfg.Limits.ClientRate,
		ClientBurst: s.cfg.Limits.ClientBurst,
		SnodeRate:   s.cfg.Limits.SnodeRate,
		SnodeBurst:  s.cfg.Limits.SnodeBurst,
	})

	s.peers = peerclient.New(s.logBackend, s.keys, mq.NewClient(s.logBackend, s.cipher))

	ctrlCfg := snode.DefaultConfig()
	ctrlCfg.BlockHashCacheSize = s.cfg.Limits.BlockHashCacheSize
	ctrlCfg.Version = constants.Version
	if s.controller, err = snode.New(ctrlCfg, s.logBackend, s.oxend, s.peers, s.store, s.keys); err != nil {
		return nil, err
	}

	handlerCfg := rpc.DefaultConfig()
	handlerCfg.EnableCBCProxy = s.cfg.Debug.EnableCBCProxy
	s.handler = rpc.NewRequestHandler(handlerCfg, s.logBackend, s.store, s.controller,
		s.cipher, s.oxend, s.peers)

	httpdCfg := httpd.Config{
		Address:     net.JoinHostPort(s.cfg.Server.IP, fmt.Sprint(s.cfg.Server.PortHTTPS)),
		CertFile:    s.cfg.Server.CertFile,
		KeyFile:     s.cfg.Server.KeyFile,
		Version:     constants.Version,
		ServerName:  constants.ServerName,
		EnableCORS:  s.cfg.Server.EnableCORS,
		EnableProxy: s.cfg.Debug.EnableCBCProxy,
	}
	if s.httpd, err = httpd.New(httpdCfg, s.logBackend, s.keys, s.pool, s.limiter,
		s.handler, s.controller); err != nil {
		return nil, err
	}

	mqAddr := net.JoinHostPort(s.cfg.Server.IP, fmt.Sprint(s.cfg.Server.PortMQ))
	if s.mqServer, err = mq.NewServer(mqAddr, s.logBackend, s.cipher, s.controller,
		s.limiter, s.mqDispatch); err != nil {
		return nil, err
	}

	if s.cfg.Server.MetricsAddress != "" {
		instrument.Init(s.cfg.Server.MetricsAddress)
	}

	s.controller.Start()
	if err = s.httpd.Start(); err != nil {
		return nil, err
	}

	isOk = true
	return s, nil
}

// mqDispatch routes authenticated MQ commands.
func (s *Server) mqDispatch(sender swarm.SnodeRecord, command string, parts [][]byte,
	reply func(parts [][]byte)) {

	switch command {
	case mq.CmdPing:
		reply([][]byte{[]byte("pong")})

	case mq.CmdData:
		if len(parts) != 1 {
			reply([][]byte{[]byte("400"), []byte("bad request")})
			return
		}
		var batch []storage.Message
		if err := cbor.Unmarshal(parts[0], &batch); err != nil {
			s.log.Debugf("Invalid push batch from %s: %v", sender.PubkeyLegacy, err)
			reply([][]byte{[]byte("400"), []byte("bad batch")})
			return
		}
		s.controller.ProcessPush(batch)
		reply(nil) // empty ACK

	case mq.CmdOnionReq:
		if len(parts) < 2 {
			reply([][]byte{[]byte("400"), []byte("bad request")})
			return
		}
		ephemKey, err := crypto.X25519PubkeyFromHex(string(parts[0]))
		if err != nil {
			reply([][]byte{[]byte("400"), []byte("bad ephemeral key")})
			return
		}
		meta := onion.Metadata{EphemKey: ephemKey, EncType: crypto.EncTypeAESGCM}
		if len(parts) > 2 {
			if meta.EncType, err = crypto.ParseEncType(string(parts[2])); err != nil {
				reply([][]byte{[]byte("400"), []byte("bad enc_type")})
				return
			}
		}
		ciphertext := parts[1]
		if err := s.pool.Submit("mq:"+mq.CmdOnionReq, func() {
			s.handler.ProcessOnionReq(ciphertext, meta, func(res rpc.Response) {
				reply([][]byte{[]byte(fmt.Sprint(res.Status)), []byte(res.Body)})
			})
		}); err != nil {
			reply([][]byte{[]byte("503"), []byte("Server busy, try again later")})
		}

	case mq.CmdStorageTest:
		if len(parts) != 2 {
			reply([][]byte{[]byte("bad request")})
			return
		}
		var height uint64
		if _, err := fmt.Sscan(string(parts[0]), &height); err != nil {
			reply([][]byte{[]byte("bad request")})
			return
		}
		s.runStorageTest(height, string(parts[1]), reply)

	default:
		s.log.Debugf("Unknown MQ command %q from %s", command, sender.PubkeyLegacy)
		reply([][]byte{[]byte("400"), []byte("unknown command")})
	}
}

// runStorageTest drives the testee side retry machine for MQ initiated
// tests; RETRY outcomes are re-checked every 50 ms for up to a minute.
func (s *Server) runStorageTest(height uint64, hash string, reply func([][]byte)) {
	status, msg := s.controller.ProcessStorageTest(height, hash)
	switch status {
	case snode.TestSuccess:
		reply([][]byte{[]byte("OK"), []byte(msg.Data)})
		return
	case snode.TestWrongReq:
		reply([][]byte{[]byte("wrong request")})
		return
	}

	s.Go(func() {
		ticker := time.NewTicker(httpd.DefaultTestRetryInterval)
		deadline := time.NewTimer(httpd.DefaultTestRetryPeriod)
		defer ticker.Stop()
		defer deadline.Stop()
		for {
			select {
			case <-s.HaltCh():
				return
			case <-deadline.C:
				reply([][]byte{[]byte("other")})
				return
			case <-ticker.C:
				status, msg := s.controller.ProcessStorageTest(height, hash)
				switch status {
				case snode.TestSuccess:
					reply([][]byte{[]byte("OK"), []byte(msg.Data)})
					return
				case snode.TestWrongReq:
					reply([][]byte{[]byte("wrong request")})
					return
				}
			}
		}
	})
}
