// httpd.go - HTTPS front-end.
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

// Package httpd implements the HTTPS front-end: it accepts client and peer
// requests, enforces rate limits, validates peer signatures, and hands work
// to the worker pool.
package httpd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/core/worker"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/onion"
	"github.com/oxen-io/oxen-storage-server/server/internal/oxend"
	"github.com/oxen-io/oxen-storage-server/server/internal/ratelimit"
	"github.com/oxen-io/oxen-storage-server/server/internal/rpc"
	"github.com/oxen-io/oxen-storage-server/server/internal/snode"
	"github.com/oxen-io/oxen-storage-server/server/internal/workerpool"
	"github.com/oxen-io/oxen-storage-server/storage"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

// Endpoint paths.
const (
	PathStorageRPC  = "/storage_rpc/v1"
	PathOnionReq    = "/onion_req/v2"
	PathPingTest    = "/swarms/ping_test/v1"
	PathStorageTest = "/swarms/storage_test/v1"
	PathProxy       = "/proxy"
	PathStats       = "/get_stats/v1"
)

// Peer request headers.
const (
	HeaderSenderPubkey       = "X-Sender-Snode-Pubkey"
	HeaderSnodeSignature     = "X-Snode-Signature"
	HeaderSnodeCertSignature = "X-Loki-Snode-Signature"
)

const (
	// MaxRequestBody caps any request body at 10 MiB.
	MaxRequestBody = 10 * 1024 * 1024

	// Storage test retry machine defaults: retry every 50 ms for up to
	// 60 s.
	DefaultTestRetryInterval = 50 * time.Millisecond
	DefaultTestRetryPeriod   = 60 * time.Second

	connTimeout = 60 * time.Second
)

var servedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "oxen",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Requests served, by path and status",
}, []string{"path", "status"})

func init() {
	prometheus.MustRegister(servedRequests)
}

// Backend is the swarm controller surface the front-end needs.
type Backend interface {
	rpc.SnodeView
	FindNodeByLegacy(crypto.LegacyPubkey) (swarm.SnodeRecord, bool)
	ProcessStorageTest(height uint64, hash string) (snode.TestStatus, *storage.Message)
	Height() uint64
}

// Config holds the front-end parameters.
type Config struct {
	Address  string
	CertFile string
	KeyFile  string

	Version    string
	ServerName string

	EnableCORS bool

	// Legacy proxy endpoint toggle; mirrors the CBC channel gate.
	EnableProxy bool

	// Storage test retry cadence; zero values take the defaults.
	TestRetryInterval time.Duration
	TestRetryPeriod   time.Duration
}

// Server is the HTTPS front-end.
type Server struct {
	worker.Worker

	log *logging.Logger
	cfg Config

	pool    *workerpool.Pool
	limiter *ratelimit.RateLimiter
	handler *rpc.RequestHandler
	backend Backend

	mux *http.ServeMux

	httpSrv *http.Server

	// Ed25519 signature over our TLS certificate, attached to every
	// response for client side pinning.
	certSignature string
}

// New builds the front-end.  Call Start to begin serving.
func New(cfg Config, logBackend *log.Backend, keys *oxend.ServiceNodeKeys,
	pool *workerpool.Pool, limiter *ratelimit.RateLimiter,
	handler *rpc.RequestHandler, backend Backend) (*Server, error) {

	if cfg.TestRetryInterval <= 0 {
		cfg.TestRetryInterval = DefaultTestRetryInterval
	}
	if cfg.TestRetryPeriod <= 0 {
		cfg.TestRetryPeriod = DefaultTestRetryPeriod
	}

	s := &Server{
		log:     logBackend.GetLogger("httpd"),
		cfg:     cfg,
		pool:    pool,
		limiter: limiter,
		handler: handler,
		backend: backend,
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("httpd: loading TLS keypair: %w", err)
		}
		s.certSignature = crypto.Sign(keys.Ed25519Privkey, cert.Certificate[0]).Base64()
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(PathStorageRPC, s.handleStorageRPC)
	s.mux.HandleFunc(PathOnionReq, s.handleOnionReq)
	s.mux.HandleFunc(PathPingTest, s.handlePingTest)
	s.mux.HandleFunc(PathStorageTest, s.handleStorageTest)
	s.mux.HandleFunc(PathProxy, s.handleProxy)
	s.mux.HandleFunc(PathStats, s.handleStats)
	s.mux.HandleFunc("/", s.handleNotFound)

	return s, nil
}

// Handler returns the root handler; exposed for tests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", fmt.Sprintf("%s/%s", s.cfg.ServerName, s.cfg.Version))
		if s.certSignature != "" {
			w.Header().Set(HeaderSnodeCertSignature, s.certSignature)
		}
		if s.cfg.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "*")
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)
		s.mux.ServeHTTP(w, r)
	})
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  connTimeout,
		WriteTimeout: connTimeout,
	}
	s.Go(func() {
		s.log.Noticef("Listening on: %v", l.Addr())
		var err error
		if s.cfg.CertFile != "" {
			err = s.httpSrv.ServeTLS(l, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpSrv.Serve(l)
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server failure: %v", err)
		}
	})
	return nil
}

// Halt stops accepting connections, lets in-flight requests drain, then
// returns.
func (s *Server) Halt() {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.Worker.Halt()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, res rpc.Response) {
	servedRequests.WithLabelValues(r.URL.Path, fmt.Sprint(res.Status)).Inc()
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.Status)
	io.WriteString(w, res.Body)
}

// dispatch queues fn on the worker pool and waits for its reply.  fn gets a
// reply callback that may be invoked asynchronously (from a peer request
// continuation); the front-end goroutine waits for whichever comes first:
// the reply, client abort, or shutdown.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, reply func(rpc.Response))) {

	replyCh := make(chan rpc.Response, 1)
	reply := func(res rpc.Response) {
		select {
		case replyCh <- res:
		default:
			// A reply was already produced; drop the extra one.
		}
	}

	job := func() {
		// A panicking job must still answer the client.
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Critical("Recovered panic handling %s: %v", r.URL.Path, rec)
				reply(rpc.PlainResponse(http.StatusInternalServerError, "Internal Server Error"))
			}
		}()
		fn(r.Context(), reply)
	}
	if err := s.pool.Submit(r.URL.Path, job); err != nil {
		s.log.Warningf("Could not queue request for %s: %v", r.URL.Path, err)
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusServiceUnavailable,
			"Server busy, try again later"))
		return
	}

	select {
	case res := <-replyCh:
		s.writeResponse(w, r, res)
	case <-r.Context().Done():
		// Aborted; drop the eventual reply.
	case <-s.HaltCh():
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusServiceUnavailable,
			"Server busy, try again later"))
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusRequestEntityTooLarge, "Request too large"))
		return nil, false
	}
	return body, true
}

func (s *Server) requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusNotFound, "Not Found"))
		return false
	}
	return true
}

// rateLimitClient applies the per-IP bucket; returns false when throttled.
func (s *Server) rateLimitClient(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.ShouldRateLimitClient(clientIP(r)) {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusTooManyRequests, "Too many requests"))
		return false
	}
	return true
}

// authenticatePeer validates the sender pubkey and body signature headers
// against the current roster.
func (s *Server) authenticatePeer(w http.ResponseWriter, r *http.Request, body []byte) (swarm.SnodeRecord, bool) {
	senderPK, err := crypto.LegacyPubkeyFromBase32z(r.Header.Get(HeaderSenderPubkey))
	if err != nil {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusUnauthorized, "Missing or invalid sender pubkey"))
		return swarm.SnodeRecord{}, false
	}
	sn, known := s.backend.FindNodeByLegacy(senderPK)
	if !known {
		s.log.Debugf("Rejecting peer request from unknown snode %s", senderPK)
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusUnauthorized, "Unknown snode"))
		return swarm.SnodeRecord{}, false
	}
	sig, err := crypto.SignatureFromBase64(r.Header.Get(HeaderSnodeSignature))
	if err != nil || !crypto.Verify(sn.PubkeyEd25519, body, sig) {
		s.log.Debugf("Bad peer signature from %s", senderPK)
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusUnauthorized, "Invalid signature"))
		return swarm.SnodeRecord{}, false
	}
	if s.limiter.ShouldRateLimitSnode(sn.PubkeyLegacy) {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusTooManyRequests, "Too many requests"))
		return swarm.SnodeRecord{}, false
	}
	return sn, true
}

func (s *Server) handleStorageRPC(w http.ResponseWriter, r *http.Request) {
	if !s.requirePOST(w, r) || !s.rateLimitClient(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.dispatch(w, r, func(_ context.Context, reply func(rpc.Response)) {
		s.handler.ProcessClientReq(body, reply)
	})
}

func (s *Server) handleOnionReq(w http.ResponseWriter, r *http.Request) {
	if !s.requirePOST(w, r) || !s.rateLimitClient(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ciphertext, jsonPart, err := onion.ParseCombinedPayload(body)
	if err != nil {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusBadRequest, "Invalid payload"))
		return
	}
	meta, err := onion.ParseMetadata(jsonPart)
	if err != nil {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusBadRequest, "Invalid metadata"))
		return
	}

	s.dispatch(w, r, func(_ context.Context, reply func(rpc.Response)) {
		s.handler.ProcessOnionReq(ciphertext, meta, reply)
	})
}

// handleProxy is the deprecated AES-CBC proxy entry point.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableProxy {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusGone, "Proxy requests removed"))
		return
	}
	if !s.requirePOST(w, r) || !s.rateLimitClient(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	clientKey, err := crypto.X25519PubkeyFromHex(r.Header.Get("X-Sender-Public-Key"))
	if err != nil {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusBadRequest, "Missing sender key"))
		return
	}
	s.dispatch(w, r, func(_ context.Context, reply func(rpc.Response)) {
		s.handler.ProcessProxyExit(clientKey, body, reply)
	})
}

func (s *Server) handlePingTest(w http.ResponseWriter, r *http.Request) {
	if !s.requirePOST(w, r) {
		return
	}
	// Always 200; the probe only checks reachability.
	s.writeResponse(w, r, rpc.JSONResponse(http.StatusOK, `{"status":"OK"}`))
}

func (s *Server) handleStorageTest(w http.ResponseWriter, r *http.Request) {
	if !s.requirePOST(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if _, ok := s.authenticatePeer(w, r, body); !ok {
		return
	}

	var req struct {
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, r, rpc.PlainResponse(http.StatusBadRequest, "invalid json"))
		return
	}

	s.dispatch(w, r, func(ctx context.Context, reply func(rpc.Response)) {
		s.runStorageTest(ctx, req.Height, req.Hash, reply)
	})
}

// runStorageTest answers a storage test, rescheduling RETRY outcomes every
// 50 ms for up to 60 s before giving up with {"status":"other"}.  The first
// non-RETRY outcome cancels the timer and replies; a client abort drops
// everything.
func (s *Server) runStorageTest(ctx context.Context, height uint64, hash string,
	reply func(rpc.Response)) {

	answer := func(status snode.TestStatus, msg *storage.Message) {
		switch status {
		case snode.TestSuccess:
			body, _ := json.Marshal(map[string]string{"status": "OK", "value": msg.Data})
			reply(rpc.JSONResponse(http.StatusOK, string(body)))
		case snode.TestWrongReq:
			reply(rpc.JSONResponse(http.StatusOK, `{"status":"wrong request"}`))
		}
	}

	status, msg := s.backend.ProcessStorageTest(height, hash)
	if status != snode.TestRetry {
		answer(status, msg)
		return
	}

	// The message may still arrive via gossip; poll off-worker so the
	// pool is not held for up to a minute.
	s.Go(func() {
		ticker := time.NewTicker(s.cfg.TestRetryInterval)
		deadline := time.NewTimer(s.cfg.TestRetryPeriod)
		defer ticker.Stop()
		defer deadline.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.HaltCh():
				return
			case <-deadline.C:
				reply(rpc.JSONResponse(http.StatusOK, `{"status":"other"}`))
				return
			case <-ticker.C:
				status, msg := s.backend.ProcessStorageTest(height, hash)
				if status != snode.TestRetry {
					answer(status, msg)
					return
				}
			}
		}
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	body, _ := json.Marshal(map[string]interface{}{
		"version":      s.cfg.Version,
		"height":       s.backend.Height(),
		"snode_ready":  s.backend.Ready(),
		"queued_onion": s.pool.QueueDepth(PathOnionReq),
	})
	s.writeResponse(w, r, rpc.JSONResponse(http.StatusOK, string(body)))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, r, rpc.PlainResponse(http.StatusNotFound, "Not Found"))
}
