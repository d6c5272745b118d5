// handler.go - Client RPC dispatch.
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

// Package rpc dispatches typed client requests: store, retrieve, snode
// lookups, daemon RPC forwards, and the onion request pipeline.
package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/storage"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

// MaxMessageBody caps the base64 message data field at 100 KiB.
const MaxMessageBody = 102400

// Default TTL and timestamp policy.  The daemon owns the authoritative
// bounds; these match its current defaults and are configurable.
const (
	DefaultMinTTL       = 10 * time.Second
	DefaultMaxTTL       = 14 * 24 * time.Hour
	DefaultMaxClockSkew = 10 * time.Minute
)

// SnodeView is the read side of the swarm controller used by the handler.
type SnodeView interface {
	Ready() bool
	OwnAddress() swarm.SnodeRecord
	IsPubkeyForUs(crypto.UserPubkey) bool
	GetSnodesByPK(crypto.UserPubkey) []swarm.SnodeRecord
	FindNodeByEd25519(crypto.Ed25519Pubkey) (swarm.SnodeRecord, bool)
}

// OxendClient is the narrow daemon RPC surface the handler forwards to.
type OxendClient interface {
	Request(endpoint string, params json.RawMessage) (json.RawMessage, error)
}

// Config carries the handler's policy knobs.
type Config struct {
	MinTTL         time.Duration
	MaxTTL         time.Duration
	MaxClockSkew   time.Duration
	EnableCBCProxy bool
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		MinTTL:       DefaultMinTTL,
		MaxTTL:       DefaultMaxTTL,
		MaxClockSkew: DefaultMaxClockSkew,
	}
}

// RequestHandler dispatches client RPCs.
type RequestHandler struct {
	log *logging.Logger

	cfg       Config
	store     *storage.Store
	snode     SnodeView
	cipher    *crypto.ChannelEncryption
	oxend     OxendClient
	forwarder Forwarder
}

// NewRequestHandler constructs the handler.
func NewRequestHandler(cfg Config, logBackend *log.Backend, store *storage.Store,
	snode SnodeView, cipher *crypto.ChannelEncryption, oxend OxendClient,
	forwarder Forwarder) *RequestHandler {
	return &RequestHandler{
		log:       logBackend.GetLogger("rpc"),
		cfg:       cfg,
		store:     store,
		snode:     snode,
		cipher:    cipher,
		oxend:     oxend,
		forwarder: forwarder,
	}
}

func obfuscatePubkey(pk string) string {
	if len(pk) < 5 {
		return pk
	}
	return pk[:2] + "..." + pk[len(pk)-3:]
}

func snodesToJSON(snodes []swarm.SnodeRecord) string {
	type snodeJSON struct {
		Address       string `json:"address"` // deprecated, use pubkey_legacy
		PubkeyLegacy  string `json:"pubkey_legacy"`
		PubkeyX25519  string `json:"pubkey_x25519"`
		PubkeyEd25519 string `json:"pubkey_ed25519"`
		Port          string `json:"port"` // a string for wire compatibility
		PortMQ        uint16 `json:"port_omq"`
		IP            string `json:"ip"`
	}
	out := struct {
		Snodes []snodeJSON `json:"snodes"`
	}{Snodes: make([]snodeJSON, 0, len(snodes))}
	for _, sn := range snodes {
		out.Snodes = append(out.Snodes, snodeJSON{
			Address:       sn.PubkeyLegacy.Base32z() + ".snode",
			PubkeyLegacy:  sn.PubkeyLegacy.Hex(),
			PubkeyX25519:  sn.PubkeyX25519.Hex(),
			PubkeyEd25519: sn.PubkeyEd25519.Hex(),
			Port:          strconv.Itoa(int(sn.PortHTTPS)),
			PortMQ:        sn.PortMQ,
			IP:            sn.IP,
		})
	}
	body, _ := json.Marshal(out)
	return string(body)
}

// handleWrongSwarm replies 421 with the roster of the swarm that actually
// owns the pubkey.
func (h *RequestHandler) handleWrongSwarm(pk crypto.UserPubkey) Response {
	h.log.Debugf("Got client request to a wrong swarm")
	return JSONResponse(http.StatusMisdirectedRequest, snodesToJSON(h.snode.GetSnodesByPK(pk)))
}

// ProcessClientReq parses the {method, params} envelope and dispatches.
func (h *RequestHandler) ProcessClientReq(reqJSON []byte, cb func(Response)) {
	var envelope struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(reqJSON, &envelope); err != nil {
		h.log.Debugf("Bad client request: invalid json")
		cb(PlainResponse(http.StatusBadRequest, "invalid json\n"))
		return
	}
	if envelope.Method == "" {
		h.log.Debugf("Bad client request: no method field")
		cb(PlainResponse(http.StatusBadRequest, "invalid json: no `method` field\n"))
		return
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Params, &params); err != nil || params == nil {
		h.log.Debugf("Bad client request: no params field")
		cb(PlainResponse(http.StatusBadRequest, "invalid json: no `params` field\n"))
		return
	}

	h.log.Debugf("Process client request: %s", envelope.Method)

	switch envelope.Method {
	case "store":
		cb(h.processStore(envelope.Params))
	case "retrieve":
		cb(h.processRetrieve(envelope.Params))
	case "get_snodes_for_pubkey":
		cb(h.processSnodesByPK(envelope.Params))
	case "oxend_request":
		cb(h.processOxendRequest(envelope.Params))
	case "get_lns_mapping":
		nameHash, ok := params["name_hash"]
		if !ok {
			cb(PlainResponse(http.StatusBadRequest, "Field <name_hash> is missing"))
			return
		}
		var s string
		if err := json.Unmarshal(nameHash, &s); err != nil {
			cb(PlainResponse(http.StatusBadRequest, "Field <name_hash> must be a string"))
			return
		}
		cb(h.processLNSRequest(s))
	default:
		h.log.Debugf("Bad client request: unknown method '%s'", envelope.Method)
		cb(PlainResponse(http.StatusBadRequest, fmt.Sprintf("no method %s", envelope.Method)))
	}
}

func parseUserPubkey(s string) (crypto.UserPubkey, Response, bool) {
	pk, err := crypto.UserPubkeyFromString(s)
	if err != nil {
		msg := fmt.Sprintf("Pubkey must be %d characters long\n", 2*crypto.UserPubkeySize)
		return crypto.UserPubkey{}, PlainResponse(http.StatusBadRequest, msg), false
	}
	return pk, Response{}, true
}

func (h *RequestHandler) processStore(rawParams json.RawMessage) Response {
	var params struct {
		PubKey    *string `json:"pubKey"`
		TTL       *string `json:"ttl"`
		Timestamp *string `json:"timestamp"`
		Data      *string `json:"data"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return PlainResponse(http.StatusBadRequest, "invalid json\n")
	}
	for field, v := range map[string]*string{
		"pubKey": params.PubKey, "ttl": params.TTL,
		"timestamp": params.Timestamp, "data": params.Data,
	} {
		if v == nil {
			h.log.Debugf("Bad client request: no `%s` field", field)
			return PlainResponse(http.StatusBadRequest,
				fmt.Sprintf("invalid json: no `%s` field\n", field))
		}
	}

	pk, errRes, ok := parseUserPubkey(*params.PubKey)
	if !ok {
		return errRes
	}

	if len(*params.Data) > MaxMessageBody {
		h.log.Debugf("Message body too long: %d", len(*params.Data))
		return PlainResponse(http.StatusBadRequest,
			fmt.Sprintf("Message body exceeds maximum allowed length of %d\n", MaxMessageBody))
	}

	if !h.snode.IsPubkeyForUs(pk) {
		return h.handleWrongSwarm(pk)
	}

	ttl, err := strconv.ParseUint(*params.TTL, 10, 64)
	if err != nil || time.Duration(ttl)*time.Millisecond < h.cfg.MinTTL ||
		time.Duration(ttl)*time.Millisecond > h.cfg.MaxTTL {
		h.log.Debugf("Forbidden. Invalid TTL: %s", *params.TTL)
		return PlainResponse(http.StatusForbidden, "Provided TTL is not valid.\n")
	}

	timestamp, err := strconv.ParseUint(*params.Timestamp, 10, 64)
	nowMs := uint64(time.Now().UnixMilli())
	if err != nil ||
		timestamp > nowMs+uint64(h.cfg.MaxClockSkew.Milliseconds()) ||
		timestamp+ttl < nowMs {
		h.log.Debugf("Forbidden. Invalid Timestamp: %s", *params.Timestamp)
		return PlainResponse(http.StatusNotAcceptable, "Timestamp error: check your clock\n")
	}

	hash := crypto.ComputeMessageHash(*params.Timestamp, *params.TTL, pk.String(), *params.Data)
	msg := &storage.Message{
		PubKey:    pk.String(),
		Hash:      hash,
		Data:      *params.Data,
		TTL:       ttl,
		Timestamp: timestamp,
	}
	if _, err := h.store.Store(msg); err != nil {
		h.log.Critical("Internal Server Error. Could not store message for %s",
			obfuscatePubkey(pk.String()))
		return PlainResponse(http.StatusInternalServerError, "Could not store message\n")
	}

	h.log.Debugf("Successfully stored message for %s", obfuscatePubkey(pk.String()))

	// difficulty is no longer used by modern clients, but old clients
	// expect the field.
	return JSONResponse(http.StatusOK, `{"difficulty":1}`)
}

func (h *RequestHandler) processRetrieve(rawParams json.RawMessage) Response {
	var params struct {
		PubKey   *string `json:"pubKey"`
		LastHash *string `json:"lastHash"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return PlainResponse(http.StatusBadRequest, "invalid json\n")
	}
	for field, v := range map[string]*string{"pubKey": params.PubKey, "lastHash": params.LastHash} {
		if v == nil {
			return PlainResponse(http.StatusBadRequest,
				fmt.Sprintf("invalid json: no `%s` field\n", field))
		}
	}

	pk, errRes, ok := parseUserPubkey(*params.PubKey)
	if !ok {
		return errRes
	}

	if !h.snode.IsPubkeyForUs(pk) {
		return h.handleWrongSwarm(pk)
	}

	items, err := h.store.Retrieve(pk.String(), *params.LastHash)
	if err != nil {
		h.log.Critical("Internal Server Error. Could not retrieve messages for %s",
			obfuscatePubkey(pk.String()))
		return PlainResponse(http.StatusInternalServerError, "Could not retrieve messages\n")
	}

	type messageJSON struct {
		Hash       string `json:"hash"`
		Expiration uint64 `json:"expiration"`
		Data       string `json:"data"`
	}
	out := struct {
		Messages []messageJSON `json:"messages"`
	}{Messages: make([]messageJSON, 0, len(items))}
	for _, item := range items {
		out.Messages = append(out.Messages, messageJSON{
			Hash:       item.Hash,
			Expiration: item.Timestamp + item.TTL,
			Data:       item.Data,
		})
	}
	body, _ := json.Marshal(out)
	return JSONResponse(http.StatusOK, string(body))
}

func (h *RequestHandler) processSnodesByPK(rawParams json.RawMessage) Response {
	var params struct {
		PubKey *string `json:"pubKey"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil || params.PubKey == nil {
		h.log.Debugf("Bad client request: no `pubKey` field")
		return PlainResponse(http.StatusBadRequest, "invalid json: no `pubKey` field\n")
	}

	pk, errRes, ok := parseUserPubkey(*params.PubKey)
	if !ok {
		return errRes
	}

	return JSONResponse(http.StatusOK, snodesToJSON(h.snode.GetSnodesByPK(pk)))
}

// oxendAllowedEndpoints is the closed set of daemon RPC endpoints clients
// may reach through us.
var oxendAllowedEndpoints = map[string]bool{
	"get_service_nodes": true,
	"ons_resolve":       true,
}

func (h *RequestHandler) processOxendRequest(rawParams json.RawMessage) Response {
	var params struct {
		Endpoint    *string         `json:"endpoint"`
		OxendParams json.RawMessage `json:"oxend_params"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil || params.Endpoint == nil {
		return PlainResponse(http.StatusBadRequest, "missing 'endpoint'")
	}
	if !oxendAllowedEndpoints[*params.Endpoint] {
		return PlainResponse(http.StatusBadRequest,
			fmt.Sprintf("Endpoint not allowed: %s", *params.Endpoint))
	}
	if len(params.OxendParams) == 0 {
		return PlainResponse(http.StatusBadRequest, "missing 'oxend_params'")
	}

	result, err := h.oxend.Request(*params.Endpoint, params.OxendParams)
	if err != nil {
		h.log.Debugf("oxend request failed: %v", err)
		body, _ := json.Marshal(map[string]interface{}{
			"error": map[string]string{"message": err.Error()},
		})
		return JSONResponse(http.StatusOK, string(body))
	}
	body, _ := json.Marshal(map[string]json.RawMessage{"result": result})
	return JSONResponse(http.StatusOK, string(body))
}

func (h *RequestHandler) processLNSRequest(nameHash string) Response {
	params, _ := json.Marshal(map[string]interface{}{
		"entries": []map[string]interface{}{
			{"name_hash": nameHash, "types": []int{0}},
		},
	})
	result, err := h.oxend.Request("lns_names_to_owners", params)
	if err != nil {
		return PlainResponse(http.StatusBadRequest, "unknown oxend error")
	}
	return JSONResponse(http.StatusOK, string(result))
}
