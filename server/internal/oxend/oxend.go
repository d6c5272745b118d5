// oxend.go - Blockchain daemon RPC client.
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

// Package oxend implements the JSON-RPC client for the blockchain daemon.
// The daemon is an external collaborator: this package only covers the
// narrow surface the storage server calls.
package oxend

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

const requestTimeout = 30 * time.Second

// ServiceNodeKeys are this node's three keypairs, fetched from the daemon
// at startup.
type ServiceNodeKeys struct {
	LegacyPubkey   crypto.LegacyPubkey
	Ed25519Privkey ed25519.PrivateKey
	Ed25519Pubkey  crypto.Ed25519Pubkey
	X25519Privkey  crypto.X25519Privkey
	X25519Pubkey   crypto.X25519Pubkey
}

// Client talks JSON-RPC 2.0 to the daemon.
type Client struct {
	log *logging.Logger

	url  string
	http *http.Client
}

// New creates a Client for the daemon at rpcURL (e.g.
// "http://127.0.0.1:22023/json_rpc").
func New(logBackend *log.Backend, rpcURL string) *Client {
	return &Client{
		log:  logBackend.GetLogger("oxend"),
		url:  rpcURL,
		http: &http.Client{Timeout: requestTimeout},
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Request performs one JSON-RPC call and returns the raw result.
func (c *Client) Request(method string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("oxend: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("oxend: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oxend: http status %d", resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("oxend: invalid json-rpc response: %v", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("oxend: rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return envelope.Result, nil
}

// GetServiceNodeKeys fetches this node's private keys.  It blocks, retrying
// once a second, until the daemon has them available or ctx is done; the
// daemon may itself still be starting up.
func (c *Client) GetServiceNodeKeys(ctx context.Context) (*ServiceNodeKeys, error) {
	for {
		keys, err := c.tryGetKeys()
		if err == nil {
			return keys, nil
		}
		c.log.Warningf("Failed to fetch service node keys (will retry): %v", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) tryGetKeys() (*ServiceNodeKeys, error) {
	result, err := c.Request("get_service_node_privkey", json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	var res struct {
		LegacyPrivkey  string `json:"service_node_privkey"`
		Ed25519Privkey string `json:"service_node_ed25519_privkey"`
		X25519Privkey  string `json:"service_node_x25519_privkey"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("oxend: invalid privkey response: %v", err)
	}
	if res.LegacyPrivkey == "" || res.Ed25519Privkey == "" || res.X25519Privkey == "" {
		return nil, fmt.Errorf("oxend: daemon has no service node keys yet")
	}

	keys := new(ServiceNodeKeys)

	legacySeed, err := hex.DecodeString(res.LegacyPrivkey)
	if err != nil || len(legacySeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("oxend: invalid legacy privkey")
	}
	legacyPub := ed25519.NewKeyFromSeed(legacySeed).Public().(ed25519.PublicKey)
	copy(keys.LegacyPubkey[:], legacyPub)

	edRaw, err := hex.DecodeString(res.Ed25519Privkey)
	if err != nil {
		return nil, fmt.Errorf("oxend: invalid ed25519 privkey")
	}
	switch len(edRaw) {
	case ed25519.SeedSize:
		keys.Ed25519Privkey = ed25519.NewKeyFromSeed(edRaw)
	case ed25519.PrivateKeySize:
		keys.Ed25519Privkey = ed25519.PrivateKey(edRaw)
	default:
		return nil, fmt.Errorf("oxend: invalid ed25519 privkey length %d", len(edRaw))
	}
	keys.Ed25519Pubkey = crypto.Ed25519PubkeyFromPrivate(keys.Ed25519Privkey)

	xRaw, err := hex.DecodeString(res.X25519Privkey)
	if err != nil || len(xRaw) != crypto.X25519PrivkeySize {
		return nil, fmt.Errorf("oxend: invalid x25519 privkey")
	}
	copy(keys.X25519Privkey[:], xRaw)
	if keys.X25519Pubkey, err = crypto.X25519PubkeyFromPrivkey(keys.X25519Privkey); err != nil {
		return nil, err
	}

	return keys, nil
}

// GetBlockUpdate fetches the authoritative swarm roster.
func (c *Client) GetBlockUpdate() (*swarm.BlockUpdate, error) {
	params := json.RawMessage(`{
		"fields": {
			"service_node_pubkey": true,
			"pubkey_ed25519": true,
			"pubkey_x25519": true,
			"public_ip": true,
			"storage_port": true,
			"storage_lmq_port": true,
			"swarm_id": true,
			"funded": true,
			"active": true,
			"block_hash": true,
			"height": true,
			"hardfork": true
		},
		"active_only": false
	}`)
	result, err := c.Request("get_n_service_nodes", params)
	if err != nil {
		return nil, err
	}
	return ParseBlockUpdate(result)
}

// snodeState is the per-node record inside a get_n_service_nodes response.
type snodeState struct {
	ServiceNodePubkey string `json:"service_node_pubkey"`
	PubkeyEd25519     string `json:"pubkey_ed25519"`
	PubkeyX25519      string `json:"pubkey_x25519"`
	PublicIP          string `json:"public_ip"`
	StoragePort       uint16 `json:"storage_port"`
	StorageLMQPort    uint16 `json:"storage_lmq_port"`
	SwarmID           uint64 `json:"swarm_id"`
	Funded            bool   `json:"funded"`
	Active            bool   `json:"active"`
}

// ParseBlockUpdate converts the daemon response into the swarm model.
// Unfunded nodes are dropped; funded but inactive nodes are reported as
// decommissioned.
func ParseBlockUpdate(result json.RawMessage) (*swarm.BlockUpdate, error) {
	var res struct {
		Height    uint64       `json:"height"`
		BlockHash string       `json:"block_hash"`
		Hardfork  uint8        `json:"hardfork"`
		States    []snodeState `json:"service_node_states"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("oxend: invalid service node response: %v", err)
	}

	bu := &swarm.BlockUpdate{
		Height:    res.Height,
		BlockHash: res.BlockHash,
		Hardfork:  res.Hardfork,
	}

	bySwarm := make(map[uint64][]swarm.SnodeRecord)
	var swarmIDs []uint64
	for _, st := range res.States {
		if !st.Funded {
			continue
		}
		sn, err := parseSnodeState(st)
		if err != nil {
			return nil, err
		}
		if !st.Active {
			bu.Decommissioned = append(bu.Decommissioned, sn)
			continue
		}
		if _, seen := bySwarm[st.SwarmID]; !seen {
			swarmIDs = append(swarmIDs, st.SwarmID)
		}
		bySwarm[st.SwarmID] = append(bySwarm[st.SwarmID], sn)
	}
	for _, id := range swarmIDs {
		bu.Swarms = append(bu.Swarms, swarm.Swarm{SwarmID: id, Snodes: bySwarm[id]})
	}
	return bu, nil
}

func parseSnodeState(st snodeState) (swarm.SnodeRecord, error) {
	legacy, err := crypto.LegacyPubkeyFromHex(st.ServiceNodePubkey)
	if err != nil {
		return swarm.SnodeRecord{}, fmt.Errorf("oxend: bad service_node_pubkey %q", st.ServiceNodePubkey)
	}
	sn := swarm.SnodeRecord{
		IP:           st.PublicIP,
		PortHTTPS:    st.StoragePort,
		PortMQ:       st.StorageLMQPort,
		PubkeyLegacy: legacy,
	}
	// The auxiliary keys can be absent right after registration.
	if st.PubkeyEd25519 != "" {
		if sn.PubkeyEd25519, err = crypto.Ed25519PubkeyFromHex(st.PubkeyEd25519); err != nil {
			return swarm.SnodeRecord{}, fmt.Errorf("oxend: bad pubkey_ed25519 %q", st.PubkeyEd25519)
		}
	}
	if st.PubkeyX25519 != "" {
		if sn.PubkeyX25519, err = crypto.X25519PubkeyFromHex(st.PubkeyX25519); err != nil {
			return swarm.SnodeRecord{}, fmt.Errorf("oxend: bad pubkey_x25519 %q", st.PubkeyX25519)
		}
	}
	return sn, nil
}

// Ping reports liveness to the daemon so it can include us in uptime proofs.
func (c *Client) Ping(version string) {
	params, _ := json.Marshal(map[string]string{"version": version})
	if _, err := c.Request("storage_server_ping", params); err != nil {
		c.log.Warningf("Failed to ping oxend: %v", err)
	}
}
