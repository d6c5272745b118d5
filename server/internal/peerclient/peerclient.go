// peerclient.go - Outbound requests to peer snodes and external servers.
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

// Package peerclient sends HTTPS and message queue requests to other
// service nodes, with signed headers and certificate pinning, and relays
// onion payloads to external servers.
package peerclient

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/mq"
	"github.com/oxen-io/oxen-storage-server/server/internal/onion"
	"github.com/oxen-io/oxen-storage-server/server/internal/oxend"
	"github.com/oxen-io/oxen-storage-server/server/internal/rpc"
	"github.com/oxen-io/oxen-storage-server/storage"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

// Peer request headers.
const (
	HeaderSenderPubkey   = "X-Sender-Snode-Pubkey"
	HeaderSnodeSignature = "X-Snode-Signature"

	// HeaderSnodeCertSignature is set on every response: the node's
	// Ed25519 signature over its TLS certificate.  Clients of snode
	// endpoints pin certificates through it instead of a CA.
	HeaderSnodeCertSignature = "X-Loki-Snode-Signature"
)

const requestTimeout = 30 * time.Second

// ErrCertPinning is returned when a peer's TLS certificate does not verify
// against its advertised Ed25519 key.
var ErrCertPinning = errors.New("peerclient: certificate pinning failed")

// Client performs outbound peer requests.
type Client struct {
	log *logging.Logger

	keys *oxend.ServiceNodeKeys
	mq   *mq.Client

	// External relays use standard web PKI.
	external *http.Client
}

// New creates a peer client.
func New(logBackend *log.Backend, keys *oxend.ServiceNodeKeys, mqClient *mq.Client) *Client {
	return &Client{
		log:      logBackend.GetLogger("peerclient"),
		keys:     keys,
		mq:       mqClient,
		external: &http.Client{Timeout: requestTimeout},
	}
}

// snodeHTTPClient builds a one-shot client that accepts the peer's
// self-signed certificate but remembers it for pinning.
func snodeHTTPClient(seenCert *[]byte) *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				// Snode certificates are self-signed; authenticity
				// comes from the Ed25519 signature header verified
				// below, not from a CA.
				InsecureSkipVerify: true,
				VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
					if len(rawCerts) > 0 {
						*seenCert = append([]byte(nil), rawCerts[0]...)
					}
					return nil
				},
			},
		},
	}
}

// PostSnode performs a signed POST to a peer's HTTPS endpoint and verifies
// the certificate pinning header on the response.
func (c *Client) PostSnode(sn swarm.SnodeRecord, path string, body []byte) (int, []byte, error) {
	if sn.HasDefaultAddress() {
		return 0, nil, fmt.Errorf("peerclient: peer %s has no usable address", sn.PubkeyLegacy)
	}
	url := fmt.Sprintf("https://%s%s", net.JoinHostPort(sn.IP, fmt.Sprint(sn.PortHTTPS)), path)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", rpc.ContentTypeJSON)
	req.Header.Set(HeaderSenderPubkey, c.keys.LegacyPubkey.Base32z())
	req.Header.Set(HeaderSnodeSignature, crypto.Sign(c.keys.Ed25519Privkey, body).Base64())

	var seenCert []byte
	resp, err := snodeHTTPClient(&seenCert).Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return 0, nil, err
	}

	if !sn.PubkeyEd25519.IsZero() {
		sig, err := crypto.SignatureFromBase64(resp.Header.Get(HeaderSnodeCertSignature))
		if err != nil || seenCert == nil || !crypto.Verify(sn.PubkeyEd25519, seenCert, sig) {
			return 0, nil, ErrCertPinning
		}
	}

	return resp.StatusCode, respBody, nil
}

// SendOnionToSnode relays an onion layer to the next hop, preferring the MQ
// transport when the peer advertises one.  Implements rpc.Forwarder.
func (c *Client) SendOnionToSnode(sn swarm.SnodeRecord, ciphertext []byte,
	meta onion.Metadata, cb func(ok bool, parts [][]byte)) {

	go func() {
		if sn.PortMQ != 0 {
			parts := [][]byte{[]byte(meta.EphemKey.Hex()), ciphertext}
			if meta.EncType != crypto.EncTypeAESGCM {
				// Extra part; older peers ignore it.
				parts = append(parts, []byte(meta.EncType.String()))
			}
			reply, err := c.mq.Request(sn, mq.CmdOnionReq, parts)
			if err == nil {
				cb(true, reply)
				return
			}
			if errors.Is(err, mq.ErrTimeout) {
				cb(false, nil)
				return
			}
			c.log.Debugf("MQ relay to %s failed, falling back to HTTPS: %v", sn.PubkeyLegacy, err)
		}

		metaJSON, _ := json.Marshal(map[string]interface{}{
			"ephemeral_key": meta.EphemKey.Hex(),
			"enc_type":      meta.EncType.String(),
			"hop_no":        meta.HopNo,
		})
		payload := onion.EmitCombinedPayload(ciphertext, metaJSON)
		status, body, err := c.PostSnode(sn, "/onion_req/v2", payload)
		if err != nil {
			c.log.Debugf("HTTPS relay to %s failed: %v", sn.PubkeyLegacy, err)
			cb(false, nil)
			return
		}
		cb(true, [][]byte{[]byte(fmt.Sprint(status)), body})
	}()
}

// SendToServer posts an onion payload to an external server.  Implements
// rpc.Forwarder.
func (c *Client) SendToServer(protocol, host string, port uint16, target string,
	payload []byte, cb func(rpc.Response)) {

	go func() {
		url := fmt.Sprintf("%s://%s%s", protocol, net.JoinHostPort(host, fmt.Sprint(port)), target)
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			cb(rpc.PlainResponse(http.StatusBadRequest, "Invalid url"))
			return
		}
		req.Host = host

		resp, err := c.external.Do(req)
		if err != nil {
			c.log.Debugf("Relay to server %s failed: %v", host, err)
			cb(rpc.PlainResponse(http.StatusBadGateway, "Server error"))
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		if err != nil {
			cb(rpc.PlainResponse(http.StatusBadGateway, "Server error"))
			return
		}
		cb(rpc.JSONResponse(http.StatusOK, string(body)))
	}()
}

// StorageTestResult is a peer's answer to a storage test.
type StorageTestResult struct {
	Status string `json:"status"`
	Value  string `json:"value,omitempty"`
}

// StorageTest asks a peer to produce the message stored under (height,
// hash).
func (c *Client) StorageTest(sn swarm.SnodeRecord, height uint64, hash string) (*StorageTestResult, error) {
	if sn.PortMQ != 0 {
		parts, err := c.mq.Request(sn, mq.CmdStorageTest,
			[][]byte{[]byte(fmt.Sprint(height)), []byte(hash)})
		if err == nil && len(parts) >= 1 {
			res := &StorageTestResult{Status: string(parts[0])}
			if len(parts) > 1 {
				res.Value = string(parts[1])
			}
			return res, nil
		}
		if err != nil {
			c.log.Debugf("MQ storage test to %s failed, trying HTTPS: %v", sn.PubkeyLegacy, err)
		}
	}

	body, _ := json.Marshal(map[string]interface{}{"height": height, "hash": hash})
	status, respBody, err := c.PostSnode(sn, "/swarms/storage_test/v1", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peerclient: storage test status %d", status)
	}
	res := new(StorageTestResult)
	if err := json.Unmarshal(respBody, res); err != nil {
		return nil, fmt.Errorf("peerclient: invalid storage test reply: %v", err)
	}
	return res, nil
}

// PingPeer probes a peer's liveness endpoint.
func (c *Client) PingPeer(sn swarm.SnodeRecord) error {
	if sn.PortMQ != 0 {
		if _, err := c.mq.Request(sn, mq.CmdPing, nil); err == nil {
			return nil
		}
	}
	status, _, err := c.PostSnode(sn, "/swarms/ping_test/v1", []byte("{}"))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("peerclient: ping status %d", status)
	}
	return nil
}

// PushBatch delivers a batch of stored messages to a swarm peer.
func (c *Client) PushBatch(sn swarm.SnodeRecord, msgs []storage.Message) error {
	blob, err := cbor.Marshal(msgs)
	if err != nil {
		return err
	}
	_, err = c.mq.Request(sn, mq.CmdData, [][]byte{blob})
	return err
}
