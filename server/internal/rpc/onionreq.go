// onionreq.go - Onion request dispatch and response wrapping.
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

package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/oxen-io/oxen-storage-server/crypto"
	"github.com/oxen-io/oxen-storage-server/server/internal/onion"
	"github.com/oxen-io/oxen-storage-server/swarm"
)

// Forwarder sends onion payloads onwards: to the next snode in the chain or
// to an external server.  The callback runs on the forwarder's goroutine.
type Forwarder interface {
	// SendOnionToSnode relays ciphertext plus layer metadata to the next
	// hop.  On completion cb receives the (status, body) parts of the
	// reply, or ok=false on timeout or when the hop cannot be reached.
	SendOnionToSnode(sn swarm.SnodeRecord, ciphertext []byte, meta onion.Metadata,
		cb func(ok bool, parts [][]byte))

	// SendToServer posts the payload to an external HTTPS endpoint.
	SendToServer(protocol, host string, port uint16, target string, payload []byte,
		cb func(Response))
}

// WrapProxyResponse encrypts a response under the incoming layer's
// ephemeral key and scheme, preserving onion symmetry, and base64 encodes
// the ciphertext.
func (h *RequestHandler) WrapProxyResponse(res Response, clientKey crypto.X25519Pubkey,
	encType crypto.EncType) Response {
	return h.wrapProxyResponse(res, clientKey, encType, false, false)
}

// wrapProxyResponse additionally honors the terminal layer's json/base64
// flags: json embeds the body as a raw JSON value, base64 re-encodes it.
func (h *RequestHandler) wrapProxyResponse(res Response, clientKey crypto.X25519Pubkey,
	encType crypto.EncType, bodyJSON, bodyBase64 bool) Response {

	var body interface{} = res.Body
	if bodyBase64 {
		body = base64.StdEncoding.EncodeToString([]byte(res.Body))
	} else if bodyJSON && json.Valid([]byte(res.Body)) {
		body = json.RawMessage(res.Body)
	}
	wrapped, _ := json.Marshal(map[string]interface{}{
		"status": res.Status,
		"body":   body,
	})
	ciphertext, err := h.cipher.Encrypt(encType, wrapped, clientKey)
	if err != nil {
		h.log.Errorf("Could not encrypt response: %v", err)
		return PlainResponse(http.StatusInternalServerError, "Could not encrypt response")
	}
	return JSONResponse(http.StatusOK, base64.StdEncoding.EncodeToString(ciphertext))
}

// ProcessOnionReq peels one layer off an onion request and dispatches the
// result.  The reply passed to cb is ready for the wire: terminal responses
// and inner-JSON errors are already encrypted under the incoming layer.
func (h *RequestHandler) ProcessOnionReq(ciphertext []byte, meta onion.Metadata, cb func(Response)) {
	if !h.snode.Ready() {
		cb(PlainResponse(http.StatusServiceUnavailable,
			fmt.Sprintf("Snode not ready: %s", h.snode.OwnAddress().PubkeyEd25519)))
		return
	}

	plaintext, err := h.cipher.Decrypt(meta.EncType, ciphertext, meta.EphemKey)
	if err != nil {
		h.log.Errorf("Error decrypting %d bytes onion request using %v: %v",
			len(ciphertext), meta.EncType, err)
		cb(PlainResponse(http.StatusBadRequest, "Invalid ciphertext"))
		return
	}

	switch info := onion.ProcessInnerRequest(plaintext).(type) {
	case onion.FinalDestinationInfo:
		h.processOnionExit(info, meta, cb)
	case onion.RelayToNodeInfo:
		h.processOnionToNode(info, meta, cb)
	case onion.RelayToServerInfo:
		h.processOnionToServer(info, meta, cb)
	case onion.InvalidInfo:
		h.log.Debugf("Error parsing inner JSON in onion request: %v", info.Err)
		cb(h.WrapProxyResponse(PlainResponse(http.StatusBadRequest, "Invalid json"),
			meta.EphemKey, meta.EncType))
	}
}

func (h *RequestHandler) processOnionExit(info onion.FinalDestinationInfo,
	meta onion.Metadata, cb func(Response)) {

	h.log.Debugf("We are the final destination in the onion request")

	h.ProcessClientReq(info.Body, func(res Response) {
		cb(h.wrapProxyResponse(res, meta.EphemKey, meta.EncType, info.JSON, info.Base64))
	})
}

func (h *RequestHandler) processOnionToNode(info onion.RelayToNodeInfo,
	meta onion.Metadata, cb func(Response)) {

	destNode, ok := h.snode.FindNodeByEd25519(info.NextNode)
	if !ok {
		msg := fmt.Sprintf("Next node not found: %s", info.NextNode)
		h.log.Warningf("%s", msg)
		cb(PlainResponse(http.StatusBadGateway, msg))
		return
	}

	nextMeta := onion.Metadata{
		EphemKey: info.EphemeralKey,
		EncType:  info.EncType,
		HopNo:    meta.HopNo + 1,
	}

	h.log.Debugf("Relaying onion request to snode %s", destNode.PubkeyLegacy)

	h.forwarder.SendOnionToSnode(destNode, info.Ciphertext, nextMeta,
		func(ok bool, parts [][]byte) {
			if !ok {
				h.log.Debugf("Onion request relay timed out")
				cb(PlainResponse(http.StatusGatewayTimeout, "Request time out"))
				return
			}
			// A reply is (status, body); tolerate extra parts for
			// forwards compatibility.
			if len(parts) < 2 {
				h.log.Debugf("Invalid onion relay response; expected at least 2 parts")
				cb(PlainResponse(http.StatusInternalServerError, "Invalid response from snode"))
				return
			}
			status := http.StatusInternalServerError
			if code, err := strconv.Atoi(string(parts[0])); err == nil {
				status = code
			}
			if status != http.StatusOK {
				h.log.Debugf("Onion request relay failed with: %s", parts[1])
			}
			cb(JSONResponse(status, string(parts[1])))
		})
}

func (h *RequestHandler) processOnionToServer(info onion.RelayToServerInfo,
	meta onion.Metadata, cb func(Response)) {

	h.log.Debugf("We are to forward the request to url: %s%s", info.Host, info.Target)

	if !onion.IsServerURLAllowed(info.Target) {
		cb(h.WrapProxyResponse(PlainResponse(http.StatusBadRequest, "Invalid url"),
			meta.EphemKey, meta.EncType))
		return
	}

	h.forwarder.SendToServer(info.Protocol, info.Host, info.Port, info.Target, info.Payload, cb)
}

// ProcessProxyExit handles the deprecated AES-CBC proxy channel.  The whole
// path is gated behind a configuration flag since the scheme carries no
// integrity tag.
func (h *RequestHandler) ProcessProxyExit(clientKey crypto.X25519Pubkey, payload []byte, cb func(Response)) {
	if !h.cfg.EnableCBCProxy {
		cb(PlainResponse(http.StatusForbidden, "Proxy requests are disabled on this node"))
		return
	}
	if !h.snode.Ready() {
		cb(h.WrapProxyResponse(PlainResponse(http.StatusServiceUnavailable, "Snode not ready"),
			clientKey, crypto.EncTypeAESCBC))
		return
	}

	plaintext, err := h.cipher.DecryptCBC(payload, clientKey)
	if err != nil {
		h.log.Debugf("Invalid proxy ciphertext: %v", err)
		cb(h.WrapProxyResponse(PlainResponse(http.StatusBadRequest, "Invalid ciphertext"),
			clientKey, crypto.EncTypeAESCBC))
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(plaintext, &req); err != nil {
		cb(h.WrapProxyResponse(
			PlainResponse(http.StatusBadRequest, fmt.Sprintf("JSON parsing error: %v", err)),
			clientKey, crypto.EncTypeAESCBC))
		return
	}

	h.ProcessClientReq([]byte(req.Body), func(res Response) {
		cb(h.WrapProxyResponse(res, clientKey, crypto.EncTypeAESCBC))
	})
}
