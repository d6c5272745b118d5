// onion.go - Onion request parsing and classification.
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

// Package onion implements one layer of the onion request pipeline: parsing
// the combined payload wire format and classifying a peeled layer.
package onion

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oxen-io/oxen-storage-server/crypto"
)

// ErrPayloadTooShort is returned when a combined payload's length prefix
// exceeds the remaining buffer.
var ErrPayloadTooShort = errors.New("onion: unexpected payload size")

var serverTargetRe = regexp.MustCompile(`^/(loki|oxen)/.*/lsrpc$`)

// Metadata flows with each decrypted layer: the sender's ephemeral key and
// scheme needed to encrypt the reply symmetric to the incoming layer.
type Metadata struct {
	EphemKey crypto.X25519Pubkey
	EncType  crypto.EncType
	HopNo    uint32
}

// ParseCombinedPayload splits the wire format
// | 4 bytes u32-LE: N | N bytes: ciphertext | rest: UTF-8 JSON |
// into its two parts.
func ParseCombinedPayload(payload []byte) (ciphertext, jsonPart []byte, err error) {
	if len(payload) < 4 {
		return nil, nil, ErrPayloadTooShort
	}
	n := binary.LittleEndian.Uint32(payload)
	rest := payload[4:]
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, fmt.Errorf("onion: unexpected payload size %d, expected >= %d: %w",
			len(rest), n, ErrPayloadTooShort)
	}
	return rest[:n], rest[n:], nil
}

// EmitCombinedPayload is the inverse of ParseCombinedPayload.
func EmitCombinedPayload(ciphertext, jsonPart []byte) []byte {
	out := make([]byte, 4, 4+len(ciphertext)+len(jsonPart))
	binary.LittleEndian.PutUint32(out, uint32(len(ciphertext)))
	out = append(out, ciphertext...)
	return append(out, jsonPart...)
}

// ParseMetadata extracts the layer metadata from the outer JSON of a
// combined payload.
func ParseMetadata(jsonPart []byte) (Metadata, error) {
	var outer struct {
		EphemeralKey string  `json:"ephemeral_key"`
		EncType      *string `json:"enc_type"`
		HopNo        uint32  `json:"hop_no"`
	}
	if err := json.Unmarshal(jsonPart, &outer); err != nil {
		return Metadata{}, fmt.Errorf("onion: invalid metadata json: %v", err)
	}
	ephemKey, err := crypto.X25519PubkeyFromHex(outer.EphemeralKey)
	if err != nil {
		return Metadata{}, fmt.Errorf("onion: invalid ephemeral_key: %v", err)
	}
	meta := Metadata{EphemKey: ephemKey, EncType: crypto.EncTypeAESGCM, HopNo: outer.HopNo}
	if outer.EncType != nil {
		if meta.EncType, err = crypto.ParseEncType(*outer.EncType); err != nil {
			return Metadata{}, err
		}
	}
	return meta, nil
}

// ParsedInfo is the classification of a peeled onion layer.
type ParsedInfo interface {
	isParsedInfo()
}

// FinalDestinationInfo means we are the terminal hop: the body is a client
// RPC for the local request handler.
type FinalDestinationInfo struct {
	Body   []byte
	JSON   bool
	Base64 bool
}

// RelayToServerInfo means the payload is destined for an external HTTPS
// endpoint.
type RelayToServerInfo struct {
	Payload  []byte
	Host     string
	Port     uint16
	Protocol string
	Target   string
}

// RelayToNodeInfo means the next layer belongs to another service node.
type RelayToNodeInfo struct {
	Ciphertext   []byte
	EphemeralKey crypto.X25519Pubkey
	EncType      crypto.EncType
	NextNode     crypto.Ed25519Pubkey
}

// InvalidInfo is the error variant: the inner payload could not be parsed.
type InvalidInfo struct {
	Err error
}

func (FinalDestinationInfo) isParsedInfo() {}
func (RelayToServerInfo) isParsedInfo()    {}
func (RelayToNodeInfo) isParsedInfo()      {}
func (InvalidInfo) isParsedInfo()          {}

// ProcessInnerRequest classifies one decrypted layer.  A `headers` field
// (with any value) marks the terminal hop; otherwise `host` selects an
// external server relay; otherwise the layer must name a destination snode.
func ProcessInnerRequest(plaintext []byte) ParsedInfo {
	ciphertext, jsonPart, err := ParseCombinedPayload(plaintext)
	if err != nil {
		return InvalidInfo{Err: err}
	}

	var inner struct {
		Headers      *json.RawMessage `json:"headers"`
		Host         *string          `json:"host"`
		Target       string           `json:"target"`
		Port         *uint16          `json:"port"`
		Protocol     *string          `json:"protocol"`
		Destination  string           `json:"destination"`
		EphemeralKey string           `json:"ephemeral_key"`
		EncType      *string          `json:"enc_type"`
		JSON         bool             `json:"json"`
		Base64       bool             `json:"base64"`
	}
	if err := json.Unmarshal(jsonPart, &inner); err != nil {
		return InvalidInfo{Err: fmt.Errorf("onion: invalid inner json: %v", err)}
	}

	switch {
	case inner.Headers != nil:
		return FinalDestinationInfo{Body: ciphertext, JSON: inner.JSON, Base64: inner.Base64}

	case inner.Host != nil:
		info := RelayToServerInfo{
			Payload:  plaintext,
			Host:     *inner.Host,
			Port:     443,
			Protocol: "https",
			Target:   inner.Target,
		}
		if inner.Port != nil {
			info.Port = *inner.Port
		}
		if inner.Protocol != nil {
			info.Protocol = *inner.Protocol
		}
		return info

	default:
		next, err := crypto.Ed25519PubkeyFromHex(inner.Destination)
		if err != nil {
			return InvalidInfo{Err: fmt.Errorf("onion: invalid destination: %v", err)}
		}
		ephemKey, err := crypto.X25519PubkeyFromHex(inner.EphemeralKey)
		if err != nil {
			return InvalidInfo{Err: fmt.Errorf("onion: invalid ephemeral_key: %v", err)}
		}
		info := RelayToNodeInfo{
			Ciphertext:   ciphertext,
			EphemeralKey: ephemKey,
			EncType:      crypto.EncTypeAESGCM,
			NextNode:     next,
		}
		if inner.EncType != nil {
			if info.EncType, err = crypto.ParseEncType(*inner.EncType); err != nil {
				return InvalidInfo{Err: err}
			}
		}
		return info
	}
}

// IsServerURLAllowed restricts external relays to open-group style
// endpoints: the target must start with /loki/ or /oxen/, end with /lsrpc,
// and carry no query string.
func IsServerURLAllowed(target string) bool {
	return serverTargetRe.MatchString(target) && !strings.Contains(target, "?")
}
