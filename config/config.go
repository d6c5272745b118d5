// config.go - Storage server configuration.
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

// Package config provides the storage server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	defaultHTTPSPort = 22021
	defaultMQPort    = 22020

	defaultOxendRPC = "http://127.0.0.1:22023/json_rpc"

	defaultNumWorkers = 4

	defaultBlockHashCacheSize = 128
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the top level server section.
type Server struct {
	// IP is the public IPv4 address clients and peers reach us on.
	IP string

	// PortHTTPS is the client/peer HTTPS port.
	PortHTTPS uint16

	// PortMQ is the snode-to-snode message queue port.
	PortMQ uint16

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// CertFile and KeyFile are the TLS certificate paths, relative to
	// DataDir unless absolute.
	CertFile string
	KeyFile  string

	// EnableCORS adds `Access-Control-Allow-Origin: *` to every response
	// and answers OPTIONS preflights; the request origin is not checked
	// against any list.
	EnableCORS bool

	// MetricsAddress, when set, exposes prometheus metrics on the given
	// address.
	MetricsAddress string
}

func (sCfg *Server) validate() error {
	if sCfg.IP == "" {
		return errors.New("config: Server: IP is not set")
	}
	ip := net.ParseIP(sCfg.IP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("config: Server: IP '%v' is not a valid IPv4 address", sCfg.IP)
	}
	if sCfg.DataDir == "" {
		return errors.New("config: Server: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG", "CRITICAL":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Oxend configures the daemon RPC connection.
type Oxend struct {
	// RPC is the daemon's JSON-RPC URL.
	RPC string
}

func (oCfg *Oxend) validate() error {
	if oCfg.RPC == "" {
		return errors.New("config: Oxend: RPC is not set")
	}
	return nil
}

// Limits holds throttle and sizing knobs.
type Limits struct {
	// NumWorkers is the request worker pool size.
	NumWorkers int

	// Client and snode token bucket parameters.
	ClientRate  float64
	ClientBurst int
	SnodeRate   float64
	SnodeBurst  int

	// BlockHashCacheSize bounds the recently seen block hash cache.
	BlockHashCacheSize int
}

func (lCfg *Limits) applyDefaults() {
	if lCfg.NumWorkers <= 0 {
		lCfg.NumWorkers = defaultNumWorkers
	}
	if lCfg.ClientRate <= 0 {
		lCfg.ClientRate = 0.2
	}
	if lCfg.ClientBurst <= 0 {
		lCfg.ClientBurst = 10
	}
	if lCfg.SnodeRate <= 0 {
		lCfg.SnodeRate = 10
	}
	if lCfg.SnodeBurst <= 0 {
		lCfg.SnodeBurst = 100
	}
	if lCfg.BlockHashCacheSize <= 0 {
		lCfg.BlockHashCacheSize = defaultBlockHashCacheSize
	}
}

// Debug holds debug and deprecated-feature toggles.
type Debug struct {
	// EnableCBCProxy re-enables the legacy AES-CBC proxy channel.  The
	// scheme has no integrity tag; leave it off unless old clients must
	// be served.
	EnableCBCProxy bool
}

// Config is the top level configuration.
type Config struct {
	Server  *Server
	Logging *Logging
	Oxend   *Oxend
	Limits  *Limits
	Debug   *Debug
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Oxend == nil {
		cfg.Oxend = &Oxend{RPC: defaultOxendRPC}
	}
	if cfg.Limits == nil {
		cfg.Limits = &Limits{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if cfg.Server.PortHTTPS == 0 {
		cfg.Server.PortHTTPS = defaultHTTPSPort
	}
	if cfg.Server.PortMQ == 0 {
		cfg.Server.PortMQ = defaultMQPort
	}
	if cfg.Server.CertFile == "" {
		cfg.Server.CertFile = "cert.pem"
	}
	if cfg.Server.KeyFile == "" {
		cfg.Server.KeyFile = "key.pem"
	}
	if !filepath.IsAbs(cfg.Server.CertFile) {
		cfg.Server.CertFile = filepath.Join(cfg.Server.DataDir, cfg.Server.CertFile)
	}
	if !filepath.IsAbs(cfg.Server.KeyFile) {
		cfg.Server.KeyFile = filepath.Join(cfg.Server.DataDir, cfg.Server.KeyFile)
	}
	cfg.Limits.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Oxend.validate()
}

// Load parses and validates the provided buffer as a config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
