// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the JSON configuration file this proxy
// is started with, and turns it into the values the relay package needs to
// start serving: the ServerEndpoints (with resolved cipher methods) that a
// RoundRobin is built from, the local listen addresses, and the
// per-connection timeout.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jigsaw-sslocal/sslocal/relay"
	"github.com/jigsaw-sslocal/sslocal/ss"
)

// ConfigError reports a missing or invalid configuration file. It is always
// startup-fatal.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ServerConfig is one entry of the "server" array.
type ServerConfig struct {
	Addr     string `json:"addr"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	Method   string `json:"method"`
}

// LocalConfig is the "local" object: where this process listens for SOCKS5.
type LocalConfig struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Config is the parsed shape of the JSON config file: one or more remote
// servers (address, password, cipher method), the local bind address, a
// per-connection timeout, and whether to also relay UDP.
type Config struct {
	Servers   []ServerConfig `json:"server"`
	Local     LocalConfig    `json:"local"`
	TimeoutMS int            `json:"timeout"`
	EnableUDP bool           `json:"enable_udp"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("reading %s", path), Err: err}
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parsing %s", path), Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the config is usable: a non-empty server list whose
// entries all name a recognized cipher method, a local bind address, and a
// non-negative timeout.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return &ConfigError{Msg: "server list is empty"}
	}
	for i, s := range c.Servers {
		if s.Addr == "" {
			return &ConfigError{Msg: fmt.Sprintf("server[%d]: addr is empty", i)}
		}
		if s.Port <= 0 || s.Port > 65535 {
			return &ConfigError{Msg: fmt.Sprintf("server[%d]: port %d out of range", i, s.Port)}
		}
		if _, err := ss.GetMethod(s.Method); err != nil {
			return &ConfigError{Msg: fmt.Sprintf("server[%d]: method %q", i, s.Method), Err: err}
		}
	}
	if c.Local.IP == "" {
		return &ConfigError{Msg: "local.ip is empty"}
	}
	if c.Local.Port <= 0 || c.Local.Port > 65535 {
		return &ConfigError{Msg: fmt.Sprintf("local.port %d out of range", c.Local.Port)}
	}
	if c.TimeoutMS < 0 {
		return &ConfigError{Msg: fmt.Sprintf("timeout %d must not be negative", c.TimeoutMS)}
	}
	return nil
}

// LocalAddr returns the "ip:port" the TCP and UDP relays should bind.
func (c *Config) LocalAddr() string {
	return net.JoinHostPort(c.Local.IP, fmt.Sprint(c.Local.Port))
}

// Timeout converts the configured millisecond timeout to a time.Duration. A
// zero value means no deadline is applied.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ServerEndpoints resolves every configured server entry's method name into
// a *relay.ServerEndpoint, failing startup if any method is unrecognized
// (Validate should already have caught this, but Load callers that skip
// Validate still get a safe error instead of a nil method).
func (c *Config) ServerEndpoints() ([]*relay.ServerEndpoint, error) {
	endpoints := make([]*relay.ServerEndpoint, 0, len(c.Servers))
	for _, s := range c.Servers {
		method, err := ss.GetMethod(s.Method)
		if err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("server %s:%d", s.Addr, s.Port), Err: err}
		}
		endpoints = append(endpoints, &relay.ServerEndpoint{
			Host:     s.Addr,
			Port:     s.Port,
			Password: s.Password,
			Method:   method,
		})
	}
	return endpoints, nil
}
