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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validJSON = `{
	"server": [
		{"addr": "example.com", "port": 8388, "password": "s3cr3t", "method": "aes-256-cfb"}
	],
	"local": {"ip": "127.0.0.1", "port": 1080},
	"timeout": 300,
	"enable_udp": true
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validJSON)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1080", c.LocalAddr())
	require.True(t, c.EnableUDP)
	require.Equal(t, 300*1000*1000, int(c.Timeout()))

	endpoints, err := c.ServerEndpoints()
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	require.Equal(t, "example.com", endpoints[0].Host)
	require.Equal(t, "aes-256-cfb", endpoints[0].Method.Name)
}

func TestLoadRejectsEmptyServerList(t *testing.T) {
	path := writeConfig(t, `{"server": [], "local": {"ip": "127.0.0.1", "port": 1080}}`)
	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRejectsUnknownMethod(t *testing.T) {
	path := writeConfig(t, `{
		"server": [{"addr": "example.com", "port": 8388, "password": "x", "method": "rot13"}],
		"local": {"ip": "127.0.0.1", "port": 1080}
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingLocal(t *testing.T) {
	path := writeConfig(t, `{
		"server": [{"addr": "example.com", "port": 8388, "password": "x", "method": "aes-128-cfb"}]
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNegativeTimeout(t *testing.T) {
	path := writeConfig(t, `{
		"server": [{"addr": "example.com", "port": 8388, "password": "x", "method": "aes-128-cfb"}],
		"local": {"ip": "127.0.0.1", "port": 1080},
		"timeout": -1
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
