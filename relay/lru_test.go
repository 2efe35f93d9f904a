// Copyright 2019 Jigsaw Operations LLC
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

package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientMapGetAfterPut(t *testing.T) {
	m := NewClientMap(4)
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	m.Put("example.com:53", src)

	got, ok := m.Get("example.com:53")
	require.True(t, ok)
	require.Equal(t, src, got)
}

func TestClientMapMiss(t *testing.T) {
	m := NewClientMap(4)
	_, ok := m.Get("nowhere:1")
	require.False(t, ok)
}

func TestClientMapEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewClientMap(2)
	a := &net.UDPAddr{Port: 1}
	b := &net.UDPAddr{Port: 2}
	c := &net.UDPAddr{Port: 3}

	m.Put("a", a)
	m.Put("b", b)
	// touch "a" so "b" becomes the least recently used entry.
	_, _ = m.Get("a")
	m.Put("c", c)

	_, ok := m.Get("b")
	require.False(t, ok, "b should have been evicted")
	_, ok = m.Get("a")
	require.True(t, ok)
	_, ok = m.Get("c")
	require.True(t, ok)
}

func TestClientMapUpdateExistingKey(t *testing.T) {
	m := NewClientMap(4)
	a := &net.UDPAddr{Port: 1}
	b := &net.UDPAddr{Port: 2}
	m.Put("k", a)
	m.Put("k", b)

	got, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, b, got)
}
