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
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundRobinVisitsEveryServerOnce(t *testing.T) {
	servers := []*ServerEndpoint{{Host: "a"}, {Host: "b"}, {Host: "c"}}
	rr, err := NewRoundRobin(servers)
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < len(servers); i++ {
		seen[rr.PickServer().Host]++
	}
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)

	// Wraps around after a full cycle.
	require.Equal(t, "a", rr.PickServer().Host)
}

func TestRoundRobinRejectsEmptyList(t *testing.T) {
	_, err := NewRoundRobin(nil)
	require.Error(t, err)
}

func TestResolverCacheReturnsIPLiteral(t *testing.T) {
	c := NewResolverCache(nil)
	ips, err := c.Lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	require.Equal(t, "127.0.0.1", ips[0].String())
}
