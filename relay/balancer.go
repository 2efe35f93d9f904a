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

// Package relay implements the bidirectional TCP and UDP relay loops that
// splice a SOCKS5 local connection to a Shadowsocks remote server: round
// robin server selection, DNS caching, per-connection cipher exchange, and
// UDP datagram demultiplexing via an LRU client map.
package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/jigsaw-sslocal/sslocal/ss"
)

// ServerEndpoint is one configured remote Shadowsocks server.
type ServerEndpoint struct {
	Host     string // may be a hostname or an IP literal
	Port     int
	Password string
	Method   *ss.Method
}

// Addr returns the host:port form used to dial or display this endpoint.
func (s *ServerEndpoint) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// RoundRobin is a vector of configured servers plus a monotonically
// advancing index. It is only ever touched by the single goroutine that
// owns an accept loop, so it needs no lock, matching the source's
// single-writer load balancer.
type RoundRobin struct {
	servers []*ServerEndpoint
	next    int
}

// NewRoundRobin builds a balancer over a non-empty server list.
func NewRoundRobin(servers []*ServerEndpoint) (*RoundRobin, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("relay: %w: server list is empty", ErrConfig)
	}
	return &RoundRobin{servers: servers}, nil
}

// PickServer returns the next server in rotation and advances the index.
func (r *RoundRobin) PickServer() *ServerEndpoint {
	s := r.servers[r.next%len(r.servers)]
	r.next++
	return s
}

// Total returns the number of configured servers.
func (r *RoundRobin) Total() int {
	return len(r.servers)
}

// ResolverCache is a hostname -> resolved IPs map, populated lazily and
// never evicted: the balancer enumerates a small, static server list, so an
// unbounded, never-refreshed cache is sufficient (see DESIGN.md). It is
// only ever touched by the accept loop goroutine that owns it.
type ResolverCache struct {
	cache    map[string][]net.IP
	resolver *net.Resolver
}

// NewResolverCache builds an empty cache using the given resolver, or
// net.DefaultResolver if nil. Only the first resolved address is ever
// used; there is no dual-stack racing between candidates.
func NewResolverCache(resolver *net.Resolver) *ResolverCache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &ResolverCache{cache: make(map[string][]net.IP), resolver: resolver}
}

// Lookup returns the cached IP list for host, resolving and caching it on
// first use. A resolution that returns zero addresses is treated as a
// transient ResolutionError and is not cached, so a later attempt retries.
func (c *ResolverCache) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if ips, ok := c.cache[host]; ok {
		return ips, nil
	}
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &ResolutionError{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ResolutionError{Host: host, Err: fmt.Errorf("no addresses returned")}
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	c.cache[host] = ips
	return ips, nil
}
