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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jigsaw-sslocal/sslocal/socks5"
	"github.com/jigsaw-sslocal/sslocal/ss"
	"github.com/jigsaw-sslocal/sslocal/transport"
)

// udpRecvBufferSize bounds a single recv_from call; SOCKS5/Shadowsocks UDP
// datagrams never approach the 64KiB UDP payload ceiling in practice, but
// this matches it so no legitimate datagram is ever truncated.
const udpRecvBufferSize = 64 * 1024

// UDPRelay binds one UDP socket and demultiplexes datagrams arriving on it:
// a local client's SOCKS5 UDP-associate datagram is encrypted and forwarded
// to a chosen server; a server's encrypted reply is decrypted and, via
// ClientMap, routed back to whichever client last asked for that
// destination.
type UDPRelay struct {
	Listen   string
	Servers  *RoundRobin
	Resolver *ResolverCache
	Clients  *ClientMap
	Logger   *slog.Logger

	mu         sync.Mutex
	conn       *net.UDPConn
	serverAddr map[string]*ServerEndpoint // resolved "ip:port" -> the server it belongs to
}

func (r *UDPRelay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Bind opens the UDP socket. Split from Serve, like TCPRelay.Bind/Serve, so
// callers and tests can learn the bound address before the receive loop
// starts.
func (r *UDPRelay) Bind(ctx context.Context) error {
	listener := transport.UDPPacketListener{Address: r.Listen}
	packetConn, err := listener.ListenPacket(ctx)
	if err != nil {
		return fmt.Errorf("relay: binding udp socket on %s: %w", r.Listen, err)
	}
	conn, ok := packetConn.(*net.UDPConn)
	if !ok {
		packetConn.Close()
		return fmt.Errorf("relay: unexpected packet conn type %T", packetConn)
	}

	r.mu.Lock()
	r.conn = conn
	r.serverAddr = make(map[string]*ServerEndpoint)
	r.mu.Unlock()
	return nil
}

// Addr returns the bound listen address, or nil before Bind/ListenAndServe
// has run.
func (r *UDPRelay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Serve dispatches one goroutine per received datagram against an
// already-Bound socket until ctx is canceled or Close is called.
func (r *UDPRelay) Serve(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay: Serve called before Bind")
	}
	// Canceling ctx closes the socket, which ends the receive loop below.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := r.logger()
	logger.Info("udp relay listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, udpRecvBufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("udp read failed", "error", err)
			continue
		}
		if n < 4 {
			logger.Debug("dropping undersized udp datagram", "len", n)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go r.handleDatagram(ctx, datagram, from)
	}
}

// ListenAndServe binds the configured local UDP address and dispatches one
// goroutine per received datagram until ctx is canceled or Close is called.
func (r *UDPRelay) ListenAndServe(ctx context.Context) error {
	if err := r.Bind(ctx); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Close stops the receive loop.
func (r *UDPRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *UDPRelay) handleDatagram(ctx context.Context, buf []byte, from *net.UDPAddr) {
	r.mu.Lock()
	server, fromServer := r.serverAddr[from.String()]
	r.mu.Unlock()

	if fromServer {
		r.handleServerDatagram(buf, server)
		return
	}
	r.handleClientDatagram(ctx, buf, from)
}

// handleClientDatagram handles a datagram from a local client: check FRAG,
// parse the header, record the client binding, pick and resolve a server,
// encrypt address||payload in one shot, and send iv||ciphertext.
func (r *UDPRelay) handleClientDatagram(ctx context.Context, buf []byte, from *net.UDPAddr) {
	logger := r.logger()
	if buf[2] != 0 {
		logger.Debug("dropping fragmented socks5 udp datagram")
		return
	}
	hdr, payload, err := socks5.ReadUDPHeader(buf)
	if err != nil {
		logger.Debug("parsing socks5 udp header failed", "error", err)
		return
	}
	r.Clients.Put(hdr.Address.String(), from)

	server := r.Servers.PickServer()
	ips, err := r.Resolver.Lookup(ctx, server.Host)
	if err != nil {
		logger.Warn("resolving udp server failed", "server", server.Host, "error", err)
		return
	}
	serverAddr := &net.UDPAddr{IP: ips[0], Port: server.Port}

	r.mu.Lock()
	r.serverAddr[serverAddr.String()] = server
	r.mu.Unlock()

	key := ss.DeriveKey(server.Method, server.Password)
	iv, err := ss.GenIV(server.Method.IVSize)
	if err != nil {
		logger.Error("generating udp iv", "error", err)
		return
	}
	enc, err := ss.NewStreamCipher(server.Method, key, iv, ss.Encrypt)
	if err != nil {
		logger.Error("constructing udp encryptor", "error", err)
		return
	}

	var plain bytes.Buffer
	if err := socks5.WriteAddress(&plain, hdr.Address); err != nil {
		logger.Error("encoding udp destination address", "error", err)
		return
	}
	plain.Write(payload)

	ciphertext := enc.Update(plain.Bytes())
	ciphertext = append(ciphertext, enc.Finalize()...)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)

	if _, err := r.conn.WriteToUDP(out, serverAddr); err != nil {
		logger.Debug("sending udp datagram to server failed", "error", err)
	}
}

// handleServerDatagram handles a reply datagram from a remote server: split
// iv/ciphertext, decrypt, parse the destination address from the
// plaintext prefix, look up the bound client, and re-wrap as a SOCKS5
// UDP-associate datagram.
func (r *UDPRelay) handleServerDatagram(buf []byte, server *ServerEndpoint) {
	logger := r.logger()
	if len(buf) < server.Method.IVSize {
		logger.Debug("udp reply shorter than iv")
		return
	}
	iv := buf[:server.Method.IVSize]
	ciphertext := buf[server.Method.IVSize:]

	key := ss.DeriveKey(server.Method, server.Password)
	dec, err := ss.NewStreamCipher(server.Method, key, iv, ss.Decrypt)
	if err != nil {
		logger.Error("constructing udp decryptor", "error", err)
		return
	}
	plain := dec.Update(ciphertext)
	plain = append(plain, dec.Finalize()...)

	reader := bytes.NewReader(plain)
	addr, err := socks5.ReadAddress(reader)
	if err != nil {
		logger.Debug("parsing udp reply address failed", "error", err)
		return
	}
	payload := plain[len(plain)-reader.Len():]

	client, ok := r.Clients.Get(addr.String())
	if !ok {
		logger.Debug("no client bound to udp reply destination, dropping", "dst", addr.String())
		return
	}
	clientAddr, ok := client.(*net.UDPAddr)
	if !ok {
		return
	}

	out, err := socks5.WriteUDPHeader(nil, 0, addr)
	if err != nil {
		logger.Error("encoding socks5 udp reply header", "error", err)
		return
	}
	out = append(out, payload...)

	if _, err := r.conn.WriteToUDP(out, clientAddr); err != nil {
		logger.Debug("sending udp reply to client failed", "error", err)
	}
}
