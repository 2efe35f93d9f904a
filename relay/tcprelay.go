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
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jigsaw-sslocal/sslocal/socks5"
	"github.com/jigsaw-sslocal/sslocal/ss"
	"github.com/jigsaw-sslocal/sslocal/transport"
)

// readBufferSize is the per-direction scratch buffer staged before Update;
// there is no other buffering pool between the two sockets.
const readBufferSize = 2 * 1024

// TCPRelay accepts SOCKS5 connections on Listen, negotiates CONNECT and
// UDP-ASSOCIATE, and splices the local plaintext stream to an encrypted
// stream on a remote server chosen by Servers.
type TCPRelay struct {
	Listen    string
	Servers   *RoundRobin
	Resolver  *ResolverCache
	Timeout   time.Duration
	EnableUDP bool
	Logger    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

func (r *TCPRelay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Bind opens the listening socket. It's split from Serve so callers (and
// tests) can learn the bound address before the accept loop starts,
// mirroring the listen/serve split of net/http.Server.
func (r *TCPRelay) Bind(ctx context.Context) error {
	lc := net.ListenConfig{}
	l, err := lc.Listen(ctx, "tcp", r.Listen)
	if err != nil {
		return fmt.Errorf("relay: binding tcp listener on %s: %w", r.Listen, err)
	}
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
	return nil
}

// Addr returns the bound listen address, or nil before Bind/ListenAndServe
// has run.
func (r *TCPRelay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Serve runs the accept loop against an already-Bound listener until ctx is
// canceled or Close is called. Every per-connection failure is logged and
// the loop continues; only Bind's own failure is startup-fatal.
func (r *TCPRelay) Serve(ctx context.Context) error {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil {
		return fmt.Errorf("relay: Serve called before Bind")
	}
	// Canceling ctx closes the listener, which ends the accept loop below.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	logger := r.logger()
	logger.Info("tcp relay listening", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("tcp accept failed", "error", err)
			continue
		}
		go r.handleConn(ctx, conn.(*net.TCPConn))
	}
}

// ListenAndServe binds the configured local address and accepts connections
// until ctx is canceled or Close is called.
func (r *TCPRelay) ListenAndServe(ctx context.Context) error {
	if err := r.Bind(ctx); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Close stops accepting new connections. In-flight connections finish on
// their own.
func (r *TCPRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func (r *TCPRelay) handleConn(ctx context.Context, conn transport.StreamConn) {
	logger := r.logger()
	defer conn.Close()
	if r.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(r.Timeout))
	}

	req, err := socks5.ReadHandshakeRequest(conn)
	if err != nil {
		logger.Debug("socks5 handshake read failed", "error", err)
		return
	}
	if !req.HasNoAuth() {
		socks5.WriteHandshakeResponse(conn, socks5.NoAcceptableMethod)
		return
	}
	if err := socks5.WriteHandshakeResponse(conn, socks5.AuthNoAuth); err != nil {
		logger.Debug("socks5 handshake response failed", "error", err)
		return
	}

	hdr, err := socks5.ReadTCPRequestHeader(conn)
	if err != nil {
		logger.Debug("socks5 request header read failed", "error", err)
		return
	}

	switch hdr.Cmd {
	case socks5.CmdConnect:
		r.handleConnect(ctx, conn, hdr)
	case socks5.CmdUDPAssociate:
		r.handleUDPAssociate(conn, hdr)
	default:
		logger.Debug("rejecting unsupported command", "cmd", hdr.Cmd)
		socks5.WriteTCPResponseHeader(conn, socks5.ErrCommandNotSupported, hdr.Address)
	}
}

func (r *TCPRelay) handleUDPAssociate(conn transport.StreamConn, hdr *socks5.TCPRequestHeader) {
	logger := r.logger()
	if !r.EnableUDP {
		socks5.WriteTCPResponseHeader(conn, socks5.ErrCommandNotSupported, hdr.Address)
		return
	}
	// The reply carries this TCP session's own bound address, not the UDP
	// socket's: one UDP listener is shared across every session, so there
	// is no per-session UDP binding yet to report at reply time.
	localAddr, err := socks5.AddressFromNetAddr(conn.LocalAddr())
	if err != nil {
		logger.Error("resolving local address for udp-associate reply", "error", err)
		socks5.WriteTCPResponseHeader(conn, socks5.ErrGeneralServerFailure, hdr.Address)
		return
	}
	if err := socks5.WriteTCPResponseHeader(conn, socks5.Succeeded, localAddr); err != nil {
		logger.Debug("udp-associate reply failed", "error", err)
		return
	}
	// The UDP binding recorded in the client map is the only state this
	// association needs; this session just idles until the local
	// application closes it or the connection times out.
	var scratch [1]byte
	conn.Read(scratch[:])
}

func (r *TCPRelay) handleConnect(ctx context.Context, conn transport.StreamConn, hdr *socks5.TCPRequestHeader) {
	logger := r.logger()

	server, remoteConn, err := r.dialUpstream(ctx)
	if err != nil {
		reply := socks5.ErrGeneralServerFailure
		var dialErr *UpstreamDialError
		if errors.As(err, &dialErr) {
			reply = dialErr.Reply
		}
		logger.Warn("dialing upstream failed", "error", err)
		socks5.WriteTCPResponseHeader(conn, reply, hdr.Address)
		return
	}
	defer remoteConn.Close()
	if r.Timeout > 0 {
		remoteConn.SetDeadline(time.Now().Add(r.Timeout))
	}

	key := ss.DeriveKey(server.Method, server.Password)
	iv, err := ss.GenIV(server.Method.IVSize)
	if err != nil {
		logger.Error("generating iv", "error", err)
		socks5.WriteTCPResponseHeader(conn, socks5.ErrGeneralServerFailure, hdr.Address)
		return
	}
	enc, err := ss.NewStreamCipher(server.Method, key, iv, ss.Encrypt)
	if err != nil {
		logger.Error("constructing encryptor", "error", err)
		socks5.WriteTCPResponseHeader(conn, socks5.ErrGeneralServerFailure, hdr.Address)
		return
	}
	// Guarantees finalize runs on every exit path of this goroutine's scope.
	defer enc.Finalize()

	if _, err := remoteConn.Write(iv); err != nil {
		logger.Debug("writing iv to remote", "error", err)
		return
	}

	localAddr, err := socks5.AddressFromNetAddr(conn.LocalAddr())
	if err != nil {
		logger.Error("resolving local bound address", "error", err)
		return
	}
	if err := socks5.WriteTCPResponseHeader(conn, socks5.Succeeded, localAddr); err != nil {
		logger.Debug("writing success reply", "error", err)
		return
	}

	var dstBuf bytes.Buffer
	if err := socks5.WriteAddress(&dstBuf, hdr.Address); err != nil {
		logger.Error("encoding destination address", "error", err)
		return
	}
	if _, err := remoteConn.Write(enc.Update(dstBuf.Bytes())); err != nil {
		logger.Debug("writing destination address to remote", "error", err)
		return
	}

	errc := make(chan error, 2)
	go func() {
		errc <- copyStream(remoteConn, conn, enc.Update)
	}()
	go func() {
		ivS := make([]byte, server.Method.IVSize)
		if _, err := io.ReadFull(remoteConn, ivS); err != nil {
			errc <- fmt.Errorf("relay: reading remote iv: %w", err)
			return
		}
		dec, err := ss.NewStreamCipher(server.Method, key, ivS, ss.Decrypt)
		if err != nil {
			errc <- fmt.Errorf("relay: constructing decryptor: %w", err)
			return
		}
		defer dec.Finalize()
		errc <- copyStream(conn, remoteConn, dec.Update)
	}()

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			logger.Debug("tcp relay direction ended", "error", err)
		}
	}
}

// copyStream reads from src, runs each chunk through transform, and writes
// the result to dst, half-closing each side's corresponding direction at
// EOF or error so the opposite direction can keep running independently.
// transform is enc.Update or dec.Update, so this one loop implements both
// relay directions.
func copyStream(dst, src transport.StreamConn, transform func([]byte) []byte) error {
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(transform(buf[:n])); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			src.CloseRead()
			dst.CloseWrite()
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// dialUpstream picks a server from the balancer, resolves it through the
// cache, and dials it. It tries every configured server once before giving
// up; a connection whose servers are all unreachable fails only that
// connection, not the whole process.
func (r *TCPRelay) dialUpstream(ctx context.Context) (*ServerEndpoint, transport.StreamConn, error) {
	logger := r.logger()
	var lastErr error
	for attempt := 0; attempt < r.Servers.Total(); attempt++ {
		server := r.Servers.PickServer()
		ips, err := r.Resolver.Lookup(ctx, server.Host)
		if err != nil {
			logger.Warn("resolving server failed, trying next", "server", server.Host, "error", err)
			lastErr = err
			continue
		}
		addr := net.JoinHostPort(ips[0].String(), fmt.Sprint(server.Port))
		dialer := &transport.TCPStreamDialer{}
		conn, err := dialer.Dial(ctx, addr)
		if err != nil {
			lastErr = classifyDialError(err)
			continue
		}
		return server, conn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("relay: no servers configured")
	}
	var dialErr *UpstreamDialError
	if errors.As(lastErr, &dialErr) {
		return nil, nil, dialErr
	}
	return nil, nil, &UpstreamDialError{Reply: socks5.ErrNetworkUnreachable, Err: lastErr}
}
