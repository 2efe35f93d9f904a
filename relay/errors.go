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
	"errors"
	"fmt"

	"github.com/jigsaw-sslocal/sslocal/socks5"
)

// Sentinel error kinds from the error taxonomy. Connection-local errors
// (ProtocolError, AuthUnsupported, CipherError, I/O) are logged and tear
// down only the connection that produced them; ErrConfig is startup-fatal.
var (
	ErrProtocol        = errors.New("relay: protocol error")
	ErrAuthUnsupported = errors.New("relay: client offered no supported auth method")
	ErrConfig          = errors.New("relay: configuration error")
)

// UpstreamDialError wraps a failed dial to a remote server, already
// classified to the SOCKS5 reply code the local client should see.
type UpstreamDialError struct {
	Reply socks5.ReplyCode
	Err   error
}

func (e *UpstreamDialError) Error() string {
	return fmt.Sprintf("relay: dialing upstream: %s: %v", e.Reply, e.Err)
}

func (e *UpstreamDialError) Unwrap() error { return e.Err }

// ResolutionError reports a failed or empty DNS lookup for one server.
// It's per-server: the balancer just advances to the next candidate.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("relay: resolving %q: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// classifyDialError maps a failed dial to a remote server onto the SOCKS5
// reply code the local client should see: connection-refused-like failures
// become HostUnreachable, anything else becomes NetworkUnreachable.
func classifyDialError(err error) *UpstreamDialError {
	if errors.Is(err, syscallConnRefused) ||
		errors.Is(err, syscallConnReset) ||
		errors.Is(err, syscallConnAborted) {
		return &UpstreamDialError{Reply: socks5.ErrHostUnreachable, Err: err}
	}
	return &UpstreamDialError{Reply: socks5.ErrNetworkUnreachable, Err: err}
}
