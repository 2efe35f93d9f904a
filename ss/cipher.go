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

package ss

import (
	"crypto/cipher"
	"fmt"
)

// StreamCipher is the streaming encrypt/decrypt adapter every cipher method
// presents to callers, regardless of which primitive backs it. It wraps a
// crypto/cipher.Stream, whose XORKeyStream already has update-like
// semantics: callable an unbounded number of times, output length equal to
// input length. Finalize exists to satisfy the legacy protocol's contract
// but never has a tail to emit for any method registered here; the Table
// method's substitution is likewise tail-free.
type StreamCipher struct {
	method *Method
	stream cipher.Stream
	done   bool
}

// NewStreamCipher constructs a cipher instance for one direction of one
// connection. key and iv must already be exactly method.KeySize and
// method.IVSize bytes (method.KeySize == 0 for "table", in which case key is
// the raw password — see DeriveKey).
func NewStreamCipher(method *Method, key, iv []byte, dir Direction) (*StreamCipher, error) {
	if method.KeySize != 0 && len(key) != method.KeySize {
		return nil, fmt.Errorf("ss: %s: bad key size: got %d want %d", method.Name, len(key), method.KeySize)
	}
	if len(iv) != method.IVSize {
		return nil, fmt.Errorf("ss: %s: bad iv size: got %d want %d", method.Name, len(iv), method.IVSize)
	}
	if method.newStream == nil {
		return nil, fmt.Errorf("ss: %s: %w", method.Name, ErrCipherUnavailable)
	}
	stream, err := method.newStream(key, iv, dir)
	if err != nil {
		return nil, fmt.Errorf("ss: %s: constructing cipher: %w", method.Name, err)
	}
	return &StreamCipher{method: method, stream: stream}, nil
}

// Update applies the stream transform to input, returning a freshly
// allocated buffer of the same length.
func (c *StreamCipher) Update(input []byte) []byte {
	out := make([]byte, len(input))
	c.stream.XORKeyStream(out, input)
	return out
}

// UpdateInto applies the stream transform from src into dst, which must be
// at least len(src) bytes; it follows the same aliasing rules as
// cipher.Stream.XORKeyStream (dst and src may fully overlap at zero offset).
func (c *StreamCipher) UpdateInto(dst, src []byte) {
	c.stream.XORKeyStream(dst, src)
}

// Finalize releases any buffered tail. No method registered in this package
// buffers anything past XORKeyStream, so it always returns nil, but the call
// is still required: it's a programming error to use a cipher after
// finalizing it, and callers on the encrypt side defer Finalize at
// construction so it runs on every exit path including errors.
func (c *StreamCipher) Finalize() []byte {
	if c.done {
		panic("ss: Finalize called more than once")
	}
	c.done = true
	return nil
}
