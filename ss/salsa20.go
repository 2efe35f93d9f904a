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
	"encoding/binary"

	"golang.org/x/crypto/salsa20/salsa"
)

// salsaStream adapts the low-level, block-oriented salsa.XORKeyStream onto
// cipher.Stream, buffering a 64-byte keystream block the same way stdlib's
// own CTR-mode implementation buffers a block cipher's counter keystream.
// golang.org/x/crypto/salsa20/salsa only exposes whole-message XOR, not an
// incremental cipher.Stream, so this package provides the buffering that
// Update() (called repeatedly with arbitrary-length chunks) needs.
type salsaStream struct {
	key     [32]byte
	counter [16]byte // bytes 0-7: nonce: bytes 8-15: little-endian block counter
	block   [64]byte
	used    int // bytes of block already consumed; 64 means empty
}

var _ cipher.Stream = (*salsaStream)(nil)

func newSalsa20Stream(key, iv []byte, dir Direction) (cipher.Stream, error) {
	s := &salsaStream{used: 64}
	copy(s.key[:], key)
	copy(s.counter[:8], iv)
	return s, nil
}

func (s *salsaStream) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("ss: salsa20 output smaller than input")
	}
	for i := 0; i < len(src); {
		if s.used == 64 {
			var zero [64]byte
			salsa.XORKeyStream(s.block[:], zero[:], &s.counter, &s.key)
			s.used = 0
			incrementCounter(&s.counter)
		}
		n := copy(dst[i:], xorBytes(src[i:min(len(src), i+64-s.used)], s.block[s.used:]))
		s.used += n
		i += n
	}
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// incrementCounter advances the 8-byte little-endian block counter stored in
// the upper half of the 16-byte salsa20 counter/nonce block.
func incrementCounter(counter *[16]byte) {
	v := binary.LittleEndian.Uint64(counter[8:])
	binary.LittleEndian.PutUint64(counter[8:], v+1)
}
