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
	"hash/crc64"
	"sort"
)

// tableStream implements the original, pre-OpenSSL Shadowsocks "table"
// method: a fixed byte-substitution table derived from the password,
// shuffled with the password's CRC64 as the PRNG seed. It has no IV and no
// block buffering, so Update is a pure byte-for-byte substitution and
// Finalize never has a tail to flush.
type tableStream struct {
	table [256]byte
}

var _ cipher.Stream = (*tableStream)(nil)

var crc64Table = crc64.MakeTable(crc64.ISO)

func newTableStream(key, iv []byte, dir Direction) (cipher.Stream, error) {
	sum := crc64.Checksum(key, crc64Table)

	type entry struct {
		value uint64
		index byte
	}
	entries := make([]entry, 256)
	rng := sum
	for i := range entries {
		// A small xorshift64 PRNG seeded from the password's CRC64, used only
		// to produce a reproducible shuffle key per table slot, matching the
		// original table cipher's "derive a permutation from the password"
		// construction.
		rng ^= rng << 13
		rng ^= rng >> 7
		rng ^= rng << 17
		entries[i] = entry{value: rng, index: byte(i)}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].value < entries[j].value })

	var enc, dec [256]byte
	for i, e := range entries {
		enc[e.index] = byte(i)
		dec[byte(i)] = e.index
	}

	if dir == Encrypt {
		return &tableStream{table: enc}, nil
	}
	return &tableStream{table: dec}, nil
}

func (s *tableStream) XORKeyStream(dst, src []byte) {
	for i, b := range src {
		dst[i] = s.table[b]
	}
}
