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

// Package ss implements the legacy Shadowsocks stream-cipher protocol: key
// derivation, per-connection IV generation, and a streaming encrypt/decrypt
// adapter over a registry of named cipher methods.
package ss

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"
	"golang.org/x/crypto/chacha20"
)

// Direction distinguishes the encrypt and decrypt halves of a cipher, since
// block-mode constructors (CFB) need a different schedule for each.
type Direction int

const (
	Encrypt Direction = iota
	Decrypt
)

// ErrCipherUnavailable is returned by methods whose metadata is recognized
// (so config validation and bytes_to_key/gen_init_vec sizing still work) but
// whose underlying primitive has no implementation anywhere in reach.
var ErrCipherUnavailable = errors.New("ss: cipher engine unavailable")

// Method describes one named stream-cipher method: its key and IV sizes and
// the constructor for a ready-to-use cipher.Stream.
type Method struct {
	Name      string
	KeySize   int
	IVSize    int
	newStream func(key, iv []byte, dir Direction) (cipher.Stream, error)
}

// Available reports whether this method has a working cipher engine behind
// it, as opposed to being registered for metadata purposes only.
func (m *Method) Available() bool {
	if m.newStream == nil {
		return false
	}
	_, err := m.newStream(make([]byte, m.KeySize), make([]byte, m.IVSize), Encrypt)
	return !errors.Is(err, ErrCipherUnavailable)
}

var registry = map[string]*Method{}

func register(m *Method) {
	registry[m.Name] = m
}

// GetMethod looks up a cipher method by its config name (e.g. "aes-256-cfb").
func GetMethod(name string) (*Method, error) {
	m, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("ss: unknown cipher method %q", name)
	}
	return m, nil
}

// MethodNames lists every registered method name, available or not.
func MethodNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// BytesToKey derives a key_size-byte key from a password using the iterated
// MD5 construction OpenSSL calls EVP_BytesToKey(md5, count=1, salt=∅). The
// legacy stream-cipher protocol derives exactly key_size bytes with no
// per-session salt mixed in.
func BytesToKey(password string, keySize int) []byte {
	var derived, prev []byte
	h := md5.New()
	for len(derived) < keySize {
		h.Write(prev)
		h.Write([]byte(password))
		derived = h.Sum(derived)
		prev = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return derived[:keySize]
}

// DeriveKey produces the key bytes a connection using this method should
// use. For every method but "table" this is BytesToKey(password,
// method.KeySize). The table method has key_size 0 in the reference
// implementation's sizing table because it never runs the password through
// EVP_BytesToKey at all — its substitution permutation is seeded straight
// from the raw password.
func DeriveKey(method *Method, password string) []byte {
	if method.KeySize == 0 {
		return []byte(password)
	}
	return BytesToKey(password, method.KeySize)
}

// GenIV returns a freshly generated, CSPRNG-sourced initialization vector of
// the given size.
func GenIV(size int) ([]byte, error) {
	iv := make([]byte, size)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("ss: generating iv: %w", err)
	}
	return iv, nil
}

func newCFBStream(block cipher.Block, iv []byte, dir Direction) (cipher.Stream, error) {
	if dir == Encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

func blockCipherCFB(newBlock func(key []byte) (cipher.Block, error)) func(key, iv []byte, dir Direction) (cipher.Stream, error) {
	return func(key, iv []byte, dir Direction) (cipher.Stream, error) {
		block, err := newBlock(key)
		if err != nil {
			return nil, err
		}
		return newCFBStream(block, iv, dir)
	}
}

func blockCipherOFB(newBlock func(key []byte) (cipher.Block, error)) func(key, iv []byte, dir Direction) (cipher.Stream, error) {
	return func(key, iv []byte, dir Direction) (cipher.Stream, error) {
		block, err := newBlock(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewOFB(block, iv), nil
	}
}

func blockCipherCTR(newBlock func(key []byte) (cipher.Block, error)) func(key, iv []byte, dir Direction) (cipher.Stream, error) {
	return func(key, iv []byte, dir Direction) (cipher.Stream, error) {
		block, err := newBlock(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewCTR(block, iv), nil
	}
}

func unavailable(key, iv []byte, dir Direction) (cipher.Stream, error) {
	return nil, ErrCipherUnavailable
}

// Sizes below are taken from the reference implementation's
// CipherType::block_size (IV/nonce size) and CipherType::key_size tables:
// this registry intentionally keeps byte-for-byte parity with that table
// even for methods this build can't actually execute, so config validation
// and the bytes_to_key/gen_init_vec invariants hold for every recognized
// name.
func init() {
	register(&Method{Name: "table", KeySize: 0, IVSize: 0, newStream: newTableStream})

	aes128 := func(key []byte) (cipher.Block, error) { return aes.NewCipher(key) }
	aes192 := aes128
	aes256 := aes128

	for _, name := range []string{"aes-128-cfb", "aes-128-cfb128"} {
		register(&Method{Name: name, KeySize: 16, IVSize: 16, newStream: blockCipherCFB(aes128)})
	}
	for _, name := range []string{"aes-192-cfb", "aes-192-cfb128"} {
		register(&Method{Name: name, KeySize: 24, IVSize: 16, newStream: blockCipherCFB(aes192)})
	}
	for _, name := range []string{"aes-256-cfb", "aes-256-cfb128"} {
		register(&Method{Name: name, KeySize: 32, IVSize: 16, newStream: blockCipherCFB(aes256)})
	}
	// cfb1/cfb8 use bit- and byte-level feedback segments that crypto/cipher's
	// CFB (fixed at the block's full width) can't express; registered for
	// metadata only.
	register(&Method{Name: "aes-128-cfb1", KeySize: 16, IVSize: 16, newStream: unavailable})
	register(&Method{Name: "aes-128-cfb8", KeySize: 16, IVSize: 16, newStream: unavailable})
	register(&Method{Name: "aes-192-cfb1", KeySize: 24, IVSize: 16, newStream: unavailable})
	register(&Method{Name: "aes-192-cfb8", KeySize: 24, IVSize: 16, newStream: unavailable})
	register(&Method{Name: "aes-256-cfb1", KeySize: 32, IVSize: 16, newStream: unavailable})
	register(&Method{Name: "aes-256-cfb8", KeySize: 32, IVSize: 16, newStream: unavailable})

	register(&Method{Name: "aes-128-ofb", KeySize: 16, IVSize: 16, newStream: blockCipherOFB(aes128)})
	register(&Method{Name: "aes-192-ofb", KeySize: 24, IVSize: 16, newStream: blockCipherOFB(aes192)})
	register(&Method{Name: "aes-256-ofb", KeySize: 32, IVSize: 16, newStream: blockCipherOFB(aes256)})

	register(&Method{Name: "aes-128-ctr", KeySize: 16, IVSize: 16, newStream: blockCipherCTR(aes128)})
	register(&Method{Name: "aes-192-ctr", KeySize: 24, IVSize: 16, newStream: blockCipherCTR(aes192)})
	register(&Method{Name: "aes-256-ctr", KeySize: 32, IVSize: 16, newStream: blockCipherCTR(aes256)})

	register(&Method{Name: "bf-cfb", KeySize: 16, IVSize: 8, newStream: blockCipherCFB(func(key []byte) (cipher.Block, error) {
		return blowfish.NewCipher(key)
	})})

	register(&Method{Name: "camellia-128-cfb", KeySize: 16, IVSize: 16, newStream: unavailable})
	register(&Method{Name: "camellia-192-cfb", KeySize: 24, IVSize: 16, newStream: unavailable})
	register(&Method{Name: "camellia-256-cfb", KeySize: 32, IVSize: 16, newStream: unavailable})

	register(&Method{Name: "cast5-cfb", KeySize: 16, IVSize: 8, newStream: blockCipherCFB(func(key []byte) (cipher.Block, error) {
		return cast5.NewCipher(key)
	})})

	register(&Method{Name: "des-cfb", KeySize: 8, IVSize: 8, newStream: blockCipherCFB(func(key []byte) (cipher.Block, error) {
		return des.NewCipher(key)
	})})

	register(&Method{Name: "idea-cfb", KeySize: 16, IVSize: 8, newStream: unavailable})
	register(&Method{Name: "rc2-cfb", KeySize: 16, IVSize: 8, newStream: unavailable})

	register(&Method{Name: "rc4", KeySize: 16, IVSize: 0, newStream: func(key, iv []byte, dir Direction) (cipher.Stream, error) {
		return rc4.NewCipher(key)
	}})
	register(&Method{Name: "rc4-md5", KeySize: 16, IVSize: 16, newStream: newRC4MD5Stream})

	register(&Method{Name: "seed-cfb", KeySize: 16, IVSize: 16, newStream: unavailable})

	register(&Method{Name: "chacha20", KeySize: 32, IVSize: 8, newStream: newLegacyChaCha20Stream})
	register(&Method{Name: "salsa20", KeySize: 32, IVSize: 8, newStream: newSalsa20Stream})
}

func newRC4MD5Stream(key, iv []byte, dir Direction) (cipher.Stream, error) {
	h := md5.New()
	h.Write(key)
	h.Write(iv)
	rc4Key := h.Sum(nil)[:16]
	return rc4.NewCipher(rc4Key)
}

// newLegacyChaCha20Stream adapts the legacy 8-byte-nonce/64-bit-counter
// ChaCha20 construction onto golang.org/x/crypto/chacha20's IETF-shaped
// constructor (12-byte nonce, 32-bit counter) by left-padding the legacy
// nonce with zeroes. This keeps encrypt/decrypt symmetric under this
// package's own key schedule; it is not wire-compatible with the upstream
// djb/libsodium chacha20 counter layout.
func newLegacyChaCha20Stream(key, iv []byte, dir Direction) (cipher.Stream, error) {
	nonce := make([]byte, chacha20.NonceSize)
	copy(nonce[chacha20.NonceSize-len(iv):], iv)
	return chacha20.NewUnauthenticatedCipher(key, nonce)
}
