// Copyright 2023 Jigsaw Operations LLC
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

package socks5

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	cases := []*Address{
		{IP: net.ParseIP("127.0.0.1").To4(), Port: 80},
		{IP: net.ParseIP("::1"), Port: 443},
		{Name: "example.com", Port: 53},
	}
	for _, a := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteAddress(&buf, a))
		got, err := ReadAddress(&buf)
		require.NoError(t, err)
		require.Equal(t, a.Port, got.Port)
		if a.IP != nil {
			require.True(t, a.IP.Equal(got.IP))
		} else {
			require.Equal(t, a.Name, got.Name)
		}
	}
}

func TestReadAddressRejectsUnknownType(t *testing.T) {
	buf := bytes.NewReader([]byte{0x09, 0x00, 0x00})
	_, err := ReadAddress(buf)
	require.ErrorIs(t, err, ErrAddressTypeNotSupported)
	// Only the 1-byte type tag should have been consumed.
	require.Equal(t, 2, buf.Len())
}

func TestReadAddressRejectsZeroLengthDomain(t *testing.T) {
	buf := bytes.NewReader([]byte{addrTypeDomainName, 0x00})
	_, err := ReadAddress(buf)
	require.Error(t, err)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x02, 0x00, 0x01})
	req, err := ReadHandshakeRequest(&buf)
	require.NoError(t, err)
	require.True(t, req.HasNoAuth())

	var resp bytes.Buffer
	require.NoError(t, WriteHandshakeResponse(&resp, AuthNoAuth))
	require.Equal(t, []byte{0x05, 0x00}, resp.Bytes())
}

func TestHandshakeNoAcceptableMethod(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x05, 0x01, 0x02})
	req, err := ReadHandshakeRequest(buf)
	require.NoError(t, err)
	require.False(t, req.HasNoAuth())
}

func TestTCPRequestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, CmdConnect, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})
	hdr, err := ReadTCPRequestHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdConnect, hdr.Cmd)
	require.Equal(t, "127.0.0.1:80", hdr.Address.String())
}

func TestTCPResponseHeaderSucceeded(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTCPResponseHeader(&buf, Succeeded, &Address{IP: net.IPv4(127, 0, 0, 1), Port: 1080}))
	require.Equal(t, byte(0x05), buf.Bytes()[0])
	require.Equal(t, byte(Succeeded), buf.Bytes()[1])
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	var buf []byte
	buf, err := WriteUDPHeader(buf, 0, &Address{IP: net.ParseIP("127.0.0.1").To4(), Port: 53})
	require.NoError(t, err)
	buf = append(buf, []byte("query")...)

	hdr, rest, err := ReadUDPHeader(buf)
	require.NoError(t, err)
	require.Equal(t, byte(0), hdr.Frag)
	require.Equal(t, "127.0.0.1:53", hdr.Address.String())
	require.Equal(t, "query", string(rest))
}

func TestUDPHeaderTooShort(t *testing.T) {
	_, _, err := ReadUDPHeader([]byte{0, 0})
	require.Error(t, err)
}
