// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package broker

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func TestParseOpenApp(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		max     int
		want    []byte
		ok      bool
	}{
		{
			name:    "well formed",
			payload: []byte{0x00, 0x00, 0x00, 0x03, 'a', 'p', 'p'},
			max:     2048,
			want:    []byte("app"),
			ok:      true,
		},
		{
			name:    "trailing bytes ignored",
			payload: []byte{0x00, 0x00, 0x00, 0x01, 'a', 'b', 'c'},
			max:     2048,
			want:    []byte("a"),
			ok:      true,
		},
		{
			name:    "empty name",
			payload: []byte{0x00, 0x00, 0x00, 0x00},
			max:     2048,
			want:    []byte{},
			ok:      true,
		},
		{
			name:    "short header",
			payload: []byte{0x00, 0x00, 0x00},
			max:     2048,
		},
		{
			name:    "length exceeds max",
			payload: []byte{0x00, 0x00, 0x08, 0x01, 'a'},
			max:     2048,
		},
		{
			name:    "length exceeds payload",
			payload: []byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'},
			max:     2048,
		},
		{
			name:    "huge length does not overflow",
			payload: []byte{0xFF, 0xFF, 0xFF, 0xFF, 'a'},
			max:     2048,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseOpenApp(tt.payload, tt.max)
			if ok != tt.ok {
				t.Fatalf("ok: want %v, got %v", tt.ok, ok)
			}
			if ok && !bytes.Equal(got, tt.want) {
				t.Fatalf("name: want %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEncodeOpened(t *testing.T) {
	msg := encodeOpened(OpOpenApp, net.IPv4(10, 0, 0, 3))

	if len(msg) != openedMsgLen {
		t.Fatalf("length: want %d, got %d", openedMsgLen, len(msg))
	}
	if flags := binary.BigEndian.Uint16(msg[0:2]); flags != 0x8000|OpOpenApp {
		t.Fatalf("flags: want %#04x, got %#04x", 0x8000|OpOpenApp, flags)
	}
	if family := binary.BigEndian.Uint32(msg[4:8]); family != 2 {
		t.Fatalf("family: want AF_INET, got %d", family)
	}
	if !net.IP(msg[8:12]).Equal(net.IPv4(10, 0, 0, 3)) {
		t.Fatalf("address: got %v", net.IP(msg[8:12]))
	}
}

func TestEncodeError(t *testing.T) {
	msg := encodeError(OpOpenApp, ErrAppDoesNotExist)

	if len(msg) != errorMsgLen {
		t.Fatalf("length: want %d, got %d", errorMsgLen, len(msg))
	}
	if flags := binary.BigEndian.Uint16(msg[0:2]); flags != 0x8000|0x4000|OpOpenApp {
		t.Fatalf("flags: want %#04x, got %#04x", 0x8000|0x4000|OpOpenApp, flags)
	}
	if errno := binary.BigEndian.Uint32(msg[4:8]); errno != ErrAppDoesNotExist {
		t.Fatalf("errno: want %d, got %d", ErrAppDoesNotExist, errno)
	}
}
