// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package broker

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// Control-port message framing. A request is a length-prefixed app URL:
//
//	uint32 app_name_length
//	bytes  app_name[app_name_length]
//
// A response is:
//
//	uint16 flags     bit 15 = response, bit 14 = error; low bits = op
//	uint16 reserved
//	union {
//	  uint32 errno                              on error
//	  struct { uint32 family; uint32 addr; }    on success
//	}
//
// All integers are network byte order; the address rides in the family
// union exactly as it appears in the IP header.
const (
	// OpOpenApp is the only control operation.
	OpOpenApp uint16 = 1

	flagResponse uint16 = 0x8000
	flagError    uint16 = 0x4000
)

// Response error codes.
const (
	ErrSystemError         uint32 = 1
	ErrPersonaDoesNotExist uint32 = 2
	ErrAppDoesNotExist     uint32 = 3
)

const (
	errorMsgLen  = 8
	openedMsgLen = 12
)

// parseOpenApp extracts the app name from a request payload. Returns false
// on truncation or when the declared length exceeds max.
func parseOpenApp(payload []byte, max int) ([]byte, bool) {
	if len(payload) < 4 {
		return nil, false
	}

	nameLen := binary.BigEndian.Uint32(payload[:4])
	if int64(nameLen) > int64(max) {
		return nil, false
	}
	if len(payload)-4 < int(nameLen) {
		return nil, false
	}
	return payload[4 : 4+nameLen], true
}

// encodeError builds an op response carrying errno.
func encodeError(op uint16, errno uint32) []byte {
	msg := make([]byte, errorMsgLen)
	binary.BigEndian.PutUint16(msg[0:2], flagResponse|flagError|op)
	binary.BigEndian.PutUint32(msg[4:8], errno)
	return msg
}

// encodeOpened builds a successful op response carrying the launched
// instance's address.
func encodeOpened(op uint16, ip net.IP) []byte {
	msg := make([]byte, openedMsgLen)
	binary.BigEndian.PutUint16(msg[0:2], flagResponse|op)
	binary.BigEndian.PutUint32(msg[4:8], unix.AF_INET)
	copy(msg[8:12], ip.To4())
	return msg
}
