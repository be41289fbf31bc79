// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package packet

import "encoding/binary"

// Checksum computes the Internet header checksum of b: the one's
// complement of the one's-complement sum of b's 16-bit big-endian words,
// with the trailing carry folded back in a single step. No pseudo-header
// is involved. b must be of even length; callers summing an odd-length
// region pad it with one zero byte first.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}

	carry := sum >> 16
	sum &= 0xFFFF

	return ^uint16(sum + carry)
}
