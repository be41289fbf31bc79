// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package packet

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// broadcastMAC is the all-ones hardware address.
var broadcastMAC = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// controlResponseIPID is the fixed IP identification stamped on control
// responses.
const controlResponseIPID = 0xBEEF

// udpHeaderLen is the fixed UDP header size.
const udpHeaderLen = 8

// ipHeaderLen is the option-less IPv4 header size.
const ipHeaderLen = 20

// ethHeaderLen is the untagged Ethernet header size.
const ethHeaderLen = 14

// BuildARPReply synthesizes the answer to an ARP request for the bridge
// address: source is the bridge, the target hardware address is broadcast,
// and the target protocol address echoes the requester's.
func BuildARPReply(bridgeMAC net.HardwareAddr, bridgeIP, requesterIP net.IP) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       bridgeMAC,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   bridgeMAC,
		SourceProtAddress: bridgeIP.To4(),
		DstHwAddress:      broadcastMAC,
		DstProtAddress:    requesterIP.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, fmt.Errorf("serialize arp reply: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildICMPEchoReply synthesizes an echo reply mirroring the request's id,
// sequence, IP identification, and payload bytes. DF is set and TTL is 64.
func BuildICMPEchoReply(bridgeMAC, dstMAC net.HardwareAddr, bridgeIP, dstIP net.IP, ipID, id, seq uint16, payload []byte) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       bridgeMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TOS:      0,
		Id:       ipID,
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    bridgeIP.To4(),
		DstIP:    dstIP.To4(),
	}
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       id,
		Seq:      seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &icmp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize echo reply: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildControlResponse wraps msg in Ethernet+IPv4+UDP from the bridge's
// control port back to the requester's source port. The UDP checksum is
// left zero; the IP header checksum covers the header alone.
func BuildControlResponse(bridgeMAC, dstMAC net.HardwareAddr, bridgeIP, dstIP net.IP, controlPort, dstPort uint16, msg []byte) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       bridgeMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TOS:      0,
		Id:       controlResponseIPID,
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    bridgeIP.To4(),
		DstIP:    dstIP.To4(),
	}

	udp := make([]byte, udpHeaderLen+len(msg))
	binary.BigEndian.PutUint16(udp[0:2], controlPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(msg)))
	// bytes 6:8 stay zero: no UDP checksum on the control path
	copy(udp[udpHeaderLen:], msg)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, gopacket.Payload(udp)); err != nil {
		return nil, fmt.Errorf("serialize control response: %w", err)
	}

	// The serialized header carries a zero checksum; fill it in.
	frame := buf.Bytes()
	hdr := frame[ethHeaderLen : ethHeaderLen+ipHeaderLen]
	binary.BigEndian.PutUint16(hdr[10:12], Checksum(hdr))

	return frame, nil
}
