// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package packet

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"bridged/internal/bridge"
)

var (
	bridgeMAC    = net.HardwareAddr{0x02, 0xAA, 0xBB, 0xCC, 0xDD, 0x01}
	bridgeIP     = net.IPv4(10, 0, 0, 1).To4()
	containerMAC = net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	containerIP  = net.IPv4(10, 0, 0, 2).To4()
)

type frameSink struct {
	frames [][]byte
}

func (s *frameSink) Write(iov ...[]byte) error {
	var f []byte
	for _, chunk := range iov {
		f = append(f, chunk...)
	}
	s.frames = append(s.frames, f)
	return nil
}

type controlSink struct {
	calls []controlCall
}

type controlCall struct {
	srcMAC  net.HardwareAddr
	srcIP   net.IP
	srcPort uint16
	payload []byte
}

func (s *controlSink) HandleOpenApp(srcMAC net.HardwareAddr, srcIP net.IP, srcPort uint16, payload []byte) {
	s.calls = append(s.calls, controlCall{
		srcMAC:  append(net.HardwareAddr(nil), srcMAC...),
		srcIP:   append(net.IP(nil), srcIP...),
		srcPort: srcPort,
		payload: append([]byte(nil), payload...),
	})
}

func newTestEngine(t *testing.T) (*Engine, *bridge.State, *frameSink, *controlSink) {
	t.Helper()

	st := bridge.NewState(bridgeIP, bridgeMAC)
	w := &frameSink{}
	c := &controlSink{}
	return NewEngine(st, w, c, 9998), st, w, c
}

func authorizeContainer(t *testing.T, st *bridge.State) *bridge.ArpEntry {
	t.Helper()

	entry := &bridge.ArpEntry{IP: containerIP, MAC: containerMAC}
	if err := st.ARP.Insert(containerIP, entry); err != nil {
		t.Fatalf("insert container entry: %v", err)
	}
	return entry
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func arpRequestFor(t *testing.T, target net.IP) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       containerMAC,
		DstMAC:       net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   containerMAC,
		SourceProtAddress: containerIP,
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target.To4(),
	}
	return serialize(t, eth, arp)
}

func TestARPResolution(t *testing.T) {
	e, _, w, _ := newTestEngine(t)

	e.HandleFrame(arpRequestFor(t, bridgeIP))

	if len(w.frames) != 1 {
		t.Fatalf("want one reply, got %d", len(w.frames))
	}

	pkt := gopacket.NewPacket(w.frames[0], layers.LayerTypeEthernet, gopacket.Default)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		t.Fatalf("reply is not ARP: %v", pkt)
	}
	reply := arpLayer.(*layers.ARP)

	if reply.Operation != layers.ARPReply {
		t.Fatalf("op: want %d, got %d", layers.ARPReply, reply.Operation)
	}
	if !bytes.Equal(reply.SourceHwAddress, bridgeMAC) || !net.IP(reply.SourceProtAddress).Equal(bridgeIP) {
		t.Fatalf("source: got %v/%v", net.HardwareAddr(reply.SourceHwAddress), net.IP(reply.SourceProtAddress))
	}
	if !bytes.Equal(reply.DstHwAddress, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("target MAC: want broadcast, got %v", net.HardwareAddr(reply.DstHwAddress))
	}
	if !net.IP(reply.DstProtAddress).Equal(containerIP) {
		t.Fatalf("target IP: want %v, got %v", containerIP, net.IP(reply.DstProtAddress))
	}

	// asking again yields a byte-identical reply
	e.HandleFrame(arpRequestFor(t, bridgeIP))
	if len(w.frames) != 2 || !bytes.Equal(w.frames[0], w.frames[1]) {
		t.Fatal("re-query did not reproduce the reply")
	}
}

func TestARPForOtherAddressesUnanswered(t *testing.T) {
	e, st, w, _ := newTestEngine(t)
	authorizeContainer(t, st)

	e.HandleFrame(arpRequestFor(t, net.IPv4(10, 0, 0, 2)))
	e.HandleFrame(arpRequestFor(t, net.IPv4(10, 0, 0, 99)))

	if len(w.frames) != 0 {
		t.Fatalf("want no replies, got %d", len(w.frames))
	}
}

func icmpEchoFrom(t *testing.T, srcMAC net.HardwareAddr, srcIP net.IP, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       bridgeMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		Id:       0x0042,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    srcIP.To4(),
		DstIP:    bridgeIP,
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       0x1234,
		Seq:      1,
	}
	return serialize(t, eth, ip, icmp, gopacket.Payload(payload))
}

func TestICMPEcho(t *testing.T) {
	e, st, w, _ := newTestEngine(t)
	authorizeContainer(t, st)

	e.HandleFrame(icmpEchoFrom(t, containerMAC, containerIP, []byte("hello")))

	if len(w.frames) != 1 {
		t.Fatalf("want one reply, got %d", len(w.frames))
	}
	frame := w.frames[0]

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	icmp := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)

	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		t.Fatalf("type: want echo reply, got %v", icmp.TypeCode)
	}
	if icmp.Id != 0x1234 || icmp.Seq != 1 {
		t.Fatalf("id/seq: got %#x/%d", icmp.Id, icmp.Seq)
	}
	if !bytes.Equal(icmp.Payload, []byte("hello")) {
		t.Fatalf("payload: got %q", icmp.Payload)
	}

	if ip.Flags&layers.IPv4DontFragment == 0 {
		t.Fatal("DF not set")
	}
	if ip.TTL != 64 {
		t.Fatalf("ttl: want 64, got %d", ip.TTL)
	}
	if ip.Id != 0x0042 {
		t.Fatalf("ip id: want request's, got %#x", ip.Id)
	}
	if !ip.SrcIP.Equal(bridgeIP) || !ip.DstIP.Equal(containerIP) {
		t.Fatalf("addresses: %v -> %v", ip.SrcIP, ip.DstIP)
	}

	// both checksums verify to zero
	ipHdr := frame[14 : 14+20]
	if got := Checksum(ipHdr); got != 0 {
		t.Fatalf("ip checksum verification: %#04x", got)
	}
	icmpBytes := frame[14+20:]
	if len(icmpBytes)%2 == 1 {
		icmpBytes = append(append([]byte(nil), icmpBytes...), 0)
	}
	if got := Checksum(icmpBytes); got != 0 {
		t.Fatalf("icmp checksum verification: %#04x", got)
	}
}

func TestUnauthorizedSourceDropped(t *testing.T) {
	e, st, w, _ := newTestEngine(t)
	authorizeContainer(t, st)

	// right MAC, wrong IP
	e.HandleFrame(icmpEchoFrom(t, containerMAC, net.IPv4(10, 0, 0, 3), []byte("x")))
	// right IP, wrong MAC
	e.HandleFrame(icmpEchoFrom(t, net.HardwareAddr{0x02, 0xDE, 0xAD, 0xBE, 0xEF, 0x00}, containerIP, []byte("x")))

	if len(w.frames) != 0 {
		t.Fatalf("want no replies, got %d", len(w.frames))
	}
}

func TestSCTPDemultiplex(t *testing.T) {
	e, st, w, _ := newTestEngine(t)
	authorizeContainer(t, st)

	var got [][]byte
	ep := &bridge.SctpEntry{PeerIP: containerIP, PeerPort: 5000}
	ep.OnPacket = func(entry *bridge.SctpEntry, payload []byte) {
		if entry != ep {
			t.Errorf("callback got entry %v", entry)
		}
		got = append(got, append([]byte(nil), payload...))
	}
	if err := st.SCTP.Insert(containerIP, 5000, ep); err != nil {
		t.Fatalf("register endpoint: %v", err)
	}

	// common header: src port 5000, dst port 9, tag, checksum, then a chunk
	sctp := []byte{
		0x13, 0x88, 0x00, 0x09,
		0xDE, 0xAD, 0xBE, 0xEF,
		0x00, 0x00, 0x00, 0x00,
		0x01, 0x02, 0x03,
	}

	eth := &layers.Ethernet{SrcMAC: containerMAC, DstMAC: bridgeMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolSCTP,
		SrcIP:    containerIP,
		DstIP:    bridgeIP,
	}
	e.HandleFrame(serialize(t, eth, ip, gopacket.Payload(sctp)))

	if len(got) != 1 {
		t.Fatalf("want one dispatch, got %d", len(got))
	}
	// the endpoint gets everything from the SCTP header to the end of the
	// frame, which the serializer pads out to the 60-byte Ethernet minimum
	want := append(append([]byte(nil), sctp...), make([]byte, 60-14-20-len(sctp))...)
	if !bytes.Equal(got[0], want) {
		t.Fatalf("payload: want % x, got % x", want, got[0])
	}
	if len(w.frames) != 0 {
		t.Fatalf("sctp produced %d outbound frames", len(w.frames))
	}

	// a port with no endpoint is dropped
	sctp[0], sctp[1] = 0x13, 0x89
	e.HandleFrame(serialize(t, eth, ip, gopacket.Payload(sctp)))
	if len(got) != 1 {
		t.Fatal("unregistered port reached the endpoint")
	}
}

func udpFrom(t *testing.T, srcPort, dstPort uint16, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: containerMAC, DstMAC: bridgeMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    containerIP,
		DstIP:    bridgeIP,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

func TestControlPortDispatch(t *testing.T) {
	e, st, _, c := newTestEngine(t)
	authorizeContainer(t, st)

	payload := []byte{0x00, 0x00, 0x00, 0x03, 'a', 'p', 'p'}
	e.HandleFrame(udpFrom(t, 41000, 9998, payload))

	if len(c.calls) != 1 {
		t.Fatalf("want one control call, got %d", len(c.calls))
	}
	call := c.calls[0]
	if !call.srcIP.Equal(containerIP) || !bytes.Equal(call.srcMAC, containerMAC) || call.srcPort != 41000 {
		t.Fatalf("call origin: %v/%v:%d", call.srcIP, call.srcMAC, call.srcPort)
	}
	if !bytes.Equal(call.payload, payload) {
		t.Fatalf("call payload: % x", call.payload)
	}

	// other ports never reach the broker
	e.HandleFrame(udpFrom(t, 41000, 53, payload))
	if len(c.calls) != 1 {
		t.Fatal("non-control port reached the broker")
	}
}

func TestForeignDestinationsDropped(t *testing.T) {
	e, st, w, c := newTestEngine(t)
	authorizeContainer(t, st)

	// to the bridge MAC but another IP
	eth := &layers.Ethernet{SrcMAC: containerMAC, DstMAC: bridgeMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: containerIP, DstIP: net.IPv4(10, 0, 0, 9)}
	udp := &layers.UDP{SrcPort: 1, DstPort: 9998}
	udp.SetNetworkLayerForChecksum(ip)
	e.HandleFrame(serialize(t, eth, ip, udp))

	// IPv6 is recognized and silently dropped
	eth6 := &layers.Ethernet{SrcMAC: containerMAC, DstMAC: bridgeMAC, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolNoNextHeader, HopLimit: 64, SrcIP: net.ParseIP("fe80::1"), DstIP: net.ParseIP("fe80::2")}
	e.HandleFrame(serialize(t, eth6, ip6))

	if len(w.frames) != 0 || len(c.calls) != 0 {
		t.Fatalf("foreign traffic produced output: %d frames, %d control calls", len(w.frames), len(c.calls))
	}
}
