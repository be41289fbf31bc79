// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"bridged/internal/bridge"
	"bridged/internal/metrics"
	log "bridged/pkg/minilog"
)

// FrameWriter is the outbound half of the tap device.
type FrameWriter interface {
	Write(iov ...[]byte) error
}

// ControlHandler receives application-launch requests arriving on the UDP
// control port. Implementations must not block: the engine calls it on the
// event-loop goroutine. The slices are only valid for the duration of the
// call.
type ControlHandler interface {
	HandleOpenApp(srcMAC net.HardwareAddr, srcIP net.IP, srcPort uint16, payload []byte)
}

// Engine classifies inbound frames and synthesizes replies. One engine
// exists per bridge; HandleFrame runs on the event-loop goroutine only, so
// the decoder state needs no lock.
type Engine struct {
	st      *bridge.State
	w       FrameWriter
	control ControlHandler

	// ControlPort is the UDP destination port carrying open-app requests.
	ControlPort uint16

	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	icmp4   layers.ICMPv4
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewEngine returns an engine answering for st's address on w.
func NewEngine(st *bridge.State, w FrameWriter, control ControlHandler, controlPort uint16) *Engine {
	e := &Engine{
		st:          st,
		w:           w,
		control:     control,
		ControlPort: controlPort,
	}
	e.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&e.eth,
		&e.arp,
		&e.ip4,
		&e.icmp4,
		&e.udp,
	)
	return e
}

// HandleFrame classifies one frame and dispatches it. It never returns an
// error: packet-path failures become a diagnostic plus a drop (or a
// synthesized error frame further down the control path).
func (e *Engine) HandleFrame(frame []byte) {
	err := e.parser.DecodeLayers(frame, &e.decoded)
	if err != nil {
		// Upper layers we don't decode (SCTP, IPv6 internals) are
		// classified below off what did decode; real parse failures are
		// malformed frames.
		if _, ok := err.(gopacket.UnsupportedLayerType); !ok {
			log.Debug("dropping frame: %v", &bridge.PacketMalformed{Reason: err.Error()})
			metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
			return
		}
	}

	var sawARP, sawIP4, sawICMP, sawUDP bool
	for _, lt := range e.decoded {
		switch lt {
		case layers.LayerTypeARP:
			sawARP = true
		case layers.LayerTypeIPv4:
			sawIP4 = true
		case layers.LayerTypeICMPv4:
			sawICMP = true
		case layers.LayerTypeUDP:
			sawUDP = true
		}
	}

	switch {
	case sawARP:
		e.handleARP()
	case sawIP4:
		e.handleIPv4(frame, sawICMP, sawUDP)
	case e.eth.EthernetType == layers.EthernetTypeIPv6:
		// recognized, not handled
	default:
		log.Debug("dropping ethernet frame with type %v", e.eth.EthernetType)
		metrics.Drops.WithLabelValues(metrics.DropUnhandled).Inc()
	}
}

func (e *Engine) handleARP() {
	if e.arp.AddrType != layers.LinkTypeEthernet {
		log.Debug("dropping frame: %v",
			&bridge.PacketMalformed{Reason: fmt.Sprintf("ARP hardware type %v", e.arp.AddrType)})
		metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	if e.arp.HwAddressSize != 6 || (e.arp.Protocol == layers.EthernetTypeIPv4 && e.arp.ProtAddressSize != 4) {
		log.Debug("dropping frame: %v",
			&bridge.PacketMalformed{Reason: "ARP address length mismatch"})
		metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	switch e.arp.Operation {
	case layers.ARPRequest:
		if e.arp.Protocol != layers.EthernetTypeIPv4 {
			log.Debug("ignoring ARP request for protocol %v", e.arp.Protocol)
			return
		}

		target := net.IP(e.arp.DstProtAddress)
		if !target.Equal(e.st.IP) {
			// only the bridge answers; containers resolve each other on
			// the kernel bridge without us
			log.Debug("ignoring ARP request for %v", target)
			return
		}

		reply, err := BuildARPReply(e.st.MAC, e.st.IP, net.IP(e.arp.SourceProtAddress))
		if err != nil {
			log.Error("arp reply: %v", err)
			return
		}
		if err := e.w.Write(reply); err != nil {
			log.Error("arp reply write: %v", err)
			return
		}
		metrics.ARPReplies.Inc()

	case layers.ARPReply:
		log.Debug("ignoring ARP reply from %v", net.IP(e.arp.SourceProtAddress))

	default:
		log.Debug("dropping ARP with op %v", e.arp.Operation)
	}
}

func (e *Engine) handleIPv4(frame []byte, sawICMP, sawUDP bool) {
	if !bytes.Equal(e.eth.DstMAC, e.st.MAC) || !e.ip4.DstIP.Equal(e.st.IP) {
		log.Debug("dropping IP packet not addressed to the bridge (%v/%v)", e.eth.DstMAC, e.ip4.DstIP)
		metrics.Drops.WithLabelValues(metrics.DropUnhandled).Inc()
		return
	}

	// Source validation: the sender must be a live container, and its
	// frames must carry the MAC its veth was given. Anything else is an
	// injected packet.
	entry, ok := e.st.ARP.Lookup(e.ip4.SrcIP)
	if !ok || !bytes.Equal(entry.MAC, e.eth.SrcMAC) {
		log.Debug("dropping IP packet: %v",
			&bridge.AuthMismatch{SrcIP: e.ip4.SrcIP.String(), SrcMAC: e.eth.SrcMAC.String()})
		metrics.Drops.WithLabelValues(metrics.DropAuthMismatch).Inc()
		return
	}

	switch e.ip4.Protocol {
	case layers.IPProtocolICMPv4:
		if !sawICMP {
			metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
			return
		}
		e.handleICMP()

	case layers.IPProtocolSCTP:
		e.handleSCTP(frame)

	case layers.IPProtocolUDP:
		if !sawUDP {
			metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
			return
		}
		if uint16(e.udp.DstPort) != e.ControlPort {
			log.Debug("ignoring UDP on port %v", e.udp.DstPort)
			metrics.Drops.WithLabelValues(metrics.DropUnhandled).Inc()
			return
		}
		e.control.HandleOpenApp(e.eth.SrcMAC, e.ip4.SrcIP, uint16(e.udp.SrcPort), e.udp.Payload)

	default:
		log.Debug("dropping IP packet with protocol %v", e.ip4.Protocol)
		metrics.Drops.WithLabelValues(metrics.DropUnhandled).Inc()
	}
}

func (e *Engine) handleICMP() {
	switch e.icmp4.TypeCode.Type() {
	case layers.ICMPv4TypeEchoRequest:
		reply, err := BuildICMPEchoReply(e.st.MAC, e.eth.SrcMAC, e.st.IP, e.ip4.SrcIP,
			e.ip4.Id, e.icmp4.Id, e.icmp4.Seq, e.icmp4.Payload)
		if err != nil {
			log.Error("echo reply: %v", err)
			return
		}
		if err := e.w.Write(reply); err != nil {
			log.Error("echo reply write: %v", err)
			return
		}
		metrics.ICMPReplies.Inc()

	case layers.ICMPv4TypeEchoReply:
		log.Debug("ignoring ICMP echo reply from %v", e.ip4.SrcIP)

	default:
		log.Debug("dropping ICMP type %v", e.icmp4.TypeCode)
		metrics.Drops.WithLabelValues(metrics.DropUnhandled).Inc()
	}
}

// handleSCTP slices the raw frame rather than the decoded IP payload: the
// registered endpoint gets everything from the SCTP common header to the
// end of the frame.
func (e *Engine) handleSCTP(frame []byte) {
	off := ethHeaderLen + int(e.ip4.IHL)*4
	if len(frame) < off+2 {
		log.Debug("dropping frame: %v", &bridge.PacketMalformed{Reason: "short SCTP packet"})
		metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	payload := frame[off:]
	port := binary.BigEndian.Uint16(payload[:2])

	entry, ok := e.st.SCTP.Lookup(e.ip4.SrcIP, port)
	if !ok {
		log.Debug("dropping SCTP from %v:%v with no endpoint", e.ip4.SrcIP, port)
		metrics.Drops.WithLabelValues(metrics.DropNoEndpoint).Inc()
		return
	}

	entry.OnPacket(entry, payload)
	metrics.SCTPDispatches.Inc()
}
