// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bridge

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "bridged/pkg/minilog"
)

// BridgeName is the fixed name of the Linux bridge device created inside
// the bridge's own network namespace.
const BridgeName = "bridge"

// State is the single, process-lifetime record of the appliance's network
// domain. Exactly one State exists per daemon; it is created by
// NamespaceBuilder.Init and destroyed at shutdown. It exclusively owns the
// tap fd and the namespace fds, and it is the home of both lookup tables.
type State struct {
	IP  net.IP           // bridge IPv4, always the first pool allocation
	MAC net.HardwareAddr // bridge MAC, read off the tap after creation

	TapFd  int      // non-blocking tap fd, owned exclusively by State
	NetNS  *os.File // bridge network namespace fd
	UserNS *os.File // bridge user namespace fd

	ARP  *ARPTable
	SCTP *SCTPTable

	nextIP   uint32 // see NextIP
	nextVeth uint32 // see NextVethIndex

	debugMu   sync.Mutex
	debugSink *os.File // optional packet log, nil disables

	destroyed uint64 // atomic flag, see Destroyed
}

// NewState assembles a State around the bridge's address pair, with empty
// tables and no fds attached. Container allocations start just past the
// bridge address.
func NewState(ip net.IP, mac net.HardwareAddr) *State {
	return &State{
		IP:     ip.To4(),
		MAC:    mac,
		TapFd:  -1,
		ARP:    NewARPTable(),
		SCTP:   NewSCTPTable(),
		nextIP: 1,
	}
}

// NextVethIndex returns the next veth pair index used to name `in<k>` /
// `out<k>` interfaces.
func (s *State) NextVethIndex() uint32 {
	return atomic.AddUint32(&s.nextVeth, 1)
}

// SetDebugSink installs (or clears, if f is nil) the optional packet debug
// log. Safe to call once at startup.
func (s *State) SetDebugSink(f *os.File) {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	s.debugSink = f
}

// LogTapPacket appends one frame to the debug sink, one line per frame:
// direction marker ('I' inbound, 'O' outbound), wall-clock time, and the
// frame bytes in hex. No-op when no sink is configured.
func (s *State) LogTapPacket(dir byte, iov ...[]byte) {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()

	if s.debugSink == nil {
		return
	}

	now := time.Now()
	fmt.Fprintf(s.debugSink, "%c %02d:%02d:%02d.000000 0000", dir, now.Hour(), now.Minute(), now.Second())
	for _, chunk := range iov {
		for _, b := range chunk {
			fmt.Fprintf(s.debugSink, " %02x", b)
		}
	}
	fmt.Fprintln(s.debugSink)
}

// Destroyed reports whether Close has already run.
func (s *State) Destroyed() bool {
	return atomic.LoadUint64(&s.destroyed) > 0
}

// Close tears down the resources State owns exclusively: the tap fd and
// the namespace fds. It does not tear down containers or veth pairs;
// those belong to their registering subsystems and are expected to
// already be gone by daemon shutdown.
func (s *State) Close() error {
	if !atomic.CompareAndSwapUint64(&s.destroyed, 0, 1) {
		return nil
	}

	log.Info("destroying bridge state")

	var firstErr error
	if s.TapFd >= 0 {
		if err := closeFd(s.TapFd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.NetNS != nil {
		if err := s.NetNS.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.UserNS != nil {
		if err := s.UserNS.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.debugMu.Lock()
	if s.debugSink != nil {
		if err := s.debugSink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.debugSink = nil
	}
	s.debugMu.Unlock()

	return firstErr
}
