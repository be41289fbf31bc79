// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bridge

import (
	"fmt"
	"net"
	"sync"
)

// PermissionCallback is invoked by the control-port handler when a container
// asks to launch an application. It is installed on an ArpEntry when the
// container's veth is provisioned and runs on the packet-engine goroutine;
// it must not block. Ownership of the PermissionRequest transfers to the
// callback chain, which does its work elsewhere and posts a completion back
// to the event loop.
type PermissionCallback func(entry *ArpEntry, req *PermissionRequest)

// ArpEntry is one row of the ARP table: who is allowed to send from an
// IPv4 address, and how. The IPv4 is the table key; the table owns the
// entry by strong reference while it's present, and the registering
// container holds only a weak back-reference.
type ArpEntry struct {
	IP         net.IP
	MAC        net.HardwareAddr
	Permission PermissionCallback // nil if this container never opens apps
	Container  interface{}        // weak back-reference; opaque to this package
}

func arpKey(ip net.IP) string {
	ip4 := ip.To4()
	if ip4 == nil {
		return ip.String()
	}
	return string(ip4)
}

// ARPTable maps IPv4 -> {MAC, permission callback, container ref}, guarded
// by a reader-writer lock. Lookups on the hot packet path take only the
// read lock; container start/stop takes the write lock. No callback is
// ever invoked while holding the read lock.
type ARPTable struct {
	mu      sync.RWMutex
	entries map[string]*ArpEntry
}

// NewARPTable returns an empty ARP table.
func NewARPTable() *ARPTable {
	return &ARPTable{entries: make(map[string]*ArpEntry)}
}

// Insert adds entry under IP, returning TableDuplicate if the key is
// already present.
func (t *ARPTable) Insert(ip net.IP, entry *ArpEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := arpKey(ip)
	if _, ok := t.entries[k]; ok {
		return &TableDuplicate{Key: ip.String()}
	}
	t.entries[k] = entry
	return nil
}

// Remove deletes the row at ip, but only if the stored pointer is identical
// to entry, so a stale handle can't remove a replacement entry. Returns
// TableNotFound otherwise.
func (t *ARPTable) Remove(ip net.IP, entry *ArpEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := arpKey(ip)
	cur, ok := t.entries[k]
	if !ok || cur != entry {
		return &TableNotFound{Key: ip.String()}
	}
	delete(t.entries, k)
	return nil
}

// Lookup returns the row for ip under the read lock. The returned pointer
// is a borrowed reference: it remains valid for the lifetime of the entry
// in the table, and callers on the hot path must treat it as read-only.
func (t *ARPTable) Lookup(ip net.IP) (*ArpEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[arpKey(ip)]
	return e, ok
}

// Exclusive runs fn on the entry at ip while holding the write lock,
// serializing against concurrent container teardown. The control-port
// handler uses this when dispatching permission requests: nothing is
// mutated, but the entry and its callback must not disappear mid-dispatch.
// fn must not block. Returns false without calling fn if ip has no entry.
func (t *ARPTable) Exclusive(ip net.IP, fn func(*ArpEntry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[arpKey(ip)]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// Len reports the number of live ARP entries, used by internal/metrics for
// the ARP-table-size gauge.
func (t *ARPTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// SctpOnPacket is invoked by the SCTP demultiplexer with the raw payload
// starting at the SCTP common header and running to end of frame.
type SctpOnPacket func(entry *SctpEntry, payload []byte)

// SctpEntry is one registered SCTP association, keyed by peer address and
// port.
type SctpEntry struct {
	PeerIP   net.IP
	PeerPort uint16
	OnPacket SctpOnPacket
}

func sctpKey(ip net.IP, port uint16) string {
	return fmt.Sprintf("%s:%d", arpKey(ip), port)
}

// SCTPTable maps (peer IPv4, peer port) -> on-packet callback.
type SCTPTable struct {
	mu      sync.RWMutex
	entries map[string]*SctpEntry
}

// NewSCTPTable returns an empty SCTP table.
func NewSCTPTable() *SCTPTable {
	return &SCTPTable{entries: make(map[string]*SctpEntry)}
}

// Insert registers entry under (ip, port); fails with TableDuplicate if an
// association is already registered there.
func (t *SCTPTable) Insert(ip net.IP, port uint16, entry *SctpEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := sctpKey(ip, port)
	if _, ok := t.entries[k]; ok {
		return &TableDuplicate{Key: k}
	}
	t.entries[k] = entry
	return nil
}

// Remove deletes the (ip, port) row, requiring the stored pointer match
// entry exactly; returns TableNotFound otherwise.
func (t *SCTPTable) Remove(ip net.IP, port uint16, entry *SctpEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := sctpKey(ip, port)
	cur, ok := t.entries[k]
	if !ok || cur != entry {
		return &TableNotFound{Key: k}
	}
	delete(t.entries, k)
	return nil
}

// Lookup returns the association registered at (ip, port) under the read
// lock.
func (t *SCTPTable) Lookup(ip net.IP, port uint16) (*SctpEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[sctpKey(ip, port)]
	return e, ok
}
