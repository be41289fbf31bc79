// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package broker

import (
	"crypto/rand"
	"net"
	"sync"

	"bridged/internal/bridge"
	"bridged/internal/eventloop"
	log "bridged/pkg/minilog"
)

// RandomMAC returns a locally administered unicast hardware address.
func RandomMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	rand.Read(mac)
	mac[0] = 0x02
	return mac
}

// In-memory collaborators. The real persona and application subsystems
// live in other daemons; these stand in for them in tests and when the
// daemon runs standalone.

// MemApp is an application known to MemAppState.
type MemApp struct {
	URL string
}

// MemAppState resolves app URLs from a static map.
type MemAppState struct {
	mu   sync.RWMutex
	apps map[string]*MemApp
}

// NewMemAppState returns an empty app registry.
func NewMemAppState() *MemAppState {
	return &MemAppState{apps: make(map[string]*MemApp)}
}

// Add registers url.
func (s *MemAppState) Add(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[url] = &MemApp{URL: url}
}

// GetAppByURL implements AppState.
func (s *MemAppState) GetAppByURL(url []byte) App {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.apps[string(url)]
	if !ok {
		return nil
	}
	return a
}

// MemPersona launches instances by allocating an address from the bridge
// and installing an ARP entry for it, the way a real container start
// would.
type MemPersona struct {
	Name string
	St   *bridge.State

	// NewMAC supplies the MAC for each launched instance's ARP entry.
	NewMAC func() net.HardwareAddr
}

// LaunchAppInstance implements Persona.
func (p *MemPersona) LaunchAppInstance(app App) (AppInstance, error) {
	a, ok := app.(*MemApp)
	if !ok {
		return nil, nil
	}

	ip := p.St.NextIP()
	if ip == nil {
		return nil, nil
	}

	entry := &bridge.ArpEntry{IP: ip, MAC: p.NewMAC()}
	if err := p.St.ARP.Insert(ip, entry); err != nil {
		return nil, err
	}
	entry.Container = &MemContainer{ip: ip}

	log.Debug("persona %v launched %v at %v", p.Name, a.URL, ip)
	return &MemInstance{container: entry.Container.(*MemContainer)}, nil
}

// MemInstance is one launched in-memory app.
type MemInstance struct {
	container *MemContainer
}

// Container implements AppInstance.
func (i *MemInstance) Container() Container { return i.container }

// MemContainer carries just enough of a container to answer the launch
// protocol.
type MemContainer struct {
	ip       net.IP
	released bool
}

// IP implements Container.
func (c *MemContainer) IP() net.IP { return c.ip }

// ReleaseRunning implements Container.
func (c *MemContainer) ReleaseRunning(loop *eventloop.Loop) {
	c.released = true
}

// AutoGrant returns a permission callback that grants every request as
// persona p. Completion happens off the calling goroutine, the way a real
// completer answers from the persona subsystem's own workers.
func AutoGrant(p Persona) bridge.PermissionCallback {
	return func(_ *bridge.ArpEntry, req *bridge.PermissionRequest) {
		go req.Complete(bridge.StatusOK, p)
	}
}
