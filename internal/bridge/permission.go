// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bridge

import (
	"net"
	"sync"
)

// PermissionKind discriminates what a PermissionRequest is asking for.
type PermissionKind int

const (
	// PermissionApplication is an open-app request arriving on the UDP
	// control port.
	PermissionApplication PermissionKind = iota
)

// PermissionStatus is the outcome set by the external subsystem when it
// completes a PermissionRequest.
type PermissionStatus int

const (
	// StatusPending means the request hasn't completed yet.
	StatusPending PermissionStatus = iota
	// StatusOK means the request is granted.
	StatusOK
	// StatusInternalError means the completer failed or refused.
	StatusInternalError
	// StatusTimeout means no completer answered within the deadline.
	StatusTimeout
)

// PermissionRequest is the in-flight record for one open-app attempt. It is
// allocated when a valid request arrives on the control port and destroyed
// after the response frame is written. Ownership transfers to the
// permission-callback chain on dispatch; completion comes back to the
// bridge by the deliver hook posting onto the event loop, never by the
// completer touching bridge-owned state directly.
type PermissionRequest struct {
	Bridge *State

	SrcMAC  net.HardwareAddr
	SrcIP   net.IP
	SrcPort uint16

	Kind    PermissionKind
	Payload []byte // the app-name bytes for PermissionApplication

	Status PermissionStatus

	// Persona is populated only for PermissionApplication, only once
	// Status == StatusOK.
	Persona interface{}

	deliver func(*PermissionRequest)
	once    sync.Once
}

// NewPermissionRequest allocates a pending application-launch request.
// deliver is invoked exactly once, from whichever of Complete or Expire
// fires first, and is expected to post the request back to the event loop.
func NewPermissionRequest(b *State, mac net.HardwareAddr, ip net.IP, port uint16, payload []byte, deliver func(*PermissionRequest)) *PermissionRequest {
	return &PermissionRequest{
		Bridge:  b,
		SrcMAC:  mac,
		SrcIP:   ip,
		SrcPort: port,
		Kind:    PermissionApplication,
		Payload: payload,
		Status:  StatusPending,
		deliver: deliver,
	}
}

// Complete is called by the external persona/application subsystem once it
// has decided status and, for PermissionApplication, attached a persona. It
// may be called from any goroutine. Calls after the first completion (or
// after Expire) are ignored.
func (r *PermissionRequest) Complete(status PermissionStatus, persona interface{}) {
	r.once.Do(func() {
		r.Status = status
		r.Persona = persona
		r.deliver(r)
	})
}

// Expire marks a request whose completer never answered within the
// deadline. A later Complete is ignored.
func (r *PermissionRequest) Expire() {
	r.once.Do(func() {
		r.Status = StatusTimeout
		r.deliver(r)
	})
}
