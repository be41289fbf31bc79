// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bridge

import "fmt"

// NamespaceError wraps a failure in NamespaceBuilder.Init. The daemon must
// not start if this is returned.
type NamespaceError struct {
	Step string
	Err  error
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("namespace build failed at %s: %v", e.Step, e.Err)
}

func (e *NamespaceError) Unwrap() error { return e.Err }

// ProvisionError wraps any failure in VethProvisioner.CreateVethToNS.
type ProvisionError struct {
	Step string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("veth provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// PacketMalformed marks a frame dropped because a header was too short or
// a fixed field didn't match expectations. It never travels past the
// packet engine; it exists so the diagnostic and the drop counter carry a
// reason.
type PacketMalformed struct {
	Reason string
}

func (e *PacketMalformed) Error() string { return "malformed packet: " + e.Reason }

// AuthMismatch marks a frame dropped by source validation: its source
// IPv4 has no ARP entry, or the entry's MAC doesn't match the frame's.
type AuthMismatch struct {
	SrcIP  string
	SrcMAC string
}

func (e *AuthMismatch) Error() string {
	return fmt.Sprintf("auth mismatch: src=%s mac=%s not authorized", e.SrcIP, e.SrcMAC)
}

// BrokerDenied marks a permission request that completed without being
// granted, whether the completer refused it or the deadline expired. The
// requester sees a system-error response either way.
type BrokerDenied struct {
	Status PermissionStatus
}

func (e *BrokerDenied) Error() string {
	return fmt.Sprintf("permission request denied: status=%v", e.Status)
}

// AppNotFound marks a granted open-app request whose URL didn't resolve.
type AppNotFound struct {
	URL string
}

func (e *AppNotFound) Error() string { return "app not found: " + e.URL }

// PersonaMissing marks a granted open-app request that arrived back with
// no persona attached.
type PersonaMissing struct{}

func (e *PersonaMissing) Error() string {
	return "persona missing from completed permission request"
}

// LaunchFailed marks a persona that could not start the app instance; the
// response is dropped rather than surfaced to the requester.
type LaunchFailed struct {
	Err error
}

func (e *LaunchFailed) Error() string { return fmt.Sprintf("launch failed: %v", e.Err) }

func (e *LaunchFailed) Unwrap() error { return e.Err }

// TableDuplicate is returned by table Insert when the key is already
// present. Callers must handle it explicitly.
type TableDuplicate struct {
	Key string
}

func (e *TableDuplicate) Error() string { return "duplicate table key: " + e.Key }

// TableNotFound is returned by table Remove when the value at the key isn't
// the exact entry passed (or the key is absent).
type TableNotFound struct {
	Key string
}

func (e *TableNotFound) Error() string { return "table key not found: " + e.Key }
