// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package broker

import (
	"net"

	"bridged/internal/eventloop"
)

// The persona and application subsystems live outside this repository; the
// broker sees them only through these contracts.

// App is an opaque resolved application manifest.
type App interface{}

// AppState resolves application URLs to manifests.
type AppState interface {
	// GetAppByURL returns the app registered under url, or nil if none.
	GetAppByURL(url []byte) App
}

// AppInstance is one launched application.
type AppInstance interface {
	Container() Container
}

// Persona is the identity a permission completer attaches to a granted
// request.
type Persona interface {
	// LaunchAppInstance starts (or finds) an instance of app for this
	// persona. The broker calls it on the event-loop goroutine, after the
	// external subsystem has already granted the request, so the loop
	// dispatches nothing else until it returns. A nil instance or an error
	// is treated as a failed launch.
	LaunchAppInstance(app App) (AppInstance, error)
}

// Container is the sandbox hosting one application instance.
type Container interface {
	// IP is the container's address on the bridge.
	IP() net.IP
	// ReleaseRunning completes the launch handover once the response is
	// on its way.
	ReleaseRunning(loop *eventloop.Loop)
}
