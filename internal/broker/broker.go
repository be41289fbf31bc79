// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package broker turns application-launch requests from containers into
// permission decisions. A request arrives as bytes on the UDP control
// port; the broker hands it to the source container's permission callback,
// and when the external persona/application subsystem completes it —
// or the deadline passes first — answers on the originating flow with
// either the launched instance's address or an error code.
package broker

import (
	"errors"
	"net"
	"time"

	"bridged/internal/bridge"
	"bridged/internal/eventloop"
	"bridged/internal/metrics"
	"bridged/internal/packet"
	log "bridged/pkg/minilog"
)

// Broker owns the control-port protocol.
type Broker struct {
	st   *bridge.State
	w    packet.FrameWriter
	loop *eventloop.Loop
	apps AppState

	// ControlPort is the UDP port requests arrive on and responses leave
	// from.
	ControlPort uint16

	// AppURLMax bounds the accepted app-name length.
	AppURLMax int

	// Deadline is how long a dispatched request may stay unanswered
	// before it is expired and answered with a system error.
	Deadline time.Duration
}

// New wires a broker against the bridge's state and write path.
func New(st *bridge.State, w packet.FrameWriter, loop *eventloop.Loop, apps AppState, controlPort uint16, appURLMax int, deadline time.Duration) *Broker {
	return &Broker{
		st:          st,
		w:           w,
		loop:        loop,
		apps:        apps,
		ControlPort: controlPort,
		AppURLMax:   appURLMax,
		Deadline:    deadline,
	}
}

// HandleOpenApp implements packet.ControlHandler. It validates the request
// payload, then dispatches a PermissionRequest to the source container's
// permission callback while holding the ARP write lock — nothing is
// mutated, but the exclusive hold serializes dispatch against container
// teardown. Invalid requests, unknown sources, and sources without a
// permission callback are dropped without an answer.
func (b *Broker) HandleOpenApp(srcMAC net.HardwareAddr, srcIP net.IP, srcPort uint16, payload []byte) {
	name, ok := parseOpenApp(payload, b.AppURLMax)
	if !ok {
		log.Debug("dropping open-app request from %v: %v", srcIP,
			&bridge.PacketMalformed{Reason: "truncated or oversized open-app request"})
		metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	log.Info("open-app request from %v: %s", srcIP, name)

	// The engine's buffers are reused frame to frame; the request outlives
	// this call by however long the completer takes.
	mac := append(net.HardwareAddr(nil), srcMAC...)
	ip := append(net.IP(nil), srcIP.To4()...)
	nameCopy := append([]byte(nil), name...)

	dispatched := b.st.ARP.Exclusive(ip, func(entry *bridge.ArpEntry) {
		if entry.Permission == nil {
			log.Debug("dropping open-app request from %v: no permission callback", ip)
			return
		}

		req := bridge.NewPermissionRequest(b.st, mac, ip, srcPort, nameCopy, func(r *bridge.PermissionRequest) {
			b.loop.Post(func() { b.finish(r) })
		})
		time.AfterFunc(b.Deadline, req.Expire)
		entry.Permission(entry, req)
	})
	if !dispatched {
		log.Debug("dropping open-app request: %v",
			&bridge.AuthMismatch{SrcIP: ip.String(), SrcMAC: mac.String()})
		metrics.Drops.WithLabelValues(metrics.DropAuthMismatch).Inc()
	}
}

// finish runs on the event loop once per request, after the completer
// answered or the deadline fired.
func (b *Broker) finish(r *bridge.PermissionRequest) {
	if r.Status != bridge.StatusOK {
		err := &bridge.BrokerDenied{Status: r.Status}
		if r.Status == bridge.StatusTimeout {
			log.Error("open-app request from %v timed out: %v", r.SrcIP, err)
			metrics.PermissionRequests.WithLabelValues(metrics.OutcomeExpired).Inc()
		} else {
			log.Info("open-app request from %v: %v", r.SrcIP, err)
			metrics.PermissionRequests.WithLabelValues(metrics.OutcomeDenied).Inc()
		}
		b.respond(r, encodeError(OpOpenApp, ErrSystemError))
		return
	}

	if r.Kind != bridge.PermissionApplication {
		log.Error("completed permission request from %v has unknown kind %v", r.SrcIP, r.Kind)
		metrics.PermissionRequests.WithLabelValues(metrics.OutcomeDropped).Inc()
		return
	}

	persona, ok := r.Persona.(Persona)
	if !ok || persona == nil {
		log.Error("open-app request from %v: %v", r.SrcIP, &bridge.PersonaMissing{})
		metrics.PermissionRequests.WithLabelValues(metrics.OutcomePersonaMissing).Inc()
		b.respond(r, encodeError(OpOpenApp, ErrPersonaDoesNotExist))
		return
	}

	app := b.apps.GetAppByURL(r.Payload)
	if app == nil {
		log.Info("open-app request from %v: %v", r.SrcIP, &bridge.AppNotFound{URL: string(r.Payload)})
		metrics.PermissionRequests.WithLabelValues(metrics.OutcomeAppNotFound).Inc()
		b.respond(r, encodeError(OpOpenApp, ErrAppDoesNotExist))
		return
	}

	inst, err := persona.LaunchAppInstance(app)
	if err != nil || inst == nil {
		if err == nil {
			err = errors.New("persona returned no instance")
		}
		// no answer: the requester retries, and the next attempt may find
		// the instance already running
		log.Error("open-app request from %v for %s: %v", r.SrcIP, r.Payload, &bridge.LaunchFailed{Err: err})
		metrics.PermissionRequests.WithLabelValues(metrics.OutcomeLaunchFailed).Inc()
		return
	}

	ctr := inst.Container()
	ctr.ReleaseRunning(b.loop)

	log.Info("launched %s for %v at %v", r.Payload, r.SrcIP, ctr.IP())
	metrics.PermissionRequests.WithLabelValues(metrics.OutcomeOpened).Inc()
	b.respond(r, encodeOpened(OpOpenApp, ctr.IP()))
}

func (b *Broker) respond(r *bridge.PermissionRequest, msg []byte) {
	frame, err := packet.BuildControlResponse(b.st.MAC, r.SrcMAC, b.st.IP, r.SrcIP, b.ControlPort, r.SrcPort, msg)
	if err != nil {
		log.Error("control response: %v", err)
		return
	}
	if err := b.w.Write(frame); err != nil {
		log.Error("control response write: %v", err)
	}
}
