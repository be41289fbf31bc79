// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package metrics exposes the bridge's packet-path counters over a
// Prometheus endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "bridged/pkg/minilog"
)

// Drop reasons. Each counted drop increments Drops with exactly one of
// these. Some discarded frames are not counted at all: IPv6 frames, ARP
// requests not for the bridge or not for IPv4, ARP replies, ARP with an
// unknown op, ICMP echo replies, and open-app requests from a source with
// no permission callback.
const (
	DropMalformed    = "malformed"
	DropAuthMismatch = "auth_mismatch"
	DropUnhandled    = "unhandled"
	DropNoEndpoint   = "no_endpoint"
)

// Permission request outcomes.
const (
	OutcomeOpened         = "opened"
	OutcomeDenied         = "denied"
	OutcomeExpired        = "expired"
	OutcomePersonaMissing = "persona_missing"
	OutcomeAppNotFound    = "app_not_found"
	OutcomeLaunchFailed   = "launch_failed"
	OutcomeDropped        = "dropped"
)

var (
	FramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridged_frames_in_total",
		Help: "Frames read from the tap device.",
	})
	FramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridged_frames_out_total",
		Help: "Frames written to the tap device.",
	})
	ARPReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridged_arp_replies_total",
		Help: "ARP replies synthesized for the bridge address.",
	})
	ICMPReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridged_icmp_replies_total",
		Help: "ICMP echo replies synthesized.",
	})
	SCTPDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridged_sctp_dispatches_total",
		Help: "SCTP payloads handed to registered endpoints.",
	})
	Drops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridged_drops_total",
		Help: "Frames dropped, by reason.",
	}, []string{"reason"})
	PermissionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridged_permission_requests_total",
		Help: "Application-launch requests, by outcome.",
	}, []string{"outcome"})
)

// RegisterARPTableSize exposes the live ARP table size as a gauge backed
// by fn.
func RegisterARPTableSize(fn func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridged_arp_table_entries",
		Help: "Live ARP table entries.",
	}, func() float64 { return float64(fn()) }))
}

// Serve exposes /metrics (and any other handlers registered on the default
// mux) on addr. Blocks; run on its own goroutine.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Error("metrics listener: %v", err)
	}
}
