// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// bridged is the appliance's network bridge daemon. It builds an isolated
// user+network namespace holding a Linux bridge and a tap device, then
// runs the packet engine over the tap: ARP and ICMP echo for the bridge
// address, SCTP demultiplexing to registered endpoints, and the
// application-launch control protocol on UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/containernetworking/plugins/pkg/ns"

	"bridged/internal/bridge"
	"bridged/internal/broker"
	"bridged/internal/config"
	"bridged/internal/eventloop"
	"bridged/internal/metrics"
	"bridged/internal/packet"
	log "bridged/pkg/minilog"
)

const logRingSize = 1024

func main() {
	// The namespace-construction child re-executes this binary; hand it
	// off before touching anything else.
	if bridge.IsNamespaceChild() {
		bridge.RunNamespaceChild()
	}

	flag.Parse()
	cfg := config.New()

	// -level wins over the environment when given explicitly
	levelSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "level" {
			levelSet = true
		}
	})
	if !levelSet {
		*log.LevelFlag = cfg.LogLevel
	}
	log.Init()

	if cfg.Syslog != "" {
		if err := addSyslog(cfg.Syslog); err != nil {
			fmt.Fprintf(os.Stderr, "bridged: syslog: %v\n", err)
			os.Exit(1)
		}
	}

	ring := log.NewRing(logRingSize)
	log.AddLogger("ring", ringWriter{ring}, log.DEBUG, false)
	http.HandleFunc("/debug/log", func(w http.ResponseWriter, r *http.Request) {
		for _, line := range ring.Dump() {
			fmt.Fprint(w, line)
		}
	})

	nb := &bridge.NamespaceBuilder{
		IPRouteBinary: cfg.Bridge.IPRouteBinary,
		UID:           cfg.Bridge.BridgeUID,
		GID:           cfg.Bridge.BridgeGID,
	}
	st, err := nb.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.Debug.PacketLogPath != "" {
		f, err := os.OpenFile(cfg.Debug.PacketLogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bridged: packet log: %v\n", err)
			os.Exit(1)
		}
		st.SetDebugSink(f)
	}

	loop, err := eventloop.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}

	// The daemon runs against in-memory persona/application collaborators;
	// a deployment wires the external subsystems in their place.
	apps := broker.NewMemAppState()
	for _, url := range strings.Split(cfg.Control.SeedApps, ",") {
		if url = strings.TrimSpace(url); url != "" {
			apps.Add(url)
		}
	}

	var engine *packet.Engine
	tap := bridge.NewTap(st, func(frame []byte) { engine.HandleFrame(frame) })
	b := broker.New(st, tap, loop, apps,
		uint16(cfg.Control.Port), cfg.Control.AppURLMax, cfg.Control.PermissionTimeout)
	engine = packet.NewEngine(st, tap, b, uint16(cfg.Control.Port))

	persona := &broker.MemPersona{Name: "default", St: st, NewMAC: broker.RandomMAC}
	prov := bridge.NewVethProvisioner(st, cfg.Bridge.VethMTU)
	if err := attachSeedContainers(st, prov, persona, cfg.Bridge.SeedContainers); err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}

	metrics.RegisterARPTableSize(st.ARP.Len)
	if cfg.Metrics.Enabled {
		go metrics.Serve(cfg.Metrics.Addr)
	}

	log.Info("bridged up: bridge %v (%v), control port %v", st.IP, st.MAC, cfg.Control.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx, st.TapFd, tap.OnReadable); err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
}

// addSyslog wires the syslog sink from its config string: "local", or
// "network:address" to dial a remote daemon, logging at the same level as
// the other sinks.
func addSyslog(spec string) error {
	level, err := log.ParseLevel(*log.LevelFlag)
	if err != nil {
		return err
	}

	network, raddr := spec, ""
	if network != "local" {
		var ok bool
		network, raddr, ok = strings.Cut(spec, ":")
		if !ok || raddr == "" {
			return fmt.Errorf("bad syslog spec %q, want \"local\" or \"network:address\"", spec)
		}
	}

	return log.AddSyslog(network, raddr, "bridged", level)
}

// attachSeedContainers provisions a veth into each pre-created network
// namespace listed as `nspath=ifname` (ifname defaults to eth0) and
// authorizes it on the bridge with the standalone persona's permission
// callback.
func attachSeedContainers(st *bridge.State, prov *bridge.VethProvisioner, persona broker.Persona, seeds string) error {
	for _, seed := range strings.Split(seeds, ",") {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}

		path, ifname, ok := strings.Cut(seed, "=")
		if !ok || ifname == "" {
			ifname = "eth0"
		}

		target, err := ns.GetNS(path)
		if err != nil {
			return fmt.Errorf("seed container %s: %w", path, err)
		}

		ip := st.NextIP()
		if ip == nil {
			target.Close()
			return fmt.Errorf("seed container %s: address pool exhausted", path)
		}

		entry, err := prov.CreateVethToNS(target, ifname, ip)
		target.Close()
		if err != nil {
			return fmt.Errorf("seed container %s: %w", path, err)
		}

		entry.Permission = broker.AutoGrant(persona)
		if err := st.ARP.Insert(ip, entry); err != nil {
			return fmt.Errorf("seed container %s: %w", path, err)
		}

		log.Info("seed container %s attached: %v is %v/%v", path, ifname, entry.IP, entry.MAC)
	}
	return nil
}

// ringWriter adapts the in-memory ring to the io.Writer minilog loggers
// speak, backing /debug/log when no file sink is configured.
type ringWriter struct {
	ring *log.Ring
}

func (w ringWriter) Write(p []byte) (int, error) {
	w.ring.Println(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
