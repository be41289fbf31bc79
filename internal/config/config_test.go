// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package config

import (
	"os"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	if cfg.Bridge.IPRouteBinary != DefaultIPRouteBinary {
		t.Fatalf("ip binary: want %q, got %q", DefaultIPRouteBinary, cfg.Bridge.IPRouteBinary)
	}
	if cfg.Bridge.BridgeUID != os.Getuid() || cfg.Bridge.BridgeGID != os.Getgid() {
		t.Fatalf("uid/gid: want invoking user, got %d/%d", cfg.Bridge.BridgeUID, cfg.Bridge.BridgeGID)
	}
	if cfg.Control.Port != DefaultControlPort {
		t.Fatalf("control port: want %d, got %d", DefaultControlPort, cfg.Control.Port)
	}
	if cfg.Control.AppURLMax != DefaultAppURLMax {
		t.Fatalf("app url max: want %d, got %d", DefaultAppURLMax, cfg.Control.AppURLMax)
	}
	if cfg.Control.PermissionTimeout != DefaultPermissionTimeout {
		t.Fatalf("permission timeout: want %v, got %v", DefaultPermissionTimeout, cfg.Control.PermissionTimeout)
	}
	if cfg.Debug.PacketLogPath != "" {
		t.Fatalf("packet log: want disabled, got %q", cfg.Debug.PacketLogPath)
	}
	if cfg.Syslog != "" {
		t.Fatalf("syslog: want disabled, got %q", cfg.Syslog)
	}
}

func TestNewFromEnvironment(t *testing.T) {
	t.Setenv("BRIDGED_IP_BINARY", "/sbin/ip")
	t.Setenv("BRIDGED_CONTROL_PORT", "9000")
	t.Setenv("BRIDGED_APP_URL_MAX", "512")
	t.Setenv("BRIDGED_PERMISSION_TIMEOUT", "5s")
	t.Setenv("BRIDGED_PACKET_LOG", "/tmp/pkts")
	t.Setenv("BRIDGED_METRICS_ENABLED", "off")
	t.Setenv("BRIDGED_SYSLOG", "udp:syslog.example:514")

	cfg := New()

	if cfg.Bridge.IPRouteBinary != "/sbin/ip" {
		t.Fatalf("ip binary: got %q", cfg.Bridge.IPRouteBinary)
	}
	if cfg.Control.Port != 9000 {
		t.Fatalf("control port: got %d", cfg.Control.Port)
	}
	if cfg.Control.AppURLMax != 512 {
		t.Fatalf("app url max: got %d", cfg.Control.AppURLMax)
	}
	if cfg.Control.PermissionTimeout != 5*time.Second {
		t.Fatalf("permission timeout: got %v", cfg.Control.PermissionTimeout)
	}
	if cfg.Debug.PacketLogPath != "/tmp/pkts" {
		t.Fatalf("packet log: got %q", cfg.Debug.PacketLogPath)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("metrics still enabled")
	}
	if cfg.Syslog != "udp:syslog.example:514" {
		t.Fatalf("syslog: got %q", cfg.Syslog)
	}
}

func TestMalformedEnvironmentFallsBack(t *testing.T) {
	t.Setenv("BRIDGED_CONTROL_PORT", "not-a-number")
	t.Setenv("BRIDGED_PERMISSION_TIMEOUT", "soon")
	t.Setenv("BRIDGED_METRICS_ENABLED", "maybe")

	cfg := New()

	if cfg.Control.Port != DefaultControlPort {
		t.Fatalf("control port: want default, got %d", cfg.Control.Port)
	}
	if cfg.Control.PermissionTimeout != DefaultPermissionTimeout {
		t.Fatalf("permission timeout: want default, got %v", cfg.Control.PermissionTimeout)
	}
	if !cfg.Metrics.Enabled {
		t.Fatal("metrics: want default enabled")
	}
}
