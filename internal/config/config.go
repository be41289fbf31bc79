// Package config loads the bridge daemon's runtime configuration from the
// environment. It registers no command-line flags; the only flag override
// is minilog's -level, which cmd/bridged lets win over LogLevel.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// BridgeConfig describes the namespace/tap/veth side of the daemon.
type BridgeConfig struct {
	IPRouteBinary string // path to the `ip` tool, used for the one step of
	// namespace construction that must run before netlink is reachable
	BridgeUID int
	BridgeGID int
	VethMTU   int

	// SeedContainers is a comma-separated list of `nspath=ifname` pairs
	// (ifname defaults to eth0): pre-created network namespaces attached
	// to the bridge at startup when running standalone.
	SeedContainers string
}

// ControlConfig describes the in-bridge application-launch control protocol.
type ControlConfig struct {
	Port              int // UDP port containers speak open-app to (default 9998)
	AppURLMax         int // max accepted app_name_length
	PermissionTimeout time.Duration

	// SeedApps is a comma-separated list of app URLs preloaded into the
	// in-memory app registry when running standalone.
	SeedApps string
}

// DebugConfig controls the optional packet debug sink.
type DebugConfig struct {
	PacketLogPath string // empty disables the sink
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled bool
	Addr    string // e.g. ":9477"
}

// Config holds all daemon configuration.
type Config struct {
	Bridge  BridgeConfig
	Control ControlConfig
	Debug   DebugConfig
	Metrics MetricsConfig

	LogLevel string

	// Syslog adds a syslog sink when non-empty: "local" for the local
	// daemon, or "udp:host:514" / "tcp:host:514" to dial out.
	Syslog string
}

// Default configuration values.
const (
	DefaultIPRouteBinary     = "ip"
	DefaultVethMTU           = 1500
	DefaultControlPort       = 9998
	DefaultAppURLMax         = 2048
	DefaultPermissionTimeout = 30 * time.Second
	DefaultMetricsAddr       = ":9477"
	DefaultLogLevel          = "info"
)

// New returns a Config populated from the environment, falling back to
// defaults for anything unset.
func New() *Config {
	return &Config{
		Bridge: BridgeConfig{
			IPRouteBinary: getEnv("BRIDGED_IP_BINARY", DefaultIPRouteBinary),
			// the namespace map targets the invoking user; the bridge
			// never needs host privilege
			BridgeUID:      getEnvInt("BRIDGED_UID", os.Getuid()),
			BridgeGID:      getEnvInt("BRIDGED_GID", os.Getgid()),
			VethMTU:        getEnvInt("BRIDGED_VETH_MTU", DefaultVethMTU),
			SeedContainers: getEnv("BRIDGED_SEED_CONTAINERS", ""),
		},
		Control: ControlConfig{
			Port:              getEnvInt("BRIDGED_CONTROL_PORT", DefaultControlPort),
			AppURLMax:         getEnvInt("BRIDGED_APP_URL_MAX", DefaultAppURLMax),
			PermissionTimeout: getEnvDuration("BRIDGED_PERMISSION_TIMEOUT", DefaultPermissionTimeout),
			SeedApps:          getEnv("BRIDGED_SEED_APPS", ""),
		},
		Debug: DebugConfig{
			PacketLogPath: getEnv("BRIDGED_PACKET_LOG", ""),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("BRIDGED_METRICS_ENABLED", true),
			Addr:    getEnv("BRIDGED_METRICS_ADDR", DefaultMetricsAddr),
		},
		LogLevel: getEnv("BRIDGED_LOG_LEVEL", DefaultLogLevel),
		Syslog:   getEnv("BRIDGED_SYSLOG", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(value) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
