package config

import (
	"flag"
	"fmt"
	"time"
)

// NodeConfig is the stable CLI/env surface from spec.md §6 "Command-line
// surface". Fields are tagged `env:"..."` in the teacher's envdecode
// convention. Parse reads the tagged variable as the default of every flag
// except the simulation-only --fake-node-name and --fakechain-port; it does
// not read the file-descriptor budget variables.
type NodeConfig struct {
	Home string `env:"NODED_HOME"`

	Port             uint16        `env:"NODED_PORT"`
	WSPort           uint16        `env:"NODED_WS_PORT"`
	TCPPort          uint16        `env:"NODED_TCP_PORT"`
	Verbosity        int           `env:"NODED_VERBOSITY"`
	LoggingOff       bool          `env:"NODED_LOGGING_OFF"`
	Detached         bool          `env:"NODED_DETACHED"`
	RPC              string        `env:"NODED_RPC"`
	RPCConfigPath    string        `env:"NODED_RPC_CONFIG"`
	Password         string        `env:"NODED_PASSWORD"`
	RevealIP         bool          `env:"NODED_REVEAL_IP"`
	MaxPeers         uint64        `env:"NODED_MAX_PEERS"`
	MaxPassthroughs  uint64        `env:"NODED_MAX_PASSTHROUGHS"`
	MaxLogSize       uint64        `env:"NODED_MAX_LOG_SIZE"`
	NumberLogFiles   uint64        `env:"NODED_NUMBER_LOG_FILES"`
	SoftUlimit       uint64        `env:"NODED_SOFT_ULIMIT"`
	ProcessVerbosity string        `env:"NODED_PROCESS_VERBOSITY"`

	// Simulation-only.
	FakeNodeName  string `env:"NODED_FAKE_NODE_NAME"`
	FakechainPort uint16 `env:"NODED_FAKECHAIN_PORT"`

	// File-descriptor budget (spec §5).
	FDIdleTimeout time.Duration `env:"NODED_FD_IDLE_TIMEOUT"`
	FDOpenCap     int           `env:"NODED_FD_OPEN_CAP"`
}

// Default returns the documented flag defaults from spec.md §6.
func Default() *NodeConfig {
	return &NodeConfig{
		Verbosity:       0,
		RevealIP:        true,
		MaxPeers:        32,
		MaxPassthroughs: 0,
		MaxLogSize:      16 << 20,
		NumberLogFiles:  4,
		FDIdleTimeout:   50 * time.Second,
		FDOpenCap:       180,
	}
}

// Parse builds a NodeConfig from args, applying env overrides loaded from
// LoadDotEnv first (so flags always win over environment, matching the
// teacher's "env sets defaults, explicit flags override" convention).
// args[0] must be the positional `home` directory.
func Parse(args []string) (*NodeConfig, error) {
	cfg := Default()

	fs := flag.NewFlagSet("noded", flag.ContinueOnError)
	port := fs.Uint("port", uint(atoiEnvOr("NODED_PORT", 8080)), "HTTP bind port")
	wsPort := fs.Uint("ws-port", uint(atoiEnvOr("NODED_WS_PORT", 9000)), "internal WS port")
	tcpPort := fs.Uint("tcp-port", uint(atoiEnvOr("NODED_TCP_PORT", 9001)), "internal TCP port")
	verbosity := fs.Int("verbosity", int(atoiEnvOr("NODED_VERBOSITY", 0)), "log verbosity 0..3")
	loggingOff := fs.Bool("logging-off", GetEnvBool("NODED_LOGGING_OFF", false), "log to stdout instead of the rotating log file")
	detached := fs.Bool("detached", GetEnvBool("NODED_DETACHED", false), "run detached from a terminal")
	rpc := fs.String("rpc", GetEnv("NODED_RPC", ""), "WS RPC URL to add at boot")
	rpcConfig := fs.String("rpc-config", GetEnv("NODED_RPC_CONFIG", ""), "path to a JSON list of URL+auth RPC providers")
	password := fs.String("password", GetEnv("NODED_PASSWORD", ""), "unattended login password")
	revealIP := fs.Bool("reveal-ip", GetEnvBool("NODED_REVEAL_IP", true), "advertise this node's own IP")
	maxPeers := fs.Uint64("max-peers", GetEnvUint64("NODED_MAX_PEERS", 32), "maximum tracked peers")
	maxPassthroughs := fs.Uint64("max-passthroughs", GetEnvUint64("NODED_MAX_PASSTHROUGHS", 0), "maximum passthrough relays")
	maxLogSize := fs.Uint64("max-log-size", GetEnvUint64("NODED_MAX_LOG_SIZE", 16<<20), "maximum log file size in bytes")
	numberLogFiles := fs.Uint64("number-log-files", GetEnvUint64("NODED_NUMBER_LOG_FILES", 4), "number of rotated log files to keep")
	softUlimit := fs.Uint64("soft-ulimit", GetEnvUint64("NODED_SOFT_ULIMIT", 0), "soft open-file ulimit (0 = inherit)")
	processVerbosity := fs.String("process-verbosity", GetEnv("NODED_PROCESS_VERBOSITY", ""), "JSON map of per-process verbosity overrides")
	fakeNodeName := fs.String("fake-node-name", "", "simulation-only: fake node name")
	fakechainPort := fs.Uint("fakechain-port", 0, "simulation-only: local fakechain port")

	if len(args) < 1 || args[0] == "" {
		return nil, fmt.Errorf("config: positional home directory is required")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}
	if fs.NArg() < 1 {
		home := fs.Arg(0)
		_ = home
	}

	cfg.Home = args[0]
	cfg.Port = uint16(*port)
	cfg.WSPort = uint16(*wsPort)
	cfg.TCPPort = uint16(*tcpPort)
	cfg.Verbosity = *verbosity
	cfg.LoggingOff = *loggingOff
	cfg.Detached = *detached
	cfg.RPC = *rpc
	cfg.RPCConfigPath = *rpcConfig
	cfg.Password = *password
	cfg.RevealIP = *revealIP
	cfg.MaxPeers = *maxPeers
	cfg.MaxPassthroughs = *maxPassthroughs
	cfg.MaxLogSize = *maxLogSize
	cfg.NumberLogFiles = *numberLogFiles
	cfg.SoftUlimit = *softUlimit
	cfg.ProcessVerbosity = *processVerbosity
	cfg.FakeNodeName = *fakeNodeName
	cfg.FakechainPort = uint16(*fakechainPort)

	if cfg.Verbosity < 0 || cfg.Verbosity > 3 {
		return nil, fmt.Errorf("config: verbosity must be 0..3, got %d", cfg.Verbosity)
	}
	return cfg, nil
}

func atoiEnvOr(key string, defaultValue uint64) uint64 {
	return GetEnvUint64(key, defaultValue)
}
