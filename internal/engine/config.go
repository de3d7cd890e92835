package engine

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultBinary          = "aria2c"
	DefaultStartTimeout    = 5 * time.Second
	DefaultHealthTimeout   = 2 * time.Second
	DefaultGracePeriod     = 3 * time.Second
	DefaultMaxRestarts     = 3
	DefaultSessionInterval = 30 * time.Second
	DefaultConnections     = 4
	DefaultSplit           = 4
	DefaultMaxConcurrent   = 5

	// SessionFile is written by aria2 into the destination directory.
	SessionFile = ".podfetch.session"
)

// Config controls how the engine process is launched and supervised.
type Config struct {
	Binary string
	// Dir is the destination directory and the working directory of the
	// process.
	Dir string
	// Port 0 selects an ephemeral port.
	Port int
	// Secret "" generates a fresh token per launch.
	Secret string

	Connections     int
	Split           int
	MaxConcurrent   int
	SessionInterval time.Duration
	ExtraArgs       []string

	StartTimeout  time.Duration
	HealthTimeout time.Duration
	RPCTimeout    time.Duration
	GracePeriod   time.Duration
	// MaxRestarts bounds Restart calls; zero disables restarts.
	MaxRestarts int
}

// withDefaults fills zero values. MaxRestarts is taken as given.
func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.SessionInterval <= 0 {
		c.SessionInterval = DefaultSessionInterval
	}
	if c.Connections <= 0 {
		c.Connections = DefaultConnections
	}
	if c.Split <= 0 {
		c.Split = DefaultSplit
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Args returns the aria2c command line for the given port and secret.
func Args(c Config, port int, secret string) []string {
	c = c.withDefaults()
	args := []string{
		"--enable-rpc=true",
		"--rpc-listen-port=" + strconv.Itoa(port),
		"--rpc-listen-all=false",
		"--rpc-secret=" + secret,
		"--dir=" + c.Dir,
		"--max-connection-per-server=" + strconv.Itoa(c.Connections),
		"--split=" + strconv.Itoa(c.Split),
		"--max-concurrent-downloads=" + strconv.Itoa(c.MaxConcurrent),
		"--continue=true",
		"--check-integrity=true",
		"--save-session=" + filepath.Join(c.Dir, SessionFile),
		"--save-session-interval=" + strconv.Itoa(int(c.SessionInterval/time.Second)),
	}
	return append(args, c.ExtraArgs...)
}

// freePort asks the OS for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate rpc port: %w", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
