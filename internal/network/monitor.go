// Package network decides whether the current connection allows a sync
// cycle under the user's policy.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Policy is the user's choice of which connections may be used for sync.
type Policy string

const (
	PolicyWifiOnly        Policy = "wifi_only"
	PolicyWifiAndCellular Policy = "wifi_and_cellular"

	// PolicyNever disables automatic sync entirely.
	PolicyNever Policy = "never"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyWifiOnly, PolicyWifiAndCellular, PolicyNever:
		return p, nil
	default:
		return "", fmt.Errorf("unknown sync policy %q", s)
	}
}

// ConnectionType is the kind of link the device is on.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionNone     ConnectionType = "none"
)

// ParseConnectionType validates a connection type name.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch c := ConnectionType(s); c {
	case ConnectionWifi, ConnectionCellular, ConnectionNone:
		return c, nil
	default:
		return "", fmt.Errorf("unknown connection type %q", s)
	}
}

// Monitor reports whether a sync may run now. The engine asks once at the
// start of each cycle.
type Monitor interface {
	CanSync(ctx context.Context, policy Policy) bool
}

// AllowsSync applies a policy to a connection type.
func AllowsSync(policy Policy, conn ConnectionType) bool {
	switch conn {
	case ConnectionWifi:
		return policy == PolicyWifiOnly || policy == PolicyWifiAndCellular
	case ConnectionCellular:
		return policy == PolicyWifiAndCellular
	default:
		return false
	}
}

// StaticMonitor reports a fixed connection type. Safe for concurrent use.
type StaticMonitor struct {
	mu   sync.RWMutex
	conn ConnectionType
}

// NewStaticMonitor returns a monitor reporting conn.
func NewStaticMonitor(conn ConnectionType) *StaticMonitor {
	return &StaticMonitor{conn: conn}
}

// Set changes the reported connection type.
func (m *StaticMonitor) Set(conn ConnectionType) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

// Connection returns the reported connection type.
func (m *StaticMonitor) Connection(context.Context) ConnectionType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.conn
}

func (m *StaticMonitor) CanSync(ctx context.Context, policy Policy) bool {
	return AllowsSync(policy, m.Connection(ctx))
}

const defaultProbeTimeout = 3 * time.Second

// dialFunc matches net.Dialer.DialContext.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProbeMonitor reports the configured connection type only while a TCP dial
// to a probe address succeeds, and "none" otherwise.
type ProbeMonitor struct {
	conn    ConnectionType
	addr    string
	timeout time.Duration
	dial    dialFunc
	logger  *slog.Logger
}

// NewProbeMonitor returns a monitor that dials addr before each cycle.
func NewProbeMonitor(conn ConnectionType, addr string, logger *slog.Logger) *ProbeMonitor {
	d := &net.Dialer{}

	return &ProbeMonitor{
		conn:    conn,
		addr:    addr,
		timeout: defaultProbeTimeout,
		dial:    d.DialContext,
		logger:  logger,
	}
}

// Connection dials the probe address and returns the configured type on
// success.
func (m *ProbeMonitor) Connection(ctx context.Context) ConnectionType {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	c, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		m.logger.Debug("network probe failed", slog.String("addr", m.addr), slog.String("error", err.Error()))
		return ConnectionNone
	}

	c.Close()

	return m.conn
}

func (m *ProbeMonitor) CanSync(ctx context.Context, policy Policy) bool {
	// Skip the dial when the policy rules the connection out anyway.
	if !AllowsSync(policy, m.conn) {
		return false
	}

	return AllowsSync(policy, m.Connection(ctx))
}
