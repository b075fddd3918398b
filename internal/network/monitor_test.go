package network

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestAllowsSync(t *testing.T) {
	tests := []struct {
		policy Policy
		conn   ConnectionType
		want   bool
	}{
		{PolicyWifiOnly, ConnectionWifi, true},
		{PolicyWifiOnly, ConnectionCellular, false},
		{PolicyWifiOnly, ConnectionNone, false},
		{PolicyWifiAndCellular, ConnectionWifi, true},
		{PolicyWifiAndCellular, ConnectionCellular, true},
		{PolicyWifiAndCellular, ConnectionNone, false},
		{PolicyNever, ConnectionWifi, false},
		{PolicyNever, ConnectionCellular, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy)+"/"+string(tt.conn), func(t *testing.T) {
			assert.Equal(t, tt.want, AllowsSync(tt.policy, tt.conn))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("wifi_and_cellular")
	require.NoError(t, err)
	assert.Equal(t, PolicyWifiAndCellular, p)

	_, err = ParsePolicy("sometimes")
	require.Error(t, err)
}

func TestParseConnectionType(t *testing.T) {
	c, err := ParseConnectionType("cellular")
	require.NoError(t, err)
	assert.Equal(t, ConnectionCellular, c)

	_, err = ParseConnectionType("satellite")
	require.Error(t, err)
}

func TestStaticMonitor_Set(t *testing.T) {
	m := NewStaticMonitor(ConnectionCellular)
	ctx := context.Background()

	assert.False(t, m.CanSync(ctx, PolicyWifiOnly))

	m.Set(ConnectionWifi)
	assert.True(t, m.CanSync(ctx, PolicyWifiOnly))
}

func TestProbeMonitor(t *testing.T) {
	ctx := context.Background()

	m := NewProbeMonitor(ConnectionWifi, "probe:443", quietLogger)

	m.dial = func(context.Context, string, string) (net.Conn, error) {
		c1, c2 := net.Pipe()
		c2.Close()

		return c1, nil
	}
	assert.True(t, m.CanSync(ctx, PolicyWifiOnly))
	assert.False(t, m.CanSync(ctx, PolicyNever))

	m.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("no route to host")
	}
	assert.False(t, m.CanSync(ctx, PolicyWifiOnly))
	assert.Equal(t, ConnectionNone, m.Connection(ctx))
}

func TestProbeMonitor_SkipsDialWhenPolicyForbids(t *testing.T) {
	m := NewProbeMonitor(ConnectionCellular, "probe:443", quietLogger)

	dialed := false
	m.dial = func(context.Context, string, string) (net.Conn, error) {
		dialed = true
		return nil, errors.New("unreachable")
	}

	assert.False(t, m.CanSync(context.Background(), PolicyWifiOnly))
	assert.False(t, dialed)
}
