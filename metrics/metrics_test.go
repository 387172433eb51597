package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/protocol"
)

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{channel.ErrServiceStopped, "shutdown"},
		{protocol.ErrSelfConnection, "self"},
		{fmt.Errorf("%w: 0", protocol.ErrInsufficientServices), "rejected"},
		{protocol.ErrInsufficientVersion, "rejected"},
		{protocol.ErrInvalidConfiguration, "misconfigured"},
		{protocol.ErrHandshakeTimeout, "timeout"},
		{protocol.ErrPingTimeout, "timeout"},
		{channel.ErrTimeout, "timeout"},
		{errors.Join(channel.ErrMalformed, errors.New("bad checksum")), "malformed"},
		{context.Canceled, "cancelled"},
		{channel.ErrStopped, "stopped"},
		{errors.New("connection reset"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, Gauges{})
	require.NoError(t, err)

	m.Dial(nil)
	m.Dial(errors.New("refused"))
	m.Dial(errors.New("refused"))
	m.Handshake("outbound", nil)
	m.Handshake("inbound", protocol.ErrInsufficientVersion)
	m.Stopped(channel.ErrTimeout)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dials.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dials.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("outbound", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("inbound", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stops.WithLabelValues("timeout")))
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	connections := 3
	_, err := New(reg, Gauges{
		Connections: func() int { return connections },
		Pending:     func() int { return 1 },
		Hosts:       func() int { return 250 },
	})
	require.NoError(t, err)

	expected := `
# HELP btcnet_connections Registered peer connections.
# TYPE btcnet_connections gauge
btcnet_connections 3
# HELP btcnet_hosts Addresses in the host pool.
# TYPE btcnet_hosts gauge
btcnet_hosts 250
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "btcnet_connections", "btcnet_hosts"))

	connections = 5
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(expected, "btcnet_connections 3", "btcnet_connections 5", 1)), "btcnet_connections", "btcnet_hosts"))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, Gauges{})
	require.NoError(t, err)
	_, err = New(reg, Gauges{})
	assert.Error(t, err)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Dial(nil)
		m.Handshake("seed", nil)
		m.Stopped(nil)
	})
}
