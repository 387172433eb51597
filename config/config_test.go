package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettingsDefaults(t *testing.T) {
	s := NewSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, wire.MainNet, s.Magic())
	assert.Equal(t, uint16(8333), s.DefaultPort())
	assert.Equal(t, uint32(31402), s.ProtocolMinimum)
	assert.Equal(t, uint32(70002), s.ProtocolMaximum)
	assert.Equal(t, ":8333", s.InboundEndpoint())
	assert.True(t, s.ListenEnabled())
	assert.NotEmpty(t, s.Seeds)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btcnet.yaml")
	data := []byte(`
network: testnet3
outbound_connections: 3
connect_timeout: 2s
channel_heartbeat: 1m
self: 203.0.113.5
peers:
  - 203.0.113.10
  - "[2001:db8::1]:18444"
blacklist:
  - 198.51.100.1
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, wire.TestNet3, s.Magic())
	assert.Equal(t, 3, s.OutboundConnections)
	assert.Equal(t, 2*time.Second, s.ConnectTimeout)
	assert.Equal(t, time.Minute, s.ChannelHeartbeat)
	assert.Equal(t, 5, s.ConnectBatchSize, "unset fields keep defaults")

	self := s.SelfAddress()
	assert.Equal(t, "203.0.113.5:18333", self.String())
	assert.Equal(t, s.Services, self.Services)

	assert.Equal(t, []string{"203.0.113.10:18333", "[2001:db8::1]:18444"}, s.Endpoints(s.Peers))
	assert.True(t, s.Blacklisted(net.ParseIP("198.51.100.1")))
	assert.False(t, s.Blacklisted(net.ParseIP("198.51.100.2")))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network: moonnet\n"), 0o600))
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"batch size zero", func(s *Settings) { s.ConnectBatchSize = 0 }},
		{"negative outbound", func(s *Settings) { s.OutboundConnections = -1 }},
		{"unknown eviction", func(s *Settings) { s.HostPoolEviction = "lifo" }},
		{"bad self", func(s *Settings) { s.Self = "not an address" }},
		{"bad blacklist", func(s *Settings) { s.Blacklist = []string{"nope"} }},
		{"negative rate", func(s *Settings) { s.InboundRate = -1 }},
		{"zero connect timeout", func(s *Settings) { s.ConnectTimeout = 0 }},
		{"zero connect retry delay", func(s *Settings) { s.ConnectRetryDelay = 0 }},
		{"negative connect retry delay", func(s *Settings) { s.ConnectRetryDelay = -time.Second }},
		{"zero handshake timeout", func(s *Settings) { s.ChannelHandshake = 0 }},
		{"zero heartbeat", func(s *Settings) { s.ChannelHeartbeat = 0 }},
		{"zero inactivity", func(s *Settings) { s.ChannelInactivity = 0 }},
		{"zero germination", func(s *Settings) { s.ChannelGermination = 0 }},
		{"zero manual retry delay", func(s *Settings) { s.ManualRetryDelay = 0 }},
		{"negative manual retry cap", func(s *Settings) { s.ManualRetryMaxDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSettings()
			tt.mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
		})
	}
}

func TestVersionBoundsAreNotValidatedHere(t *testing.T) {
	s := NewSettings()
	s.ProtocolMinimum = 70002
	s.ProtocolMaximum = 31402
	assert.NoError(t, s.Validate())
}

func TestUseNetwork(t *testing.T) {
	t.Run("defaults follow the network", func(t *testing.T) {
		s := NewSettings()
		require.NoError(t, s.UseNetwork("testnet3"))
		assert.Equal(t, wire.TestNet3, s.Magic())
		assert.Equal(t, uint16(18333), s.InboundPort)
		assert.Contains(t, s.Seeds, "seed.tbtc.petertodd.org")
	})

	t.Run("customized values are kept", func(t *testing.T) {
		s := NewSettings()
		s.InboundPort = 9000
		s.Seeds = []string{"203.0.113.5"}
		require.NoError(t, s.UseNetwork("regtest"))
		assert.Equal(t, uint16(9000), s.InboundPort)
		assert.Equal(t, []string{"203.0.113.5"}, s.Seeds)
	})

	t.Run("unknown network", func(t *testing.T) {
		s := NewSettings()
		assert.ErrorIs(t, s.UseNetwork("litecoin"), ErrInvalidSettings)
		assert.Equal(t, "mainnet", s.Network)
	})
}
