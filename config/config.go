// Package config holds the settings of a btcnet node: protocol bounds,
// connection targets, timeouts, peer lists and the host pool. Settings are
// plain data; NewSettings returns mainnet defaults and Load overlays a YAML
// file on top of them.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/btcnet/address"
)

// ErrInvalidSettings is wrapped by every Validate failure.
var ErrInvalidSettings = errors.New("invalid settings")

// Eviction policies for a full host pool.
const (
	EvictOldest = "oldest"
	EvictRandom = "random"
)

// network describes the chain-specific parameters selected by name.
type network struct {
	magic wire.BitcoinNet
	port  uint16
	seeds []string
}

var networks = map[string]network{
	"mainnet": {
		magic: wire.MainNet,
		port:  8333,
		seeds: []string{
			"seed.bitcoin.sipa.be",
			"dnsseed.bluematt.me",
			"dnsseed.bitcoin.dashjr.org",
			"seed.bitcoinstats.com",
			"seed.bitnodes.io",
			"seed.bitcoin.jonasschnelli.ch",
		},
	},
	"testnet3": {
		magic: wire.TestNet3,
		port:  18333,
		seeds: []string{
			"testnet-seed.bitcoin.jonasschnelli.ch",
			"seed.tbtc.petertodd.org",
			"testnet-seed.bluematt.me",
		},
	},
	"regtest": {magic: wire.TestNet, port: 18444},
	"simnet":  {magic: wire.SimNet, port: 18555},
}

// Settings configures a node. Durations are written as Go duration strings
// in YAML ("30s", "5m").
type Settings struct {
	Network string `yaml:"network"`

	ProtocolMinimum   uint32           `yaml:"protocol_minimum"`
	ProtocolMaximum   uint32           `yaml:"protocol_maximum"`
	Services          wire.ServiceFlag `yaml:"services"`
	RelayTransactions bool             `yaml:"relay_transactions"`
	UserAgent         string           `yaml:"user_agent"`
	Self              string           `yaml:"self"`

	BindAddress        string  `yaml:"bind_address"`
	InboundPort        uint16  `yaml:"inbound_port"`
	InboundConnections int     `yaml:"inbound_connections"`
	InboundRate        float64 `yaml:"inbound_rate"`
	InboundBurst       int     `yaml:"inbound_burst"`

	OutboundConnections int           `yaml:"outbound_connections"`
	ConnectBatchSize    int           `yaml:"connect_batch_size"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ConnectRetryDelay   time.Duration `yaml:"connect_retry_delay"`

	ChannelHandshake   time.Duration `yaml:"channel_handshake"`
	ChannelHeartbeat   time.Duration `yaml:"channel_heartbeat"`
	ChannelInactivity  time.Duration `yaml:"channel_inactivity"`
	ChannelGermination time.Duration `yaml:"channel_germination"`

	ManualRetryDelay    time.Duration `yaml:"manual_retry_delay"`
	ManualRetryMaxDelay time.Duration `yaml:"manual_retry_max_delay"`
	ManualAttemptLimit  int           `yaml:"manual_attempt_limit"`

	HostPoolCapacity int    `yaml:"host_pool_capacity"`
	HostPoolEviction string `yaml:"host_pool_eviction"`
	HostsFile        string `yaml:"hosts_file"`
	SeedMinimumHosts int    `yaml:"seed_minimum_hosts"`

	Peers     []string `yaml:"peers"`
	Seeds     []string `yaml:"seeds"`
	Blacklist []string `yaml:"blacklist"`

	Proxy         string `yaml:"proxy"`
	ProxyUsername string `yaml:"proxy_username"`
	ProxyPassword string `yaml:"proxy_password"`
}

// NewSettings returns mainnet defaults.
func NewSettings() *Settings {
	mainnet := networks["mainnet"]
	return &Settings{
		Network:             "mainnet",
		ProtocolMinimum:     31402,
		ProtocolMaximum:     70002,
		Services:            wire.SFNodeNetwork,
		RelayTransactions:   true,
		UserAgent:           "/btcnet:0.1.0/",
		BindAddress:         "",
		InboundPort:         mainnet.port,
		InboundConnections:  32,
		InboundRate:         0,
		InboundBurst:        1,
		OutboundConnections: 8,
		ConnectBatchSize:    5,
		ConnectTimeout:      5 * time.Second,
		ConnectRetryDelay:   5 * time.Second,
		ChannelHandshake:    30 * time.Second,
		ChannelHeartbeat:    2 * time.Minute,
		ChannelInactivity:   10 * time.Minute,
		ChannelGermination:  30 * time.Second,
		ManualRetryDelay:    5 * time.Second,
		ManualRetryMaxDelay: 5 * time.Minute,
		HostPoolCapacity:    1000,
		HostPoolEviction:    EvictOldest,
		HostsFile:           "hosts.cache",
		SeedMinimumHosts:    100,
		Seeds:               append([]string(nil), mainnet.seeds...),
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Settings, error) {
	settings := NewSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
		"network":  settings.Network,
	}).Info("Loaded settings")

	return settings, nil
}

// Validate checks structural values. Version bounds are enforced by the
// handshake of each channel instead.
func (s *Settings) Validate() error {
	if _, ok := networks[s.Network]; !ok {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidSettings, s.Network)
	}
	counts := map[string]int{
		"inbound_connections":  s.InboundConnections,
		"outbound_connections": s.OutboundConnections,
		"manual_attempt_limit": s.ManualAttemptLimit,
		"host_pool_capacity":   s.HostPoolCapacity,
		"seed_minimum_hosts":   s.SeedMinimumHosts,
		"inbound_burst":        s.InboundBurst,
	}
	for name, v := range counts {
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidSettings, name)
		}
	}
	// Timeouts and retry delays must be positive.
	durations := map[string]time.Duration{
		"connect_timeout":     s.ConnectTimeout,
		"connect_retry_delay": s.ConnectRetryDelay,
		"channel_handshake":   s.ChannelHandshake,
		"channel_heartbeat":   s.ChannelHeartbeat,
		"channel_inactivity":  s.ChannelInactivity,
		"channel_germination": s.ChannelGermination,
		"manual_retry_delay":  s.ManualRetryDelay,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidSettings, name)
		}
	}
	if s.ManualRetryMaxDelay < 0 {
		return fmt.Errorf("%w: manual_retry_max_delay is negative", ErrInvalidSettings)
	}
	if s.ConnectBatchSize < 1 {
		return fmt.Errorf("%w: connect_batch_size must be at least 1", ErrInvalidSettings)
	}
	if s.InboundRate < 0 {
		return fmt.Errorf("%w: inbound_rate is negative", ErrInvalidSettings)
	}
	switch s.HostPoolEviction {
	case EvictOldest, EvictRandom:
	default:
		return fmt.Errorf("%w: unknown host_pool_eviction %q", ErrInvalidSettings, s.HostPoolEviction)
	}
	if s.Self != "" {
		if _, err := address.Parse(address.Endpoint(s.Self, s.DefaultPort())); err != nil {
			return fmt.Errorf("%w: self: %v", ErrInvalidSettings, err)
		}
	}
	for _, ip := range s.Blacklist {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("%w: blacklist entry %q is not an IP", ErrInvalidSettings, ip)
		}
	}
	return nil
}

// UseNetwork switches to the named network. The inbound port and the seed
// list follow the switch unless they were changed from the old network's
// defaults.
func (s *Settings) UseNetwork(name string) error {
	next, ok := networks[name]
	if !ok {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidSettings, name)
	}
	current := networks[s.Network]
	if s.InboundPort == current.port {
		s.InboundPort = next.port
	}
	if slices.Equal(s.Seeds, current.seeds) {
		s.Seeds = append([]string(nil), next.seeds...)
	}
	s.Network = name
	return nil
}

// Magic returns the wire network identifier.
func (s *Settings) Magic() wire.BitcoinNet {
	return networks[s.Network].magic
}

// DefaultPort returns the network's default peer port.
func (s *Settings) DefaultPort() uint16 {
	if n, ok := networks[s.Network]; ok {
		return n.port
	}
	return networks["mainnet"].port
}

// LocalNetwork reports whether peers of the network are expected on
// private or loopback addresses.
func (s *Settings) LocalNetwork() bool {
	return s.Network == "regtest" || s.Network == "simnet"
}

// InboundEndpoint is the host:port the inbound session listens on.
func (s *Settings) InboundEndpoint() string {
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(int(s.InboundPort)))
}

// ListenEnabled reports whether the inbound session should run.
func (s *Settings) ListenEnabled() bool {
	return s.InboundPort != 0 && s.InboundConnections > 0
}

// SelfAddress returns the configured external address advertising the
// node's own services, or the zero address when none is set.
func (s *Settings) SelfAddress() address.Address {
	if s.Self == "" {
		return address.Address{}
	}
	a, err := address.Parse(address.Endpoint(s.Self, s.DefaultPort()))
	if err != nil {
		return address.Address{}
	}
	return a.WithServices(s.Services)
}

// Endpoints expands peer or seed entries with the default port.
func (s *Settings) Endpoints(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, address.Endpoint(e, s.DefaultPort()))
	}
	return out
}

// Blacklisted reports whether ip appears in the blacklist.
func (s *Settings) Blacklisted(ip net.IP) bool {
	for _, entry := range s.Blacklist {
		if blocked := net.ParseIP(entry); blocked != nil && blocked.Equal(ip) {
			return true
		}
	}
	return false
}
