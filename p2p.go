package btcnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/collections"
	"github.com/opd-ai/btcnet/config"
	"github.com/opd-ai/btcnet/metrics"
	"github.com/opd-ai/btcnet/protocol"
	"github.com/opd-ai/btcnet/session"
	"github.com/opd-ai/btcnet/transport"
)

var (
	// ErrRunning is returned by Start on a running node.
	ErrRunning = errors.New("network already running")

	// ErrNotRunning is returned by Stop on a stopped node.
	ErrNotRunning = errors.New("network not running")
)

// Options configures a P2P node.
type Options struct {
	Settings *config.Settings
	// Transport defaults to TCP, through the configured proxy if any.
	Transport transport.Transport
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Store persists the host pool. It defaults to the hosts file from
	// Settings; with no hosts file the pool is not persisted.
	Store collections.AddressStore
	// Registerer receives the node's metrics when set.
	Registerer prometheus.Registerer
}

// NewOptions returns options with mainnet default settings.
func NewOptions() *Options {
	return &Options{
		Settings: config.NewSettings(),
	}
}

// P2P owns the registries and sessions of one node.
type P2P struct {
	options *Options
	env     *session.Env
	store   collections.AddressStore
	relay   *relay
	height  atomic.Uint32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	manual  *session.Manual
	queued  []string
}

// New validates options and builds a stopped node.
func New(options *Options) (*P2P, error) {
	if options == nil {
		options = NewOptions()
	}
	settings := options.Settings
	if settings == nil {
		settings = config.NewSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	tr := options.Transport
	if tr == nil {
		tcp, err := transport.New(settings)
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		tr = tcp
	}

	store := options.Store
	if store == nil && settings.HostsFile != "" {
		store = collections.NewFileStore(settings.HostsFile)
	}

	pool := collections.NewHostPool(
		settings.HostPoolCapacity,
		settings.SelfAddress(),
		collections.ParseEvictionPolicy(settings.HostPoolEviction),
	)
	pending := collections.NewPending()
	connections := collections.NewConnections()

	p := &P2P{
		options: options,
		store:   store,
		relay:   newRelay(),
	}

	var m *metrics.Metrics
	if options.Registerer != nil {
		var err error
		m, err = metrics.New(options.Registerer, metrics.Gauges{
			Connections: connections.Count,
			Pending:     pending.Count,
			Hosts:       pool.Count,
		})
		if err != nil {
			return nil, err
		}
	}

	p.env = &session.Env{
		Node: protocol.Node{
			Settings:   settings,
			Clock:      options.Clock,
			Hosts:      pool,
			Height:     p.height.Load,
			IsOwnNonce: pending.ContainsNonce,
		},
		Transport:   tr,
		Codec:       channel.WireCodec{Net: settings.Magic()},
		Connections: connections,
		Pending:     pending,
		Pool:        pool,
		Metrics:     m,
		OnConnect:   p.relay.attach,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"network":  settings.Network,
		"outbound": settings.OutboundConnections,
		"inbound":  settings.InboundConnections,
	}).Info("Created network")

	return p, nil
}

// Start loads the host pool, binds the listener and launches the sessions.
// It returns once everything is running.
func (p *P2P) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}

	settings := p.env.Settings
	if err := p.env.Pool.Load(p.store); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "P2P.Start",
			"error":    err.Error(),
		}).Warn("Could not load host pool")
	}

	var listener net.Listener
	if settings.ListenEnabled() {
		var err error
		listener, err = p.env.Transport.Listen(settings.InboundEndpoint())
		if err != nil {
			return fmt.Errorf("start inbound session: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	manual := session.NewManual(p.env)
	for _, endpoint := range settings.Endpoints(settings.Peers) {
		manual.Connect(endpoint)
	}
	for _, endpoint := range p.queued {
		manual.Connect(endpoint)
	}
	p.queued = nil

	group.Go(func() error { return session.NewSeed(p.env).Run(ctx) })
	group.Go(func() error { return manual.Run(ctx) })
	if listener != nil {
		group.Go(func() error { return session.NewInbound(p.env, listener).Run(ctx) })
	}
	group.Go(func() error { return session.NewOutbound(p.env).Run(ctx) })

	p.running = true
	p.cancel = cancel
	p.group = group
	p.manual = manual

	logrus.WithFields(logrus.Fields{
		"function":  "P2P.Start",
		"listening": listener != nil,
		"hosts":     p.env.Pool.Count(),
	}).Info("Network started")
	return nil
}

// Stop ends every session and channel, waits for them and saves the host
// pool. Subscribers receive channel.ErrServiceStopped.
func (p *P2P) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	cancel, group := p.cancel, p.group
	p.manual = nil
	p.mu.Unlock()

	cancel()
	stopped := p.env.Connections.StopAll(channel.ErrServiceStopped)
	err := group.Wait()

	// Handshakes that finished during shutdown may have registered late.
	stopped = append(stopped, p.env.Connections.StopAll(channel.ErrServiceStopped)...)
	for _, ch := range stopped {
		ch.Wait()
	}

	err = multierr.Append(err, p.env.Pool.Save(p.store))
	p.relay.stop(channel.ErrServiceStopped)

	logrus.WithFields(logrus.Fields{
		"function": "P2P.Stop",
		"channels": len(stopped),
		"hosts":    p.env.Pool.Count(),
	}).Info("Network stopped")
	return err
}

// Subscribe registers handler for messages with the given command from any
// connected peer, or for every message with channel.AnyCommand.
func (p *P2P) Subscribe(command string, handler Handler) {
	p.relay.subscribe(command, handler)
}

// Broadcast sends msg to every connected peer and returns how many sends
// were queued. Individual send failures only stop the affected channel.
func (p *P2P) Broadcast(msg wire.Message) int {
	return p.env.Connections.Broadcast(msg, nil)
}

// Connect keeps endpoint connected as a manual peer. A port may be omitted.
// Before Start the peer is remembered and connected on the next Start.
func (p *P2P) Connect(endpoint string) {
	endpoint = p.env.Settings.Endpoints([]string{endpoint})[0]

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manual == nil {
		p.queued = append(p.queued, endpoint)
		return
	}
	p.manual.Connect(endpoint)
}

// ConnectionCount returns the number of handshaken peers.
func (p *P2P) ConnectionCount() int {
	return p.env.Connections.Count()
}

// AddressCount returns the number of known peer addresses.
func (p *P2P) AddressCount() int {
	return p.env.Pool.Count()
}

// SetHeight sets the chain height announced to new peers.
func (p *P2P) SetHeight(height uint32) {
	p.height.Store(height)
}

// Height returns the announced chain height.
func (p *P2P) Height() uint32 {
	return p.height.Load()
}

// Settings returns the node's settings. They must not be modified after New.
func (p *P2P) Settings() *config.Settings {
	return p.env.Settings
}
