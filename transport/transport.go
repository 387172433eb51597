package transport

import (
	"context"
	"net"

	"github.com/opd-ai/btcnet/config"
)

// Transport is the socket factory used by sessions.
type Transport interface {
	// Dial connects to endpoint, giving up when ctx ends.
	Dial(ctx context.Context, endpoint string) (net.Conn, error)
	// Listen binds endpoint for inbound connections.
	Listen(endpoint string) (net.Listener, error)
}

// New builds the TCP transport described by settings.
func New(settings *config.Settings) (*TCP, error) {
	if settings.Proxy == "" {
		return NewTCP(nil), nil
	}
	dialer, err := NewProxyDialer(&ProxyConfig{
		URL:      settings.Proxy,
		Username: settings.ProxyUsername,
		Password: settings.ProxyPassword,
	})
	if err != nil {
		return nil, err
	}
	return NewTCP(dialer), nil
}
