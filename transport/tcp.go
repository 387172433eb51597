package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// TCP dials and listens on TCP sockets.
type TCP struct {
	dialer proxy.ContextDialer
	listen net.ListenConfig
}

// NewTCP creates a TCP transport. A nil dialer connects directly.
func NewTCP(dialer proxy.ContextDialer) *TCP {
	if dialer == nil {
		dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	return &TCP{
		dialer: dialer,
		listen: net.ListenConfig{KeepAlive: 30 * time.Second},
	}
}

// Dial implements Transport.
func (t *TCP) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TCP.Dial",
			"endpoint": endpoint,
			"error":    err.Error(),
		}).Debug("Dial failed")
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "TCP.Dial",
		"endpoint":    endpoint,
		"local_addr":  conn.LocalAddr().String(),
		"remote_addr": conn.RemoteAddr().String(),
	}).Debug("Connection established")

	return conn, nil
}

// Listen implements Transport.
func (t *TCP) Listen(endpoint string) (net.Listener, error) {
	listener, err := t.listen.Listen(context.Background(), "tcp", endpoint)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TCP.Listen",
			"endpoint": endpoint,
			"error":    err.Error(),
		}).Error("Failed to bind listener")
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "TCP.Listen",
		"endpoint": listener.Addr().String(),
	}).Info("Listening for peers")

	return listener, nil
}
