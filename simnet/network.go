package simnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrRefused is returned for dials to endpoints nobody serves.
var ErrRefused = errors.New("connection refused")

// DialHook runs before each dial is routed. A non-nil error fails the dial.
type DialHook func(ctx context.Context, endpoint string) error

// Network routes dials between in-memory listeners and scripted peers.
type Network struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
	peers     map[string]*Peer
	hook      DialHook
	local     string
}

// NewNetwork creates an empty network. Dials originate from 127.0.0.1
// unless DialFrom names another source.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*Listener),
		peers:     make(map[string]*Peer),
		local:     "127.0.0.1:40000",
	}
}

// AddPeer serves endpoint with peer. Each dial starts a new conversation.
func (n *Network) AddPeer(endpoint string, peer *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[endpoint] = peer
}

// RemovePeer stops serving endpoint. Open conversations continue.
func (n *Network) RemovePeer(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, endpoint)
}

// SetDialHook installs hook for subsequent dials. A nil hook removes it.
func (n *Network) SetDialHook(hook DialHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hook = hook
}

// Dial implements the session transport.
func (n *Network) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	return n.DialFrom(ctx, n.local, endpoint)
}

// DialFrom dials endpoint presenting from as the source address.
func (n *Network) DialFrom(ctx context.Context, from, endpoint string) (net.Conn, error) {
	n.mu.RLock()
	hook := n.hook
	n.mu.RUnlock()

	if hook != nil {
		if err := hook(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	localAddr, err := net.ResolveTCPAddr("tcp", from)
	if err != nil {
		return nil, fmt.Errorf("dial %s: source %s: %w", endpoint, from, err)
	}
	remoteAddr, err := net.ResolveTCPAddr("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	n.mu.RLock()
	listener := n.listeners[endpoint]
	peer := n.peers[endpoint]
	n.mu.RUnlock()

	client, server := net.Pipe()
	clientConn := &conn{Conn: client, local: localAddr, remote: remoteAddr}
	serverConn := &conn{Conn: server, local: remoteAddr, remote: localAddr}

	switch {
	case listener != nil:
		if err := listener.deliver(ctx, serverConn); err != nil {
			client.Close()
			server.Close()
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
	case peer != nil:
		go peer.Serve(serverConn)
	default:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, ErrRefused)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Network.DialFrom",
		"from":     from,
		"endpoint": endpoint,
	}).Debug("Simulated connection established")

	return clientConn, nil
}

// Listen implements the session transport. Endpoints with port zero are not
// assigned a port; listen on the exact endpoint peers will dial.
func (n *Network) Listen(endpoint string) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	key := addr.String()

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[key]; ok {
		return nil, fmt.Errorf("listen %s: address in use", endpoint)
	}
	l := &Listener{
		network: n,
		key:     key,
		addr:    addr,
		accept:  make(chan net.Conn),
		closed:  make(chan struct{}),
	}
	n.listeners[key] = l
	return l, nil
}

func (n *Network) unlisten(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, key)
}

// Listener is an in-memory net.Listener.
type Listener struct {
	network *Network
	key     string
	addr    *net.TCPAddr
	accept  chan net.Conn
	closed  chan struct{}
	once    sync.Once
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.network.unlisten(l.key)
	})
	return nil
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

func (l *Listener) deliver(ctx context.Context, c net.Conn) error {
	select {
	case l.accept <- c:
		return nil
	case <-l.closed:
		return ErrRefused
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn reports TCP endpoints instead of the pipe's placeholder addresses.
type conn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }
