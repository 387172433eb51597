package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/btcnet/config"
)

func TestTCPDialAndListen(t *testing.T) {
	tr := NewTCP(nil)

	listener, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := tr.Dial(ctx, listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestTCPDialHonoursContext(t *testing.T) {
	tr := NewTCP(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Dial(ctx, "203.0.113.1:8333")
	assert.Error(t, err)
}

func TestNewSelectsProxy(t *testing.T) {
	settings := config.NewSettings()

	direct, err := New(settings)
	require.NoError(t, err)
	_, isNetDialer := direct.dialer.(*net.Dialer)
	assert.True(t, isNetDialer)

	settings.Proxy = "socks5://127.0.0.1:9050"
	socks, err := New(settings)
	require.NoError(t, err)
	_, isNetDialer = socks.dialer.(*net.Dialer)
	assert.False(t, isNetDialer)

	settings.Proxy = "ftp://127.0.0.1:21"
	_, err = New(settings)
	assert.Error(t, err)

	settings.Proxy = "::not a url"
	_, err = New(settings)
	assert.Error(t, err)
}

func TestHTTPConnectProxy(t *testing.T) {
	// Target echoes a greeting once connected.
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("hello"))
	}()

	// Minimal CONNECT proxy that checks credentials and splices streams.
	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyListener.Close()
	go func() {
		client, err := proxyListener.Accept()
		if err != nil {
			return
		}
		defer client.Close()
		req, err := http.ReadRequest(bufio.NewReader(client))
		if err != nil {
			return
		}
		if user, pass, ok := req.BasicAuth(); !ok || user != "alice" || pass != "secret" {
			_, _ = client.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
			return
		}
		upstream, err := net.Dial("tcp", req.Host)
		if err != nil {
			_, _ = client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
			return
		}
		defer upstream.Close()
		_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		_, _ = io.Copy(client, upstream)
	}()

	dialer, err := NewProxyDialer(&ProxyConfig{
		URL:      "http://" + proxyListener.Addr().String(),
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := NewTCP(dialer).Dial(ctx, target.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}
