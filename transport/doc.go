// Package transport opens the byte streams that channels run on.
//
// A Transport dials outbound connections and listens for inbound ones. The
// TCP implementation dials directly or through a SOCKS5 or HTTP CONNECT
// proxy, selected by the proxy setting:
//
//	t, err := transport.New(settings) // settings.Proxy = "socks5://127.0.0.1:9050"
//	conn, err := t.Dial(ctx, "203.0.113.5:8333")
//
// Endpoints are host:port strings; host names are resolved by the dialer,
// or by the proxy when one is configured.
package transport
