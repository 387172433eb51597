package address

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// ErrInvalidAddress is returned when an endpoint cannot be parsed into an
// IP and port.
var ErrInvalidAddress = errors.New("invalid peer address")

// Key identifies a peer endpoint. Two addresses with equal keys are the same
// peer for deduplication purposes; services and timestamp are ignored.
type Key struct {
	IP   [16]byte
	Port uint16
}

// String formats the key as host:port.
func (k Key) String() string {
	return formatHostPort(k.IP, k.Port)
}

// Address is an immutable peer address as carried in addr and version
// messages.
type Address struct {
	IP        [16]byte
	Port      uint16
	Services  wire.ServiceFlag
	Timestamp time.Time
}

// New builds an address from a net.IP. IPv4 addresses are stored mapped.
func New(ip net.IP, port uint16, services wire.ServiceFlag, timestamp time.Time) Address {
	a := Address{Port: port, Services: services, Timestamp: timestamp}
	if ip16 := ip.To16(); ip16 != nil {
		copy(a.IP[:], ip16)
	}
	return a
}

// FromNetAddress converts a wire address.
func FromNetAddress(na *wire.NetAddress) Address {
	if na == nil {
		return Address{}
	}
	return New(na.IP, na.Port, na.Services, na.Timestamp)
}

// FromNetAddr converts the remote endpoint of a connection. Only TCP
// endpoints and host:port strings are understood.
func FromNetAddr(addr net.Addr) (Address, error) {
	if addr == nil {
		return Address{}, ErrInvalidAddress
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if tcp.Port < 0 || tcp.Port > 65535 {
			return Address{}, fmt.Errorf("%w: port %d", ErrInvalidAddress, tcp.Port)
		}
		return New(tcp.IP, uint16(tcp.Port), 0, time.Time{}), nil
	}
	return Parse(addr.String())
}

// Parse reads a literal "ip:port" or "[ipv6]:port" endpoint. Host names are
// not resolved.
func Parse(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	return Address{IP: ap.Addr().As16(), Port: ap.Port()}, nil
}

// Endpoint returns s with defaultPort appended when s carries no port.
// Host names are kept as they are so the transport can resolve them.
func Endpoint(s string, defaultPort uint16) string {
	if _, _, err := net.SplitHostPort(s); err == nil {
		return s
	}
	host := s
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(defaultPort)))
}

// Key returns the deduplication identity of the address.
func (a Address) Key() Key {
	return Key{IP: a.IP, Port: a.Port}
}

// Equal reports whether a and b refer to the same endpoint.
func (a Address) Equal(b Address) bool {
	return a.Key() == b.Key()
}

// NetIP returns the IP in its shortest form.
func (a Address) NetIP() net.IP {
	return net.IP(netip.AddrFrom16(a.IP).Unmap().AsSlice())
}

// NetAddress converts the address into its wire form.
func (a Address) NetAddress() *wire.NetAddress {
	return &wire.NetAddress{
		Timestamp: a.Timestamp,
		Services:  a.Services,
		IP:        a.NetIP(),
		Port:      a.Port,
	}
}

// WithServices returns a copy of a advertising services.
func (a Address) WithServices(services wire.ServiceFlag) Address {
	a.Services = services
	return a
}

// WithTimestamp returns a copy of a stamped with t.
func (a Address) WithTimestamp(t time.Time) Address {
	a.Timestamp = t
	return a
}

// IsValid reports whether the address names a dialable endpoint: a non-zero
// port and a specified IP.
func (a Address) IsValid() bool {
	if a.Port == 0 {
		return false
	}
	ip := netip.AddrFrom16(a.IP).Unmap()
	return ip.IsValid() && !ip.IsUnspecified()
}

// IsRoutable reports whether the address is reachable from the public
// internet. Loopback, private, link-local and multicast ranges are not.
func (a Address) IsRoutable() bool {
	if !a.IsValid() {
		return false
	}
	ip := netip.AddrFrom16(a.IP).Unmap()
	return ip.IsGlobalUnicast() && !ip.IsPrivate()
}

// String formats the address as host:port, with IPv4 addresses unmapped.
func (a Address) String() string {
	return formatHostPort(a.IP, a.Port)
}

func formatHostPort(ip [16]byte, port uint16) string {
	return netip.AddrPortFrom(netip.AddrFrom16(ip).Unmap(), port).String()
}
