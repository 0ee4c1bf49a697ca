// Package sockaddr parses and renders the textual socket address forms used
// throughout the forwarder ("host:port" and "[ipv6]:port") and produces the
// kernel-ready unix.Sockaddr values the worker's raw syscalls need.
package sockaddr

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNoSpace is returned by AppendText when the destination buffer is too
// small to hold the rendered address.
var ErrNoSpace = errors.New("sockaddr: no space")

var (
	errMalformed   = errors.New("sockaddr: malformed host:port")
	errInvalidPort = errors.New("sockaddr: port must be in [1, 65535]")
)

// Address is a parsed IPv4 or IPv6 socket address, ready to be turned into a
// unix.Sockaddr for bind/connect or rendered back to text.
type Address struct {
	ap netip.AddrPort
}

// Parse builds an Address from a textual "host:port" or "[ipv6]:port" form.
//
// The host is located by the last colon in the string; a "[...]"-wrapped
// host is unwrapped before parsing, which is what makes IPv6 literals
// (themselves colon-separated) disambiguable from the trailing port. The
// port is parsed as a strictly positive decimal no larger than 65535. The
// host is tried as IPv4, then IPv6; the first family that parses wins.
func Parse(hostport string) (Address, error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return Address{}, errMalformed
	}

	host := hostport[:idx]
	portText := hostport[idx+1:]

	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	if host == "" || portText == "" {
		return Address{}, errMalformed
	}

	port, err := parsePort(portText)
	if err != nil {
		return Address{}, err
	}

	return New(host, port)
}

// New builds an Address from a host literal and an integer port, without
// textual port parsing. The host is tried as IPv4, then IPv6.
func New(host string, port uint16) (Address, error) {
	if port == 0 {
		return Address{}, errInvalidPort
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Address{}, fmt.Errorf("sockaddr: invalid address %q: %w", host, err)
	}
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	return Address{ap: netip.AddrPortFrom(ip, port)}, nil
}

func parsePort(s string) (uint16, error) {
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errInvalidPort
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 || v > 65535 {
		return 0, errInvalidPort
	}
	return uint16(v), nil
}

// IsValid reports whether the Address was built by Parse or New rather than
// being a zero value.
func (a Address) IsValid() bool {
	return a.ap.IsValid()
}

// Family returns the socket address family, unix.AF_INET or unix.AF_INET6.
func (a Address) Family() int {
	if a.ap.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Port returns the address's port.
func (a Address) Port() uint16 {
	return a.ap.Port()
}

// AddrPort returns the underlying netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort {
	return a.ap
}

// String renders the address as "a.b.c.d:port" for IPv4 or "[v6]:port" for
// IPv6, matching net/netip's canonical compression for IPv6.
func (a Address) String() string {
	return a.ap.String()
}

// AppendText appends the rendered address to dst, returning ErrNoSpace if
// dst's spare capacity cannot hold the rendering without reallocating.
func (a Address) AppendText(dst []byte) ([]byte, error) {
	text := a.ap.String()
	if cap(dst)-len(dst) < len(text) {
		return dst, ErrNoSpace
	}
	return append(dst, text...), nil
}

// Sockaddr returns the kernel-ready unix.Sockaddr for this address, for use
// with unix.Bind/unix.Connect.
func (a Address) Sockaddr() unix.Sockaddr {
	if a.ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(a.ap.Port()), Addr: a.ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(a.ap.Port()), Addr: a.ap.Addr().As16()}
}
