//go:build linux

// Package transport owns the peer-facing UDP socket. Each datagram
// carries exactly one forwarded IP packet, unmodified — no framing, no
// headers.
package transport

import (
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// BindError indicates the local datagram socket could not be created or
// bound. Always fatal at startup.
type BindError struct {
	Local netip.AddrPort
	Err   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding udp %s: %v", e.Local, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Endpoint is the exclusive owner of one bound, non-blocking AF_INET
// datagram socket. The raw descriptor is exposed for readiness polling;
// sends and receives are one packet per call.
type Endpoint struct {
	fd        int
	local     netip.AddrPort
	closeOnce sync.Once
	closeErr  error
}

// Bind creates the endpoint's socket and binds it to the given local
// address. A zero address binds INADDR_ANY; port 0 picks an ephemeral
// port, and LocalAddr reports the one the kernel chose. IPv4 only,
// matching the interface configuration path.
func Bind(local netip.AddrPort) (*Endpoint, error) {
	if local.Addr().IsValid() && !local.Addr().Unmap().Is4() {
		return nil, &BindError{Local: local, Err: fmt.Errorf("only IPv4 local addresses are supported")}
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &BindError{Local: local, Err: err}
	}

	sa := &unix.SockaddrInet4{Port: int(local.Port())}
	if local.Addr().IsValid() {
		sa.Addr = local.Addr().Unmap().As4()
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, &BindError{Local: local, Err: err}
	}

	// Re-read the bound address so ephemeral ports are reported.
	bound := local
	if name, err := unix.Getsockname(fd); err == nil {
		if sa4, ok := name.(*unix.SockaddrInet4); ok {
			bound = netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
		}
	}

	return &Endpoint{fd: fd, local: bound}, nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.local }

// Fd exposes the raw descriptor for readiness polling. The caller must
// not close it.
func (e *Endpoint) Fd() int { return e.fd }

// Send transmits one packet as a single datagram to the destination.
// UDP sends are atomic; the datagram either leaves whole or the call
// fails.
func (e *Endpoint) Send(pkt []byte, to netip.AddrPort) (int, error) {
	if !to.IsValid() || !to.Addr().Unmap().Is4() {
		return 0, fmt.Errorf("invalid IPv4 destination %s", to)
	}
	sa := &unix.SockaddrInet4{
		Port: int(to.Port()),
		Addr: to.Addr().Unmap().As4(),
	}
	if err := unix.Sendto(e.fd, pkt, 0, sa); err != nil {
		return 0, fmt.Errorf("sending %d bytes to %s: %w", len(pkt), to, err)
	}
	return len(pkt), nil
}

// Recv reads one datagram and the address it came from. EAGAIN means
// nothing is pending and is passed through for the caller to treat as
// "not ready". A zero-length result with an invalid source address is
// the end-of-input signal.
func (e *Endpoint) Recv(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := unix.Recvfrom(e.fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("receiving datagram: %w", err)
	}
	if n < 0 {
		n = 0
	}
	var src netip.AddrPort
	if sa4, ok := from.(*unix.SockaddrInet4); ok {
		src = netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
	}
	return n, src, nil
}

// Close releases the socket. Safe to call more than once; only the
// first call closes the fd.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = unix.Close(e.fd)
	})
	return e.closeErr
}
