//go:build linux

// Package tunnel owns the kernel-facing half of tunlink: the TUN device
// file descriptor and the ioctl-based interface configuration that
// brings the virtual interface up.
package tunnel

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// clonePath is the TUN/TAP clone device. Opening it and issuing
	// TUNSETIFF yields a descriptor bound to one virtual interface.
	clonePath = "/dev/net/tun"

	// DefaultMTU is the packet buffer size used when the config does not
	// override it. Matches the conventional Ethernet payload size.
	DefaultMTU = 1500
)

// DeviceOptions selects optional TUNSETIFF flags.
type DeviceOptions struct {
	// MultiQueue requests IFF_MULTI_QUEUE so further queues can be
	// attached to the same interface name later.
	MultiQueue bool
}

// Device is the exclusive owner of one TUN file descriptor. Reads and
// writes are non-blocking and carry exactly one IP packet each; the
// kernel driver frames every read/write call as one network-layer
// packet, so there are no partial-record semantics to handle.
type Device struct {
	fd        int
	name      string
	closeOnce sync.Once
	closeErr  error
}

// Open opens the TUN clone device and attaches it to the named
// interface. An empty name asks the kernel to pick one ("tun%d"); the
// assigned name is recovered afterwards and available via Name.
// Requires CAP_NET_ADMIN.
func Open(name string, opts DeviceOptions) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("interface name %q exceeds %d bytes", name, unix.IFNAMSIZ-1)
	}

	fd, err := unix.Open(clonePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &DeviceUnavailableError{Path: clonePath, Err: err}
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("building ifreq for %q: %w", name, err)
	}

	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if opts.MultiQueue {
		flags |= unix.IFF_MULTI_QUEUE
	}
	ifr.SetUint16(flags)

	// One control operation binds the descriptor to the interface and
	// passes the flag bits. Needs elevated privileges; a name collision
	// with a non-tun interface also fails here.
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, &ConfigError{Step: StepAttach, Err: err}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting %s non-blocking: %w", clonePath, err)
	}

	dev := &Device{fd: fd, name: name}
	if name == "" {
		assigned, err := dev.fetchName()
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		dev.name = assigned
	}

	return dev, nil
}

// NewDeviceFromFd wraps an already-open descriptor (fd passing, tests).
// The descriptor is switched to non-blocking mode; ownership transfers
// to the returned Device.
func NewDeviceFromFd(fd int, name string) (*Device, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setting fd %d non-blocking: %w", fd, err)
	}
	return &Device{fd: fd, name: name}, nil
}

// fetchName asks the kernel which interface name the descriptor ended
// up bound to.
func (d *Device) fetchName() (string, error) {
	ifr, err := unix.NewIfreq("")
	if err != nil {
		return "", err
	}
	if err := unix.IoctlIfreq(d.fd, unix.TUNGETIFF, ifr); err != nil {
		return "", fmt.Errorf("querying assigned interface name: %w", err)
	}
	return ifr.Name(), nil
}

// Name returns the interface name the descriptor is bound to.
func (d *Device) Name() string { return d.name }

// Fd exposes the raw descriptor for readiness polling. The caller must
// not close it.
func (d *Device) Fd() int { return d.fd }

// Read reads one packet. EAGAIN means no packet is pending and is
// passed through for the caller to treat as "not ready".
func (d *Device) Read(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("reading from %s: %w", d.name, err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Write writes one whole packet. TUN writes are packet-atomic, so a
// short write means the packet was not injected and is reported as an
// error.
func (d *Device) Write(pkt []byte) (int, error) {
	n, err := unix.Write(d.fd, pkt)
	if err != nil {
		return 0, fmt.Errorf("writing to %s: %w", d.name, err)
	}
	if n != len(pkt) {
		return n, fmt.Errorf("short write to %s: %d of %d bytes", d.name, n, len(pkt))
	}
	return n, nil
}

// Close releases the descriptor. Safe to call more than once; only the
// first call closes the fd.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = unix.Close(d.fd)
	})
	return d.closeErr
}
