//go:build linux

package tunnel

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// InterfaceState is the kernel's view of an interface, as reported by
// the get-side control operations. Query returns it and the status
// command renders it.
type InterfaceState struct {
	Name    string
	Flags   uint16
	Addr    netip.Addr
	Netmask netip.Addr
}

// Up reports whether IFF_UP is set.
func (s *InterfaceState) Up() bool { return s.Flags&unix.IFF_UP != 0 }

// Running reports whether IFF_RUNNING is set.
func (s *InterfaceState) Running() bool { return s.Flags&unix.IFF_RUNNING != 0 }

// BringUp marks the named interface UP and RUNNING and assigns its IPv4
// address and netmask, in the strict order the kernel network stack
// expects:
//
//  1. fetch current flags (SIOCGIFFLAGS)
//  2. set flags to the fetched value OR'd with UP|RUNNING (SIOCSIFFLAGS)
//  3. set the address (SIOCSIFADDR)
//  4. set the netmask (SIOCSIFNETMASK)
//
// All operations go through a transient AF_INET control socket that is
// closed on every path. A failing step aborts immediately with a
// *ConfigError naming the step; there is no safe partially-configured
// state to continue with. IPv6 prefixes are rejected up front — the
// address assignment path is IPv4-only.
// Requires CAP_NET_ADMIN.
func BringUp(name string, prefix netip.Prefix) error {
	if !prefix.IsValid() {
		return &ConfigError{Step: StepSetAddress, Err: fmt.Errorf("invalid address prefix")}
	}
	if !prefix.Addr().Unmap().Is4() {
		return &ConfigError{
			Step: StepSetAddress,
			Err:  fmt.Errorf("address %s is not IPv4; only IPv4 point-to-point interfaces are supported", prefix.Addr()),
		}
	}

	fd, err := controlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return &ConfigError{Step: StepGetFlags, Err: err}
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return &ConfigError{Step: StepGetFlags, Err: err}
	}

	// Preserve whatever flag bits are already set; only add UP|RUNNING.
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return &ConfigError{Step: StepSetFlags, Err: err}
	}

	ifr, err = unix.NewIfreq(name)
	if err != nil {
		return &ConfigError{Step: StepSetAddress, Err: err}
	}
	if err := ifr.SetInet4Addr(prefix.Addr().Unmap().AsSlice()); err != nil {
		return &ConfigError{Step: StepSetAddress, Err: err}
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFADDR, ifr); err != nil {
		return &ConfigError{Step: StepSetAddress, Err: err}
	}

	ifr, err = unix.NewIfreq(name)
	if err != nil {
		return &ConfigError{Step: StepSetNetmask, Err: err}
	}
	if err := ifr.SetInet4Addr(prefixMask(prefix.Bits())); err != nil {
		return &ConfigError{Step: StepSetNetmask, Err: err}
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFNETMASK, ifr); err != nil {
		return &ConfigError{Step: StepSetNetmask, Err: err}
	}

	return nil
}

// SetMTU sets the interface MTU through the same control socket path.
func SetMTU(name string, mtu int) error {
	fd, err := controlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return &ConfigError{Step: StepSetMTU, Err: err}
	}
	ifr.SetUint32(uint32(mtu))
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFMTU, ifr); err != nil {
		return &ConfigError{Step: StepSetMTU, Err: err}
	}
	return nil
}

// Query fetches the interface's current flags, address, and netmask.
// An interface with no address yet reports a zero Addr rather than an
// error, so callers can query a freshly attached device.
func Query(name string) (*InterfaceState, error) {
	fd, err := controlSocket()
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	state := &InterfaceState{Name: name}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return nil, fmt.Errorf("building ifreq for %q: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return nil, fmt.Errorf("querying flags of %s: %w", name, err)
	}
	state.Flags = ifr.Uint16()

	ifr, _ = unix.NewIfreq(name)
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFADDR, ifr); err == nil {
		if addr, err := ifr.Inet4Addr(); err == nil {
			state.Addr = netip.AddrFrom4([4]byte(addr))
		}
	}

	ifr, _ = unix.NewIfreq(name)
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFNETMASK, ifr); err == nil {
		if mask, err := ifr.Inet4Addr(); err == nil {
			state.Netmask = netip.AddrFrom4([4]byte(mask))
		}
	}

	return state, nil
}

// controlSocket opens the transient AF_INET datagram socket the
// interface ioctls are issued against. This is a control channel only,
// never a data path.
func controlSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, &ConfigError{Step: StepControlSocket, Err: err}
	}
	return fd, nil
}

// prefixMask converts a prefix length into a 4-byte IPv4 netmask,
// e.g. 24 -> 255.255.255.0.
func prefixMask(bits int) []byte {
	return net.CIDRMask(bits, 32)
}
