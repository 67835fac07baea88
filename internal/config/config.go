// Package config loads and validates the tunlink TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"golang.org/x/sys/unix"
)

// Defaults mirror the canonical single-host test topology: a /24
// point-to-point net with the local end on .1, listening on 9090.
const (
	DefaultAddress    = "10.0.5.1/24"
	DefaultListenAddr = "0.0.0.0:9090"
)

// Config is the top-level tunlink configuration, persisted as TOML.
type Config struct {
	Interface InterfaceConfig `toml:"interface"`
	Transport TransportConfig `toml:"transport"`
}

// InterfaceConfig describes the TUN interface to create and configure.
type InterfaceConfig struct {
	// Name is the interface name. Empty requests a kernel-assigned name
	// ("tun%d"). Limited to 15 bytes on Linux.
	Name string `toml:"name,omitempty"`

	// Address is the local tunnel address in CIDR notation,
	// e.g. "10.0.5.1/24". IPv4 only.
	Address string `toml:"address"`

	// MTU overrides the interface MTU when non-zero.
	MTU int `toml:"mtu,omitempty"`

	// MultiQueue requests a multi-queue TUN device so additional queues
	// can be attached to the same interface later.
	MultiQueue bool `toml:"multi_queue,omitempty"`
}

// TransportConfig describes the UDP leg of the tunnel.
type TransportConfig struct {
	// Listen is the local bind address for the tunnel socket,
	// e.g. "0.0.0.0:9090".
	Listen string `toml:"listen"`

	// Peer is the fixed remote endpoint, e.g. "198.51.100.7:9091".
	// When empty the peer is learned from the first incoming datagram.
	Peer string `toml:"peer,omitempty"`
}

// DefaultConfig returns a Config populated with the defaults. The peer
// is left empty and must be set for an outbound-initiating endpoint.
func DefaultConfig() *Config {
	return &Config{
		Interface: InterfaceConfig{
			Address: DefaultAddress,
		},
		Transport: TransportConfig{
			Listen: DefaultListenAddr,
		},
	}
}

// DefaultConfigPath returns the default path for the tunlink config
// file. It respects $XDG_CONFIG_HOME if set, otherwise falls back to
// ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tunlink", "config.toml"), nil
}

// Load reads and decodes a TOML config file from the given path. If the
// file does not exist, it returns an error wrapping fs.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save encodes the config as TOML and writes it to the given path,
// creating parent directories as needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// Validate checks the configuration for the errors that would otherwise
// only surface as ioctl or bind failures at startup.
func (c *Config) Validate() error {
	if len(c.Interface.Name) >= unix.IFNAMSIZ {
		return fmt.Errorf("interface name %q exceeds %d bytes", c.Interface.Name, unix.IFNAMSIZ-1)
	}

	if c.Interface.Address == "" {
		return errors.New("interface address is required")
	}
	prefix, err := netip.ParsePrefix(c.Interface.Address)
	if err != nil {
		return fmt.Errorf("interface address %q is not valid CIDR notation: %w", c.Interface.Address, err)
	}
	if !prefix.Addr().Unmap().Is4() {
		return fmt.Errorf("interface address %q is not IPv4; only IPv4 tunnels are supported", c.Interface.Address)
	}

	if c.Interface.MTU < 0 {
		return fmt.Errorf("interface mtu %d is negative", c.Interface.MTU)
	}

	if c.Transport.Listen == "" {
		return errors.New("transport listen address is required")
	}
	listen, err := netip.ParseAddrPort(c.Transport.Listen)
	if err != nil {
		return fmt.Errorf("transport listen %q is not a valid host:port: %w", c.Transport.Listen, err)
	}
	if !listen.Addr().Unmap().Is4() {
		return fmt.Errorf("transport listen %q is not IPv4", c.Transport.Listen)
	}

	if c.Transport.Peer != "" {
		peer, err := netip.ParseAddrPort(c.Transport.Peer)
		if err != nil {
			return fmt.Errorf("transport peer %q is not a valid host:port: %w", c.Transport.Peer, err)
		}
		if !peer.Addr().Unmap().Is4() {
			return fmt.Errorf("transport peer %q is not IPv4", c.Transport.Peer)
		}
		if peer.Port() == 0 {
			return fmt.Errorf("transport peer %q has no port", c.Transport.Peer)
		}
	}

	return nil
}

// AddressPrefix returns the parsed interface address. Call Validate
// first; this panics on an unparseable address.
func (c *Config) AddressPrefix() netip.Prefix {
	return netip.MustParsePrefix(c.Interface.Address)
}

// ListenAddr returns the parsed transport listen address. Call Validate
// first; this panics on an unparseable address.
func (c *Config) ListenAddr() netip.AddrPort {
	return netip.MustParseAddrPort(c.Transport.Listen)
}

// PeerAddr returns the parsed fixed peer, or a zero AddrPort when no
// fixed peer is configured.
func (c *Config) PeerAddr() netip.AddrPort {
	if c.Transport.Peer == "" {
		return netip.AddrPort{}
	}
	return netip.MustParseAddrPort(c.Transport.Peer)
}
