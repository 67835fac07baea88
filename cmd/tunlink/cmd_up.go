package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tunlink/tunlink/internal/config"
	"github.com/tunlink/tunlink/internal/control"
	"github.com/tunlink/tunlink/internal/relay"
	"github.com/tunlink/tunlink/internal/transport"
	"github.com/tunlink/tunlink/internal/tunnel"
)

var (
	upIface      string
	upAddress    string
	upListen     string
	upPeer       string
	upMTU        int
	upMultiQueue bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring the tunnel up",
	Long: `Create the TUN interface, assign its address, and relay packets
between the interface and the remote peer until interrupted.

Requires CAP_NET_ADMIN for TUN device creation:
  sudo tunlink up

Without --peer (or a peer in the config file), the remote endpoint is
learned from the first incoming datagram.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upIface, "iface", "", "interface name (default: kernel-assigned)")
	upCmd.Flags().StringVar(&upAddress, "address", "", "tunnel address in CIDR notation, e.g. 10.0.5.1/24")
	upCmd.Flags().StringVar(&upListen, "listen", "", "local UDP bind address, e.g. 0.0.0.0:9090")
	upCmd.Flags().StringVar(&upPeer, "peer", "", "remote peer address, e.g. 198.51.100.7:9091")
	upCmd.Flags().IntVar(&upMTU, "mtu", 0, "interface MTU (default: kernel default)")
	upCmd.Flags().BoolVar(&upMultiQueue, "multi-queue", false, "create a multi-queue TUN device")
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// CLI flags override config file values.
	if upIface != "" {
		cfg.Interface.Name = upIface
	}
	if upAddress != "" {
		cfg.Interface.Address = upAddress
	}
	if upListen != "" {
		cfg.Transport.Listen = upListen
	}
	if upPeer != "" {
		cfg.Transport.Peer = upPeer
	}
	if upMTU != 0 {
		cfg.Interface.MTU = upMTU
	}
	if upMultiQueue {
		cfg.Interface.MultiQueue = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runTunnel(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			// Signal-driven shutdown is clean.
			globalLogger.Info("tunlink stopped")
			return nil
		}
		// Provide actionable guidance for TUN permission errors.
		if isPermissionError(err) {
			return fmt.Errorf("%w\n\nTUN device creation requires CAP_NET_ADMIN.\nRun: sudo tunlink up", err)
		}
		return err
	}

	return nil
}

// isPermissionError reports whether err stems from missing privileges.
// The tunnel and transport error types unwrap to the raw errno.
func isPermissionError(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}

// runTunnel performs the startup sequence (device, interface config,
// transport, control server) and runs the relay until ctx is cancelled
// or a fatal error occurs. Startup failures abort before any forwarding
// begins; there is no degraded mode to run in without the tunnel.
func runTunnel(ctx context.Context, cfg *config.Config) error {
	dev, err := tunnel.Open(cfg.Interface.Name, tunnel.DeviceOptions{
		MultiQueue: cfg.Interface.MultiQueue,
	})
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	globalLogger.Info("tun device created", "name", dev.Name())

	// The engine owns the device and endpoint from New onward and
	// releases them when Run returns; until then, close on error paths.
	prefix := cfg.AddressPrefix()
	if err := tunnel.BringUp(dev.Name(), prefix); err != nil {
		dev.Close()
		return fmt.Errorf("bringing up %s: %w", dev.Name(), err)
	}
	if cfg.Interface.MTU > 0 {
		if err := tunnel.SetMTU(dev.Name(), cfg.Interface.MTU); err != nil {
			dev.Close()
			return fmt.Errorf("setting mtu on %s: %w", dev.Name(), err)
		}
	}
	globalLogger.Info("interface configured",
		"name", dev.Name(),
		"address", prefix.String(),
	)

	ep, err := transport.Bind(cfg.ListenAddr())
	if err != nil {
		dev.Close()
		return err
	}
	globalLogger.Info("transport bound", "listen", ep.LocalAddr())

	engine, err := relay.New(dev, ep, relay.Options{
		Peer:       cfg.PeerAddr(),
		BufferSize: cfg.Interface.MTU,
		Logger:     globalLogger,
	})
	if err != nil {
		dev.Close()
		ep.Close()
		return err
	}

	started := time.Now()
	ctrl := control.NewServer(control.ResolveSocketPath(), func() control.Status {
		status := control.Status{
			Interface:     dev.Name(),
			Address:       prefix.String(),
			Listen:        ep.LocalAddr().String(),
			UptimeSeconds: time.Since(started).Seconds(),
			Relay:         engine.Stats(),
		}
		if peer := engine.Peer(); peer.IsValid() {
			status.Peer = peer.String()
		}
		// Report the kernel's live view of the interface alongside the
		// configured values, so status surfaces an interface that was
		// torn down or renumbered behind the daemon's back.
		if state, err := tunnel.Query(dev.Name()); err == nil {
			status.Up = state.Up()
			status.Running = state.Running()
			if state.Addr.IsValid() {
				status.KernelAddress = state.Addr.String()
			}
		} else {
			globalLogger.Debug("querying interface state", "name", dev.Name(), "error", err)
		}
		return status
	}, globalLogger)

	if err := ctrl.Start(); err != nil {
		// Status queries are a convenience; a missing control socket is
		// not worth refusing to tunnel over.
		globalLogger.Warn("control server unavailable", "error", err)
	} else {
		defer ctrl.Stop()
	}

	// The engine can also stop cleanly on its own (transport end of
	// input), so its exit must cancel the stats reporter.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return engine.Run(ctx)
	})
	g.Go(func() error {
		reportStats(ctx, engine)
		return nil
	})
	return g.Wait()
}

// reportStats logs the relay counters once a minute until ctx is done.
func reportStats(ctx context.Context, engine *relay.Engine) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := engine.Stats()
			globalLogger.Info("relay stats",
				"out_packets", s.OutPackets,
				"out_bytes", s.OutBytes,
				"out_dropped", s.OutDropped,
				"in_packets", s.InPackets,
				"in_bytes", s.InBytes,
				"in_dropped", s.InDropped,
			)
		}
	}
}
