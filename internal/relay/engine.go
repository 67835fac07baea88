//go:build linux

// Package relay is the forwarding core of tunlink: a single loop that
// multiplexes readiness of the TUN device and the UDP transport and
// moves whole packets between them, one at a time, in both directions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tunlink/tunlink/internal/tunnel"
)

// PacketDevice abstracts the TUN side of the relay for testability.
// Reads and writes must be non-blocking and whole-packet; the
// descriptor returned by Fd must be pollable.
type PacketDevice interface {
	Read(buf []byte) (int, error)
	Write(pkt []byte) (int, error)
	Fd() int
	Name() string
	Close() error
}

// DatagramEndpoint abstracts the peer-facing UDP side of the relay for
// testability. Same non-blocking, pollable-descriptor contract.
type DatagramEndpoint interface {
	Send(pkt []byte, to netip.AddrPort) (int, error)
	Recv(buf []byte) (int, netip.AddrPort, error)
	Fd() int
	Close() error
}

// Options configures an Engine.
type Options struct {
	// Peer is the fixed remote endpoint. When invalid (zero), the peer
	// is learned from the source address of incoming datagrams.
	Peer netip.AddrPort

	// BufferSize is the per-direction packet buffer capacity.
	// Defaults to tunnel.DefaultMTU.
	BufferSize int

	Logger *slog.Logger
}

// Stats is a snapshot of the relay counters. Out is device-to-peer,
// in is peer-to-device.
type Stats struct {
	OutPackets uint64 `json:"out_packets"`
	OutBytes   uint64 `json:"out_bytes"`
	OutDropped uint64 `json:"out_dropped"`
	InPackets  uint64 `json:"in_packets"`
	InBytes    uint64 `json:"in_bytes"`
	InDropped  uint64 `json:"in_dropped"`
}

// Engine relays packets between a PacketDevice and a DatagramEndpoint.
// It takes exclusive ownership of both: once Run is called, nobody else
// may use them, and they are released exactly once when Run returns.
//
// Per-packet I/O failures are logged and the packet dropped; only
// resource-level failures (descriptor closed or revoked) stop the
// engine. Within each direction packets flow in read-completion order —
// the loop forwards one packet at a time, so no reordering and no
// internal queueing can occur.
type Engine struct {
	dev       PacketDevice
	ep        DatagramEndpoint
	fixedPeer netip.AddrPort
	bufSize   int
	log       *slog.Logger

	w           *waiter
	releaseOnce sync.Once

	// learnedPeer holds the source of the most recent datagram when no
	// fixed peer is configured. Written by the run loop, read by Peer.
	learnedPeer atomic.Pointer[netip.AddrPort]

	outPackets atomic.Uint64
	outBytes   atomic.Uint64
	outDropped atomic.Uint64
	inPackets  atomic.Uint64
	inBytes    atomic.Uint64
	inDropped  atomic.Uint64
}

// New creates an Engine over the given device and endpoint. Ownership
// of both transfers to the engine.
func New(dev PacketDevice, ep DatagramEndpoint, opts Options) (*Engine, error) {
	w, err := newWaiter(dev.Fd(), ep.Fd())
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = tunnel.DefaultMTU
	}
	return &Engine{
		dev:       dev,
		ep:        ep,
		fixedPeer: opts.Peer,
		bufSize:   bufSize,
		log:       logger.With("component", "relay"),
		w:         w,
	}, nil
}

// Run executes the forwarding loop until the context is cancelled, Stop
// is called, the transport signals end of input, or a fatal resource
// error occurs. Cancellation and clean shutdown return nil; only fatal
// errors are returned. The device, the endpoint, and the internal wake
// pipe are released before Run returns, on every path.
func (e *Engine) Run(ctx context.Context) error {
	defer e.release()

	unhook := context.AfterFunc(ctx, e.w.cancel)
	defer unhook()

	// One dedicated buffer per direction, reused every iteration. Each
	// buffer is owned by exactly one in-flight read-then-write, so no
	// concurrent mutation is possible.
	outBuf := make([]byte, e.bufSize)
	inBuf := make([]byte, e.bufSize)

	e.log.Info("relay started", "device", e.dev.Name(), "peer", e.peerLabel())

	for {
		ready, err := e.w.wait()
		if err != nil {
			return err
		}
		// In-flight packets complete before cancellation is honored, so
		// the cancel check comes first and I/O never follows it.
		if ready.cancelled {
			e.log.Info("relay stopped", "reason", "cancelled")
			return nil
		}
		if ready.device {
			if err := e.deviceToPeer(outBuf); err != nil {
				return err
			}
		}
		if ready.transport {
			done, err := e.peerToDevice(inBuf)
			if err != nil {
				return err
			}
			if done {
				e.log.Info("relay stopped", "reason", "transport input closed")
				return nil
			}
		}
	}
}

// Stop requests shutdown. Idempotent; safe to call from any goroutine,
// before, during, or after Run.
func (e *Engine) Stop() { e.w.cancel() }

// deviceToPeer moves one packet from the TUN device to the transport.
// A non-fatal failure drops the packet and returns nil.
func (e *Engine) deviceToPeer(buf []byte) error {
	n, err := e.dev.Read(buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if isFatal(err) {
			return fmt.Errorf("tunnel device failed: %w", err)
		}
		e.outDropped.Add(1)
		e.log.Warn("device read failed, packet dropped", "error", err)
		return nil
	}
	if n == 0 {
		// Spurious wakeup, not an error.
		return nil
	}

	peer := e.Peer()
	if !peer.IsValid() {
		e.outDropped.Add(1)
		e.log.Warn("no peer known yet, packet dropped", "bytes", n)
		return nil
	}

	if _, err := e.ep.Send(buf[:n], peer); err != nil {
		if isFatal(err) {
			return fmt.Errorf("transport failed: %w", err)
		}
		e.outDropped.Add(1)
		e.log.Warn("transport send failed, packet dropped", "bytes", n, "peer", peer, "error", err)
		return nil
	}

	e.outPackets.Add(1)
	e.outBytes.Add(uint64(n))
	e.log.Debug("forwarded packet", "direction", "out", "bytes", n, "peer", peer)
	return nil
}

// peerToDevice moves one datagram from the transport to the TUN device.
// done is true when the transport signalled end of input.
func (e *Engine) peerToDevice(buf []byte) (done bool, err error) {
	n, from, err := e.ep.Recv(buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		if isFatal(err) {
			return false, fmt.Errorf("transport failed: %w", err)
		}
		e.inDropped.Add(1)
		e.log.Warn("transport receive failed, packet dropped", "error", err)
		return false, nil
	}

	if n == 0 {
		if !from.IsValid() {
			// End of input with no identifiable peer: clean shutdown.
			return true, nil
		}
		e.log.Debug("ignoring empty datagram", "peer", from)
		return false, nil
	}

	if !e.fixedPeer.IsValid() && from.IsValid() {
		e.setLearnedPeer(from)
	}

	if _, err := e.dev.Write(buf[:n]); err != nil {
		if isFatal(err) {
			return false, fmt.Errorf("tunnel device failed: %w", err)
		}
		e.inDropped.Add(1)
		e.log.Warn("device write failed, packet dropped", "bytes", n, "error", err)
		return false, nil
	}

	e.inPackets.Add(1)
	e.inBytes.Add(uint64(n))
	e.log.Debug("forwarded packet", "direction", "in", "bytes", n, "peer", from)
	return false, nil
}

// Peer returns the destination for outbound packets: the fixed peer if
// one is configured, otherwise the most recently learned source.
func (e *Engine) Peer() netip.AddrPort {
	if e.fixedPeer.IsValid() {
		return e.fixedPeer
	}
	if p := e.learnedPeer.Load(); p != nil {
		return *p
	}
	return netip.AddrPort{}
}

func (e *Engine) setLearnedPeer(p netip.AddrPort) {
	prev := e.learnedPeer.Load()
	if prev != nil && *prev == p {
		return
	}
	e.learnedPeer.Store(&p)
	e.log.Info("learned peer from incoming datagram", "peer", p)
}

// Stats returns a snapshot of the relay counters.
func (e *Engine) Stats() Stats {
	return Stats{
		OutPackets: e.outPackets.Load(),
		OutBytes:   e.outBytes.Load(),
		OutDropped: e.outDropped.Load(),
		InPackets:  e.inPackets.Load(),
		InBytes:    e.inBytes.Load(),
		InDropped:  e.inDropped.Load(),
	}
}

func (e *Engine) peerLabel() string {
	if e.fixedPeer.IsValid() {
		return e.fixedPeer.String()
	}
	return "(learned from incoming datagrams)"
}

// release closes both owned resources and the wake pipe, exactly once.
func (e *Engine) release() {
	e.releaseOnce.Do(func() {
		if err := e.dev.Close(); err != nil {
			e.log.Debug("closing device", "error", err)
		}
		if err := e.ep.Close(); err != nil {
			e.log.Debug("closing endpoint", "error", err)
		}
		e.w.close()
	})
}

// isFatal reports whether an I/O error means the underlying resource is
// permanently invalid, as opposed to a transient per-packet failure.
func isFatal(err error) bool {
	return errors.Is(err, unix.EBADF) ||
		errors.Is(err, unix.EBADFD) ||
		errors.Is(err, unix.ENXIO) ||
		errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.ENOTSOCK) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, fs.ErrClosed)
}
