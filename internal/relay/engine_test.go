//go:build linux

package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tunlink/tunlink/internal/transport"
	"github.com/tunlink/tunlink/internal/tunnel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// --- Fake device ---

// fakeDevice backs a PacketDevice with one end of a datagram socketpair
// so the engine can poll a real descriptor without CAP_NET_ADMIN. The
// test holds the peer fd. Errors can be injected per call.
type fakeDevice struct {
	dev    *tunnel.Device
	peerFd int

	mu         sync.Mutex
	readErr    error // returned by every Read while set
	writeErr   error // returned by one Write, then cleared
	closeCalls int
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	dev, err := tunnel.NewDeviceFromFd(fds[0], "faketun0")
	if err != nil {
		t.Fatalf("NewDeviceFromFd() error: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	f := &fakeDevice{dev: dev, peerFd: fds[1]}
	t.Cleanup(func() {
		dev.Close()
		unix.Close(fds[1])
	})
	return f
}

func (f *fakeDevice) Read(buf []byte) (int, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		// Drain the pending packet so the descriptor does not stay
		// permanently readable for transient-error tests.
		_, _ = f.dev.Read(buf)
		return 0, err
	}
	return f.dev.Read(buf)
}

func (f *fakeDevice) Write(pkt []byte) (int, error) {
	f.mu.Lock()
	err := f.writeErr
	f.writeErr = nil
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.dev.Write(pkt)
}

func (f *fakeDevice) Fd() int      { return f.dev.Fd() }
func (f *fakeDevice) Name() string { return f.dev.Name() }

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return f.dev.Close()
}

func (f *fakeDevice) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeDevice) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// inject writes a packet into the device from the kernel side, as if it
// had arrived on the virtual interface.
func (f *fakeDevice) inject(t *testing.T, pkt []byte) {
	t.Helper()
	if _, err := unix.Write(f.peerFd, pkt); err != nil {
		t.Fatalf("injecting packet: %v", err)
	}
}

// expect reads one packet from the kernel side of the device, waiting
// for the engine to deliver it.
func (f *fakeDevice) expect(t *testing.T) []byte {
	t.Helper()

	buf := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := unix.Read(f.peerFd, buf)
		if err == nil {
			return append([]byte(nil), buf[:n]...)
		}
		if !errors.Is(err, unix.EAGAIN) {
			t.Fatalf("reading device peer: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for packet on device")
		}
		time.Sleep(time.Millisecond)
	}
}

// --- Fake endpoint ---

// scriptedEndpoint is a DatagramEndpoint whose Recv results are fully
// scripted. A socketpair provides the pollable descriptor: trigger
// writes a marker byte to make the engine's wait fire, and Recv drains
// one marker per scripted result.
type scriptedEndpoint struct {
	fd     int
	peerFd int

	mu     sync.Mutex
	script []scriptedRecv
	sent   [][]byte
	closed int
}

type scriptedRecv struct {
	pkt  []byte
	from netip.AddrPort
	err  error
}

func newScriptedEndpoint(t *testing.T) *scriptedEndpoint {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	s := &scriptedEndpoint{fd: fds[0], peerFd: fds[1]}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return s
}

// push queues a Recv result and makes the endpoint readable.
func (s *scriptedEndpoint) push(t *testing.T, r scriptedRecv) {
	t.Helper()

	s.mu.Lock()
	s.script = append(s.script, r)
	s.mu.Unlock()

	if _, err := unix.Write(s.peerFd, []byte{1}); err != nil {
		t.Fatalf("triggering endpoint: %v", err)
	}
}

func (s *scriptedEndpoint) Recv(buf []byte) (int, netip.AddrPort, error) {
	marker := make([]byte, 1)
	if _, err := unix.Read(s.fd, marker); err != nil {
		return 0, netip.AddrPort{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return 0, netip.AddrPort{}, unix.EAGAIN
	}
	r := s.script[0]
	s.script = s.script[1:]
	if r.err != nil {
		return 0, netip.AddrPort{}, r.err
	}
	n := copy(buf, r.pkt)
	return n, r.from, nil
}

func (s *scriptedEndpoint) Send(pkt []byte, to netip.AddrPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), pkt...))
	return len(pkt), nil
}

func (s *scriptedEndpoint) Fd() int { return s.fd }

func (s *scriptedEndpoint) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *scriptedEndpoint) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// flakyEndpoint wraps a real Endpoint and injects one Send failure.
type flakyEndpoint struct {
	*transport.Endpoint

	mu      sync.Mutex
	sendErr error
}

func (f *flakyEndpoint) Send(pkt []byte, to netip.AddrPort) (int, error) {
	f.mu.Lock()
	err := f.sendErr
	f.sendErr = nil
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Endpoint.Send(pkt, to)
}

func (f *flakyEndpoint) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// --- Helpers ---

func bindLoopback(t *testing.T) *transport.Endpoint {
	t.Helper()

	ep, err := transport.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

// recvFrom polls a nonblocking endpoint until a datagram arrives.
func recvFrom(t *testing.T, ep *transport.Endpoint) []byte {
	t.Helper()

	buf := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _, err := ep.Recv(buf)
		if err == nil {
			return append([]byte(nil), buf[:n]...)
		}
		if !errors.Is(err, unix.EAGAIN) {
			t.Fatalf("Recv() error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for datagram")
		}
		time.Sleep(time.Millisecond)
	}
}

// startEngine runs the engine in a goroutine and returns its exit
// channel.
func startEngine(t *testing.T, ctx context.Context, e *Engine) chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	panic("unreachable")
}

// --- Tests ---

func TestEngine_deviceToPeer_forwardsInOrder(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	engineEp := bindLoopback(t)
	peerEp := bindLoopback(t)

	e, err := New(dev, engineEp, Options{
		Peer:   peerEp.LocalAddr(),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startEngine(t, ctx, e)

	packets := [][]byte{
		{0x45, 0, 0, 32, 1},
		{0x45, 0, 0, 32, 2},
		{0x45, 0, 0, 32, 3},
	}
	for _, pkt := range packets {
		dev.inject(t, pkt)
	}

	for i, want := range packets {
		got := recvFrom(t, peerEp)
		if !bytes.Equal(got, want) {
			t.Errorf("datagram %d = %v, want %v", i, got, want)
		}
	}

	stats := e.Stats()
	if stats.OutPackets != 3 {
		t.Errorf("OutPackets = %d, want 3", stats.OutPackets)
	}
	if stats.OutDropped != 0 {
		t.Errorf("OutDropped = %d, want 0", stats.OutDropped)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
}

func TestEngine_peerToDevice_forwardsAndLearnsPeer(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	engineEp := bindLoopback(t)
	peerEp := bindLoopback(t)

	// No fixed peer: the engine must learn it from incoming traffic.
	e, err := New(dev, engineEp, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startEngine(t, ctx, e)

	inbound := []byte{0x45, 0, 0, 20, 42}
	if _, err := peerEp.Send(inbound, engineEp.LocalAddr()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if got := dev.expect(t); !bytes.Equal(got, inbound) {
		t.Errorf("device received %v, want %v", got, inbound)
	}
	if peer := e.Peer(); peer != peerEp.LocalAddr() {
		t.Errorf("learned peer = %s, want %s", peer, peerEp.LocalAddr())
	}

	// Outbound traffic now goes to the learned peer.
	outbound := []byte{0x45, 0, 0, 24, 7}
	dev.inject(t, outbound)
	if got := recvFrom(t, peerEp); !bytes.Equal(got, outbound) {
		t.Errorf("peer received %v, want %v", got, outbound)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
}

func TestEngine_noPeerYet_dropsOutbound(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	engineEp := bindLoopback(t)

	e, err := New(dev, engineEp, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startEngine(t, ctx, e)

	dev.inject(t, []byte{0x45, 0, 0, 20, 1})

	waitForStats(t, e, func(s Stats) bool { return s.OutDropped == 1 })

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
}

func TestEngine_sendFailure_dropsAndContinues(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	engineEp := bindLoopback(t)
	peerEp := bindLoopback(t)
	flaky := &flakyEndpoint{Endpoint: engineEp}

	e, err := New(dev, flaky, Options{
		Peer:   peerEp.LocalAddr(),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startEngine(t, ctx, e)

	// First packet hits the injected failure and is dropped.
	flaky.setSendErr(unix.EPERM)
	dropped := []byte{0x45, 0, 0, 20, 1}
	dev.inject(t, dropped)
	waitForStats(t, e, func(s Stats) bool { return s.OutDropped == 1 })

	// The engine must keep forwarding after the drop.
	forwarded := []byte{0x45, 0, 0, 20, 2}
	dev.inject(t, forwarded)
	if got := recvFrom(t, peerEp); !bytes.Equal(got, forwarded) {
		t.Errorf("peer received %v, want %v", got, forwarded)
	}

	stats := e.Stats()
	if stats.OutPackets != 1 {
		t.Errorf("OutPackets = %d, want 1", stats.OutPackets)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
}

func TestEngine_deviceWriteFailure_dropsAndContinues(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	engineEp := bindLoopback(t)
	peerEp := bindLoopback(t)

	e, err := New(dev, engineEp, Options{
		Peer:   peerEp.LocalAddr(),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startEngine(t, ctx, e)

	// Permission-style failure on the device write is transient: the
	// datagram is dropped and the loop keeps serving both directions.
	dev.setWriteErr(unix.EACCES)
	if _, err := peerEp.Send([]byte{0x45, 0, 0, 20, 1}, engineEp.LocalAddr()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitForStats(t, e, func(s Stats) bool { return s.InDropped == 1 })

	delivered := []byte{0x45, 0, 0, 20, 2}
	if _, err := peerEp.Send(delivered, engineEp.LocalAddr()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := dev.expect(t); !bytes.Equal(got, delivered) {
		t.Errorf("device received %v, want %v", got, delivered)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
}

func TestEngine_endOfInput_cleanStop(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	ep := newScriptedEndpoint(t)

	e, err := New(dev, ep, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	done := startEngine(t, ctx, e)

	// Zero bytes with no identifiable peer is the end-of-input signal.
	ep.push(t, scriptedRecv{})

	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() = %v, want nil on end of input", err)
	}

	dev.mu.Lock()
	devCloses := dev.closeCalls
	dev.mu.Unlock()
	if devCloses != 1 {
		t.Errorf("device Close() called %d times, want 1", devCloses)
	}
	if ep.closeCount() != 1 {
		t.Errorf("endpoint Close() called %d times, want 1", ep.closeCount())
	}

	// Stop after shutdown must be a no-op even though the wake pipe is
	// already closed and its descriptor numbers may have been reused.
	e.Stop()
	e.Stop()
}

func TestEngine_fatalDeviceError_stops(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	engineEp := bindLoopback(t)

	e, err := New(dev, engineEp, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	done := startEngine(t, context.Background(), e)

	dev.setReadErr(unix.EBADF)
	dev.inject(t, []byte{1})

	if err := waitDone(t, done); err == nil {
		t.Error("Run() = nil, want fatal error for EBADF")
	}
}

func TestEngine_stopBeforeRun(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(t)
	engineEp := bindLoopback(t)

	e, err := New(dev, engineEp, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Stop is idempotent and may precede Run.
	e.Stop()
	e.Stop()
	done := startEngine(t, context.Background(), e)

	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() = %v, want nil when stopped before start", err)
	}
}

// waitForStats polls the engine counters until cond holds.
func waitForStats(t *testing.T, e *Engine, cond func(Stats) bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond(e.Stats()) {
		if time.Now().After(deadline) {
			t.Fatalf("stats condition not met, last: %+v", e.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}
