//go:build linux

package relay

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// waiter multiplexes readiness over the two relay descriptors plus an
// internal wake pipe. wait blocks in poll(2) until at least one source
// is readable; cancel writes to the pipe so a blocked wait returns in
// bounded time. poll reports every ready descriptor in one call, so
// neither source can starve the other.
type waiter struct {
	deviceFd    int
	transportFd int

	// fds is the persistent poll set; only wait touches it, and wait is
	// single-goroutine.
	fds [3]unix.PollFd

	// mu orders cancel against close: once the pipe descriptors are
	// closed their numbers may be reused by the kernel, so a late cancel
	// must not write to them.
	mu        sync.Mutex
	wakeRead  int
	wakeWrite int
	cancelled bool
	closed    bool
}

// readiness is the result of one wait cycle.
type readiness struct {
	device    bool
	transport bool
	cancelled bool
}

func newWaiter(deviceFd, transportFd int) (*waiter, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("creating wake pipe: %w", err)
	}
	w := &waiter{
		deviceFd:    deviceFd,
		transportFd: transportFd,
		wakeRead:    p[0],
		wakeWrite:   p[1],
	}
	w.fds = [3]unix.PollFd{
		{Fd: int32(deviceFd), Events: unix.POLLIN},
		{Fd: int32(transportFd), Events: unix.POLLIN},
		{Fd: int32(p[0]), Events: unix.POLLIN},
	}
	return w, nil
}

// wait blocks until the device, the transport, or the wake pipe is
// readable. Error and hangup conditions count as readable so the
// subsequent read surfaces the underlying failure instead of the loop
// spinning on poll.
func (w *waiter) wait() (readiness, error) {
	const readable = unix.POLLIN | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

	for i := range w.fds {
		w.fds[i].Revents = 0
	}

	for {
		_, err := unix.Poll(w.fds[:], -1)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return readiness{}, fmt.Errorf("polling tunnel descriptors: %w", err)
	}

	return readiness{
		device:    w.fds[0].Revents&readable != 0,
		transport: w.fds[1].Revents&readable != 0,
		cancelled: w.fds[2].Revents&readable != 0,
	}, nil
}

// cancel wakes a blocked wait. Idempotent, safe to call from any
// goroutine, and a no-op after close so the write can never land in a
// descriptor number the kernel has reassigned.
func (w *waiter) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.cancelled {
		return
	}
	w.cancelled = true
	// The byte is never drained, so every later wait reports cancelled.
	_, _ = unix.Write(w.wakeWrite, []byte{1})
}

// close releases the wake pipe. Idempotent. The device and transport
// descriptors belong to their owners and are not touched here.
func (w *waiter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	unix.Close(w.wakeRead)
	unix.Close(w.wakeWrite)
}
