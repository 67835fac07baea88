//go:build linux

package tunnel

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// devicePair returns a Device backed by one end of a datagram
// socketpair plus the raw peer fd. Datagram sockets preserve packet
// boundaries, which matches the TUN whole-packet contract closely
// enough for exercising the Device I/O paths without CAP_NET_ADMIN.
func devicePair(t *testing.T) (*Device, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	dev, err := NewDeviceFromFd(fds[0], "faketun0")
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		t.Fatalf("NewDeviceFromFd() error: %v", err)
	}

	t.Cleanup(func() {
		dev.Close()
		unix.Close(fds[1])
	})
	return dev, fds[1]
}

func TestOpen_rejectsLongName(t *testing.T) {
	t.Parallel()

	_, err := Open("far-too-long-interface-name", DeviceOptions{})
	if err == nil {
		t.Fatal("Open() with over-long name should error")
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("error %q should mention the length limit", err)
	}
}

func TestDevice_ReadWrite(t *testing.T) {
	t.Parallel()

	dev, peer := devicePair(t)

	pkt := []byte{0x45, 0, 0, 32, 1, 2, 3, 4}
	if n, err := dev.Write(pkt); err != nil || n != len(pkt) {
		t.Fatalf("Write() = (%d, %v), want (%d, nil)", n, err, len(pkt))
	}

	got := make([]byte, 64)
	n, err := unix.Read(peer, got)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(got[:n], pkt) {
		t.Errorf("peer received %v, want %v", got[:n], pkt)
	}

	reply := []byte{0x45, 0, 0, 20, 9, 8, 7, 6}
	if _, err := unix.Write(peer, reply); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	buf := make([]byte, 64)
	n, err = dev.Read(buf)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(buf[:n], reply) {
		t.Errorf("Read() = %v, want %v", buf[:n], reply)
	}
}

func TestDevice_ReadWouldBlock(t *testing.T) {
	t.Parallel()

	dev, _ := devicePair(t)

	buf := make([]byte, 64)
	_, err := dev.Read(buf)
	if !errors.Is(err, unix.EAGAIN) {
		t.Errorf("Read() on empty device = %v, want EAGAIN", err)
	}
}

func TestDevice_CloseIdempotent(t *testing.T) {
	t.Parallel()

	dev, _ := devicePair(t)

	if err := dev.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close() error: %v, want nil", err)
	}
}

func TestDevice_Name(t *testing.T) {
	t.Parallel()

	dev, _ := devicePair(t)
	if dev.Name() != "faketun0" {
		t.Errorf("Name() = %q, want %q", dev.Name(), "faketun0")
	}
	if dev.Fd() < 0 {
		t.Errorf("Fd() = %d, want a valid descriptor", dev.Fd())
	}
}
