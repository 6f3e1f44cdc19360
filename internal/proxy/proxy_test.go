package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/proxycore/naclproxy/internal/cryptostream"
	"github.com/proxycore/naclproxy/internal/perr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEchoServer simulates the backend the proxy forwards traffic to. It
// is a plain net.Listener, not cryptostream- or netio-based, because it
// stands in for an arbitrary external TCP peer the proxy has no control
// over.
func startEchoServer(t *testing.T) (addr string, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	host, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	return host, p
}

// startDriver runs a Driver in the background against cfg and returns it
// along with its run flag and completion channel. Callers must eventually
// clear the run flag and drain done.
func startDriver(t *testing.T, cfg *Config) (*Driver, *atomic.Bool, chan error) {
	t.Helper()
	d, err := NewDriver(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	var run atomic.Bool
	run.Store(true)
	done := make(chan error, 1)
	go func() { done <- d.Run(&run) }()

	t.Cleanup(func() {
		run.Store(false)
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("Driver.Run did not exit during cleanup")
		}
	})

	return d, &run, done
}

// dialRawTCP opens a blocking-mode raw TCP socket against addr:port,
// bypassing the net package so tests can drive cryptostream handshakes
// directly over the descriptor the same way internal/proxy does.
func dialRawTCP(t *testing.T, addr, port string) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad port %q: %v", port, err)
	}
	var sa unix.SockaddrInet4
	sa.Port = p
	copy(sa.Addr[:], net.ParseIP(addr).To4())

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := unix.Connect(fd, &sa)
		if err == nil || err == unix.EISCONN {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connect: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func readAll(t *testing.T, fd int, n int, timeout time.Duration) []byte {
	t.Helper()
	got := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for len(got) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out reading: got %d of %d bytes", len(got), n)
		}
		r, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:r]...)
	}
	return got
}

func writeAll(t *testing.T, fd int, p []byte) {
	t.Helper()
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		p = p[n:]
	}
}

func TestProxyForwardsPlaintextEcho(t *testing.T) {
	upAddr, upPort := startEchoServer(t)
	cfg := &Config{BindAddr: "127.0.0.1", BindPort: "0", UpstreamAddr: upAddr, UpstreamPort: upPort}
	d, _, _ := startDriver(t, cfg)

	addr, port, err := d.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	fd := dialRawTCP(t, addr, strconv.Itoa(port))
	payload := []byte("hello through the plaintext proxy")
	writeAll(t, fd, payload)
	got := readAll(t, fd, len(payload), 2*time.Second)
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestProxyEncryptedDownstreamPlaintextUpstream(t *testing.T) {
	upAddr, upPort := startEchoServer(t)
	cfg := &Config{
		BindAddr: "127.0.0.1", BindPort: "0",
		UpstreamAddr: upAddr, UpstreamPort: upPort,
		EncryptDownstream: true,
	}
	d, _, _ := startDriver(t, cfg)

	addr, port, err := d.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	fd := dialRawTCP(t, addr, strconv.Itoa(port))
	stream, err := cryptostream.NewStream(fd)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	for i := 0; i < 10 && stream.Handshaking(); i++ {
		status, err := stream.Advance()
		if err != nil && !errors.Is(err, perr.ErrWouldBlock) {
			t.Fatalf("handshake: %v", err)
		}
		if status == cryptostream.HandshakeDone {
			break
		}
	}
	if stream.Handshaking() {
		t.Fatalf("client handshake did not complete")
	}

	payload := []byte("secret on the wire, plain to the backend")
	if _, err := stream.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, cryptostream.MaxPlaintext)
	var n int
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := stream.Recv(buf)
		n += got
		if err != nil && !errors.Is(err, perr.ErrWouldBlock) {
			t.Fatalf("Recv: %v", err)
		}
		if n >= len(payload) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for echo, got %d of %d bytes", n, len(payload))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q, want %q", buf[:n], payload)
	}
}

// TestProxyTwoReactiveInstancesHandshake is the canonical deployment shape:
// one instance encrypting its upstream leg (-o) dials a second instance
// encrypting its downstream leg (-i). Neither driver is driven by hand —
// both must take the handshake's first move purely from their own Driver
// loop, with no external party writing a public key unprompted.
func TestProxyTwoReactiveInstancesHandshake(t *testing.T) {
	upAddr, upPort := startEchoServer(t)

	cfgB := &Config{
		BindAddr: "127.0.0.1", BindPort: "0",
		UpstreamAddr: upAddr, UpstreamPort: upPort,
		EncryptDownstream: true,
	}
	driverB, _, _ := startDriver(t, cfgB)
	bAddr, bPort, err := driverB.Addr()
	if err != nil {
		t.Fatalf("driverB.Addr: %v", err)
	}

	cfgA := &Config{
		BindAddr: "127.0.0.1", BindPort: "0",
		UpstreamAddr: bAddr, UpstreamPort: strconv.Itoa(bPort),
		EncryptUpstream: true,
	}
	driverA, _, _ := startDriver(t, cfgA)
	aAddr, aPort, err := driverA.Addr()
	if err != nil {
		t.Fatalf("driverA.Addr: %v", err)
	}

	fd := dialRawTCP(t, aAddr, strconv.Itoa(aPort))
	payload := []byte("round trip through two cooperating proxy instances")
	writeAll(t, fd, payload)
	got := readAll(t, fd, len(payload), 3*time.Second)
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// TestProxyHalfCloseDeliversPendingData has the upstream write its payload
// and close straight away. The proxy closes its upstream side on that EOF,
// but must still deliver every buffered byte to the downstream before it
// closes that side too.
func TestProxyHalfCloseDeliversPendingData(t *testing.T) {
	payload := []byte("last words before going quiet")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(payload)
		conn.Close()
	}()
	upAddr, upPort, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}

	cfg := &Config{BindAddr: "127.0.0.1", BindPort: "0", UpstreamAddr: upAddr, UpstreamPort: upPort}
	d, _, _ := startDriver(t, cfg)

	addr, port, err := d.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	fd := dialRawTCP(t, addr, strconv.Itoa(port))
	got := readAll(t, fd, len(payload), 2*time.Second)
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestProxyCleanShutdown(t *testing.T) {
	upAddr, upPort := startEchoServer(t)
	cfg := &Config{BindAddr: "127.0.0.1", BindPort: "0", UpstreamAddr: upAddr, UpstreamPort: upPort}
	d, err := NewDriver(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	var run atomic.Bool
	run.Store(true)
	done := make(chan error, 1)
	go func() { done <- d.Run(&run) }()

	if _, _, err := d.Addr(); err != nil {
		t.Fatalf("Addr: %v", err)
	}
	run.Store(false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on a clean shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after the run flag was cleared")
	}
}
