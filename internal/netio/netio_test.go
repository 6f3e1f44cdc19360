package netio

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/proxycore/naclproxy/internal/perr"
)

func TestListenAcceptConnectRoundtrip(t *testing.T) {
	listenFD, err := Listen("127.0.0.1", "0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer unix.Close(listenFD)

	_, port, err := LocalAddr(listenFD)
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}

	dialer := NewDialer()
	portStr := portToString(port)

	accepted := make(chan int, 1)
	acceptErr := make(chan error, 1)
	go func() {
		// Listen's socket is non-blocking; give the client a moment to
		// connect before accepting.
		for i := 0; i < 50; i++ {
			fd, err := Accept(listenFD)
			if err == nil {
				accepted <- fd
				return
			}
			if IsTransientAcceptError(err) || errors.Is(err, unix.EAGAIN) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			acceptErr <- err
			return
		}
		acceptErr <- errors.New("accept: timed out")
	}()

	clientFD, immediate, err := dialer.Connect("127.0.0.1", portStr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer unix.Close(clientFD)
	_ = immediate

	var serverFD int
	select {
	case serverFD = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer unix.Close(serverFD)

	if err := SetNonblocking(serverFD); err != nil {
		t.Fatalf("SetNonblocking: %v", err)
	}

	payload := []byte("ping")
	if _, err := RawSend(clientFD, payload); err != nil {
		t.Fatalf("RawSend: %v", err)
	}

	var got []byte
	buf := make([]byte, 64)
	for i := 0; i < 50 && len(got) < len(payload); i++ {
		n, err := RawRecv(serverFD, buf)
		if err != nil {
			if errors.Is(err, perr.ErrWouldBlock) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			t.Fatalf("RawRecv: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestDialerCachesResolution(t *testing.T) {
	listenFD, err := Listen("127.0.0.1", "0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer unix.Close(listenFD)

	_, port, err := LocalAddr(listenFD)
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	portStr := portToString(port)

	dialer := NewDialer()
	fd1, _, err := dialer.Connect("127.0.0.1", portStr)
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	unix.Close(fd1)
	cachedAddrs := dialer.addrs
	cachedAt := dialer.resolvedAt

	fd2, _, err := dialer.Connect("127.0.0.1", portStr)
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	unix.Close(fd2)

	if dialer.resolvedAt != cachedAt {
		t.Fatalf("a cache hit must not refresh resolvedAt")
	}
	if len(dialer.addrs) != len(cachedAddrs) {
		t.Fatalf("cached address set changed across a cache hit")
	}
}

func TestRawRecvTranslatesDisconnect(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	unix.Close(fds[1])

	buf := make([]byte, 16)
	_, err := RawRecv(fds[0], buf)
	if !errors.Is(err, perr.ErrDisconnect) {
		t.Fatalf("got %v, want ErrDisconnect", err)
	}
}

func TestRawSendTranslatesWouldBlock(t *testing.T) {
	fd0, fd1 := socketpairForTest(t)
	defer unix.Close(fd1)
	if err := SetNonblocking(fd0); err != nil {
		t.Fatalf("SetNonblocking: %v", err)
	}

	big := make([]byte, 1<<20)
	var lastErr error
	for i := 0; i < 64; i++ {
		if _, err := RawSend(fd0, big); err != nil {
			lastErr = err
			break
		}
	}
	unix.Close(fd0)
	if !errors.Is(lastErr, perr.ErrWouldBlock) {
		t.Fatalf("got %v, want ErrWouldBlock after filling the send buffer", lastErr)
	}
}

func socketpairForTest(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func portToString(p int) string {
	return strconv.Itoa(p)
}
