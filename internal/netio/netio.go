// Package netio provides the raw, non-blocking socket primitives the
// proxy is built on: listener creation, cached outbound connect, the
// non-blocking toggle, and errno-to-sentinel translation for reads and
// writes. It deliberately works in terms of raw file descriptors rather
// than net.Conn, since the event loop needs descriptors it can register
// with epoll directly rather than ones hidden behind the runtime's own
// netpoller.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/proxycore/naclproxy/internal/perr"
)

const (
	listenBacklog = 128
	cacheTTL      = 300 * time.Second
)

// SetNonblocking puts fd into non-blocking mode.
func SetNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("netio: set nonblocking: %w", err)
	}
	return nil
}

// Listen creates, binds and listens on a non-blocking TCP socket bound to
// the given numeric address and port. The address must already be
// numeric (no DNS resolution happens for a bind address).
func Listen(addr, port string) (int, error) {
	p, err := parsePort(port)
	if err != nil {
		return -1, fmt.Errorf("netio: listen port: %w", err)
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return -1, fmt.Errorf("netio: bind address %q must be numeric", addr)
	}
	domain, sa, err := sockaddrFor(ip, p)
	if err != nil {
		return -1, fmt.Errorf("netio: listen: %w", err)
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: listen: %w", err)
	}
	return fd, nil
}

// Accept accepts one pending connection off a listening socket. The
// returned descriptor is still in blocking mode; callers must call
// SetNonblocking themselves, matching the two-step accept-then-toggle
// original_source/src/network.c uses rather than folding SOCK_NONBLOCK
// into the accept call itself.
func Accept(listenFD int) (int, error) {
	nfd, _, err := unix.Accept(listenFD)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}

// IsTransientAcceptError reports whether err is one of the errno values
// that should leave the listener registered and simply skip this accept,
// rather than propagating as a fatal listener failure.
func IsTransientAcceptError(err error) bool {
	return errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK)
}

// SocketError reads and clears SO_ERROR on fd, used to discover whether a
// pending non-blocking connect succeeded once the descriptor turns
// writable.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("netio: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Dialer resolves and connects to an upstream host:port pair, caching the
// resolved address list for cacheTTL so repeated connections to the same
// target skip DNS. The cache is owned by the Dialer value, not global
// state, so it lives for exactly as long as whatever loop owns it — there
// is deliberately no package-level cache here.
type Dialer struct {
	host       string
	port       int
	addrs      []net.IP
	resolvedAt time.Time
}

// NewDialer returns a Dialer with an empty cache.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Connect returns a new non-blocking socket connected (or connecting) to
// host:port. immediate is true if the connection completed synchronously
// (common on loopback); false means the caller must wait for the
// descriptor to become writable and then check SocketError.
func (d *Dialer) Connect(host, port string) (fd int, immediate bool, err error) {
	p, err := parsePort(port)
	if err != nil {
		return -1, false, fmt.Errorf("netio: connect port: %w", err)
	}

	if d.host == host && d.port == p && len(d.addrs) > 0 {
		if time.Since(d.resolvedAt) > cacheTTL {
			d.invalidate()
		} else if fd, immediate, err := connectAny(d.addrs, p); err == nil {
			return fd, immediate, nil
		} else {
			d.invalidate()
		}
	}

	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return -1, false, fmt.Errorf("netio: resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return -1, false, fmt.Errorf("netio: no addresses for %s", host)
	}

	fd, immediate, err = connectAny(ips, p)
	if err != nil {
		return -1, false, err
	}

	d.host = host
	d.port = p
	d.addrs = ips
	d.resolvedAt = time.Now()
	return fd, immediate, nil
}

func (d *Dialer) invalidate() {
	d.host = ""
	d.port = 0
	d.addrs = nil
}

func connectAny(ips []net.IP, port int) (fd int, immediate bool, err error) {
	var lastErr error
	for _, ip := range ips {
		domain, sa, serr := sockaddrFor(ip, port)
		if serr != nil {
			lastErr = serr
			continue
		}
		cfd, serr := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if serr != nil {
			lastErr = serr
			continue
		}
		cerr := unix.Connect(cfd, sa)
		if cerr == nil {
			return cfd, true, nil
		}
		if errors.Is(cerr, unix.EINPROGRESS) {
			return cfd, false, nil
		}
		unix.Close(cfd)
		lastErr = cerr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("netio: no connect candidates")
	}
	return -1, false, lastErr
}

func sockaddrFor(ip net.IP, port int) (int, unix.Sockaddr, error) {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return unix.AF_INET, sa, nil
	}
	if v6 := ip.To16(); v6 != nil {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], v6)
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, fmt.Errorf("netio: %v is not a valid IPv4/IPv6 address", ip)
}

func parsePort(port string) (int, error) {
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric", port)
	}
	// 0 is accepted here (not just 1-65535) because it means "let the
	// kernel choose an ephemeral port" for Listen, which callers such as
	// tests rely on; config.Validate applies the stricter 1-65535 rule
	// for user-facing bind/upstream ports.
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("%d is out of range 0-65535", n)
	}
	return n, nil
}

// LocalAddr returns the IP and port fd is locally bound to, used to
// discover the port the kernel assigned when Listen was called with port
// "0".
func LocalAddr(fd int) (string, int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, fmt.Errorf("netio: getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	default:
		return "", 0, fmt.Errorf("netio: unsupported sockaddr type %T", sa)
	}
}

// RawRecv reads from fd into p, translating EAGAIN/EWOULDBLOCK into
// perr.ErrWouldBlock and a zero-byte read into perr.ErrDisconnect, the way
// every encrypted and plaintext endpoint alike expects its transport to
// behave.
func RawRecv(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, perr.ErrWouldBlock
		}
		if errors.Is(err, unix.EINTR) {
			return 0, perr.ErrWouldBlock
		}
		return 0, fmt.Errorf("netio: read: %w", err)
	}
	if n == 0 {
		return 0, perr.ErrDisconnect
	}
	return n, nil
}

// RawSend writes p to fd, translating EAGAIN/EWOULDBLOCK into
// perr.ErrWouldBlock and EPIPE/ECONNRESET into perr.ErrDisconnect.
func RawSend(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, perr.ErrWouldBlock
		}
		if errors.Is(err, unix.EINTR) {
			return 0, perr.ErrWouldBlock
		}
		if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
			return 0, perr.ErrDisconnect
		}
		return 0, fmt.Errorf("netio: write: %w", err)
	}
	return n, nil
}
