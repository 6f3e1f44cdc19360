package proxy

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/proxycore/naclproxy/internal/eventloop"
	"github.com/proxycore/naclproxy/internal/netio"
)

// pollTimeoutMillis bounds how long RunLoop blocks in epoll_wait before
// rechecking the run flag, so a signal-initiated shutdown is noticed
// promptly even with no connection activity. See eventloop.Loop.RunLoop's
// doc comment for why this can't just be -1 the way the C original's
// poll() call is.
const pollTimeoutMillis = 1000

// Driver owns the listener, the event loop, and the address cache shared
// by every connection it accepts. It is the Go analogue of proxy_run and
// accept_callback in proxy.c.
type Driver struct {
	cfg      *Config
	logger   *slog.Logger
	loop     *eventloop.Loop
	dialer   *netio.Dialer
	listenFD int
	ready    chan struct{}
}

// NewDriver creates the event loop but does not yet bind a listener;
// that happens in Run.
func NewDriver(cfg *Config, logger *slog.Logger) (*Driver, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("proxy: new event loop: %w", err)
	}
	return &Driver{
		cfg:      cfg,
		logger:   logger,
		loop:     loop,
		dialer:   netio.NewDialer(),
		listenFD: -1,
		ready:    make(chan struct{}),
	}, nil
}

// Addr blocks until the listener is bound (or Run returns without ever
// binding one) and reports the actual bound address and port. Tests use
// this to discover an ephemeral port requested with BindPort "0".
func (d *Driver) Addr() (string, int, error) {
	<-d.ready
	if d.listenFD == -1 {
		return "", 0, fmt.Errorf("proxy: listener never bound")
	}
	return netio.LocalAddr(d.listenFD)
}

// Run binds the configured listen address, registers the accept
// callback, and runs the event loop until run reports false or a fatal
// error occurs. It always tears down the listener and every live
// connection before returning.
func (d *Driver) Run(run *atomic.Bool) error {
	fd, err := netio.Listen(d.cfg.BindAddr, d.cfg.BindPort)
	if err != nil {
		close(d.ready)
		return fmt.Errorf("proxy: listen: %w", err)
	}
	d.listenFD = fd

	if err := d.loop.Add(fd, eventloop.Readable, d, d.acceptCallback); err != nil {
		unix.Close(fd)
		d.listenFD = -1
		close(d.ready)
		return fmt.Errorf("proxy: register listener: %w", err)
	}
	close(d.ready)
	d.logger.Info("listening", "addr", d.cfg.BindAddr, "port", d.cfg.BindPort,
		"upstream_addr", d.cfg.UpstreamAddr, "upstream_port", d.cfg.UpstreamPort,
		"encrypt_downstream", d.cfg.EncryptDownstream, "encrypt_upstream", d.cfg.EncryptUpstream)

	runErr := d.loop.RunLoop(run, pollTimeoutMillis)

	_ = d.loop.Remove(d.listenFD)
	unix.Close(d.listenFD)
	d.loop.Teardown(func(data interface{}) {
		if cc, ok := data.(*connContext); ok {
			cc.releaseResources()
		}
	})
	if err := d.loop.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("proxy: close epoll instance: %w", err)
	}
	return runErr
}

// acceptCallback handles readiness on the listening socket. Transient
// accept failures and failed upstream connects free the context and
// leave the listener registered; only a fatal listener-level err/hup
// propagates out and terminates the loop.
func (d *Driver) acceptCallback(fd int, ev eventloop.Events, data interface{}) error {
	if ev&(eventloop.Err|eventloop.Hup) != 0 {
		return fmt.Errorf("proxy: listener fd %d reported error/hangup", fd)
	}
	if ev&eventloop.Readable == 0 {
		return nil
	}

	cc := newConnContext(d.cfg, d.loop, d.dialer, d.logger)
	if err := cc.acceptDownstream(fd); err != nil {
		if netio.IsTransientAcceptError(err) {
			d.logger.Debug("transient accept error", "err", err)
			return nil
		}
		d.logger.Warn("accept failed", "err", err)
		return nil
	}

	if err := cc.connectUpstream(); err != nil {
		d.logger.Warn("upstream connect failed", "err", err)
		cc.closeConnection()
		return nil
	}
	return nil
}
