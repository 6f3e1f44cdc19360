// Package proxy implements the per-connection state machine (C5) and the
// driver that wires it to the event loop and listener (C6). It is the Go
// analogue of original_source/src/proxy.c, function for function:
// accept_callback -> Driver.acceptCallback, establish_connection ->
// connContext.connectUpstream, conn_callback -> connContext.connCallback,
// handle_recv/handle_send -> connContext.handleRecv/handleSend,
// close_connection -> connContext.closeConnection.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/proxycore/naclproxy/internal/cryptostream"
	"github.com/proxycore/naclproxy/internal/eventloop"
	"github.com/proxycore/naclproxy/internal/netio"
	"github.com/proxycore/naclproxy/internal/perr"
	"github.com/proxycore/naclproxy/internal/proxybuf"
)

type side int

const (
	sideDownstream side = iota
	sideUpstream
)

func (s side) String() string {
	if s == sideDownstream {
		return "downstream"
	}
	return "upstream"
}

func oppositeSide(s side) side {
	if s == sideDownstream {
		return sideUpstream
	}
	return sideDownstream
}

type state int

const (
	stateAccepted state = iota
	statePendingConnect
	stateHandshaking
	stateForwarding
	stateHalfClosed
	stateClosed
)

// Config is the static, per-process configuration every connection is
// built against.
type Config struct {
	BindAddr          string
	BindPort          string
	UpstreamAddr      string
	UpstreamPort      string
	EncryptDownstream bool
	EncryptUpstream   bool
}

// connContext is one accepted-downstream/dialed-upstream pair and its
// lifecycle state. It is referenced by zero, one, or two registry
// entries (one per live endpoint); once both endpoints are closed nothing
// in the registry holds a reference to it any longer and it becomes
// ordinary garbage, the idiomatic Go equivalent of the original's
// manual reference counting.
type connContext struct {
	cfg    *Config
	loop   *eventloop.Loop
	dialer *netio.Dialer
	logger *slog.Logger

	downstream proxybuf.Endpoint
	upstream   proxybuf.Endpoint

	// toDownstream holds bytes read from upstream, awaiting write to
	// downstream; toUpstream is the mirror image.
	toDownstream proxybuf.Buffer
	toUpstream   proxybuf.Buffer

	state state
}

func newConnContext(cfg *Config, loop *eventloop.Loop, dialer *netio.Dialer, logger *slog.Logger) *connContext {
	return &connContext{
		cfg:        cfg,
		loop:       loop,
		dialer:     dialer,
		logger:     logger,
		downstream: proxybuf.Endpoint{FD: -1},
		upstream:   proxybuf.Endpoint{FD: -1},
		state:      stateAccepted,
	}
}

func (cc *connContext) endpointPtr(s side) *proxybuf.Endpoint {
	if s == sideDownstream {
		return &cc.downstream
	}
	return &cc.upstream
}

func (cc *connContext) sideOf(fd int) (side, bool) {
	if fd == cc.downstream.FD {
		return sideDownstream, true
	}
	if fd == cc.upstream.FD {
		return sideUpstream, true
	}
	return 0, false
}

// inboundDest is the buffer that bytes read from s are staged into: the
// buffer bound for the opposite side.
func (cc *connContext) inboundDest(s side) *proxybuf.Buffer {
	if s == sideDownstream {
		return &cc.toUpstream
	}
	return &cc.toDownstream
}

// outbound is the buffer that s drains when it becomes writable.
func (cc *connContext) outbound(s side) *proxybuf.Buffer {
	if s == sideDownstream {
		return &cc.toDownstream
	}
	return &cc.toUpstream
}

// acceptDownstream accepts one connection off listenFD into the
// downstream endpoint of a freshly created context.
func (cc *connContext) acceptDownstream(listenFD int) error {
	fd, err := netio.Accept(listenFD)
	if err != nil {
		return err
	}
	if err := netio.SetNonblocking(fd); err != nil {
		unix.Close(fd)
		return err
	}
	cc.downstream.FD = fd
	cc.downstream.Encrypted = cc.cfg.EncryptDownstream
	if cc.downstream.Encrypted {
		st, err := cryptostream.NewStream(fd)
		if err != nil {
			unix.Close(fd)
			cc.downstream.FD = -1
			return err
		}
		cc.downstream.Stream = st
	}
	return nil
}

// connectUpstream dials the configured upstream target and either wires
// the connection immediately (loopback connects usually complete
// synchronously) or registers a pending-connect callback waiting for the
// descriptor to become writable.
func (cc *connContext) connectUpstream() error {
	fd, immediate, err := cc.dialer.Connect(cc.cfg.UpstreamAddr, cc.cfg.UpstreamPort)
	if err != nil {
		return err
	}
	cc.upstream.FD = fd
	cc.upstream.Encrypted = cc.cfg.EncryptUpstream
	if cc.upstream.Encrypted {
		st, err := cryptostream.NewStream(fd)
		if err != nil {
			unix.Close(fd)
			cc.upstream.FD = -1
			return err
		}
		cc.upstream.Stream = st
	}

	if immediate {
		return cc.wire()
	}
	cc.state = statePendingConnect
	return cc.loop.Add(fd, eventloop.Writable, cc, cc.pendingConnectCallback)
}

func (cc *connContext) pendingConnectCallback(fd int, ev eventloop.Events, data interface{}) error {
	if ev&(eventloop.Err|eventloop.Hup) != 0 {
		cc.logger.Warn("upstream connect failed", "fd", fd)
		cc.closeConnection()
		return nil
	}
	if err := netio.SocketError(fd); err != nil {
		cc.logger.Warn("upstream connect failed", "fd", fd, "err", err)
		cc.closeConnection()
		return nil
	}
	if err := cc.loop.Remove(fd); err != nil {
		return fmt.Errorf("proxy: remove pending-connect entry: %w", err)
	}
	return cc.wire()
}

// wire transitions a fully-connected context into either the handshake or
// the forwarding phase and registers both endpoints with the loop.
func (cc *connContext) wire() error {
	if cc.downstream.Encrypted || cc.upstream.Encrypted {
		cc.state = stateHandshaking
	} else {
		cc.state = stateForwarding
	}
	if err := cc.armSide(sideDownstream); err != nil {
		return err
	}
	if cc.state == stateClosed {
		return nil
	}
	return cc.armSide(sideUpstream)
}

// armSide registers s with the loop for the first time. An encrypted side
// must write its public key before it can read the peer's (see
// cryptostream.Handshake.step), so the handshake's first move is taken
// synchronously here instead of waiting for a readable event that, for two
// purely reactive instances of this proxy talking to each other, would
// never arrive.
func (cc *connContext) armSide(s side) error {
	ep := cc.endpointPtr(s)
	if !ep.Encrypted {
		return cc.loop.Add(ep.FD, eventloop.Readable, cc, cc.connCallback)
	}

	status, err := ep.Stream.Advance()
	if err != nil && !errors.Is(err, perr.ErrWouldBlock) {
		cc.logger.Warn("handshake failed", "side", s, "err", err)
		cc.closeConnection()
		return nil
	}

	interest := eventloop.Readable
	switch status {
	case cryptostream.HandshakeWantWrite:
		interest = eventloop.Writable
	case cryptostream.HandshakeDone:
		if cc.bothHandshakesDone() {
			cc.state = stateForwarding
		}
		if !cc.outbound(s).Empty() {
			interest |= eventloop.Writable
		}
	}
	return cc.loop.Add(ep.FD, interest, cc, cc.connCallback)
}

// connCallback is the single dispatch point for both handshake and
// forwarding readiness on either side of a connection, the Go analogue of
// conn_callback in proxy.c.
func (cc *connContext) connCallback(fd int, ev eventloop.Events, data interface{}) error {
	s, ok := cc.sideOf(fd)
	if !ok {
		return fmt.Errorf("proxy: event fd %d matches neither endpoint of this connection", fd)
	}

	if ev&(eventloop.Err|eventloop.Hup) != 0 {
		cc.logger.Info("closing connection on err/hup", "side", s, "fd", fd)
		cc.closeConnection()
		return nil
	}

	if cc.isHandshaking(s) {
		return cc.stepHandshake(s)
	}

	if ev&eventloop.Readable != 0 {
		if err := cc.handleRecv(s); err != nil {
			return err
		}
	}
	if cc.endpointPtr(s).FD == -1 {
		return nil // handleRecv closed this endpoint, alone or with its peer
	}
	if ev&eventloop.Writable != 0 {
		if err := cc.handleSend(s); err != nil {
			return err
		}
	}
	return nil
}

func (cc *connContext) isHandshaking(s side) bool {
	ep := cc.endpointPtr(s)
	return ep.Encrypted && ep.Stream != nil && ep.Stream.Handshaking()
}

func (cc *connContext) bothHandshakesDone() bool {
	return !cc.isHandshaking(sideDownstream) && !cc.isHandshaking(sideUpstream)
}

func (cc *connContext) stepHandshake(s side) error {
	ep := cc.endpointPtr(s)
	status, err := ep.Stream.Advance()
	if err != nil && !errors.Is(err, perr.ErrWouldBlock) {
		cc.logger.Warn("handshake failed", "side", s, "err", err)
		cc.closeConnection()
		return nil
	}

	switch status {
	case cryptostream.HandshakeWantRead:
		return cc.loop.Modify(ep.FD, eventloop.Readable)
	case cryptostream.HandshakeWantWrite:
		return cc.loop.Modify(ep.FD, eventloop.Writable)
	case cryptostream.HandshakeDone:
		if cc.bothHandshakesDone() {
			cc.state = stateForwarding
		}
		interest := eventloop.Readable
		if !cc.outbound(s).Empty() {
			interest |= eventloop.Writable
		}
		return cc.loop.Modify(ep.FD, interest)
	}
	return nil
}

func (cc *connContext) handleRecv(s side) error {
	ep := cc.endpointPtr(s)
	peer := cc.endpointPtr(oppositeSide(s))
	buf := cc.inboundDest(s)

	if !buf.Empty() {
		return nil // backpressure: destination side hasn't drained yet
	}

	result, err := buf.Recv(ep)
	if err != nil {
		cc.logger.Warn("recv error", "side", s, "err", err)
		cc.closeConnection()
		return nil
	}

	switch result {
	case proxybuf.ResultWouldBlock:
		return nil
	case proxybuf.ResultOK:
		if peer.FD == -1 {
			// peer already half-closed away; buf now has nowhere to drain
			// and will never become empty again, so s must close too
			// instead of spinning on a readable event it can never act on.
			cc.closeConnection()
			return nil
		}
		return cc.loop.Modify(peer.FD, eventloop.Readable|eventloop.Writable)
	case proxybuf.ResultDisconnect:
		if !buf.Empty() {
			cc.closeEndpoint(s)
			cc.state = stateHalfClosed
			if peer.FD == -1 {
				return nil
			}
			return cc.loop.Modify(peer.FD, eventloop.Readable|eventloop.Writable)
		}
		cc.closeConnection()
		return nil
	}
	return nil
}

func (cc *connContext) handleSend(s side) error {
	ep := cc.endpointPtr(s)
	buf := cc.outbound(s)

	if buf.Empty() {
		return cc.loop.Modify(ep.FD, eventloop.Readable)
	}

	result, err := buf.Send(ep)
	if err != nil {
		cc.logger.Warn("send error", "side", s, "err", err)
		cc.closeConnection()
		return nil
	}

	switch result {
	case proxybuf.ResultWouldBlock:
		return nil
	case proxybuf.ResultOK:
		source := cc.endpointPtr(oppositeSide(s))
		if source.FD == -1 {
			// the side that used to fill this buffer is gone and the
			// buffer is now drained: this side has nothing left to do.
			cc.closeEndpoint(s)
			if cc.downstream.FD == -1 && cc.upstream.FD == -1 {
				cc.state = stateClosed
			}
			return nil
		}
		return cc.loop.Modify(ep.FD, eventloop.Readable)
	case proxybuf.ResultDisconnect:
		cc.closeConnection()
		return nil
	}
	return nil
}

func (cc *connContext) closeEndpoint(s side) {
	ep := cc.endpointPtr(s)
	if ep.FD == -1 {
		return
	}
	_ = cc.loop.Remove(ep.FD)
	unix.Close(ep.FD)
	ep.FD = -1
	ep.Stream = nil
}

func (cc *connContext) closeConnection() {
	cc.closeEndpoint(sideDownstream)
	cc.closeEndpoint(sideUpstream)
	cc.state = stateClosed
}

// releaseResources is the Teardown free-callback: it must be idempotent
// and must not touch the registry or close descriptors itself, since
// Loop.Teardown has already closed every live fd by the time it calls
// this.
func (cc *connContext) releaseResources() {
	cc.downstream.Stream = nil
	cc.upstream.Stream = nil
	cc.downstream.FD = -1
	cc.upstream.FD = -1
	cc.state = stateClosed
}
