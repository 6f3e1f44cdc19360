// Package proxybuf implements the fixed-capacity directional staging
// buffer used to move bytes between one connection's two endpoints
// without ever blocking.
package proxybuf

import (
	"errors"

	"github.com/proxycore/naclproxy/internal/cryptostream"
	"github.com/proxycore/naclproxy/internal/netio"
	"github.com/proxycore/naclproxy/internal/perr"
)

// Capacity is the fixed size of a Buffer (not a rounder
// power of two).
const Capacity = 16348

// Result classifies the outcome of a Send or Recv call.
type Result int

const (
	ResultOK Result = iota
	ResultWouldBlock
	ResultDisconnect
)

// Endpoint is one side of a connection: a raw non-blocking file
// descriptor, optionally wrapped in a framed, encrypted Stream. When
// Encrypted is false, Stream is always nil; when true, internal/proxy sets
// Stream as soon as the descriptor is accepted or dialed, before the
// handshake (which the Stream itself runs), and clears it again when the
// endpoint is closed.
type Endpoint struct {
	FD        int
	Encrypted bool
	Stream    *cryptostream.Stream
}

func (e *Endpoint) send(p []byte) (int, error) {
	if e.Encrypted {
		return e.Stream.Send(p)
	}
	return netio.RawSend(e.FD, p)
}

func (e *Endpoint) recv(p []byte) (int, error) {
	if e.Encrypted {
		return e.Stream.Recv(p)
	}
	return netio.RawRecv(e.FD, p)
}

// Buffer is a fixed-capacity staging area for bytes flowing in one
// direction of one connection. size and readPos are offsets into data;
// bytes [readPos:size) are the unsent/undelivered payload.
type Buffer struct {
	data    [Capacity]byte
	size    int
	readPos int
}

// Empty reports whether the buffer currently holds no data.
func (b *Buffer) Empty() bool { return b.size == 0 }

// Full reports whether the buffer has no remaining room for Recv.
func (b *Buffer) Full() bool { return b.size == Capacity }

// Send drains the buffer into ep. It is all-or-nothing: either every
// buffered byte is written and the buffer resets to empty (ResultOK), or
// the write would block partway through and the partially-drained state
// is retained for the next call (ResultWouldBlock). ResultDisconnect means
// the peer hung up mid-write; the buffer's remaining bytes are discarded
// since there is nowhere left to send them.
//
// Send panics if called on an empty buffer: callers are expected to check
// Empty first, since sending nothing is never a meaningful readiness
// response.
func (b *Buffer) Send(ep *Endpoint) (Result, error) {
	if b.size == 0 {
		panic("proxybuf: Send called on an empty buffer")
	}
	for b.readPos < b.size {
		n, err := ep.send(b.data[b.readPos:b.size])
		b.readPos += n
		if err != nil {
			switch {
			case errors.Is(err, perr.ErrWouldBlock):
				return ResultWouldBlock, nil
			case errors.Is(err, perr.ErrDisconnect):
				b.reset()
				return ResultDisconnect, nil
			default:
				return ResultOK, err
			}
		}
	}
	b.reset()
	return ResultOK, nil
}

// Recv fills the buffer from ep. Unlike Send it is opportunistic: any
// bytes obtained before a would-block counts as success (ResultOK); a
// would-block with zero bytes obtained is reported as ResultWouldBlock.
// A clean disconnect is reported as ResultDisconnect regardless of how
// many bytes were obtained in this call — callers must check Empty to
// decide whether buffered data survives the disconnect.
//
// Recv panics if called on a non-empty buffer: the caller must drain
// (Send) before refilling, which is also the backpressure mechanism that
// keeps one slow side from growing the buffer past Capacity.
func (b *Buffer) Recv(ep *Endpoint) (Result, error) {
	if b.size != 0 || b.readPos != 0 {
		panic("proxybuf: Recv called on a non-empty buffer")
	}
	for b.size < Capacity {
		n, err := ep.recv(b.data[b.size:Capacity])
		b.size += n
		if err != nil {
			switch {
			case errors.Is(err, perr.ErrDisconnect):
				return ResultDisconnect, nil
			case errors.Is(err, perr.ErrWouldBlock):
				if b.size == 0 {
					return ResultWouldBlock, nil
				}
				return ResultOK, nil
			default:
				return ResultOK, err
			}
		}
	}
	return ResultOK, nil
}

func (b *Buffer) reset() {
	b.size = 0
	b.readPos = 0
}
