// Package cryptostream implements the framed, authenticated-encryption
// stream protocol: an ephemeral-key handshake followed by length-prefixed,
// per-message-nonce sealed frames. It is the Go analogue of
// original_source/src/netnacl.c, built on golang.org/x/crypto/nacl/box in
// place of the C original's direct tweetnacl calls.
//
// Every operation here is non-blocking: Stream.Advance and
// Stream.Send/Recv never block on I/O. They report perr.ErrWouldBlock and
// retain enough state to resume exactly where they left off on the next
// call, the same durable-state-machine shape a readOnce/writeOnce retry
// loop uses.
package cryptostream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/proxycore/naclproxy/internal/netio"
	"github.com/proxycore/naclproxy/internal/perr"
)

const (
	// NonceSize is the length of a box nonce in bytes.
	NonceSize = 24
	// HeaderLen is the 2-byte big-endian ciphertext length plus the
	// 24-byte nonce that precedes every frame on the wire.
	HeaderLen = 2 + NonceSize
	// MaxPlaintext is the largest plaintext payload one frame may carry.
	MaxPlaintext = 4096
	// Overhead is the authentication overhead box.Seal adds; the wire
	// ciphertext length for a frame is always len(plaintext)+Overhead.
	Overhead = box.Overhead
	// MaxCiphertext is the largest ciphertext one frame may carry.
	MaxCiphertext = MaxPlaintext + Overhead
	// KeySize is the length of a box public or private key in bytes.
	KeySize = 32
)

type recvPhase int

const (
	phaseHeader recvPhase = iota
	phaseCiphertext
	phaseDrain
)

type recvState struct {
	phase  recvPhase
	header [HeaderLen]byte
	hdrGot int
	ctLen  uint16
	ct     [MaxCiphertext]byte
	ctGot  int
	pt     [MaxPlaintext]byte
	ptPos  int
	ptLen  int
}

type sendState struct {
	pending    [HeaderLen + MaxCiphertext]byte
	pendingLen int
	pendingPos int
	consumed   int
}

// Stream is one direction-agnostic framed, encrypted connection endpoint.
// It owns the raw file descriptor only for the duration of the handshake
// and the data phase; closing the descriptor is the caller's
// responsibility (internal/proxy owns the fd's lifetime).
type Stream struct {
	fd        int
	sharedKey [KeySize]byte
	hs        *Handshake
	recv      recvState
	send      sendState
}

// NewStream begins a handshake over fd and returns a Stream that is not
// yet usable for Send/Recv until Advance reports HandshakeDone.
func NewStream(fd int) (*Stream, error) {
	hs, err := newHandshake()
	if err != nil {
		return nil, fmt.Errorf("cryptostream: new handshake: %w", err)
	}
	return &Stream{fd: fd, hs: hs}, nil
}

// Handshaking reports whether the stream still has an outstanding
// handshake in progress.
func (s *Stream) Handshaking() bool { return s.hs != nil }

// Advance drives the handshake state machine one step. Once it returns
// HandshakeDone the shared key is derived and Send/Recv become usable;
// Advance must not be called again afterward.
func (s *Stream) Advance() (HandshakeStatus, error) {
	if s.hs == nil {
		return HandshakeDone, nil
	}
	status, err := s.hs.step(s.fd)
	if err != nil {
		return status, err
	}
	if status == HandshakeDone {
		var shared [KeySize]byte
		box.Precompute(&shared, &s.hs.peerPub, s.hs.priv)
		s.sharedKey = shared
		s.hs = nil
	}
	return status, nil
}

// Recv drains decrypted plaintext into p, returning the number of bytes
// copied. It advances through the header, ciphertext, and drain phases
// exactly once per complete frame, picking up where it left off on
// repeated calls after a would-block. A non-nil error other than
// perr.ErrWouldBlock or perr.ErrDisconnect — perr.ErrCryptoFailure
// (authentication failure or an implausibly short declared length) or
// perr.ErrTooLong (declared length exceeds MaxCiphertext) — is always
// fatal to the stream.
func (s *Stream) Recv(p []byte) (int, error) {
	if s.hs != nil {
		return 0, fmt.Errorf("cryptostream: Recv called before handshake completed")
	}

	switch s.recv.phase {
	case phaseHeader:
		for s.recv.hdrGot < HeaderLen {
			n, err := netio.RawRecv(s.fd, s.recv.header[s.recv.hdrGot:HeaderLen])
			s.recv.hdrGot += n
			if err != nil {
				return 0, err
			}
		}
		s.recv.ctLen = binary.BigEndian.Uint16(s.recv.header[0:2])
		if int(s.recv.ctLen) > MaxCiphertext {
			return 0, perr.ErrTooLong
		}
		if int(s.recv.ctLen) < Overhead {
			return 0, perr.ErrCryptoFailure
		}
		s.recv.phase = phaseCiphertext
		fallthrough

	case phaseCiphertext:
		for s.recv.ctGot < int(s.recv.ctLen) {
			n, err := netio.RawRecv(s.fd, s.recv.ct[s.recv.ctGot:s.recv.ctLen])
			s.recv.ctGot += n
			if err != nil {
				return 0, err
			}
		}
		var nonce [NonceSize]byte
		copy(nonce[:], s.recv.header[2:HeaderLen])
		pt, ok := box.OpenAfterPrecomputation(s.recv.pt[:0], s.recv.ct[:s.recv.ctLen], &nonce, &s.sharedKey)
		if !ok {
			return 0, perr.ErrCryptoFailure
		}
		s.recv.ptLen = len(pt)
		s.recv.ptPos = 0
		s.recv.phase = phaseDrain
		fallthrough

	case phaseDrain:
		n := copy(p, s.recv.pt[s.recv.ptPos:s.recv.ptLen])
		s.recv.ptPos += n
		if s.recv.ptPos == s.recv.ptLen {
			s.recv = recvState{}
		}
		return n, nil
	}

	return 0, fmt.Errorf("cryptostream: invalid recv phase %d", s.recv.phase)
}

// Send seals and transmits p (truncated to MaxPlaintext), returning the
// number of plaintext bytes accepted. On a would-block partway through
// writing the sealed frame, the sealed frame is retained and the next
// call resumes the write without resealing or renoncing; a second
// plaintext slice passed to that resumed call is ignored until the
// pending frame finishes.
func (s *Stream) Send(p []byte) (int, error) {
	if s.hs != nil {
		return 0, fmt.Errorf("cryptostream: Send called before handshake completed")
	}

	if s.send.pendingLen == 0 {
		pt := p
		if len(pt) > MaxPlaintext {
			pt = pt[:MaxPlaintext]
		}
		var nonce [NonceSize]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return 0, fmt.Errorf("cryptostream: nonce: %w", err)
		}
		ctOut := s.send.pending[HeaderLen:HeaderLen:len(s.send.pending)]
		ct := box.SealAfterPrecomputation(ctOut, pt, &nonce, &s.sharedKey)
		binary.BigEndian.PutUint16(s.send.pending[0:2], uint16(len(ct)))
		copy(s.send.pending[2:HeaderLen], nonce[:])
		s.send.pendingLen = HeaderLen + len(ct)
		s.send.pendingPos = 0
		s.send.consumed = len(pt)
	}

	for s.send.pendingPos < s.send.pendingLen {
		n, err := netio.RawSend(s.fd, s.send.pending[s.send.pendingPos:s.send.pendingLen])
		s.send.pendingPos += n
		if err != nil {
			return 0, err
		}
	}

	consumed := s.send.consumed
	s.send = sendState{}
	return consumed, nil
}
