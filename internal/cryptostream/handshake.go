package cryptostream

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/proxycore/naclproxy/internal/netio"
)

// HandshakeStatus reports what a Handshake needs to make further
// progress, mirroring the WantRead/WantWrite/Done vocabulary the rest of
// the proxy uses to drive non-blocking state machines from the event
// loop.
type HandshakeStatus int

const (
	HandshakeWantWrite HandshakeStatus = iota
	HandshakeWantRead
	HandshakeDone
)

// Handshake exchanges ephemeral public keys over a raw non-blocking
// descriptor: write our own 32-byte public key, then read the peer's.
// original_source/src/netnacl.c performs this with a single blocking
// write-then-read; this rewrite makes both halves independently
// resumable so the caller can register exactly the interest the
// in-progress phase needs.
type Handshake struct {
	priv     *[KeySize]byte
	localPub [KeySize]byte
	peerPub  [KeySize]byte
	wrotePos int
	readPos  int
}

func newHandshake() (*Handshake, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptostream: generate key: %w", err)
	}
	h := &Handshake{priv: priv}
	copy(h.localPub[:], pub[:])
	return h, nil
}

func (h *Handshake) step(fd int) (HandshakeStatus, error) {
	for h.wrotePos < KeySize {
		n, err := netio.RawSend(fd, h.localPub[h.wrotePos:KeySize])
		h.wrotePos += n
		if err != nil {
			return HandshakeWantWrite, err
		}
	}
	for h.readPos < KeySize {
		n, err := netio.RawRecv(fd, h.peerPub[h.readPos:KeySize])
		h.readPos += n
		if err != nil {
			return HandshakeWantRead, err
		}
	}
	return HandshakeDone, nil
}
