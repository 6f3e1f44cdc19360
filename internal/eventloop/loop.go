// Package eventloop implements the fixed-capacity readiness registry: a
// slot table of registered descriptors dispatched in slot order off a
// single epoll instance, the Go analogue of original_source/src/event.c's
// poll()-based event_manager_t.
package eventloop

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/proxycore/naclproxy/internal/perr"
)

// MaxEvents is the fixed capacity of the registry.
const MaxEvents = 512

// Events is a readiness interest bitmask.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Err
	Hup
)

// Callback is invoked with the descriptor, the readiness bits that fired,
// and the opaque data supplied at Add time.
type Callback func(fd int, ev Events, data interface{}) error

type entry struct {
	fd       int
	events   Events
	data     interface{}
	callback Callback
	live     bool
	gen      uint64
}

// Loop is a single epoll instance plus its slot table. It is not
// safe for concurrent use: exactly one goroutine is expected to call
// RunLoop, matching the single-threaded design this proxy is built
// around.
type Loop struct {
	epfd       int
	entries    [MaxEvents]entry
	index      map[int]int
	maxIdx     int
	numEvents  int
	genCounter uint64
}

// New creates an epoll instance and an empty registry.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{epfd: epfd, index: make(map[int]int)}, nil
}

// Add registers fd with the given interest, opaque data, and callback.
// It fails with perr.ErrDuplicateDescriptor if fd is already registered
// and perr.ErrEventAtCapacity if the registry is full.
func (l *Loop) Add(fd int, ev Events, data interface{}, cb Callback) error {
	if fd < 0 {
		return fmt.Errorf("eventloop: invalid fd %d", fd)
	}
	if ev == 0 {
		return fmt.Errorf("eventloop: events must be non-zero")
	}
	if cb == nil {
		return fmt.Errorf("eventloop: callback is required")
	}
	if _, ok := l.index[fd]; ok {
		return perr.ErrDuplicateDescriptor
	}
	if l.numEvents >= MaxEvents {
		return perr.ErrEventAtCapacity
	}

	idx := -1
	for i := 0; i < l.maxIdx; i++ {
		if !l.entries[i].live {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = l.maxIdx
		l.maxIdx++
	}

	l.genCounter++
	l.entries[idx] = entry{fd: fd, events: ev, data: data, callback: cb, live: true, gen: l.genCounter}

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: toUnix(ev), Fd: int32(fd)}); err != nil {
		l.entries[idx] = entry{}
		if idx == l.maxIdx-1 {
			l.maxIdx--
		}
		return fmt.Errorf("eventloop: epoll_ctl add: %w", err)
	}

	l.index[fd] = idx
	l.numEvents++
	return nil
}

// Modify changes the interest flags for an already-registered fd.
func (l *Loop) Modify(fd int, ev Events) error {
	if ev == 0 {
		return fmt.Errorf("eventloop: events must be non-zero")
	}
	idx, ok := l.index[fd]
	if !ok {
		return perr.ErrNotRegistered
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: toUnix(ev), Fd: int32(fd)}); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod: %w", err)
	}
	l.entries[idx].events = ev
	return nil
}

// Remove unregisters fd. It does not close fd; the caller owns the
// descriptor's lifetime.
func (l *Loop) Remove(fd int) error {
	idx, ok := l.index[fd]
	if !ok {
		return perr.ErrNotRegistered
	}
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	l.entries[idx] = entry{}
	delete(l.index, fd)
	if idx == l.maxIdx-1 {
		l.maxIdx--
	}
	l.numEvents--
	return nil
}

// NumRegistered reports how many descriptors are currently registered.
func (l *Loop) NumRegistered() int { return l.numEvents }

// RunLoop blocks, dispatching readiness events, until run reports false or
// a callback returns a non-nil error. timeoutMillis is passed to
// epoll_wait on every iteration: a finite timeout (rather than -1) is
// what lets the loop notice run turning false promptly, since a signal
// delivered to a different goroutine does not reliably interrupt another
// OS thread's blocking epoll_wait the way POSIX signal delivery interrupts
// poll() in the same thread in the C original.
func (l *Loop) RunLoop(run *atomic.Bool, timeoutMillis int) error {
	var raw [MaxEvents]unix.EpollEvent
	for run.Load() {
		n, err := unix.EpollWait(l.epfd, raw[:], timeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}
		if n == 0 {
			continue
		}

		ready := make(map[int]Events, n)
		for i := 0; i < n; i++ {
			ready[int(raw[i].Fd)] |= fromUnix(raw[i].Events)
		}

		// Snapshot the current batch of live slots in slot order before
		// dispatching any callback. A callback invoked mid-batch may
		// Add/Remove descriptors and cause a slot to be reused; the gen
		// check below ensures a reused slot is never redispatched against
		// the snapshot's stale idea of what occupied it.
		snapshot := make([]entry, l.maxIdx)
		copy(snapshot, l.entries[:l.maxIdx])

		for i, snap := range snapshot {
			if !snap.live {
				continue
			}
			ev, ok := ready[snap.fd]
			if !ok || ev == 0 {
				continue
			}
			cur := l.entries[i]
			if !cur.live || cur.gen != snap.gen {
				continue
			}
			if err := cur.callback(cur.fd, ev, cur.data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Teardown closes every live descriptor and, if free is non-nil, calls it
// once per live entry with that entry's opaque data, then clears the
// registry. free must be idempotent: a data value shared by two entries
// (one per connection side) has free called once per entry, so twice.
func (l *Loop) Teardown(free func(data interface{})) {
	for i := 0; i < l.maxIdx; i++ {
		e := &l.entries[i]
		if e.live {
			unix.Close(e.fd)
			if free != nil {
				free(e.data)
			}
		}
		*e = entry{}
	}
	l.index = make(map[int]int)
	l.maxIdx = 0
	l.numEvents = 0
}

// Close releases the underlying epoll instance. Call after Teardown.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

func toUnix(ev Events) uint32 {
	var u uint32
	if ev&Readable != 0 {
		u |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		u |= unix.EPOLLOUT
	}
	return u
}

func fromUnix(u uint32) Events {
	var ev Events
	if u&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if u&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if u&unix.EPOLLERR != 0 {
		ev |= Err
	}
	if u&unix.EPOLLHUP != 0 {
		ev |= Hup
	}
	return ev
}
