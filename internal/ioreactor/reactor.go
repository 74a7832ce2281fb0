// Package ioreactor implements the single-threaded, non-blocking,
// level-triggered I/O reactor the state machines in clientproxy and
// serverproxy run on top of. Readable and writable interest are armed and
// disarmed independently per fd (spec.md §4.1), which is what lets the
// relay engine implement half-duplex backpressure without ever touching a
// socket from more than one goroutine.
//
// An earlier hexagonal-architecture version of this reactor used EPOLLET
// (edge-triggered) with a single events mask set once at registration time.
// This version uses level-triggered epoll instead: the state machine
// re-arms/disarms read and write interest explicitly on every transition
// (exactly mirroring the ev_io_start/ev_io_stop calls in
// original_source/*.c), which is simpler to reason about for partial-write
// backpressure than chasing edge-triggered readiness bookkeeping.
package ioreactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const maxEvents = 256

type fdState struct {
	mask    uint32
	onRead  func()
	onWrite func()
}

// Reactor is a single-threaded epoll-based event loop.
type Reactor struct {
	epfd    int
	fds     map[int]*fdState
	stopped bool
}

// New creates a Reactor backed by a fresh epoll instance.
func New() (*Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioreactor: epoll_create1: %w", err)
	}
	return &Reactor{epfd: fd, fds: make(map[int]*fdState)}, nil
}

// Register installs fd in the reactor with no interest armed yet. onRead
// and onWrite are invoked from Run when the corresponding interest fires;
// either may be nil if that direction is never armed for this fd.
func (r *Reactor) Register(fd int, onRead, onWrite func()) error {
	if _, exists := r.fds[fd]; exists {
		return fmt.Errorf("ioreactor: fd %d already registered", fd)
	}
	st := &fdState{onRead: onRead, onWrite: onWrite}
	r.fds[fd] = st
	// The fd joins the epoll set on its first Arm call (setMask adds it
	// when the mask leaves zero and removes it when the mask returns to zero).
	return nil
}

// Unregister fully removes fd from the reactor and closes its bookkeeping.
// It does not close the underlying file descriptor; callers own that.
func (r *Reactor) Unregister(fd int) error {
	st, exists := r.fds[fd]
	if !exists {
		return nil
	}
	delete(r.fds, fd)
	if st.mask == 0 {
		return nil
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("ioreactor: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

func (r *Reactor) setMask(fd int, mask uint32) error {
	st, exists := r.fds[fd]
	if !exists {
		return fmt.Errorf("ioreactor: fd %d not registered", fd)
	}
	if st.mask == mask {
		return nil
	}
	op := unix.EPOLL_CTL_MOD
	if st.mask == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	if mask == 0 {
		op = unix.EPOLL_CTL_DEL
	}
	var ev *unix.EpollEvent
	if mask != 0 {
		ev = &unix.EpollEvent{Events: mask, Fd: int32(fd)}
	}
	if err := unix.EpollCtl(r.epfd, op, fd, ev); err != nil {
		return fmt.Errorf("ioreactor: epoll_ctl(fd=%d op=%d): %w", fd, op, err)
	}
	st.mask = mask
	return nil
}

// ArmRead enables readable notifications for fd.
func (r *Reactor) ArmRead(fd int) error {
	st, exists := r.fds[fd]
	if !exists {
		return fmt.Errorf("ioreactor: fd %d not registered", fd)
	}
	return r.setMask(fd, st.mask|unix.EPOLLIN)
}

// DisarmRead disables readable notifications for fd.
func (r *Reactor) DisarmRead(fd int) error {
	st, exists := r.fds[fd]
	if !exists {
		return fmt.Errorf("ioreactor: fd %d not registered", fd)
	}
	return r.setMask(fd, st.mask&^uint32(unix.EPOLLIN))
}

// ArmWrite enables writable notifications for fd.
func (r *Reactor) ArmWrite(fd int) error {
	st, exists := r.fds[fd]
	if !exists {
		return fmt.Errorf("ioreactor: fd %d not registered", fd)
	}
	return r.setMask(fd, st.mask|unix.EPOLLOUT)
}

// DisarmWrite disables writable notifications for fd.
func (r *Reactor) DisarmWrite(fd int) error {
	st, exists := r.fds[fd]
	if !exists {
		return fmt.Errorf("ioreactor: fd %d not registered", fd)
	}
	return r.setMask(fd, st.mask&^uint32(unix.EPOLLOUT))
}

// ReadArmed reports whether fd currently has read interest armed, which
// lets a caller check the half-duplex interlock invariant (spec.md §4.5).
func (r *Reactor) ReadArmed(fd int) bool {
	st, exists := r.fds[fd]
	return exists && st.mask&unix.EPOLLIN != 0
}

// WriteArmed reports whether fd currently has write interest armed.
func (r *Reactor) WriteArmed(fd int) bool {
	st, exists := r.fds[fd]
	return exists && st.mask&unix.EPOLLOUT != 0
}

// Run drives the event loop until Stop is called or epoll_wait returns a
// fatal error. It must be invoked from a single goroutine; there is no
// synchronization between Run and the Arm/Disarm/Register/Unregister
// methods because, per spec.md §5, all of this state is touched from
// exactly one logical execution context.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, maxEvents)
	for !r.stopped {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ioreactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			st, exists := r.fds[fd]
			if !exists {
				continue
			}
			evMask := events[i].Events
			if evMask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && st.onRead != nil {
				st.onRead()
			}
			if evMask&unix.EPOLLOUT != 0 && st.onWrite != nil {
				if _, stillThere := r.fds[fd]; stillThere {
					st.onWrite()
				}
			}
		}
	}
	return nil
}

// Stop requests that Run return after the current batch of callbacks
// finishes. It is intended to be called from within a handler running on
// the reactor's own goroutine (e.g. the shutdown-signal self-pipe handler
// installed by WatchShutdownSignals), not from
// another goroutine.
func (r *Reactor) Stop() {
	r.stopped = true
}

// Close releases the underlying epoll fd. Call after Run returns.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
