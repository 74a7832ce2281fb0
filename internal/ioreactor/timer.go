package ioreactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a one-shot, reactor-integrated timer backed by Linux timerfd.
// It is used for the CLOSE_WAIT linger (spec.md §4.2/§4.3): a lightweight
// scheduled future rather than a blocking sleep, so the reactor keeps
// servicing every other connection while one waits out its 1-second
// drain window (design note "CLOSE_WAIT linger via one-shot timer").
type Timer struct {
	fd      int
	reactor *Reactor
}

// AfterFunc schedules cb to run once, after d, on the reactor's own
// goroutine. The returned Timer must be stopped (via Stop) if cb should
// be prevented from firing, to release the underlying timerfd.
func (r *Reactor) AfterFunc(d time.Duration, cb func()) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioreactor: timerfd_create: %w", err)
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		// timerfd treats an all-zero Value as "disarm"; round up so a
		// zero-duration timer still fires on the next loop iteration.
		spec.Value.Nsec = 1
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ioreactor: timerfd_settime: %w", err)
	}

	t := &Timer{fd: fd, reactor: r}
	fired := func() {
		var buf [8]byte
		unix.Read(fd, buf[:])
		t.Stop()
		cb()
	}
	if err := r.Register(fd, fired, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := r.ArmRead(fd); err != nil {
		r.Unregister(fd)
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// Stop cancels the timer if it has not yet fired and releases the
// timerfd. Safe to call more than once.
func (t *Timer) Stop() {
	if t.fd < 0 {
		return
	}
	t.reactor.Unregister(t.fd)
	unix.Close(t.fd)
	t.fd = -1
}
