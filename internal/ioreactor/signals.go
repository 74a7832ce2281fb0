package ioreactor

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// WatchShutdownSignals arms SIGINT/SIGTERM delivery into the reactor and
// invokes onSignal (typically r.Stop) from the reactor's own goroutine
// when either fires. Go's signal delivery already runs on its own internal
// goroutine outside the Go scheduler's normal rules, so rather than touch
// reactor state directly from a signal handler this wires a classic
// self-pipe: a dedicated goroutine receives from signal.Notify and writes
// a single byte into a non-blocking pipe whose read end is registered
// with the reactor, marshaling the notification onto the single logical
// execution context the rest of the CCB state lives on (spec.md §5's
// requirement that async completions never touch a CCB outside the loop).
//
// Failure to set this up (pipe creation) is the process's exit code 4
// (spec.md §6).
func (r *Reactor) WatchShutdownSignals(onSignal func()) error {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("ioreactor: pipe2: %w", err)
	}
	readFD, writeFD := fds[0], fds[1]

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			unix.Write(writeFD, []byte{0})
		}
	}()

	onRead := func() {
		var buf [64]byte
		for {
			n, err := unix.Read(readFD, buf[:])
			if n > 0 {
				onSignal()
			}
			if err != nil || n == 0 {
				break
			}
		}
	}
	if err := r.Register(readFD, onRead, nil); err != nil {
		unix.Close(readFD)
		unix.Close(writeFD)
		return err
	}
	if err := r.ArmRead(readFD); err != nil {
		r.Unregister(readFD)
		unix.Close(readFD)
		unix.Close(writeFD)
		return err
	}
	return nil
}
