// Package relay implements the ESTAB-phase half-duplex copy engine
// (spec.md §4.5) shared by isocks and osocks: one Pipe per direction,
// each independently toggling its reader/writer interest so that at most
// one of {reader armed, writer armed} holds at any instant — the
// half-duplex interlock invariant spec.md §8 requires.
package relay

import (
	"errors"

	"golang.org/x/sys/unix"
)

// BufSize is the fixed per-direction buffer size (spec.md §3 CCB rx_buf/tx_buf).
const BufSize = 8192

// Pipe holds one direction's buffer and partial-transfer bookkeeping —
// the CCB's rx_buf/rx_bytes/rx_offset (or tx_*) triple, generalized to a
// reusable value (spec.md §3 invariant 1: 0 <= offset, bytes+offset <= BufSize).
type Pipe struct {
	Buf    [BufSize]byte
	N      int // bytes currently unsent
	Offset int // index of the first unsent byte
}

// IsWouldBlock reports whether err is the non-blocking-socket "try again"
// signal (EAGAIN/EWOULDBLOCK), shared with clientproxy/serverproxy so they
// don't need their own copy of this check.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// ReadResult reports what ReadAndForward found so the caller can drive its
// state machine's watcher re-arming (spec.md §4.5 pipe read side).
type ReadResult struct {
	// Closed is true on EOF or a read/write error other than would-block;
	// the caller must invoke cleanup.
	Closed bool
	// NeedsDrain is true when the sink only accepted part of the read (or
	// nothing, EAGAIN) and Drain must be called once the sink becomes
	// writable again; the caller must disarm the source reader and arm
	// the sink writer.
	NeedsDrain bool
	Err        error
}

// ReadAndForward implements the read side of one pipe: read up to one
// full buffer from srcFD, apply transform (the cipher step — encrypt or
// decrypt in place, applied exactly once per spec.md §4.5's "Encryption
// placement") if non-nil, then attempt a synchronous non-blocking write
// to dstFD.
func (p *Pipe) ReadAndForward(srcFD, dstFD int, transform func([]byte)) ReadResult {
	n, rerr := unix.Read(srcFD, p.Buf[:])
	if rerr != nil {
		if IsWouldBlock(rerr) {
			return ReadResult{}
		}
		return ReadResult{Closed: true, Err: rerr}
	}
	if n == 0 {
		return ReadResult{Closed: true}
	}

	p.N = n
	p.Offset = 0
	if transform != nil {
		transform(p.Buf[:n])
	}

	wrote, werr := unix.Write(dstFD, p.Buf[:n])
	if werr != nil {
		if IsWouldBlock(werr) {
			p.Offset = 0
			return ReadResult{NeedsDrain: true}
		}
		return ReadResult{Closed: true, Err: werr}
	}
	if wrote < n {
		p.Offset = wrote
		p.N = n - wrote
		return ReadResult{NeedsDrain: true}
	}
	p.N = 0
	return ReadResult{}
}

// DrainResult reports the outcome of a write-side attempt.
type DrainResult struct {
	Done   bool // buffer is now fully flushed
	Closed bool
	Err    error
}

// Drain implements the write side of one pipe: send the remaining
// p.Buf[Offset:Offset+N] to dstFD, advancing Offset/N on a partial write.
func (p *Pipe) Drain(dstFD int) DrainResult {
	if p.N <= 0 {
		return DrainResult{Done: true}
	}
	n, err := unix.Write(dstFD, p.Buf[p.Offset:p.Offset+p.N])
	if err != nil {
		if IsWouldBlock(err) {
			return DrainResult{}
		}
		return DrainResult{Closed: true, Err: err}
	}
	if n < p.N {
		p.Offset += n
		p.N -= n
		return DrainResult{}
	}
	p.N = 0
	p.Offset = 0
	return DrainResult{Done: true}
}
