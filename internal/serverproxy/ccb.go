package serverproxy

import (
	"net"
	"strconv"

	"github.com/xiaoxiao-im/iosocks/internal/cryptutil"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
	"github.com/xiaoxiao-im/iosocks/internal/relay"
	"github.com/xiaoxiao-im/iosocks/internal/wire/inner"
	"golang.org/x/sys/unix"
)

// ccb is one server connection's control block — the Go rendering of
// original_source/osocks.c's conn_t, with the gai_t resolution scratch
// state reduced to a plain candidate-address slice since internal/resolver
// hands back a ready list instead of a pending getaddrinfo_a request.
type ccb struct {
	handle int32
	id     string // connection identifier, for correlating log lines
	proxy  *Proxy
	state  state

	localFD  int
	remoteFD int

	cipher *cryptutil.DirectionPair

	destPort   int
	candidates []net.IP
	candidate  int // index of the address currently being dialed

	txBuf [4]byte // pending inner reply (always exactly ReplySize)

	up, down relay.Pipe

	closeTimer *ioreactor.Timer
}

// onLocalReadable dispatches CLOSED and ESTAB reads from the client-facing
// socket — local_read_cb in osocks.c.
func (c *ccb) onLocalReadable() {
	switch c.state {
	case stateClosed:
		c.handleInnerRequest()
	case stateEstab:
		result := c.up.ReadAndForward(c.localFD, c.remoteFD, c.cipher.Decrypt)
		if result.Closed {
			c.cleanup()
			return
		}
		if result.NeedsDrain {
			c.proxy.reactor.DisarmRead(c.localFD)
			c.proxy.reactor.ArmWrite(c.remoteFD)
		}
	}
}

// handleInnerRequest reads the fixed 512-byte inner request in a single
// recv — matching osocks.c's `rx_bytes != 512` check rather than buffering
// a fragmented read (spec.md Open Question 2's resolution: the original
// never handled fragmentation either, and nothing in spec.md requires
// improving on that here).
func (c *ccb) handleInnerRequest() {
	var frame [inner.RequestSize]byte
	n, err := unix.Read(c.localFD, frame[:])
	if err != nil || n != inner.RequestSize {
		c.closeNow()
		return
	}

	iv := inner.ExtractIV(frame)
	key, err := cryptutil.DeriveKey(iv, c.proxy.psk)
	if err != nil {
		c.closeNow()
		return
	}
	cipher, err := cryptutil.NewDirectionPair(key)
	if err != nil {
		c.closeNow()
		return
	}
	c.cipher = cipher

	magic, host, port, _ := inner.DecodeHeader(cipher, &frame)
	if magic != inner.Magic {
		c.closeNow()
		return
	}
	destPort, err := strconv.Atoi(port)
	if err != nil {
		c.closeNow()
		return
	}
	c.destPort = destPort
	c.proxy.log.Infow("connect", "conn", c.id, "host", host, "port", port)

	if err := c.proxy.resolver.Resolve(host, c.onResolved); err != nil {
		c.proxy.log.Warnw("resolver dispatch failed", "conn", c.id, "err", err)
		c.closeNow()
		return
	}
	c.proxy.reactor.DisarmRead(c.localFD)
}

// onResolved is the resolver completion callback — resolv_cb in osocks.c,
// minus the SIGUSR1 plumbing (internal/resolver delivers this directly on
// the reactor's own goroutine).
func (c *ccb) onResolved(addrs []net.IP, err error) {
	if err != nil || len(addrs) == 0 {
		c.sendReply(false)
		return
	}
	c.candidates = addrs
	c.candidate = 0
	c.dialNextCandidate()
}

// dialNextCandidate tries the next resolved address — connect_cb's
// `gai->res = gai->res->ai_next` retry loop in osocks.c.
func (c *ccb) dialNextCandidate() {
	if c.candidate >= len(c.candidates) {
		c.sendReply(false)
		return
	}
	ip := c.candidates[c.candidate]
	c.candidate++

	fd, _, err := netutil.DialNonblocking(ip, c.destPort)
	if err != nil {
		c.dialNextCandidate()
		return
	}
	c.remoteFD = fd
	if err := c.proxy.reactor.Register(fd, c.onRemoteReadable, c.onRemoteWritable); err != nil {
		unix.Close(fd)
		c.remoteFD = -1
		c.dialNextCandidate()
		return
	}
	if err := c.proxy.reactor.ArmWrite(fd); err != nil {
		c.cleanup()
		return
	}
	c.state = stateReqRcvd
}

// onRemoteWritable fires once while a connect is pending (REQ_RCVD) to
// check its outcome — connect_cb in osocks.c. Once ESTAB it instead drains
// backlogged outbound bytes.
func (c *ccb) onRemoteWritable() {
	switch c.state {
	case stateReqRcvd:
		errno, err := netutil.SocketError(c.remoteFD)
		if err == nil && errno == 0 {
			c.proxy.reactor.DisarmWrite(c.remoteFD)
			c.sendReply(true)
			return
		}
		c.proxy.reactor.Unregister(c.remoteFD)
		unix.Close(c.remoteFD)
		c.remoteFD = -1
		c.dialNextCandidate()
	case stateEstab:
		result := c.up.Drain(c.remoteFD)
		if result.Closed {
			c.cleanup()
			return
		}
		if result.Done {
			c.proxy.reactor.ArmRead(c.localFD)
			c.proxy.reactor.DisarmWrite(c.remoteFD)
		}
	}
}

// onRemoteReadable only ever fires in ESTAB — remote_read_cb in osocks.c
// asserts the same.
func (c *ccb) onRemoteReadable() {
	if c.state != stateEstab {
		return
	}
	result := c.down.ReadAndForward(c.remoteFD, c.localFD, c.cipher.Encrypt)
	if result.Closed {
		c.cleanup()
		return
	}
	if result.NeedsDrain {
		c.proxy.reactor.DisarmRead(c.remoteFD)
		c.proxy.reactor.ArmWrite(c.localFD)
	}
}

// sendReply queues the 4-byte inner reply (encrypted MAGIC on success,
// encrypted zeros on failure) and arms the local write.
func (c *ccb) sendReply(success bool) {
	frame := inner.EncodeReply(c.cipher, success)
	c.txBuf = frame
	c.state = stateConnected
	if !success {
		c.state = stateReqErr
	}
	c.proxy.reactor.ArmWrite(c.localFD)
}

// onLocalWritable dispatches the inner-reply send and the ESTAB drain path
// — local_write_cb in osocks.c.
func (c *ccb) onLocalWritable() {
	switch c.state {
	case stateReqErr, stateConnected:
		n, err := unix.Write(c.localFD, c.txBuf[:])
		if err != nil || n != len(c.txBuf) {
			c.closeNow()
			return
		}
		if c.state == stateConnected {
			c.state = stateEstab
			c.proxy.reactor.ArmRead(c.localFD)
			c.proxy.reactor.ArmRead(c.remoteFD)
		} else {
			c.enterCloseWait()
		}
	case stateEstab:
		result := c.down.Drain(c.localFD)
		if result.Closed {
			c.cleanup()
			return
		}
		if result.Done {
			c.proxy.reactor.ArmRead(c.remoteFD)
			c.proxy.reactor.DisarmWrite(c.localFD)
		}
	}
}

func (c *ccb) enterCloseWait() {
	c.state = stateCloseWait
	c.proxy.reactor.DisarmWrite(c.localFD)
	if c.remoteFD >= 0 {
		c.proxy.reactor.Unregister(c.remoteFD)
		unix.Close(c.remoteFD)
		c.remoteFD = -1
	}
	timer, err := c.proxy.reactor.AfterFunc(CloseWaitLinger, c.onCloseWaitExpired)
	if err != nil {
		c.closeNow()
		return
	}
	c.closeTimer = timer
}

func (c *ccb) onCloseWaitExpired() {
	c.proxy.reactor.Unregister(c.localFD)
	unix.Close(c.localFD)
	c.proxy.ccbs.Free(c.handle)
}

// cleanup tears down both sides immediately — used once ESTAB has begun,
// when either peer resets the connection, and when arming the write watcher
// for a fresh dial fails (cleanup() in osocks.c).
func (c *ccb) cleanup() {
	c.proxy.reactor.Unregister(c.localFD)
	unix.Close(c.localFD)
	if c.remoteFD >= 0 {
		c.proxy.reactor.Unregister(c.remoteFD)
		unix.Close(c.remoteFD)
	}
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	c.proxy.ccbs.Free(c.handle)
}

func (c *ccb) closeNow() {
	c.proxy.reactor.Unregister(c.localFD)
	unix.Close(c.localFD)
	if c.remoteFD >= 0 {
		c.proxy.reactor.Unregister(c.remoteFD)
		unix.Close(c.remoteFD)
	}
	c.proxy.ccbs.Free(c.handle)
}
