package clientproxy

import (
	"crypto/rand"

	"github.com/xiaoxiao-im/iosocks/internal/cryptutil"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
	"github.com/xiaoxiao-im/iosocks/internal/relay"
	"github.com/xiaoxiao-im/iosocks/internal/wire/inner"
	"github.com/xiaoxiao-im/iosocks/internal/wire/socks5"
	"golang.org/x/sys/unix"
)

// ccb is one client connection's control block — the Go rendering of
// original_source/isocks.c's conn_t. The small handshake replies
// (SOCKS5 greeting/command replies, the inner request/reply frames) are
// held in fixed-size fields exactly as wide as the wire format requires;
// txBuf/txLen stands in for whichever one is currently pending a write,
// mirroring conn_t's single shared tx_buf.
type ccb struct {
	handle int32
	id     string // connection identifier, for correlating log lines
	proxy  *Proxy
	state  state

	localFD  int
	remoteFD int

	cipher *cryptutil.DirectionPair

	reqFrame [inner.RequestSize]byte // built inner request, sent once connected

	txBuf [512]byte // pending handshake-phase reply (greeting/command/inner)
	txLen int

	// up carries local->remote bytes (encrypted before they reach the
	// wire); down carries remote->local bytes (decrypted after arriving).
	up, down relay.Pipe

	closeTimer *ioreactor.Timer
}

// onLocalReadable dispatches CLOSED, NEGO_SENT and ESTAB reads from the
// local (application-facing) socket — local_read_cb in isocks.c.
func (c *ccb) onLocalReadable() {
	switch c.state {
	case stateClosed:
		c.handleGreeting()
	case stateNegoSent:
		c.handleConnectRequest()
	case stateEstab:
		c.handleEstabLocalRead()
	}
}

func (c *ccb) handleGreeting() {
	var buf [257]byte
	n, err := unix.Read(c.localFD, buf[:])
	if err != nil || n <= 0 {
		c.closeNow()
		return
	}
	noAuth, perr := socks5.ParseGreeting(buf[:n])
	reply := socks5.EncodeGreetingReply(perr == nil && noAuth)
	c.txBuf, c.txLen = [512]byte{}, 2
	copy(c.txBuf[:2], reply[:])
	if perr != nil || !noAuth {
		c.state = stateNegoErr
	} else {
		c.state = stateNegoRcvd
	}
	c.proxy.reactor.DisarmRead(c.localFD)
	c.proxy.reactor.ArmWrite(c.localFD)
}

func (c *ccb) handleConnectRequest() {
	var buf [263]byte
	n, err := unix.Read(c.localFD, buf[:])
	if err != nil || n <= 0 {
		c.closeNow()
		return
	}
	c.proxy.reactor.DisarmRead(c.localFD)

	req, perr := socks5.ParseConnectRequest(buf[:n])
	if perr != nil {
		c.sendCommandError(socks5.RepAddrNotSupported)
		return
	}
	if req.Cmd != socks5.CmdConnect {
		c.sendCommandError(socks5.RepCommandNotSupported)
		return
	}

	if err := c.beginInnerHandshake(req.Host, socks5.PortString(req.Port)); err != nil {
		c.sendCommandError(socks5.RepGeneralFailure)
		return
	}
	c.state = stateCmdRcvd
}

func (c *ccb) sendCommandError(rep byte) {
	reply := socks5.EncodeReply(rep)
	c.txBuf, c.txLen = [512]byte{}, len(reply)
	copy(c.txBuf[:], reply[:])
	c.state = stateCmdErr
	c.proxy.reactor.ArmWrite(c.localFD)
}

// beginInnerHandshake picks a random upstream server, derives the session
// key from a fresh random IV and that server's PSK, builds the 512-byte
// inner request frame, and starts an asynchronous connect to the server —
// CMD_RCVD's CONNECT dispatch in isocks.c.
func (c *ccb) beginInnerHandshake(host, port string) error {
	idx := c.proxy.pickServer()
	srv := c.proxy.servers[idx]
	c.proxy.log.Infow("connect", "conn", c.id, "host", host, "port", port, "upstream", idx)

	var iv [cryptutil.IVSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return err
	}
	key, err := cryptutil.DeriveKey(iv, srv.PSK)
	if err != nil {
		return err
	}
	cipher, err := cryptutil.NewDirectionPair(key)
	if err != nil {
		return err
	}
	c.cipher = cipher

	hdr, err := inner.BuildHeader(host, port)
	if err != nil {
		return err
	}
	c.reqFrame = inner.EncodeRequest(cipher, hdr, iv)

	remoteFD, _, err := netutil.DialNonblocking(srv.IP, srv.Port)
	if err != nil {
		return err
	}
	c.remoteFD = remoteFD
	if err := c.proxy.reactor.Register(remoteFD, c.onRemoteReadable, c.onRemoteWritable); err != nil {
		unix.Close(remoteFD)
		c.remoteFD = -1
		return err
	}
	return c.proxy.reactor.ArmWrite(remoteFD)
}

func (c *ccb) handleEstabLocalRead() {
	result := c.up.ReadAndForward(c.localFD, c.remoteFD, c.cipher.Encrypt)
	if result.Closed {
		c.cleanup()
		return
	}
	if result.NeedsDrain {
		c.proxy.reactor.DisarmRead(c.localFD)
		c.proxy.reactor.ArmWrite(c.remoteFD)
	}
}

// onLocalWritable dispatches the handshake-reply writes and the ESTAB
// drain path — local_write_cb in isocks.c.
func (c *ccb) onLocalWritable() {
	switch c.state {
	case stateNegoRcvd, stateNegoErr:
		if !c.flushTxBuf(c.localFD) {
			c.closeNow()
			return
		}
		if c.state == stateNegoRcvd {
			c.state = stateNegoSent
			c.proxy.reactor.ArmRead(c.localFD)
		} else {
			c.enterCloseWait()
		}
	case stateCmdErr, stateReqErr, stateRepRcvd:
		if !c.flushTxBuf(c.localFD) {
			c.closeNow()
			return
		}
		if c.state == stateRepRcvd {
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

// flushTxBuf writes the pending handshake reply in one shot, matching
// isocks.c's unconditional `send(...) != tx_bytes` check — these replies
// are a handful of bytes and not expected to short-write on a freshly
// writable socket.
func (c *ccb) flushTxBuf(fd int) bool {
	n, err := unix.Write(fd, c.txBuf[:c.txLen])
	return err == nil && n == c.txLen
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

// onRemoteReadable dispatches the inner-reply read and the ESTAB relay
// read from the upstream server — remote_read_cb in isocks.c.
func (c *ccb) onRemoteReadable() {
	switch c.state {
	case stateReqSent:
		c.handleInnerReply()
	case stateEstab:
		result := c.down.ReadAndForward(c.remoteFD, c.localFD, c.cipher.Decrypt)
		if result.Closed {
			c.cleanup()
			return
		}
		if result.NeedsDrain {
			c.proxy.reactor.DisarmRead(c.remoteFD)
			c.proxy.reactor.ArmWrite(c.localFD)
		}
	}
}

func (c *ccb) handleInnerReply() {
	var frame [inner.ReplySize]byte
	n, err := unix.Read(c.remoteFD, frame[:])
	if err != nil || n != inner.ReplySize {
		c.cleanup()
		return
	}
	ok := inner.DecodeReply(c.cipher, frame)

	reply := socks5.EncodeReply(socks5.RepSucceeded)
	if !ok {
		reply = socks5.EncodeReply(socks5.RepGeneralFailure)
	}
	c.txBuf, c.txLen = [512]byte{}, len(reply)
	copy(c.txBuf[:], reply[:])
	c.state = stateRepRcvd
	if !ok {
		c.state = stateReqErr
	}
	c.proxy.reactor.DisarmRead(c.remoteFD)
	c.proxy.reactor.ArmWrite(c.localFD)
}

// onRemoteWritable dispatches the pending-connect completion check
// (CMD_RCVD), the inner-request send (CONNECTED), and the ESTAB drain
// path — connect_cb and remote_write_cb in isocks.c.
func (c *ccb) onRemoteWritable() {
	switch c.state {
	case stateCmdRcvd:
		c.handleConnectCompletion()
	case stateConnected:
		n, err := unix.Write(c.remoteFD, c.reqFrame[:])
		if err != nil || n != len(c.reqFrame) {
			c.cleanup()
			return
		}
		c.state = stateReqSent
		c.proxy.reactor.DisarmWrite(c.remoteFD)
		c.proxy.reactor.ArmRead(c.remoteFD)
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

func (c *ccb) handleConnectCompletion() {
	errno, err := netutil.SocketError(c.remoteFD)
	if err == nil && errno == 0 {
		c.state = stateConnected
		return
	}
	unix.Close(c.remoteFD)
	c.proxy.reactor.Unregister(c.remoteFD)
	c.remoteFD = -1

	reply := socks5.EncodeReply(socks5.RepGeneralFailure)
	c.txBuf, c.txLen = [512]byte{}, len(reply)
	copy(c.txBuf[:], reply[:])
	c.state = stateReqErr
	c.proxy.reactor.ArmWrite(c.localFD)
}

// cleanup tears down both sides immediately — used once ESTAB has begun,
// when either peer resets the connection (spec.md §4.5's terminal path,
// cleanup() in isocks.c), and also when sending the inner request or
// reading the inner reply fails.
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
