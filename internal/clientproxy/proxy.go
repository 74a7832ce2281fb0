package clientproxy

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoxiao-im/iosocks/internal/arena"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
	"github.com/xiaoxiao-im/iosocks/internal/relay"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// CloseWaitLinger is the grace period a connection's local socket is kept
// open after a terminal handshake reply, before the deferred close —
// original_source/isocks.c's closewait_cb fires after a fixed 1-second
// ev_timer.
const CloseWaitLinger = 1 * time.Second

// Proxy owns the SOCKS5 listener, the configured upstream servers, and the
// pool of live connection control blocks.
type Proxy struct {
	reactor  *ioreactor.Reactor
	listenFD int
	servers  []UpstreamServer
	ccbs     *arena.Arena[ccb]
	log      *zap.SugaredLogger
}

// New builds a Proxy bound to an already-created SOCKS5 listener. capacity
// bounds the number of concurrent connections (the arena's fixed size,
// spec.md design note 1).
func New(reactor *ioreactor.Reactor, listenFD int, servers []UpstreamServer, capacity int, log *zap.SugaredLogger) (*Proxy, error) {
	pool, err := arena.New[ccb](capacity)
	if err != nil {
		return nil, err
	}
	return &Proxy{
		reactor:  reactor,
		listenFD: listenFD,
		servers:  servers,
		ccbs:     pool,
		log:      log,
	}, nil
}

// Start registers the listener with the reactor and arms it for incoming
// connections.
func (p *Proxy) Start() error {
	if err := p.reactor.Register(p.listenFD, p.onAccept, nil); err != nil {
		return err
	}
	return p.reactor.ArmRead(p.listenFD)
}

func (p *Proxy) onAccept() {
	fd, err := netutil.Accept(p.listenFD)
	if err != nil {
		if !relay.IsWouldBlock(err) {
			p.log.Debugw("accept failed", "err", err)
		}
		return
	}
	handle, c, ok := p.ccbs.Alloc()
	if !ok {
		p.log.Warnw("connection pool exhausted, dropping client")
		unix.Close(fd)
		return
	}
	*c = ccb{handle: handle, id: uuid.NewString(), proxy: p, state: stateClosed, localFD: fd, remoteFD: -1}
	if err := p.reactor.Register(fd, c.onLocalReadable, c.onLocalWritable); err != nil {
		p.log.Errorw("register local fd failed", "err", err, "conn", c.id)
		unix.Close(fd)
		p.ccbs.Free(handle)
		return
	}
	if err := p.reactor.ArmRead(fd); err != nil {
		p.log.Errorw("arm local read failed", "err", err, "conn", c.id)
	}
}

// pickServer selects an upstream server uniformly at random, via
// crypto/rand rather than isocks.c's /dev/urandom fd held open for the
// life of the process (spec.md design note 4) — crypto/rand needs no
// persistent descriptor, avoiding that leak entirely.
func (p *Proxy) pickServer() int {
	if len(p.servers) == 1 {
		return 0
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint32(b[:]) % uint32(len(p.servers)))
}
