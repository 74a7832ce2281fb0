package serverproxy

import (
	"time"

	"github.com/google/uuid"
	"github.com/xiaoxiao-im/iosocks/internal/arena"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
	"github.com/xiaoxiao-im/iosocks/internal/relay"
	"github.com/xiaoxiao-im/iosocks/internal/resolver"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// CloseWaitLinger matches clientproxy's — original_source/osocks.c's
// closewait_cb also fires after a fixed 1-second ev_timer.
const CloseWaitLinger = 1 * time.Second

// Proxy owns one listen endpoint's accept loop, its PSK, and the pool of
// live connection control blocks. osocks.c supports several listen
// sockets, one per configured server entry, each with its own key; this
// type models exactly one of those — cmd/osocks constructs one Proxy per
// configured entry, all sharing a single Resolver and Reactor.
type Proxy struct {
	reactor  *ioreactor.Reactor
	listenFD int
	psk      []byte
	resolver *resolver.Resolver
	ccbs     *arena.Arena[ccb]
	log      *zap.SugaredLogger
}

// New builds a Proxy bound to an already-created, already-listening
// socket. capacity bounds concurrent connections on this listener.
func New(reactor *ioreactor.Reactor, listenFD int, psk []byte, res *resolver.Resolver, capacity int, log *zap.SugaredLogger) (*Proxy, error) {
	pool, err := arena.New[ccb](capacity)
	if err != nil {
		return nil, err
	}
	return &Proxy{
		reactor:  reactor,
		listenFD: listenFD,
		psk:      psk,
		resolver: res,
		ccbs:     pool,
		log:      log,
	}, nil
}

// Start registers the listener with the reactor and arms it.
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
