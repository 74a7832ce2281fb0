package zzdebug

import (
	"net"
	"testing"

	"github.com/xiaoxiao-im/iosocks/internal/clientproxy"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
	"go.uber.org/zap"
)

func TestRepro3(t *testing.T) {
	psk := []byte("integration-test-key")
	upstreamLn, _ := net.Listen("tcp4", "127.0.0.1:0")
	defer upstreamLn.Close()
	upstreamPort := upstreamLn.Addr().(*net.TCPAddr).Port
	go func() {
		c, err := upstreamLn.Accept()
		if err == nil {
			c.Close()
		}
	}()

	reactor, err := ioreactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer reactor.Close()

	listenFD, err := netutil.ListenTCP("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = netutil.BoundPort(listenFD)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("listenFD=%d", listenFD)

	servers := []clientproxy.UpstreamServer{{IP: net.ParseIP("127.0.0.1"), Port: upstreamPort, PSK: psk}}
	proxy, err := clientproxy.New(reactor, listenFD, servers, 8, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if err := proxy.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Log("start ok")
}
