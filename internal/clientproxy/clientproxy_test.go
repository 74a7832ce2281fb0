package clientproxy

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/xiaoxiao-im/iosocks/internal/cryptutil"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
	"github.com/xiaoxiao-im/iosocks/internal/wire/inner"
	"go.uber.org/zap"
)

// fakeUpstream stands in for an osocks server: it accepts one connection,
// verifies the 512-byte inner request, replies with the success magic,
// then echoes whatever it receives back encrypted so the test can also
// exercise the ESTAB relay path.
func fakeUpstream(t *testing.T, ln net.Listener, psk []byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("fakeUpstream: accept: %v", err)
		return
	}
	defer conn.Close()

	var frame [inner.RequestSize]byte
	if _, err := readFull(conn, frame[:]); err != nil {
		t.Errorf("fakeUpstream: read request: %v", err)
		return
	}
	iv := inner.ExtractIV(frame)
	key, err := cryptutil.DeriveKey(iv, psk)
	if err != nil {
		t.Errorf("fakeUpstream: derive key: %v", err)
		return
	}
	cipher, err := cryptutil.NewDirectionPair(key)
	if err != nil {
		t.Errorf("fakeUpstream: new cipher: %v", err)
		return
	}
	magic, host, port, err := inner.DecodeHeader(cipher, &frame)
	if err != nil || magic != inner.Magic {
		t.Errorf("fakeUpstream: bad request: magic=%x host=%q port=%q err=%v", magic, host, port, err)
		return
	}
	if host != "example.com" || port != "80" {
		t.Errorf("fakeUpstream: unexpected target %q:%q", host, port)
	}

	reply := inner.EncodeReply(cipher, true)
	if _, err := conn.Write(reply[:]); err != nil {
		t.Errorf("fakeUpstream: write reply: %v", err)
		return
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Errorf("fakeUpstream: read relay data: %v", err)
		return
	}
	cipher.Decrypt(buf[:n])
	if string(buf[:n]) != "ping" {
		t.Errorf("fakeUpstream: got %q, want ping", buf[:n])
		return
	}
	cipher.Encrypt(buf[:n])
	conn.Write(buf[:n])
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestClientProxyEndToEnd(t *testing.T) {
	psk := []byte("integration-test-key")

	upstreamLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()
	upstreamPort := upstreamLn.Addr().(*net.TCPAddr).Port
	go fakeUpstream(t, upstreamLn, psk)

	reactor, err := ioreactor.New()
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer reactor.Close()

	listenFD, err := netutil.ListenTCP("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	localPort, err := netutil.BoundPort(listenFD)
	if err != nil {
		t.Fatalf("bound port: %v", err)
	}

	servers := []UpstreamServer{{IP: net.ParseIP("127.0.0.1"), Port: upstreamPort, PSK: psk}}
	proxy, err := New(reactor, listenFD, servers, 8, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	if err := proxy.Start(); err != nil {
		t.Fatalf("start proxy: %v", err)
	}

	go reactor.Run()
	defer reactor.Stop()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)), 2*time.Second)
	if err != nil {
		t.Fatalf("dial local: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var greetReply [2]byte
	if _, err := readFull(conn, greetReply[:]); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetReply != [2]byte{0x05, 0x00} {
		t.Fatalf("unexpected greeting reply: %v", greetReply)
	}

	host := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], 80)
	req = append(req, portBytes[:]...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	var cmdReply [10]byte
	if _, err := readFull(conn, cmdReply[:]); err != nil {
		t.Fatalf("read command reply: %v", err)
	}
	if cmdReply[1] != 0x00 {
		t.Fatalf("connect failed, rep=0x%02x", cmdReply[1])
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write relay data: %v", err)
	}
	echoBuf := make([]byte, 4)
	if _, err := readFull(conn, echoBuf); err != nil {
		t.Fatalf("read relay echo: %v", err)
	}
	if string(echoBuf) != "ping" {
		t.Fatalf("got %q, want ping", echoBuf)
	}
}
