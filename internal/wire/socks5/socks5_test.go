package socks5

import "testing"

func TestParseGreetingAcceptsNoAuth(t *testing.T) {
	buf := []byte{Version, 2, 0x01, MethodNoAuth}
	ok, err := ParseGreeting(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected no-auth to be offered")
	}
}

func TestParseGreetingRejectsMissingNoAuth(t *testing.T) {
	buf := []byte{Version, 1, 0x02}
	ok, err := ParseGreeting(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no-auth to be absent")
	}
}

func TestParseGreetingRejectsBadVersion(t *testing.T) {
	buf := []byte{0x04, 1, MethodNoAuth}
	ok, err := ParseGreeting(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected version mismatch to be rejected")
	}
}

func TestParseConnectRequestIPv4(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, AtypIPv4, 1, 2, 3, 4, 0x00, 0x50}
	req, err := ParseConnectRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Host != "1.2.3.4" || req.Port != 80 {
		t.Fatalf("got host=%q port=%d, want 1.2.3.4:80", req.Host, req.Port)
	}
}

func TestParseConnectRequestDomain(t *testing.T) {
	domain := "example.com"
	buf := []byte{Version, CmdConnect, 0x00, AtypDomain, byte(len(domain))}
	buf = append(buf, domain...)
	buf = append(buf, 0x01, 0xbb) // 443
	req, err := ParseConnectRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Host != domain || req.Port != 443 {
		t.Fatalf("got host=%q port=%d, want %s:443", req.Host, req.Port, domain)
	}
}

func TestParseConnectRequestRejectsUnknownAtyp(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, 0x7f, 0, 0}
	if _, err := ParseConnectRequest(buf); err == nil {
		t.Fatal("expected error for unknown ATYP")
	}
}

func TestEncodeReplyShape(t *testing.T) {
	reply := EncodeReply(RepSucceeded)
	want := [10]byte{Version, RepSucceeded, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
	if reply != want {
		t.Fatalf("got %v, want %v", reply, want)
	}
}
