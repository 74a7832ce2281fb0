package inner

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/xiaoxiao-im/iosocks/internal/cryptutil"
)

func derivePair(t *testing.T) (iv [cryptutil.IVSize]byte, client, server *cryptutil.DirectionPair) {
	t.Helper()
	if _, err := rand.Read(iv[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	key, err := cryptutil.DeriveKey(iv, []byte("shared-psk"))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	client, err = cryptutil.NewDirectionPair(key)
	if err != nil {
		t.Fatalf("NewDirectionPair: %v", err)
	}
	server, err = cryptutil.NewDirectionPair(key)
	if err != nil {
		t.Fatalf("NewDirectionPair: %v", err)
	}
	return iv, client, server
}

func TestRequestRoundTrip(t *testing.T) {
	iv, client, server := derivePair(t)

	hdr, err := BuildHeader("example.com", "443")
	if err != nil {
		t.Fatalf("BuildHeader: %v", err)
	}
	frame := EncodeRequest(client, hdr, iv)

	if err := ValidateRequestLength(len(frame)); err != nil {
		t.Fatalf("unexpected length error: %v", err)
	}

	gotIV := ExtractIV(frame)
	if gotIV != iv {
		t.Fatal("extracted IV does not match original")
	}

	magic, host, port, err := DecodeHeader(server, &frame)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if magic != Magic {
		t.Fatalf("got magic 0x%x, want 0x%x", magic, Magic)
	}
	if host != "example.com" || port != "443" {
		t.Fatalf("got host=%q port=%q", host, port)
	}
}

func TestReplyRoundTripSuccess(t *testing.T) {
	_, client, server := derivePair(t)
	frame := EncodeReply(server, true)
	if !DecodeReply(client, frame) {
		t.Fatal("expected success reply to decode as success")
	}
}

func TestReplyRoundTripFailure(t *testing.T) {
	_, client, server := derivePair(t)
	frame := EncodeReply(server, false)
	if DecodeReply(client, frame) {
		t.Fatal("expected failure reply to decode as failure")
	}
}

func TestBuildHeaderTruncatesLongHost(t *testing.T) {
	host := strings.Repeat("a", 300)
	hdr, err := BuildHeader(host, "80")
	if err != nil {
		t.Fatalf("BuildHeader: %v", err)
	}
	got := cString(hdr[hostOffset : hostOffset+HostFieldSize])
	if len(got) != MaxHostLen {
		t.Fatalf("got host len %d, want %d", len(got), MaxHostLen)
	}
}

func TestBuildHeaderAcceptsMaxLengthHost(t *testing.T) {
	host := strings.Repeat("b", MaxHostLen)
	hdr, err := BuildHeader(host, "80")
	if err != nil {
		t.Fatalf("BuildHeader: %v", err)
	}
	got := cString(hdr[hostOffset : hostOffset+HostFieldSize])
	if got != host {
		t.Fatalf("got %q, want %q", got, host)
	}
}

func TestValidateRequestLengthBoundary(t *testing.T) {
	if err := ValidateRequestLength(RequestSize); err != nil {
		t.Fatalf("exact size should validate: %v", err)
	}
	if err := ValidateRequestLength(RequestSize - 1); err == nil {
		t.Fatal("511 bytes should be rejected")
	}
	if err := ValidateRequestLength(RequestSize + 1); err == nil {
		t.Fatal("513 bytes should be rejected")
	}
}

func TestDecodeHeaderForcesNulTermination(t *testing.T) {
	iv, client, server := derivePair(t)
	hdr, _ := BuildHeader("h", "1")
	// Overwrite the would-be trailing NULs with non-zero bytes to
	// simulate a peer that didn't terminate its strings.
	hdr[hostOffset+HostFieldSize-1] = 'X'
	hdr[portOffset+PortFieldSize-1] = 'X'
	frame := EncodeRequest(client, hdr, iv)

	_, host, port, err := DecodeHeader(server, &frame)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if len(host) > MaxHostLen || len(port) > maxPortLen {
		t.Fatalf("fields must be bounded even without peer NUL-termination: host=%q port=%q", host, port)
	}
}
