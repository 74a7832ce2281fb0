// Package inner implements the iosocks inner handshake frame: the
// 512-byte request and 4-byte reply described in spec.md §4.4, including
// the boundary behaviors from spec.md §8 (exact 512/4 byte lengths, host
// truncation at 256 bytes, forced NUL-termination regardless of what the
// peer sent).
package inner

import (
	"encoding/binary"
	"fmt"

	"github.com/xiaoxiao-im/iosocks/internal/cryptutil"
)

const (
	// Magic is the 4-byte handshake-success constant (spec.md §4.4/GLOSSARY).
	Magic uint32 = 0x526f6e61

	magicSize = 4
	// HostFieldSize is the HOST field width including its trailing NUL.
	HostFieldSize = 257
	// MaxHostLen is the longest host string the field can carry.
	MaxHostLen = HostFieldSize - 1
	// PortFieldSize is the PORT field width including its trailing NUL.
	PortFieldSize = 15
	maxPortLen    = PortFieldSize - 1

	hostOffset = magicSize
	portOffset = hostOffset + HostFieldSize

	// HeaderSize is the plaintext-before-encryption portion: MAGIC + HOST + PORT.
	HeaderSize = portOffset + PortFieldSize // 276

	// RequestSize is the fixed inner request frame length.
	RequestSize = HeaderSize + cryptutil.IVSize // 512

	// ReplySize is the fixed inner reply frame length.
	ReplySize = magicSize
)

// BuildHeader lays out the plaintext MAGIC+HOST+PORT header. A host longer
// than MaxHostLen is truncated to MaxHostLen bytes (spec.md §8 boundary
// behavior); a port string longer than maxPortLen is likewise truncated,
// which should not occur for any valid decimal port number.
func BuildHeader(host, port string) (hdr [HeaderSize]byte, err error) {
	if len(host) > MaxHostLen {
		host = host[:MaxHostLen]
	}
	if len(port) > maxPortLen {
		port = port[:maxPortLen]
	}
	binary.BigEndian.PutUint32(hdr[0:magicSize], Magic)
	copy(hdr[hostOffset:hostOffset+HostFieldSize], host)
	copy(hdr[portOffset:portOffset+PortFieldSize], port)
	return hdr, nil
}

// EncodeRequest encrypts hdr with cipher's outbound keystream and appends
// the cleartext IV, producing the full 512-byte wire frame
// (spec.md §4.4: "The first 276 bytes are encrypted ... the trailing
// 236-byte IV is sent in the clear").
func EncodeRequest(cipher *cryptutil.DirectionPair, hdr [HeaderSize]byte, iv [cryptutil.IVSize]byte) [RequestSize]byte {
	var frame [RequestSize]byte
	copy(frame[:HeaderSize], hdr[:])
	cipher.Encrypt(frame[:HeaderSize])
	copy(frame[HeaderSize:], iv[:])
	return frame
}

// ExtractIV reads the cleartext IV trailer out of a raw request frame,
// before any decryption — this IV is what the receiver needs to derive
// the matching key in the first place.
func ExtractIV(frame [RequestSize]byte) (iv [cryptutil.IVSize]byte) {
	copy(iv[:], frame[HeaderSize:])
	return iv
}

// DecodeHeader decrypts frame's header in place using cipher's inbound
// keystream and parses MAGIC/HOST/PORT out of it. It force-NUL-terminates
// both string fields before scanning them (matching osocks.c's defensive
// `rx_buf[260] = 0; rx_buf[275] = 0;`) so a peer that omits the trailing
// NUL cannot read past its field.
func DecodeHeader(cipher *cryptutil.DirectionPair, frame *[RequestSize]byte) (magic uint32, host, port string, err error) {
	cipher.Decrypt(frame[:HeaderSize])

	frame[hostOffset+HostFieldSize-1] = 0
	frame[portOffset+PortFieldSize-1] = 0

	magic = binary.BigEndian.Uint32(frame[0:magicSize])
	host = cString(frame[hostOffset : hostOffset+HostFieldSize])
	port = cString(frame[portOffset : portOffset+PortFieldSize])
	return magic, host, port, nil
}

func cString(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// EncodeReply builds the 4-byte reply frame: encrypted MAGIC on success,
// encrypted zero bytes on failure (spec.md §4.4).
func EncodeReply(cipher *cryptutil.DirectionPair, success bool) [ReplySize]byte {
	var frame [ReplySize]byte
	if success {
		binary.BigEndian.PutUint32(frame[:], Magic)
	}
	cipher.Encrypt(frame[:])
	return frame
}

// DecodeReply decrypts a 4-byte reply frame and reports whether it carries
// the success magic.
func DecodeReply(cipher *cryptutil.DirectionPair, frame [ReplySize]byte) bool {
	cipher.Decrypt(frame[:])
	return binary.BigEndian.Uint32(frame[:]) == Magic
}

// ValidateRequestLength enforces the spec.md §8 boundary: exactly 512
// bytes succeed, anything else is rejected. It checks a length only; it
// does not buffer. serverproxy reads the request with a single read and
// rejects a frame that arrives split across several reads.
func ValidateRequestLength(n int) error {
	if n != RequestSize {
		return fmt.Errorf("inner: request frame must be exactly %d bytes, got %d", RequestSize, n)
	}
	return nil
}
