// Package cryptutil wires the two collaborators spec.md §6 treats as
// black boxes — an MD5 primitive and an RC4-family stream cipher — into
// the key-derivation chain and dual keystream model spec.md §4.3 and §4.5
// require. Both are stdlib (crypto/md5, crypto/rc4): the spec explicitly
// designates these as external collaborators behind a narrow interface,
// and no example repo in the corpus implements RC4 — the corpus's own
// crypto (AES-CTR, AES-GCM) is a different algorithm family that would
// break wire compatibility with the fixed construction spec.md §4.3 names.
package cryptutil

import (
	"crypto/md5"
	"fmt"
)

// IVSize is the length of the random keying material mixed with the PSK
// (spec.md §4.4's "IV" field).
const IVSize = 236

// KeySize is the length of the derived key fed to the stream cipher.
const KeySize = 64

// MaxPSKLen is the truncation point for an oversized PSK. The original C
// source truncates at servers[i].key[257] = '\0' while reporting
// key_len = 256 — an off-by-one that leaves a stray 257th byte before the
// NUL. Per spec.md Open Question 1, this rewrite truncates at exactly 256
// bytes with no off-by-one.
const MaxPSKLen = 256

// TruncatePSK enforces the spec.md Open Question 1 resolution: a PSK
// longer than MaxPSKLen is cut to exactly MaxPSKLen bytes before it ever
// reaches DeriveKey.
func TruncatePSK(psk []byte) []byte {
	if len(psk) > MaxPSKLen {
		return psk[:MaxPSKLen]
	}
	return psk
}

// DeriveKey implements the spec.md §4.3 key-derivation chain:
//
//	k[0:16]  = MD5(iv || psk)
//	k[16:32] = MD5(k[0:16])
//	k[32:48] = MD5(k[0:32])
//	k[48:64] = MD5(k[0:48])
//
// Both isocks and osocks must compute the same 64-byte key for the same
// (iv, psk) pair; this is the deterministic round-trip law spec.md §8
// requires. psk is truncated to MaxPSKLen internally, so callers need not
// pre-truncate.
func DeriveKey(iv [IVSize]byte, psk []byte) ([KeySize]byte, error) {
	psk = TruncatePSK(psk)

	seed := make([]byte, IVSize+len(psk))
	copy(seed, iv[:])
	copy(seed[IVSize:], psk)

	var key [KeySize]byte
	h0 := md5.Sum(seed)
	copy(key[0:16], h0[:])

	h1 := md5.Sum(key[0:16])
	copy(key[16:32], h1[:])

	h2 := md5.Sum(key[0:32])
	copy(key[32:48], h2[:])

	h3 := md5.Sum(key[0:48])
	copy(key[48:64], h3[:])

	if len(psk) == 0 {
		return key, fmt.Errorf("cryptutil: empty PSK")
	}
	return key, nil
}
