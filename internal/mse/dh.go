// Package mse implements Message Stream Encryption (aka BitTorrent Protocol
// Encryption): an opportunistic Diffie-Hellman key exchange followed by an
// RC4-obfuscated byte stream, negotiated before the BitTorrent handshake to
// evade naive traffic classifiers.
//
// The DH modulus, generator, and RC4 key-derivation scheme below are
// load-bearing wire-compatibility constants, not implementation choices —
// they must match every other BitTorrent client bit-for-bit.
package mse

import (
	"crypto/rand"
	"crypto/sha1"
	"math/big"
)

// KeyLen is the byte length of the DH public key and shared secret: 768
// bits.
const KeyLen = 96

// PrivateKeyBits is the size of each side's private DH exponent.
const PrivateKeyBits = 160

// p is MSE's fixed 768-bit DH modulus.
var p = new(big.Int).SetBytes([]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xC9, 0x0F, 0xDA, 0xA2,
	0x21, 0x68, 0xC2, 0x34, 0xC4, 0xC6, 0x62, 0x8B, 0x80, 0xDC, 0x1C, 0xD1,
	0x29, 0x02, 0x4E, 0x08, 0x8A, 0x67, 0xCC, 0x74, 0x02, 0x0B, 0xBE, 0xA6,
	0x3B, 0x13, 0x9B, 0x22, 0x51, 0x4A, 0x08, 0x79, 0x8E, 0x34, 0x04, 0xDD,
	0xEF, 0x95, 0x19, 0xB3, 0xCD, 0x3A, 0x43, 0x1B, 0x30, 0x2B, 0x0A, 0x6D,
	0xF2, 0x5F, 0x14, 0x37, 0x4F, 0xE1, 0x35, 0x6D, 0x6D, 0x51, 0xC2, 0x45,
	0xE4, 0x85, 0xB5, 0x76, 0x62, 0x5E, 0x7E, 0xC6, 0xF4, 0x4C, 0x42, 0xE9,
	0xA6, 0x3A, 0x36, 0x21, 0x00, 0x00, 0x00, 0x00, 0x00, 0x09, 0x05, 0x63,
})

// g is the DH generator, 2.
var g = big.NewInt(2)

// DH holds one side of a Diffie-Hellman key exchange for one connection. It
// is not reusable across connections — a fresh DH must be created for each.
type DH struct {
	priv *big.Int
	pub  *big.Int
}

// NewDH generates a fresh 160-bit private exponent and its corresponding
// public key G^x mod P.
func NewDH() (*DH, error) {
	buf := make([]byte, PrivateKeyBits/8)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}

	priv := new(big.Int).SetBytes(buf)
	pub := new(big.Int).Exp(g, priv, p)
	return &DH{priv: priv, pub: pub}, nil
}

// PublicKey returns this side's DH public key, zero-padded to KeyLen bytes.
func (d *DH) PublicKey() [KeyLen]byte {
	var out [KeyLen]byte
	b := d.pub.Bytes()
	copy(out[KeyLen-len(b):], b)
	return out
}

// ComputeSecret derives the shared secret S = peerPublic^x mod P from the
// peer's public key, zero-padded to KeyLen bytes.
func (d *DH) ComputeSecret(peerPublic [KeyLen]byte) [KeyLen]byte {
	peerPub := new(big.Int).SetBytes(peerPublic[:])
	s := new(big.Int).Exp(peerPub, d.priv, p)

	var out [KeyLen]byte
	b := s.Bytes()
	copy(out[KeyLen-len(b):], b)
	return out
}

// req1Hash returns HASH('req1', S), the marker an initiator emits so the
// receiving side can locate the start of its encrypted stream without
// knowing its padding length in advance.
func req1Hash(secret [KeyLen]byte) [sha1.Size]byte {
	h := sha1.New()
	h.Write([]byte("req1"))
	h.Write(secret[:])
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
