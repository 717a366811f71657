package mse

import (
	"crypto/rc4"
	"crypto/sha1"
)

// discardLen is how many initial RC4 keystream bytes each side throws away
// before using the cipher for real traffic.
const discardLen = 1024

// deriveKey computes HASH(label || secret || infoHash), the RC4 key for one
// direction of the stream.
func deriveKey(label string, secret [KeyLen]byte, infoHash [sha1.Size]byte) []byte {
	h := sha1.New()
	h.Write([]byte(label))
	h.Write(secret[:])
	h.Write(infoHash[:])
	return h.Sum(nil)
}

// newRC4Stream builds an RC4 cipher from label/secret/infoHash and discards
// its first discardLen keystream bytes, matching initRC4 + the
// tr_cryptoDecryptInit/tr_cryptoEncryptInit discard step.
func newRC4Stream(label string, secret [KeyLen]byte, infoHash [sha1.Size]byte) (*rc4.Cipher, error) {
	key := deriveKey(label, secret, infoHash)
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}

	discard := make([]byte, discardLen)
	c.XORKeyStream(discard, discard)
	return c, nil
}

// directionKeys derives the (encrypt, decrypt) RC4 ciphers for one side of a
// connection. isIncoming matches tr_crypto's convention: the accepting side
// decrypts with "keyA" and encrypts with "keyB"; the connecting side is the
// mirror image.
func directionKeys(secret [KeyLen]byte, infoHash [sha1.Size]byte, isIncoming bool) (enc, dec *rc4.Cipher, err error) {
	encLabel, decLabel := "keyA", "keyB"
	if isIncoming {
		encLabel, decLabel = "keyB", "keyA"
	}

	enc, err = newRC4Stream(encLabel, secret, infoHash)
	if err != nil {
		return nil, nil, err
	}
	dec, err = newRC4Stream(decLabel, secret, infoHash)
	if err != nil {
		return nil, nil, err
	}
	return enc, dec, nil
}
