package meta

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SSHA1Matches reports whether secret, combined with the salt embedded in
// stored, hashes to the digest embedded in stored.
//
// stored has the tracker-passkey form used by rTorrent/libTorrent: an
// optional leading '{', a 40-character lowercase hex SHA-1 digest, then the
// salt appended directly after it with no separator. The digest is
// sha1(secret + salt).
func SSHA1Matches(stored, secret string) bool {
	stored = strings.TrimPrefix(stored, "{")
	if len(stored) < sha1.Size*2 {
		return false
	}

	wantHex := stored[:sha1.Size*2]
	salt := stored[sha1.Size*2:]

	want, err := hex.DecodeString(wantHex)
	if err != nil {
		return false
	}

	got := sha1.Sum([]byte(secret + salt))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}
