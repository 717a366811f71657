package meta

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxMagnetURLs caps the number of tracker/webseed URLs pulled out of a
// single magnet link, guarding against a hostile URI with thousands of
// tr/tr.N or ws params.
const maxMagnetURLs = 64

type Magnet struct {
	InfoHash [sha1.Size]byte
	Name     string
	Trackers []string
	Webseeds []string
}

func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet url parse failed: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("invalid magnet scheme '%s'", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet params parse failed: %w", err)
	}

	magnet := &Magnet{}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return nil, fmt.Errorf("magnet url missing 'xt'")
	}

	hashBytes, err := decodeInfoHash(xt[0])
	if err != nil {
		return nil, err
	}
	copy(magnet.InfoHash[:], hashBytes)

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		// dn is percent-decoded UTF-8 that may arrive in a decomposed
		// normal form depending on the client that built the magnet link;
		// normalize to NFC so display and file-system paths are stable.
		magnet.Name = norm.NFC.String(dn[0])
	}

	magnet.Trackers = collectIndexedParams(params, "tr")
	magnet.Webseeds = collectIndexedParams(params, "ws")

	return magnet, nil
}

// decodeInfoHash accepts an 'xt' value of the form 'urn:btih:<hash>', where
// hash is either 40 hex characters or 32 base32 (RFC 4648, unpadded)
// characters, and returns the decoded 20-byte info-hash.
func decodeInfoHash(xtVal string) ([]byte, error) {
	if !strings.HasPrefix(xtVal, "urn:btih:") {
		return nil, fmt.Errorf("invalid 'xt' value: must be in 'urn:btih:<hash>' format")
	}

	hashString := strings.TrimPrefix(xtVal, "urn:btih:")

	switch len(hashString) {
	case sha1.Size * 2: // 40 hex chars
		hashBytes, err := hex.DecodeString(hashString)
		if err != nil {
			return nil, fmt.Errorf("failed to decode infohash: %w", err)
		}
		return hashBytes, nil

	case 32: // base32, no padding
		hashBytes, err := base32.StdEncoding.WithPadding(base32.NoPadding).
			DecodeString(strings.ToUpper(hashString))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base32 infohash: %w", err)
		}
		if len(hashBytes) != sha1.Size {
			return nil, fmt.Errorf("invalid infohash length")
		}
		return hashBytes, nil

	default:
		return nil, fmt.Errorf("invalid infohash length")
	}
}

// collectIndexedParams gathers a magnet param that can appear both bare
// (key=..., repeated) and indexed (key.0=..., key.1=..., ...), returning the
// bare occurrences in appearance order followed by the indexed ones in
// ascending index order, capped at maxMagnetURLs total.
func collectIndexedParams(params url.Values, key string) []string {
	var urls []string

	if bare, ok := params[key]; ok {
		urls = append(urls, bare...)
	}

	prefix := key + "."
	var indices []int
	for k := range params {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err != nil || n < 0 {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)

	for _, n := range indices {
		vals := params[prefix+strconv.Itoa(n)]
		urls = append(urls, vals...)
		if len(urls) >= maxMagnetURLs {
			break
		}
	}

	if len(urls) > maxMagnetURLs {
		urls = urls[:maxMagnetURLs]
	}

	return urls
}
