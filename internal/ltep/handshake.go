// Package ltep implements BEP-10, the extension protocol: a bencoded
// handshake dict (sent as Extended message id 0) negotiating per-extension
// message ids, followed by those extensions' own Extended messages.
package ltep

import (
	"fmt"
	"net"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/cast"
)

// Well-known extension names, keyed the same way in the "m" dict on both
// sides of a connection.
const (
	ExtMetadata = "ut_metadata"
	ExtPEX      = "ut_pex"
)

// DefaultReqQ is the reqq we advertise absent an explicit config override:
// how many outstanding piece requests we'll accept from a peer.
const DefaultReqQ = 512

// Handshake is the BEP-10 "m" handshake dict's decoded form.
type Handshake struct {
	// M maps extension name to the local message id the peer should use
	// when sending us that extension's messages.
	M map[string]int

	Port         int    // listening port (BEP-10 "p")
	Version      string // client version string ("v")
	Encryption   bool   // sender supports/prefers encryption ("e")
	ReqQ         int    // max outstanding requests we accept ("reqq")
	MetadataSize int    // info-dict size in bytes, if known ("metadata_size")
	YourIP       net.IP // sender's observed address for us ("yourip")
	IPv4         net.IP // sender's own IPv4, if it wants to advertise one
	IPv6         net.IP // sender's own IPv6, if it wants to advertise one
	UploadOnly   bool   // sender is in seed/upload-only mode
}

// NewHandshake builds a Handshake advertising the given extensions at the
// given local message ids.
func NewHandshake(m map[string]int, port int) Handshake {
	return Handshake{M: m, Port: port, ReqQ: DefaultReqQ}
}

// Encode bencodes h into the payload of an Extended id-0 message.
func (h Handshake) Encode() ([]byte, error) {
	m := make(map[string]any, len(h.M))
	for name, id := range h.M {
		m[name] = int64(id)
	}

	dict := map[string]any{"m": m}
	if h.Port != 0 {
		dict["p"] = int64(h.Port)
	}
	if h.Version != "" {
		dict["v"] = h.Version
	}
	if h.Encryption {
		dict["e"] = int64(1)
	}
	if h.ReqQ != 0 {
		dict["reqq"] = int64(h.ReqQ)
	}
	if h.MetadataSize != 0 {
		dict["metadata_size"] = int64(h.MetadataSize)
	}
	if h.YourIP != nil {
		dict["yourip"] = ipBytes(h.YourIP)
	}
	if h.IPv4 != nil {
		dict["ipv4"] = ipBytes(h.IPv4)
	}
	if h.IPv6 != nil {
		dict["ipv6"] = ipBytes(h.IPv6)
	}
	if h.UploadOnly {
		dict["upload_only"] = int64(1)
	}

	return bencode.Marshal(dict)
}

func ipBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return []byte(v4)
	}
	return []byte(ip.To16())
}

// Decode parses a BEP-10 handshake dict from an Extended id-0 payload.
func Decode(data []byte) (Handshake, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return Handshake{}, fmt.Errorf("ltep: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return Handshake{}, fmt.Errorf("ltep: handshake is not a dict")
	}

	var h Handshake
	if mv, ok := dict["m"]; ok {
		mm, ok := mv.(map[string]any)
		if !ok {
			return Handshake{}, fmt.Errorf("ltep: m is not a dict")
		}
		h.M = make(map[string]int, len(mm))
		for name, idv := range mm {
			id, err := cast.ToInt(idv)
			if err != nil {
				return Handshake{}, fmt.Errorf("ltep: m[%s]: %w", name, err)
			}
			h.M[name] = int(id)
		}
	}

	if v, ok := dict["p"]; ok {
		n, err := cast.ToInt(v)
		if err != nil {
			return Handshake{}, fmt.Errorf("ltep: p: %w", err)
		}
		h.Port = int(n)
	}
	if v, ok := dict["v"]; ok {
		s, err := cast.ToString(v)
		if err != nil {
			return Handshake{}, fmt.Errorf("ltep: v: %w", err)
		}
		h.Version = s
	}
	if v, ok := dict["e"]; ok {
		b, err := cast.ToBool(v)
		if err != nil {
			return Handshake{}, fmt.Errorf("ltep: e: %w", err)
		}
		h.Encryption = b
	}
	if v, ok := dict["reqq"]; ok {
		n, err := cast.ToInt(v)
		if err != nil {
			return Handshake{}, fmt.Errorf("ltep: reqq: %w", err)
		}
		h.ReqQ = int(n)
	}
	if v, ok := dict["metadata_size"]; ok {
		n, err := cast.ToInt(v)
		if err != nil {
			return Handshake{}, fmt.Errorf("ltep: metadata_size: %w", err)
		}
		h.MetadataSize = int(n)
	}
	if v, ok := dict["yourip"]; ok {
		b, err := cast.ToBytes(v)
		if err == nil {
			h.YourIP = net.IP(b)
		}
	}
	if v, ok := dict["ipv4"]; ok {
		b, err := cast.ToBytes(v)
		if err == nil {
			h.IPv4 = net.IP(b)
		}
	}
	if v, ok := dict["ipv6"]; ok {
		b, err := cast.ToBytes(v)
		if err == nil {
			h.IPv6 = net.IP(b)
		}
	}
	if v, ok := dict["upload_only"]; ok {
		b, err := cast.ToBool(v)
		if err == nil {
			h.UploadOnly = b
		}
	}

	return h, nil
}
