// Package resume loads and saves the bencoded resume-file a torrent's
// download state is persisted to between client restarts.
package resume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/cast"
)

const (
	stridePeers2   = 6  // 4 bytes IPv4 + 2 bytes port
	stridePeers2V6 = 18 // 16 bytes IPv6 + 2 bytes port
)

var (
	ErrTopLevelNotDict  = errors.New("resume: top-level is not a dict")
	ErrProgressNotDict  = errors.New("resume: 'progress' is not a dict")
	ErrProgressMissing  = errors.New("resume: 'progress' missing 'have' and 'bitfield'")
	ErrBitfieldMismatch = errors.New("resume: bitfield length does not match piece count")
)

// State is the subset of a resume file the core reads and writes; any other
// keys present in the bencoded dict are preserved by the caller, not by this
// package.
type State struct {
	Destination string
	Paused      bool
	Peers       []netip.AddrPort // from 'peers2', IPv4
	Peers6      []netip.AddrPort // from 'peers2-6', IPv6
	Priority    []int64          // per-file
	DoNotDownload []bool         // per-file
	HaveAll     bool
	Bitfield    *bitfield.Bitfield
	TimeChecked []int64 // per-piece, epoch seconds

	// NeedsReverify is set on Load when the persisted bitfield's length
	// doesn't match pieceCount; the caller should re-hash every piece
	// before trusting Bitfield/HaveAll.
	NeedsReverify bool
}

// Load parses a bencoded resume-file dict. pieceCount is the torrent's
// current piece count, used to validate the persisted progress bitfield.
func Load(data []byte, pieceCount int) (*State, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	state := &State{}

	if v, ok := root["destination"]; ok {
		dest, err := cast.ToString(v)
		if err != nil {
			return nil, fmt.Errorf("resume: 'destination': %w", err)
		}
		state.Destination = dest
	}

	if v, ok := root["paused"]; ok {
		paused, err := cast.ToBool(v)
		if err != nil {
			return nil, fmt.Errorf("resume: 'paused': %w", err)
		}
		state.Paused = paused
	}

	if v, ok := root["peers2"]; ok {
		b, err := cast.ToBytes(v)
		if err != nil {
			return nil, fmt.Errorf("resume: 'peers2': %w", err)
		}
		peers, err := decodeCompactPeers(b, stridePeers2, decodePeer4)
		if err != nil {
			return nil, fmt.Errorf("resume: 'peers2': %w", err)
		}
		state.Peers = peers
	}

	if v, ok := root["peers2-6"]; ok {
		b, err := cast.ToBytes(v)
		if err != nil {
			return nil, fmt.Errorf("resume: 'peers2-6': %w", err)
		}
		peers, err := decodeCompactPeers(b, stridePeers2V6, decodePeer6)
		if err != nil {
			return nil, fmt.Errorf("resume: 'peers2-6': %w", err)
		}
		state.Peers6 = peers
	}

	if v, ok := root["priority"]; ok {
		priority, err := cast.ToIntSlice(v)
		if err != nil {
			return nil, fmt.Errorf("resume: 'priority': %w", err)
		}
		state.Priority = priority
	}

	if v, ok := root["dnd"]; ok {
		dnd, err := cast.ToBoolSlice(v)
		if err != nil {
			return nil, fmt.Errorf("resume: 'dnd': %w", err)
		}
		state.DoNotDownload = dnd
	}

	if v, ok := root["time-checked"]; ok {
		tc, err := cast.ToIntSlice(v)
		if err != nil {
			return nil, fmt.Errorf("resume: 'time-checked': %w", err)
		}
		state.TimeChecked = tc
	}

	if err := loadProgress(root["progress"], pieceCount, state); err != nil {
		return nil, err
	}

	return state, nil
}

func loadProgress(v any, pieceCount int, state *State) error {
	progress, ok := v.(map[string]any)
	if !ok {
		return ErrProgressNotDict
	}

	if haveVal, ok := progress["have"]; ok {
		have, err := cast.ToString(haveVal)
		if err != nil || have != "all" {
			return fmt.Errorf("resume: 'progress.have': unsupported value")
		}
		state.HaveAll = true
		state.Bitfield = bitfield.NewHaveAll(pieceCount)
		return nil
	}

	raw, ok := progress["bitfield"]
	if !ok {
		return ErrProgressMissing
	}

	b, err := cast.ToBytes(raw)
	if err != nil {
		return fmt.Errorf("resume: 'progress.bitfield': %w", err)
	}

	bf, err := bitfield.FromRaw(pieceCount, b)
	if err != nil {
		state.NeedsReverify = true
		state.Bitfield = bitfield.New(pieceCount)
		return nil
	}
	if bf.Len() != pieceCount {
		state.NeedsReverify = true
		state.Bitfield = bitfield.New(pieceCount)
		return nil
	}

	state.Bitfield = bf
	return nil
}

// Save encodes state back into a bencoded resume-file dict.
func Save(state *State) ([]byte, error) {
	progress := map[string]any{}
	if state.HaveAll {
		progress["have"] = "all"
	} else if state.Bitfield != nil {
		progress["bitfield"] = string(state.Bitfield.ToRaw())
	}

	root := map[string]any{
		"destination": state.Destination,
		"paused":      boolToInt(state.Paused),
		"progress":    progress,
	}

	if len(state.Peers) > 0 {
		root["peers2"] = string(encodeCompactPeers(state.Peers, encodePeer4, stridePeers2))
	}
	if len(state.Peers6) > 0 {
		root["peers2-6"] = string(encodeCompactPeers(state.Peers6, encodePeer6, stridePeers2V6))
	}
	if state.Priority != nil {
		root["priority"] = intSliceToAny(state.Priority)
	}
	if state.DoNotDownload != nil {
		root["dnd"] = boolSliceToAny(state.DoNotDownload)
	}
	if state.TimeChecked != nil {
		root["time-checked"] = intSliceToAny(state.TimeChecked)
	}

	return bencode.Marshal(root)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func intSliceToAny(xs []int64) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func boolSliceToAny(xs []bool) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = boolToInt(x)
	}
	return out
}

func decodePeer4(chunk []byte) netip.AddrPort {
	a := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
	p := binary.BigEndian.Uint16(chunk[4:6])
	return netip.AddrPortFrom(a, p)
}

func decodePeer6(chunk []byte) netip.AddrPort {
	var a16 [16]byte
	copy(a16[:], chunk[:16])
	a := netip.AddrFrom16(a16)
	p := binary.BigEndian.Uint16(chunk[16:18])
	return netip.AddrPortFrom(a, p)
}

func encodePeer4(addr netip.AddrPort) []byte {
	ip := addr.Addr().As4()
	out := make([]byte, stridePeers2)
	copy(out, ip[:])
	binary.BigEndian.PutUint16(out[4:], addr.Port())
	return out
}

func encodePeer6(addr netip.AddrPort) []byte {
	ip := addr.Addr().As16()
	out := make([]byte, stridePeers2V6)
	copy(out, ip[:])
	binary.BigEndian.PutUint16(out[16:], addr.Port())
	return out
}

func decodeCompactPeers(
	data []byte,
	stride int,
	decodeFunc func([]byte) netip.AddrPort,
) ([]netip.AddrPort, error) {
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("malformed compact peer blob")
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		out[i] = decodeFunc(data[off : off+stride])
	}

	return out, nil
}

func encodeCompactPeers(
	peers []netip.AddrPort,
	encodeFunc func(netip.AddrPort) []byte,
	stride int,
) []byte {
	out := make([]byte, 0, len(peers)*stride)
	for _, p := range peers {
		out = append(out, encodeFunc(p)...)
	}
	return out
}
