// Package pex implements BEP-11 peer exchange: periodically diffing the set
// of peers we're connected to against what we last told a given peer, and
// encoding the added/dropped sets as a ut_metadata-style bencoded Extended
// message.
package pex

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/cast"
)

// Interval is how often we send a peer an updated PEX message, per
// spec.md's BEP-11 section.
const Interval = 90 * time.Second

// MaxPerMessage caps the added and dropped sets independently; a swarm
// churning faster than this simply spreads the overflow across the next
// cycle instead of sending an unbounded message.
const MaxPerMessage = 50

// Flag is the per-peer flag byte carried alongside each added peer.
type Flag byte

const (
	FlagPreferEncryption Flag = 1 << 0
	FlagSeedUploadOnly   Flag = 1 << 1
	FlagSupportsUTP      Flag = 1 << 2
)

// Update is a decoded PEX message.
type Update struct {
	AddedV4   []netip.AddrPort
	AddedV4F  []Flag
	DroppedV4 []netip.AddrPort
	AddedV6   []netip.AddrPort
	AddedV6F  []Flag
	DroppedV6 []netip.AddrPort
}

// Tracker holds the per-peer state needed to compute successive PEX diffs:
// the set of addresses we last told this peer about, per address family.
type Tracker struct {
	mu       sync.Mutex
	lastV4   map[netip.AddrPort]Flag
	lastV6   map[netip.AddrPort]Flag
	lastSent time.Time
}

// NewTracker returns a Tracker with no prior reported state, so the first
// Diff reports every currently-connected peer as added.
func NewTracker() *Tracker {
	return &Tracker{lastV4: map[netip.AddrPort]Flag{}, lastV6: map[netip.AddrPort]Flag{}}
}

// Due reports whether at least Interval has passed since the last Diff that
// produced a message, i.e. whether it's time to consider sending this peer
// an update.
func (t *Tracker) Due(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSent.IsZero() || now.Sub(t.lastSent) >= Interval
}

// Diff computes the added/dropped sets between connected (this torrent's
// currently connected peers, keyed by address with their current flags) and
// what was last reported to this peer, bencodes the result, and advances
// the tracker's notion of "last reported" — but only for entries that
// actually made it into this message; anything beyond MaxPerMessage stays
// pending for the next cycle. ok is false when both sets would be empty,
// per spec.md's "skip send if nothing changed" rule.
func (t *Tracker) Diff(connected map[netip.AddrPort]Flag, now time.Time) (msg []byte, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	addedV4, addedV4F, droppedV4, keptV4 := diffFamily(t.lastV4, connected, func(a netip.Addr) bool { return a.Is4() })
	addedV6, addedV6F, droppedV6, keptV6 := diffFamily(t.lastV6, connected, func(a netip.Addr) bool { return a.Is6() && !a.Is4In6() })

	if len(addedV4)+len(droppedV4)+len(addedV6)+len(droppedV6) == 0 {
		return nil, false, nil
	}

	dict := map[string]any{}
	if len(addedV4) > 0 {
		dict["added"] = compactV4(addedV4)
		dict["added.f"] = flagBytes(addedV4F)
	}
	if len(droppedV4) > 0 {
		dict["dropped"] = compactV4(droppedV4)
	}
	if len(addedV6) > 0 {
		dict["added6"] = compactV6(addedV6)
		dict["added6.f"] = flagBytes(addedV6F)
	}
	if len(droppedV6) > 0 {
		dict["dropped6"] = compactV6(droppedV6)
	}

	out, err := bencode.Marshal(dict)
	if err != nil {
		return nil, false, err
	}

	for i, a := range addedV4 {
		keptV4[a] = addedV4F[i]
	}
	for i, a := range addedV6 {
		keptV6[a] = addedV6F[i]
	}
	t.lastV4 = keptV4
	t.lastV6 = keptV6
	t.lastSent = now

	return out, true, nil
}

// diffFamily computes added/dropped for one address family, capping each at
// MaxPerMessage, and returns the carry-forward "kept" set (last-reported
// peers not dropped, which the caller merges newly-added peers into once
// the message is actually built).
func diffFamily(last, connected map[netip.AddrPort]Flag, family func(netip.Addr) bool) (added []netip.AddrPort, addedF []Flag, dropped []netip.AddrPort, kept map[netip.AddrPort]Flag) {
	kept = make(map[netip.AddrPort]Flag, len(last))

	for addr, flag := range connected {
		if !family(addr.Addr()) {
			continue
		}
		if _, ok := last[addr]; !ok {
			if len(added) < MaxPerMessage {
				added = append(added, addr)
				addedF = append(addedF, flag)
			}
		} else {
			kept[addr] = flag
		}
	}

	for addr := range last {
		if !family(addr.Addr()) {
			kept[addr] = last[addr]
			continue
		}
		if _, ok := connected[addr]; !ok {
			if len(dropped) < MaxPerMessage {
				dropped = append(dropped, addr)
			} else {
				kept[addr] = last[addr]
			}
		}
	}

	return added, addedF, dropped, kept
}

func compactV4(addrs []netip.AddrPort) []byte {
	out := make([]byte, 0, 6*len(addrs))
	for _, a := range addrs {
		ip4 := a.Addr().As4()
		out = append(out, ip4[:]...)
		out = append(out, byte(a.Port()>>8), byte(a.Port()))
	}
	return out
}

func compactV6(addrs []netip.AddrPort) []byte {
	out := make([]byte, 0, 18*len(addrs))
	for _, a := range addrs {
		ip6 := a.Addr().As16()
		out = append(out, ip6[:]...)
		out = append(out, byte(a.Port()>>8), byte(a.Port()))
	}
	return out
}

func flagBytes(flags []Flag) []byte {
	out := make([]byte, len(flags))
	for i, f := range flags {
		out[i] = byte(f)
	}
	return out
}

// Decode parses a received PEX Extended message into its added/dropped
// peer sets.
func Decode(data []byte) (Update, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return Update{}, fmt.Errorf("pex: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return Update{}, fmt.Errorf("pex: payload is not a dict")
	}

	var u Update
	if v, ok := dict["added"]; ok {
		b, err := cast.ToBytes(v)
		if err != nil {
			return Update{}, fmt.Errorf("pex: added: %w", err)
		}
		u.AddedV4, err = decompactV4(b)
		if err != nil {
			return Update{}, err
		}
	}
	if v, ok := dict["added.f"]; ok {
		b, err := cast.ToBytes(v)
		if err == nil {
			u.AddedV4F = decodeFlags(b, len(u.AddedV4))
		}
	}
	if v, ok := dict["dropped"]; ok {
		b, err := cast.ToBytes(v)
		if err != nil {
			return Update{}, fmt.Errorf("pex: dropped: %w", err)
		}
		u.DroppedV4, err = decompactV4(b)
		if err != nil {
			return Update{}, err
		}
	}
	if v, ok := dict["added6"]; ok {
		b, err := cast.ToBytes(v)
		if err != nil {
			return Update{}, fmt.Errorf("pex: added6: %w", err)
		}
		u.AddedV6, err = decompactV6(b)
		if err != nil {
			return Update{}, err
		}
	}
	if v, ok := dict["added6.f"]; ok {
		b, err := cast.ToBytes(v)
		if err == nil {
			u.AddedV6F = decodeFlags(b, len(u.AddedV6))
		}
	}
	if v, ok := dict["dropped6"]; ok {
		b, err := cast.ToBytes(v)
		if err != nil {
			return Update{}, fmt.Errorf("pex: dropped6: %w", err)
		}
		u.DroppedV6, err = decompactV6(b)
		if err != nil {
			return Update{}, err
		}
	}

	return u, nil
}

func decompactV4(b []byte) ([]netip.AddrPort, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("pex: compact ipv4 list not a multiple of 6 bytes")
	}
	out := make([]netip.AddrPort, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		addr := netip.AddrFrom4([4]byte(b[i : i+4]))
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		out = append(out, netip.AddrPortFrom(addr, port))
	}
	return out, nil
}

func decompactV6(b []byte) ([]netip.AddrPort, error) {
	if len(b)%18 != 0 {
		return nil, fmt.Errorf("pex: compact ipv6 list not a multiple of 18 bytes")
	}
	out := make([]netip.AddrPort, 0, len(b)/18)
	for i := 0; i < len(b); i += 18 {
		addr := netip.AddrFrom16([16]byte(b[i : i+16]))
		port := uint16(b[i+16])<<8 | uint16(b[i+17])
		out = append(out, netip.AddrPortFrom(addr, port))
	}
	return out, nil
}

func decodeFlags(b []byte, n int) []Flag {
	if len(b) < n {
		n = len(b)
	}
	out := make([]Flag, n)
	for i := 0; i < n; i++ {
		out[i] = Flag(b[i])
	}
	return out
}
