package metadata

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/prxssh/rabbit/internal/bencode"
)

// buildInfoDict builds a bencoded info dict whose "pieces" field holds
// hashCount SHA-1 entries. hashCount controls the dict's serialized size
// and therefore how many 16 KiB BEP-9 metadata pieces it spans — tests pick
// hashCount to land on a specific metadata piece count.
func buildInfoDict(t *testing.T, hashCount int) ([]byte, [sha1.Size]byte) {
	t.Helper()

	pieces := bytes.Repeat([]byte{0x01}, sha1.Size*hashCount)
	dict := map[string]any{
		"name":         "test.iso",
		"piece length": int64(32 * 1024),
		"pieces":       string(pieces),
		"length":       int64(32 * 1024 * int64(hashCount)),
	}
	buf, err := bencode.Marshal(dict)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return buf, sha1.Sum(buf)
}

func TestSizingToFetchingTransition(t *testing.T) {
	infoDict, hash := buildInfoDict(t, 4)
	tr := New(hash, false)

	if tr.State() != StateSizing {
		t.Fatalf("initial state = %v; want sizing", tr.State())
	}
	if err := tr.SetSizeHint(len(infoDict)); err != nil {
		t.Fatalf("SetSizeHint: %v", err)
	}
	if tr.State() != StateFetching {
		t.Fatalf("state after SetSizeHint = %v; want fetching", tr.State())
	}

	if err := tr.SetSizeHint(len(infoDict)); err != ErrAlreadySized {
		t.Fatalf("second SetSizeHint = %v; want ErrAlreadySized", err)
	}
}

func TestSizeHintRejectsOversize(t *testing.T) {
	tr := New([sha1.Size]byte{}, false)
	if err := tr.SetSizeHint(MaxMetadataSize + 1); err != ErrSizeTooLarge {
		t.Fatalf("err = %v; want ErrSizeTooLarge", err)
	}
	if tr.State() != StateSizing {
		t.Fatalf("state should remain sizing after rejected hint")
	}
}

func TestFetchCompletesAndVerifies(t *testing.T) {
	infoDict, hash := buildInfoDict(t, 1000)
	tr := New(hash, false)
	if err := tr.SetSizeHint(len(infoDict)); err != nil {
		t.Fatalf("SetSizeHint: %v", err)
	}

	now := time.Unix(1000, 0)
	pieceCount := tr.PieceCount()
	seen := map[int]bool{}

	for len(seen) < pieceCount {
		p, ok := tr.NextRequest(now)
		if !ok {
			t.Fatalf("NextRequest returned not-ok before every piece was fetched")
		}
		if seen[p] {
			continue
		}
		seen[p] = true

		start := p * PieceSize
		end := start + PieceSize
		if end > len(infoDict) {
			end = len(infoDict)
		}
		parsedInfo, err := tr.OnPieceData(p, infoDict[start:end], now)
		if err != nil {
			t.Fatalf("OnPieceData(%d): %v", p, err)
		}
		if len(seen) == pieceCount {
			if parsedInfo == nil {
				t.Fatalf("expected parsed Info after final piece")
			}
		} else if parsedInfo != nil {
			t.Fatalf("unexpected early Info from piece %d", p)
		}
	}

	if tr.State() != StateUnneeded {
		t.Fatalf("state after successful fetch = %v; want unneeded", tr.State())
	}
	if !tr.HasMetadata() {
		t.Fatalf("HasMetadata() = false after successful fetch")
	}
	got, _ := tr.InfoDict()
	if !bytes.Equal(got, infoDict) {
		t.Fatalf("InfoDict() mismatch")
	}
}

func TestReRequestIntervalEnforced(t *testing.T) {
	infoDict, hash := buildInfoDict(t, 1)
	tr := New(hash, false)
	if err := tr.SetSizeHint(len(infoDict)); err != nil {
		t.Fatalf("SetSizeHint: %v", err)
	}

	t0 := time.Unix(2000, 0)
	p, ok := tr.NextRequest(t0)
	if !ok || p != 0 {
		t.Fatalf("first NextRequest = (%d,%v); want (0,true)", p, ok)
	}

	if _, ok := tr.NextRequest(t0.Add(time.Second)); ok {
		t.Fatalf("NextRequest should be throttled within MinReRequestInterval")
	}

	if _, ok := tr.NextRequest(t0.Add(MinReRequestInterval + time.Millisecond)); !ok {
		t.Fatalf("NextRequest should succeed once the interval has passed")
	}
}

func TestChecksumMismatchResetsToFetching(t *testing.T) {
	infoDict, hash := buildInfoDict(t, 1000)
	tr := New(hash, false)
	if err := tr.SetSizeHint(len(infoDict)); err != nil {
		t.Fatalf("SetSizeHint: %v", err)
	}

	now := time.Unix(3000, 0)
	p0, _ := tr.NextRequest(now)
	corrupted := make([]byte, PieceSize)
	if _, err := tr.OnPieceData(p0, corrupted, now); err != nil {
		t.Fatalf("OnPieceData(%d) corrupted: %v", p0, err)
	}

	p1, _ := tr.NextRequest(now)
	if p1 == p0 {
		t.Fatalf("round robin should have advanced past piece %d", p0)
	}
	start := p1 * PieceSize
	end := start + PieceSize
	if end > len(infoDict) {
		end = len(infoDict)
	}
	_, err := tr.OnPieceData(p1, infoDict[start:end], now)
	if err == nil {
		t.Fatalf("expected checksum-mismatch error on completing with corrupted data")
	}
	if tr.State() != StateFetching {
		t.Fatalf("state after mismatch = %v; want fetching", tr.State())
	}
	if tr.PieceCount() != 2 {
		t.Fatalf("PieceCount() after reset = %d; want 2", tr.PieceCount())
	}
}

func TestOnRejectReEnablesImmediateRequest(t *testing.T) {
	infoDict, hash := buildInfoDict(t, 1000)
	tr := New(hash, false)
	if err := tr.SetSizeHint(len(infoDict)); err != nil {
		t.Fatalf("SetSizeHint: %v", err)
	}

	now := time.Unix(4000, 0)
	p, _ := tr.NextRequest(now)
	if err := tr.OnReject(p); err != nil {
		t.Fatalf("OnReject: %v", err)
	}

	// After a reject the piece sits at the tail with zero requestedAt, so
	// the other piece is requested first, then p is immediately eligible
	// again (not throttled) once it cycles back to the head.
	other, ok := tr.NextRequest(now)
	if !ok {
		t.Fatalf("expected a request for the remaining piece")
	}
	if other == p {
		t.Fatalf("expected the non-rejected piece to be requested next")
	}
	if _, ok := tr.NextRequest(now); !ok {
		t.Fatalf("rejected piece should be immediately re-requestable")
	}
}

func TestServeQueueCapAndPrivate(t *testing.T) {
	infoDict, hash := buildInfoDict(t, 1)

	priv := NewWithMetadata(hash, true, infoDict)
	if _, err := priv.RequestToServe(0); err != ErrPrivateTorrent {
		t.Fatalf("private torrent should refuse to serve: err = %v", err)
	}

	pub := NewWithMetadata(hash, false, infoDict)
	for i := 0; i < ServeQueueCap; i++ {
		action, err := pub.RequestToServe(0)
		if err != nil || action != ServeEnqueue {
			t.Fatalf("request %d: action=%v err=%v; want enqueue", i, action, err)
		}
	}
	if action, _ := pub.RequestToServe(0); action != ServeReject {
		t.Fatalf("request beyond cap should be rejected")
	}
	pub.Served()
	if action, err := pub.RequestToServe(0); err != nil || action != ServeEnqueue {
		t.Fatalf("after Served(), a slot should free up: action=%v err=%v", action, err)
	}
}

func TestPieceToServeRoundtrip(t *testing.T) {
	infoDict, hash := buildInfoDict(t, 3)
	tr := NewWithMetadata(hash, false, infoDict)

	var assembled []byte
	for p := 0; p < tr.PieceCount(); p++ {
		payload, total, err := tr.PieceToServe(p)
		if err != nil {
			t.Fatalf("PieceToServe(%d): %v", p, err)
		}
		if total != len(infoDict) {
			t.Fatalf("total = %d; want %d", total, len(infoDict))
		}
		assembled = append(assembled, payload...)
	}
	if !bytes.Equal(assembled, infoDict) {
		t.Fatalf("reassembled bytes don't match original info-dict")
	}
}
