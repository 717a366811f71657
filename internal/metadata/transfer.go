package metadata

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/meta"
)

// State is a per-torrent metadata-exchange state, per spec.md §4.4.
type State int

const (
	// StateUnneeded: the info-dict is already known; Transfer does no
	// fetching work, though it may still serve pieces to other peers.
	StateUnneeded State = iota
	// StateSizing: no size hint yet. Waiting on a peer's LTEP handshake
	// metadata_size.
	StateSizing
	// StateFetching: a pending-piece list exists and requests are being
	// issued round-robin.
	StateFetching
	// StateVerifying: every piece has been received; the assembled
	// buffer is being SHA-1 checked against the torrent's info-hash.
	StateVerifying
)

func (s State) String() string {
	switch s {
	case StateUnneeded:
		return "unneeded"
	case StateSizing:
		return "sizing"
	case StateFetching:
		return "fetching"
	case StateVerifying:
		return "verifying"
	default:
		return "unknown"
	}
}

// MinReRequestInterval is the minimum time between two requests for the
// same metadata piece.
const MinReRequestInterval = 3 * time.Second

// ServeQueueCap bounds how many metadata_request entries from peers we will
// queue to serve before rejecting further requests.
const ServeQueueCap = 64

// MaxMetadataSize is a hard cap on an info-dict's advertised size, guarding
// against a peer sending an unbounded metadata_size to exhaust memory.
const MaxMetadataSize = 32 << 20 // 32 MiB

var (
	// ErrAlreadySized is returned by SetSizeHint once a size has already
	// been accepted; only the first hint is honored.
	ErrAlreadySized = errors.New("metadata: size hint already set")
	// ErrSizeTooLarge is returned when a size hint exceeds MaxMetadataSize.
	ErrSizeTooLarge = errors.New("metadata: size hint exceeds cap")
	// ErrNotFetching is returned by OnPieceData/OnReject when called
	// outside StateFetching.
	ErrNotFetching = errors.New("metadata: not fetching")
	// ErrPieceRange is returned for a piece index outside [0, pieceCount).
	ErrPieceRange = errors.New("metadata: piece index out of range")
	// ErrWrongPieceLength is returned when received piece data's length
	// doesn't match BEP-9's exact-size rule.
	ErrWrongPieceLength = errors.New("metadata: wrong piece length")
	// ErrPrivateTorrent is returned by RequestToServe for a private
	// torrent: we never serve metadata for those.
	ErrPrivateTorrent = errors.New("metadata: torrent is private")
)

type pendingPiece struct {
	piece       int
	requestedAt time.Time // zero value: never requested
}

// ServeAction is the outcome of a peer's metadata_request: either enqueue
// our own pending-to-serve work or reject outright.
type ServeAction int

const (
	ServeEnqueue ServeAction = iota
	ServeReject
)

// Transfer tracks one torrent's BEP-9 metadata exchange: the fetch-side
// state machine plus the serve-side rate limiting.
type Transfer struct {
	mu sync.Mutex

	infoHash [sha1.Size]byte
	private  bool

	state      State
	size       int
	pieceCount int
	buf        []byte
	pending    []pendingPiece // round-robin queue, head is next candidate

	infoDict  []byte // set once we have the complete, verified info-dict
	serveHead int    // count of entries currently enqueued to serve

	maxSize int // session-configured ceiling; defaults to MaxMetadataSize
}

// New creates a Transfer for a torrent whose info-dict is not yet known.
func New(infoHash [sha1.Size]byte, private bool) *Transfer {
	return &Transfer{infoHash: infoHash, private: private, state: StateSizing, maxSize: MaxMetadataSize}
}

// SetMaxSize overrides the size-hint ceiling, e.g. from config.Config's
// MetadataMaxSize. Must be called before SetSizeHint.
func (t *Transfer) SetMaxSize(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 {
		t.maxSize = n
	}
}

// NewWithMetadata creates a Transfer for a torrent whose info-dict is
// already known (the common case: a .torrent file was loaded directly, or a
// prior magnet fetch already completed). It starts in StateUnneeded and can
// immediately serve pieces to other peers.
func NewWithMetadata(infoHash [sha1.Size]byte, private bool, infoDict []byte) *Transfer {
	return &Transfer{
		infoHash: infoHash,
		private:  private,
		state:    StateUnneeded,
		infoDict: infoDict,
		size:     len(infoDict),
	}
}

// State reports the current fetch-side state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HasMetadata reports whether the info-dict is fully known.
func (t *Transfer) HasMetadata() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoDict != nil
}

// InfoDict returns the raw info-dict bytes, if known.
func (t *Transfer) InfoDict() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.infoDict == nil {
		return nil, false
	}
	out := make([]byte, len(t.infoDict))
	copy(out, t.infoDict)
	return out, true
}

// SetSizeHint accepts the first metadata_size seen in a peer's LTEP
// handshake, transitioning Sizing -> Fetching. Only the first hint is
// honored; subsequent calls return ErrAlreadySized. A hint exceeding
// MaxMetadataSize is rejected without changing state.
func (t *Transfer) SetSizeHint(size int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateSizing {
		return ErrAlreadySized
	}
	if size <= 0 || size > t.maxSize {
		return ErrSizeTooLarge
	}

	t.size = size
	t.pieceCount = (size + PieceSize - 1) / PieceSize
	t.buf = make([]byte, size)
	t.pending = make([]pendingPiece, t.pieceCount)
	for i := range t.pending {
		t.pending[i] = pendingPiece{piece: i}
	}
	t.state = StateFetching
	return nil
}

// NextRequest returns the next metadata piece to request, if the
// round-robin head has waited at least MinReRequestInterval since it was
// last requested. ok is false if there's nothing eligible right now (either
// not fetching, or the head was requested too recently).
func (t *Transfer) NextRequest(now time.Time) (piece int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateFetching || len(t.pending) == 0 {
		return 0, false
	}

	head := t.pending[0]
	if !head.requestedAt.IsZero() && now.Sub(head.requestedAt) < MinReRequestInterval {
		return 0, false
	}

	t.pending = append(t.pending[1:], pendingPiece{piece: head.piece, requestedAt: now})
	return head.piece, true
}

// OnReject returns piece to the tail of the pending list unrequested, per
// spec.md §4.4's "all failures here are recoverable" rule — a peer's
// reject simply leaves the piece pending for a future request.
func (t *Transfer) OnReject(piece int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateFetching {
		return ErrNotFetching
	}
	for i, p := range t.pending {
		if p.piece == piece {
			t.pending[i].requestedAt = time.Time{}
			return nil
		}
	}
	// Already satisfied or not ours to track; nothing to do.
	return nil
}

// OnPieceData records a received metadata piece. When every piece has
// arrived it verifies the assembled buffer's SHA-1 against the torrent's
// info-hash: on match it parses and returns the Info, transitioning to
// Unneeded; on mismatch it discards the buffer, rebuilds the pending list,
// and returns to Fetching, per spec.md §4.4.
func (t *Transfer) OnPieceData(piece int, data []byte, now time.Time) (*meta.Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateFetching {
		return nil, ErrNotFetching
	}
	if piece < 0 || piece >= t.pieceCount {
		return nil, ErrPieceRange
	}

	expected := PieceSize
	if piece == t.pieceCount-1 {
		expected = t.size - piece*PieceSize
	}
	if len(data) != expected {
		return nil, ErrWrongPieceLength
	}

	copy(t.buf[piece*PieceSize:], data)

	idx := -1
	for i, p := range t.pending {
		if p.piece == piece {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Duplicate delivery for a piece we no longer need; data already
		// copied above is harmless (idempotent overwrite).
		return nil, nil
	}
	t.pending = append(t.pending[:idx], t.pending[idx+1:]...)

	if len(t.pending) > 0 {
		return nil, nil
	}

	t.state = StateVerifying
	sum := sha1.Sum(t.buf)
	if sum != t.infoHash {
		t.pending = make([]pendingPiece, t.pieceCount)
		for i := range t.pending {
			t.pending[i] = pendingPiece{piece: i}
		}
		t.state = StateFetching
		return nil, fmt.Errorf("metadata: checksum mismatch, retrying all %d pieces", t.pieceCount)
	}

	info, hash, err := meta.ParseInfoDict(t.buf)
	if err != nil || hash != t.infoHash {
		t.pending = make([]pendingPiece, t.pieceCount)
		for i := range t.pending {
			t.pending[i] = pendingPiece{piece: i}
		}
		t.state = StateFetching
		if err == nil {
			err = fmt.Errorf("metadata: info hash mismatch after parse")
		}
		return nil, fmt.Errorf("metadata: %w, retrying all %d pieces", err, t.pieceCount)
	}

	t.infoDict = t.buf
	t.buf = nil
	t.state = StateUnneeded
	return info, nil
}

// PieceCount returns how many metadata pieces compose the info-dict, valid
// once sized (Fetching/Verifying) or once known (Unneeded with metadata).
func (t *Transfer) PieceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.infoDict != nil {
		return (len(t.infoDict) + PieceSize - 1) / PieceSize
	}
	return t.pieceCount
}

// RequestToServe decides whether a peer's metadata_request for piece should
// be enqueued or rejected: private torrents and unknown pieces are always
// rejected, and the serve queue is capped at ServeQueueCap in-flight
// entries. Callers must pair every ServeEnqueue with a later Served call.
func (t *Transfer) RequestToServe(piece int) (ServeAction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.private {
		return ServeReject, ErrPrivateTorrent
	}
	if t.infoDict == nil {
		return ServeReject, nil
	}
	pieceCount := (len(t.infoDict) + PieceSize - 1) / PieceSize
	if piece < 0 || piece >= pieceCount {
		return ServeReject, ErrPieceRange
	}
	if t.serveHead >= ServeQueueCap {
		return ServeReject, nil
	}

	t.serveHead++
	return ServeEnqueue, nil
}

// Served must be called once a previously enqueued ServeEnqueue request has
// actually been sent back out, freeing a serve-queue slot.
func (t *Transfer) Served() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.serveHead > 0 {
		t.serveHead--
	}
}

// PieceToServe returns the raw bytes of metadata piece p and the info-dict's
// total size, for building a ut_metadata "data" reply.
func (t *Transfer) PieceToServe(p int) (payload []byte, totalSize int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.infoDict == nil {
		return nil, 0, fmt.Errorf("metadata: no info-dict to serve")
	}

	total := len(t.infoDict)
	start := p * PieceSize
	if start < 0 || start >= total {
		return nil, 0, ErrPieceRange
	}
	end := start + PieceSize
	if end > total {
		end = total
	}

	out := make([]byte, end-start)
	copy(out, t.infoDict[start:end])
	return out, total, nil
}
