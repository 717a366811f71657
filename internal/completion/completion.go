// Package completion is the authoritative record of which blocks and pieces
// of a torrent are present locally, plus the derived statistics ("size now",
// "have valid", "size when done") other components and the UI read.
//
// A Completion owns its block bitfield exclusively; it holds non-owning
// references to a blockinfo.BlockInfo and to an externally supplied
// piece-wanted predicate (file selection / priority lives outside this
// package). Every mutator invalidates the lazily-recomputed cache fields;
// every reader recomputes them on first access after invalidation.
package completion

import (
	"fmt"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/blockinfo"
)

// Status mirrors Transmission's tr_completeness enum.
type Status int

const (
	StatusLeech Status = iota
	StatusPartialSeed
	StatusSeed
)

func (s Status) String() string {
	switch s {
	case StatusSeed:
		return "TR_SEED"
	case StatusPartialSeed:
		return "TR_PARTIAL_SEED"
	default:
		return "TR_LEECH"
	}
}

// PieceWanted reports whether piece p should count toward size_when_done.
// Callers typically close over file-priority/do-not-download state.
type PieceWanted func(piece int) bool

// Completion tracks block-level completion for one torrent.
type Completion struct {
	info    blockinfo.BlockInfo
	wanted  PieceWanted
	blocks  *bitfield.Bitfield
	haveAll bool // set() shortcut mirrored from blocks.HasAll() for fast status checks

	sizeNow int64 // maintained incrementally; never invalidated

	sizeWhenDoneValid bool
	sizeWhenDone      int64

	hasValidValid bool
	hasValid      int64
}

// New creates a Completion over info with every block initially absent.
// wanted may be nil, meaning every piece is wanted (typical until file
// priorities are loaded).
func New(info blockinfo.BlockInfo, wanted PieceWanted) *Completion {
	if wanted == nil {
		wanted = func(int) bool { return true }
	}
	return &Completion{
		info:   info,
		wanted: wanted,
		blocks: bitfield.New(info.BlockCount()),
	}
}

func (c *Completion) invalidate() {
	c.sizeWhenDoneValid = false
	c.hasValidValid = false
}

// AddBlock records block b as present. Idempotent: adding an already-present
// block is a no-op. Returns an error only for an out-of-range block index.
func (c *Completion) AddBlock(b int) error {
	if c.blocks.Test(b) {
		return nil
	}
	if err := c.blocks.Set(b); err != nil {
		return err
	}
	c.sizeNow += c.info.BlockSizeAt(b)
	c.haveAll = c.blocks.HasAll()
	c.invalidate()
	return nil
}

// AddPiece marks every block of piece p present; shorthand for calling
// AddBlock across the piece's block span.
func (c *Completion) AddPiece(p int) error {
	span := c.info.BlockSpanForPiece(p)
	for b := span.Start; b < span.End; b++ {
		if err := c.AddBlock(b); err != nil {
			return err
		}
	}
	return nil
}

// RemovePiece clears every block of piece p. Per spec.md §4.3, removing a
// piece we do not fully have is a silent no-op rather than an error — a
// checksum-mismatch re-download request may race with a piece that was only
// partially received.
func (c *Completion) RemovePiece(p int) error {
	if !c.HasPiece(p) {
		return nil
	}
	span := c.info.BlockSpanForPiece(p)
	for b := span.Start; b < span.End; b++ {
		if c.blocks.Test(b) {
			c.sizeNow -= c.info.BlockSizeAt(b)
			if err := c.blocks.Clear(b); err != nil {
				return err
			}
		}
	}
	c.haveAll = c.blocks.HasAll()
	c.invalidate()
	return nil
}

// SetBlocks replaces the block bitfield wholesale, e.g. when loading a
// resume file. bf must address the same number of blocks as info.
func (c *Completion) SetBlocks(bf *bitfield.Bitfield) error {
	if bf.Len() != c.info.BlockCount() {
		return errInvalidBlockCount{got: bf.Len(), want: c.info.BlockCount()}
	}
	c.blocks = bf.Clone()
	c.haveAll = c.blocks.HasAll()
	c.sizeNow = c.recomputeSizeNow()
	c.invalidate()
	return nil
}

// SetHasAll marks every block present (seed state), typically on completing
// a download or loading a resume file with progress.have == "all".
func (c *Completion) SetHasAll() {
	c.blocks.SetHasAll()
	c.haveAll = true
	c.sizeNow = c.info.TotalSize()
	c.invalidate()
}

func (c *Completion) recomputeSizeNow() int64 {
	var total int64
	n := c.info.BlockCount()
	for b := 0; b < n; b++ {
		if c.blocks.Test(b) {
			total += c.info.BlockSizeAt(b)
		}
	}
	return total
}

// HasBlock reports whether block b is present.
func (c *Completion) HasBlock(b int) bool { return c.blocks.Test(b) }

// HasBlocks reports whether every block in [span.Start, span.End) is
// present.
func (c *Completion) HasBlocks(span blockinfo.BlockSpan) bool {
	return c.blocks.CountRange(span.Start, span.End) == span.End-span.Start
}

// HasPiece reports whether every block of piece p is present.
func (c *Completion) HasPiece(p int) bool {
	span := c.info.BlockSpanForPiece(p)
	return c.HasBlocks(span)
}

// HasTotal returns size_now: bytes of data we have, complete or not.
func (c *Completion) HasTotal() int64 { return c.sizeNow }

// HasAll reports whether we have every block of the torrent.
func (c *Completion) HasAll() bool { return c.haveAll }

// HasValid returns the bytes contained in fully-complete, verified-eligible
// pieces — i.e. never includes a partial piece. Lazily recomputed.
func (c *Completion) HasValid() int64 {
	if c.hasValidValid {
		return c.hasValid
	}

	var total int64
	for p := 0; p < c.info.PieceCount(); p++ {
		if c.HasPiece(p) {
			total += c.info.PieceSizeAt(p)
		}
	}
	c.hasValid = total
	c.hasValidValid = true
	return c.hasValid
}

// SizeWhenDone returns the bytes we will have once every wanted file is
// complete, including bytes of unwanted files we already happen to have.
// Lazily recomputed after any mutation or change in what's wanted.
func (c *Completion) SizeWhenDone() int64 {
	if c.sizeWhenDoneValid {
		return c.sizeWhenDone
	}

	if c.haveAll {
		c.sizeWhenDone = c.info.TotalSize()
		c.sizeWhenDoneValid = true
		return c.sizeWhenDone
	}

	var total int64
	for p := 0; p < c.info.PieceCount(); p++ {
		if c.wanted(p) {
			total += c.info.PieceSizeAt(p)
			continue
		}
		span := c.info.BlockSpanForPiece(p)
		for b := span.Start; b < span.End; b++ {
			if c.blocks.Test(b) {
				total += c.info.BlockSizeAt(b)
			}
		}
	}
	c.sizeWhenDone = total
	c.sizeWhenDoneValid = true
	return c.sizeWhenDone
}

// LeftUntilDone returns size_when_done - has_total.
func (c *Completion) LeftUntilDone() int64 {
	return c.SizeWhenDone() - c.HasTotal()
}

// PercentDone returns HasTotal/SizeWhenDone in [0,1], or 1 if SizeWhenDone is
// 0 (nothing wanted).
func (c *Completion) PercentDone() float64 {
	swd := c.SizeWhenDone()
	if swd <= 0 {
		return 1
	}
	return float64(c.HasTotal()) / float64(swd)
}

// PercentComplete returns HasTotal/TotalSize in [0,1].
func (c *Completion) PercentComplete() float64 {
	total := c.info.TotalSize()
	if total <= 0 {
		return 1
	}
	return float64(c.HasTotal()) / float64(total)
}

// Status reports TR_SEED / TR_PARTIAL_SEED / TR_LEECH per spec.md §4.3.
func (c *Completion) Status() Status {
	if c.haveAll {
		return StatusSeed
	}
	if c.HasTotal() == c.SizeWhenDone() {
		return StatusPartialSeed
	}
	return StatusLeech
}

// CreatePieceBitfield derives a piece-indexed bitfield (one bit per piece,
// set iff the piece is fully present) from the block-indexed bitfield this
// Completion owns.
func (c *Completion) CreatePieceBitfield() *bitfield.Bitfield {
	out := bitfield.New(c.info.PieceCount())
	if c.haveAll {
		out.SetHasAll()
		return out
	}
	for p := 0; p < c.info.PieceCount(); p++ {
		if c.HasPiece(p) {
			_ = out.Set(p)
		}
	}
	return out
}

// AmountDone fills tab with the fraction done (in [0,1]) for len(tab) evenly
// sized chunks of the torrent's byte range, for UI progress bars. A chunk
// with zero wanted/total bytes reports 1 (nothing left to do there).
func (c *Completion) AmountDone(tab []float64) {
	n := len(tab)
	if n == 0 {
		return
	}
	total := c.info.TotalSize()
	if total <= 0 {
		for i := range tab {
			tab[i] = 1
		}
		return
	}

	for i := 0; i < n; i++ {
		start := total * int64(i) / int64(n)
		end := total * int64(i+1) / int64(n)
		if end <= start {
			tab[i] = 1
			continue
		}

		startLoc := c.info.ByteLoc(start)
		endByte := end - 1
		endLoc := c.info.ByteLoc(endByte)

		haveBlocks := c.blocks.CountRange(startLoc.Block, endLoc.Block+1)
		totalBlocks := endLoc.Block - startLoc.Block + 1
		if totalBlocks <= 0 {
			tab[i] = 1
			continue
		}
		tab[i] = float64(haveBlocks) / float64(totalBlocks)
	}
}

type errInvalidBlockCount struct {
	got, want int
}

func (e errInvalidBlockCount) Error() string {
	return fmt.Sprintf("completion: block count mismatch: got %d, want %d", e.got, e.want)
}
