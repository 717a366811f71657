package completion

import (
	"testing"

	"github.com/prxssh/rabbit/internal/blockinfo"
)

func newTestInfo() blockinfo.BlockInfo {
	// 4 pieces of 2 blocks each (pieceSize == 2*BlockSize), last piece
	// shortened by one byte to exercise boundary math.
	pieceSize := int64(2 * blockinfo.BlockSize)
	total := pieceSize*3 + (2*blockinfo.BlockSize - 1)
	return blockinfo.New(total, pieceSize)
}

func TestAddBlockIdempotentAndSizeNow(t *testing.T) {
	info := newTestInfo()
	c := New(info, nil)

	if err := c.AddBlock(0); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if err := c.AddBlock(0); err != nil {
		t.Fatalf("AddBlock idempotent: %v", err)
	}
	if got := c.HasTotal(); got != blockinfo.BlockSize {
		t.Fatalf("HasTotal() = %d; want %d", got, blockinfo.BlockSize)
	}
	if !c.HasBlock(0) {
		t.Fatalf("HasBlock(0) = false")
	}
}

func TestHasPieceRequiresAllBlocks(t *testing.T) {
	info := newTestInfo()
	c := New(info, nil)

	span := info.BlockSpanForPiece(0)
	if c.HasPiece(0) {
		t.Fatalf("HasPiece(0) should be false before any block added")
	}
	for b := span.Start; b < span.End-1; b++ {
		c.AddBlock(b)
	}
	if c.HasPiece(0) {
		t.Fatalf("HasPiece(0) should be false with one block missing")
	}
	c.AddBlock(span.End - 1)
	if !c.HasPiece(0) {
		t.Fatalf("HasPiece(0) should be true with every block present")
	}
}

func TestRemovePieceSilentOnPartial(t *testing.T) {
	info := newTestInfo()
	c := New(info, nil)

	span := info.BlockSpanForPiece(0)
	c.AddBlock(span.Start) // only partially have it

	if err := c.RemovePiece(0); err != nil {
		t.Fatalf("RemovePiece on a partial piece errored: %v", err)
	}
	if !c.HasBlock(span.Start) {
		t.Fatalf("RemovePiece should be a silent no-op on a partial piece")
	}

	c.AddPiece(0)
	if !c.HasPiece(0) {
		t.Fatalf("AddPiece should complete the piece")
	}
	if err := c.RemovePiece(0); err != nil {
		t.Fatalf("RemovePiece: %v", err)
	}
	if c.HasPiece(0) {
		t.Fatalf("RemovePiece should clear a fully-had piece")
	}
}

func TestSizeWhenDoneRespectsWantedPredicate(t *testing.T) {
	info := newTestInfo()
	// Only piece 0 is wanted.
	c := New(info, func(p int) bool { return p == 0 })

	want := info.PieceSizeAt(0)
	if got := c.SizeWhenDone(); got != want {
		t.Fatalf("SizeWhenDone() = %d; want %d", got, want)
	}

	// Downloading bytes of an unwanted piece still counts toward
	// size_when_done (spec.md §4.3).
	c.AddPiece(2)
	want += info.PieceSizeAt(2)
	if got := c.SizeWhenDone(); got != want {
		t.Fatalf("SizeWhenDone() after unwanted piece = %d; want %d", got, want)
	}
}

func TestHasValidNeverCountsPartialPiece(t *testing.T) {
	info := newTestInfo()
	c := New(info, nil)

	span := info.BlockSpanForPiece(1)
	c.AddBlock(span.Start)
	if got := c.HasValid(); got != 0 {
		t.Fatalf("HasValid() = %d; want 0 for a partial piece", got)
	}

	c.AddPiece(1)
	if got := c.HasValid(); got != info.PieceSizeAt(1) {
		t.Fatalf("HasValid() = %d; want %d", got, info.PieceSizeAt(1))
	}
}

func TestStatusTransitions(t *testing.T) {
	info := newTestInfo()
	c := New(info, nil)

	if c.Status() != StatusLeech {
		t.Fatalf("Status() = %v; want TR_LEECH", c.Status())
	}

	for p := 0; p < info.PieceCount(); p++ {
		c.AddPiece(p)
	}
	if c.Status() != StatusSeed {
		t.Fatalf("Status() = %v; want TR_SEED", c.Status())
	}
}

func TestPartialSeedStatus(t *testing.T) {
	info := newTestInfo()
	wanted := func(p int) bool { return p != info.PieceCount()-1 }
	c := New(info, wanted)

	for p := 0; p < info.PieceCount()-1; p++ {
		c.AddPiece(p)
	}
	if got := c.Status(); got != StatusPartialSeed {
		t.Fatalf("Status() = %v; want TR_PARTIAL_SEED", got)
	}
}

func TestInvariantOrdering(t *testing.T) {
	info := newTestInfo()
	c := New(info, func(p int) bool { return p%2 == 0 })

	for p := 0; p < info.PieceCount(); p++ {
		if p%3 == 0 {
			c.AddPiece(p)
		}
	}

	if c.HasValid() > c.HasTotal() {
		t.Fatalf("HasValid() %d > HasTotal() %d", c.HasValid(), c.HasTotal())
	}
	if c.HasTotal() > c.SizeWhenDone() {
		t.Fatalf("HasTotal() %d > SizeWhenDone() %d", c.HasTotal(), c.SizeWhenDone())
	}
	if c.SizeWhenDone() > info.TotalSize() {
		t.Fatalf("SizeWhenDone() %d > TotalSize() %d", c.SizeWhenDone(), info.TotalSize())
	}
}

func TestCreatePieceBitfield(t *testing.T) {
	info := newTestInfo()
	c := New(info, nil)
	c.AddPiece(0)
	c.AddPiece(2)

	pbf := c.CreatePieceBitfield()
	if !pbf.Test(0) || !pbf.Test(2) {
		t.Fatalf("expected pieces 0 and 2 set")
	}
	if pbf.Test(1) || pbf.Test(3) {
		t.Fatalf("expected pieces 1 and 3 clear")
	}
}

func TestSetHasAll(t *testing.T) {
	info := newTestInfo()
	c := New(info, func(p int) bool { return p == 0 })
	c.SetHasAll()

	if !c.HasAll() {
		t.Fatalf("HasAll() = false after SetHasAll")
	}
	if got := c.HasTotal(); got != info.TotalSize() {
		t.Fatalf("HasTotal() = %d; want %d", got, info.TotalSize())
	}
	if got := c.SizeWhenDone(); got != info.TotalSize() {
		t.Fatalf("SizeWhenDone() = %d; want %d", got, info.TotalSize())
	}
	if c.Status() != StatusSeed {
		t.Fatalf("Status() = %v; want TR_SEED", c.Status())
	}
}
