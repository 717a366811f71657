package blockinfo

import "testing"

func TestZeroByteTorrent(t *testing.T) {
	bi := New(0, 32768)
	if bi.PieceCount() != 0 {
		t.Fatalf("PieceCount() = %d; want 0", bi.PieceCount())
	}
	if bi.BlockCount() != 0 {
		t.Fatalf("BlockCount() = %d; want 0", bi.BlockCount())
	}
}

func TestExactMultipleBoundary(t *testing.T) {
	// total is an exact multiple of pieceSize * BlockSize.
	pieceSize := int64(4 * BlockSize)
	total := pieceSize * 3
	bi := New(total, pieceSize)

	if got := bi.PieceSizeAt(bi.PieceCount() - 1); got != pieceSize {
		t.Fatalf("final piece size = %d; want %d", got, pieceSize)
	}
	if got := bi.BlockSizeAt(bi.BlockCount() - 1); got != BlockSize {
		t.Fatalf("final block size = %d; want %d", got, BlockSize)
	}
}

func TestShortLastPieceAndBlock(t *testing.T) {
	pieceSize := int64(32 * 1024)
	total := int64(32*1024*3 + 10000) // 3 full pieces + a short 4th
	bi := New(total, pieceSize)

	if bi.PieceCount() != 4 {
		t.Fatalf("PieceCount() = %d; want 4", bi.PieceCount())
	}
	if got := bi.PieceSizeAt(3); got != 10000 {
		t.Fatalf("last piece size = %d; want 10000", got)
	}
	for p := 0; p < 3; p++ {
		if got := bi.PieceSizeAt(p); got != pieceSize {
			t.Fatalf("piece %d size = %d; want %d", p, got, pieceSize)
		}
	}
}

func TestByteLocTotalAndOneToOne(t *testing.T) {
	pieceSize := int64(3 * BlockSize)
	total := pieceSize*2 + 5000
	bi := New(total, pieceSize)

	seen := make(map[int64]ByteLoc)
	for x := int64(0); x < total; x++ {
		loc := bi.ByteLoc(x)
		if loc.Byte != x {
			t.Fatalf("ByteLoc(%d).Byte = %d; want %d", x, loc.Byte, x)
		}
		if loc.Piece >= bi.PieceCount() {
			t.Fatalf("ByteLoc(%d).Piece = %d >= PieceCount %d", x, loc.Piece, bi.PieceCount())
		}
		if loc.Block >= bi.BlockCount() {
			t.Fatalf("ByteLoc(%d).Block = %d >= BlockCount %d", x, loc.Block, bi.BlockCount())
		}
		if prev, ok := seen[x]; ok && prev != loc {
			t.Fatalf("ByteLoc(%d) not deterministic: %+v vs %+v", x, prev, loc)
		}
		seen[x] = loc
	}
}

func TestBlockSpanForPieceCoversWholePiece(t *testing.T) {
	pieceSize := int64(5 * BlockSize)
	total := pieceSize*2 + BlockSize + 123
	bi := New(total, pieceSize)

	for p := 0; p < bi.PieceCount(); p++ {
		span := bi.BlockSpanForPiece(p)
		for b := span.Start; b < span.End; b++ {
			if got := bi.PieceForBlock(b); got != p {
				t.Fatalf("PieceForBlock(%d) = %d; want %d", b, got, p)
			}
		}
	}
}

func TestBlockOffsetInPiece(t *testing.T) {
	pieceSize := int64(4 * BlockSize)
	total := pieceSize * 2
	bi := New(total, pieceSize)

	span := bi.BlockSpanForPiece(1)
	for i, b := 0, span.Start; b < span.End; i, b = i+1, b+1 {
		begin, length := bi.BlockOffsetInPiece(b)
		if begin != int64(i)*BlockSize {
			t.Fatalf("block %d begin = %d; want %d", b, begin, int64(i)*BlockSize)
		}
		if length != BlockSize {
			t.Fatalf("block %d length = %d; want %d", b, length, BlockSize)
		}
	}
}
