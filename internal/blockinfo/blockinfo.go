// Package blockinfo implements the pure byte/piece/block arithmetic shared
// by every other component: a BlockInfo is a value object built from
// (total_size, piece_size) with no I/O and no failure modes for in-range
// queries. Callers must not query pieces or blocks past the end; doing so is
// a precondition violation, not a recoverable error, matching spec.md §4.1.
package blockinfo

// BlockSize is the wire-level request granularity: the unit of peer
// requests. All blocks are BlockSize bytes except the final block of the
// final piece, which may be shorter.
const BlockSize = 16 * 1024

// BlockInfo is an immutable value describing how a torrent's bytes are
// sliced into pieces and blocks.
type BlockInfo struct {
	totalSize  int64
	pieceSize  int64
	pieceCount int
	blockCount int

	lastPieceSize int64
	lastBlockSize int64 // size of the final block of the final piece
}

// New builds a BlockInfo from a torrent's total size and piece size. Both
// must be non-negative; totalSize == 0 yields a BlockInfo with zero pieces
// and zero blocks.
func New(totalSize, pieceSize int64) BlockInfo {
	if totalSize < 0 {
		totalSize = 0
	}
	if pieceSize < 0 {
		pieceSize = 0
	}

	bi := BlockInfo{totalSize: totalSize, pieceSize: pieceSize}

	if totalSize == 0 || pieceSize == 0 {
		return bi
	}

	bi.pieceCount = ceilDiv(totalSize, pieceSize)
	bi.blockCount = ceilDiv(totalSize, BlockSize)

	lastPieceSize := totalSize % pieceSize
	if lastPieceSize == 0 {
		lastPieceSize = pieceSize
	}
	bi.lastPieceSize = lastPieceSize

	lastBlockSize := totalSize % BlockSize
	if lastBlockSize == 0 {
		lastBlockSize = BlockSize
	}
	bi.lastBlockSize = lastBlockSize

	return bi
}

func ceilDiv(a, b int64) int {
	return int((a + b - 1) / b)
}

// TotalSize returns the torrent's total byte length.
func (bi BlockInfo) TotalSize() int64 { return bi.totalSize }

// PieceSize returns the nominal (non-final) piece size.
func (bi BlockInfo) PieceSize() int64 { return bi.pieceSize }

// PieceCount returns ceil(total_size / piece_size), or 0 for a 0-byte
// torrent.
func (bi BlockInfo) PieceCount() int { return bi.pieceCount }

// BlockCount returns ceil(total_size / BlockSize), torrent-wide.
func (bi BlockInfo) BlockCount() int { return bi.blockCount }

// PieceSizeAt returns the exact byte length of piece p. Callers must ensure
// 0 <= p < PieceCount(); out-of-range p is a precondition violation and
// returns 0.
func (bi BlockInfo) PieceSizeAt(p int) int64 {
	if p < 0 || p >= bi.pieceCount {
		return 0
	}
	if p == bi.pieceCount-1 {
		return bi.lastPieceSize
	}
	return bi.pieceSize
}

// BlockSizeAt returns the exact byte length of block b, torrent-wide.
// block_size(b) == BlockSize for every block but the last.
func (bi BlockInfo) BlockSizeAt(b int) int64 {
	if b < 0 || b >= bi.blockCount {
		return 0
	}
	if b == bi.blockCount-1 {
		return bi.lastBlockSize
	}
	return BlockSize
}

// BlocksInPiece returns how many blocks compose piece p.
func (bi BlockInfo) BlocksInPiece(p int) int {
	if p < 0 || p >= bi.pieceCount {
		return 0
	}
	sz := bi.PieceSizeAt(p)
	return ceilDiv(sz, BlockSize)
}

// ByteLoc is the result of mapping a global byte offset to its piece/block
// coordinates.
type ByteLoc struct {
	Byte         int64
	Piece        int
	PieceOffset  int64
	Block        int
	BlockOffset  int64
}

// ByteLoc maps a global byte offset to (piece, piece_offset, block,
// block_offset). byte must be in [0, total_size); out-of-range input returns
// the zero value.
func (bi BlockInfo) ByteLoc(byte int64) ByteLoc {
	if byte < 0 || byte >= bi.totalSize || bi.pieceSize == 0 {
		return ByteLoc{}
	}

	piece := int(byte / bi.pieceSize)
	pieceOffset := byte % bi.pieceSize

	block := int(byte / BlockSize)
	blockOffset := byte % BlockSize

	return ByteLoc{
		Byte:        byte,
		Piece:       piece,
		PieceOffset: pieceOffset,
		Block:       block,
		BlockOffset: blockOffset,
	}
}

// Span is a half-open range [Start, End).
type Span struct {
	Start, End int64
}

// ByteSpanForPiece returns the [start,end) byte range of piece p in the
// torrent-wide stream.
func (bi BlockInfo) ByteSpanForPiece(p int) Span {
	if p < 0 || p >= bi.pieceCount {
		return Span{}
	}
	start := int64(p) * bi.pieceSize
	return Span{Start: start, End: start + bi.PieceSizeAt(p)}
}

// BlockSpan is a half-open range of torrent-wide block indices [Start, End).
type BlockSpan struct {
	Start, End int
}

// BlockSpanForPiece returns the torrent-wide block-index range [start,end)
// covered by piece p.
func (bi BlockInfo) BlockSpanForPiece(p int) BlockSpan {
	if p < 0 || p >= bi.pieceCount {
		return BlockSpan{}
	}
	bytes := bi.ByteSpanForPiece(p)
	start := int(bytes.Start / BlockSize)
	end := ceilDiv(bytes.End, BlockSize)
	return BlockSpan{Start: start, End: end}
}

// PieceForBlock returns the piece index containing torrent-wide block b.
func (bi BlockInfo) PieceForBlock(b int) int {
	if b < 0 || b >= bi.blockCount || bi.pieceSize == 0 {
		return -1
	}
	byteOffset := int64(b) * BlockSize
	return int(byteOffset / bi.pieceSize)
}

// BlockOffsetInPiece returns the byte offset of block b from the start of
// its piece, and the block's length.
func (bi BlockInfo) BlockOffsetInPiece(b int) (begin int64, length int64) {
	if b < 0 || b >= bi.blockCount {
		return 0, 0
	}
	byteOffset := int64(b) * BlockSize
	p := bi.PieceForBlock(b)
	pieceStart := bi.ByteSpanForPiece(p).Start
	return byteOffset - pieceStart, bi.BlockSizeAt(b)
}
