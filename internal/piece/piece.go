package piece

import (
	"crypto/sha1"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
)

const MaxBlockLength = 16 * 1024 // 16KB

type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	requests uint32
	status   Status
	owners   []*blockOwner
}

type piece struct {
	index         uint32
	status        Status
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	blocks        []*block
	hash          [sha1.Size]byte
}

type Manager struct {
	logger          *slog.Logger
	mut             sync.RWMutex
	pieces          []*piece
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32
	blockCount      uint32

	// availability tracks, per piece, how many connected peers have
	// announced it, letting AssignRarestFirstBlocks favor the scarcest
	// pieces in the swarm first.
	availability *availabilityBucket
	peerMu       sync.Mutex
	peerBitfields map[netip.AddrPort]*bitfield.Bitfield
}

// TODO: check timeouts and free blocks
func NewManager(
	pieceHashes [][sha1.Size]byte,
	pieceLen uint32,
	size uint64,
	logger *slog.Logger,
) (*Manager, error) {
	lastPieceLen, ok := LastPieceLength(size, pieceLen)
	if !ok {
		return nil, errors.New("out of bounds")
	}

	n := len(pieceHashes)
	pieces := make([]*piece, n)
	totalBlocks := uint32(0)

	for i := 0; i < n; i++ {
		currPieceLen, _ := PieceLengthAt(uint32(i), size, pieceLen)
		blockCount, _ := BlocksInPiece(currPieceLen)
		blocks := make([]*block, blockCount)
		totalBlocks += blockCount

		for j := 0; j < int(blockCount); j++ {
			blocks[j] = &block{
				status: StatusWant,
				owners: make([]*blockOwner, 0, 2),
			}
		}

		lastBlockLen, _ := LastBlockInPiece(currPieceLen)

		pieces[i] = &piece{
			index:         uint32(i),
			doneBlocks:    0,
			status:        StatusWant,
			length:        currPieceLen,
			verified:      false,
			blocks:        blocks,
			blockCount:    blockCount,
			hash:          pieceHashes[i],
			lastBlockSize: lastBlockLen,
		}
	}

	return &Manager{
		logger:          logger,
		pieces:          pieces,
		nextPiece:       0,
		nextBlock:       0,
		pieceCount:      uint32(n),
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		availability:    newAvailabilityBucket(n),
		peerBitfields:   make(map[netip.AddrPort]*bitfield.Bitfield),
	}, nil
}

// OnPeerBitfield records a peer's full bitfield and folds every piece it has
// into the rarity buckets, so AssignRarestFirstBlocks can immediately favor
// scarce pieces even before any Have message arrives.
func (m *Manager) OnPeerBitfield(peer netip.AddrPort, bf *bitfield.Bitfield) {
	m.peerMu.Lock()
	m.peerBitfields[peer] = bf
	m.peerMu.Unlock()

	n := int(m.PieceCount())
	for i := 0; i < n; i++ {
		if bf.Test(i) {
			m.availability.Move(i, 1)
		}
	}
}

// OnPeerHave folds a single newly-announced piece into the rarity buckets.
func (m *Manager) OnPeerHave(peer netip.AddrPort, pieceIdx uint32) {
	m.peerMu.Lock()
	bf, ok := m.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(int(m.PieceCount()))
		m.peerBitfields[peer] = bf
	}
	already := bf.Test(int(pieceIdx))
	if !already {
		bf.Set(int(pieceIdx))
	}
	m.peerMu.Unlock()

	if !already {
		m.availability.Move(int(pieceIdx), 1)
	}
}

// OnPeerGone undoes the availability contribution of a disconnected peer's
// bitfield and forgets it.
func (m *Manager) OnPeerGone(peer netip.AddrPort) {
	m.peerMu.Lock()
	bf, ok := m.peerBitfields[peer]
	delete(m.peerBitfields, peer)
	m.peerMu.Unlock()

	if !ok {
		return
	}
	n := int(m.PieceCount())
	for i := 0; i < n; i++ {
		if bf.Test(i) {
			m.availability.Move(i, -1)
		}
	}
}

// AssignRarestFirstBlocks walks pieces in ascending rarity order (fewest
// owning peers first) and assigns blocks the peer has and we still want, up
// to capacity. It is the default strategy per config.PieceDownloadStrategy.
func (m *Manager) AssignRarestFirstBlocks(
	peer netip.AddrPort,
	peerBF *bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	assigned := make([]*BlockInfo, 0, capacity)

	maxAvail := config.Load().MaxPeers
	for a := 0; a <= maxAvail && capacity > 0; a++ {
		bucket := m.availability.Bucket(a)
		for _, idx := range bucket {
			if capacity == 0 {
				break
			}

			m.mut.Lock()
			p := m.pieces[idx]
			if p.verified || !peerBF.Test(idx) {
				m.mut.Unlock()
				continue
			}
			for j := uint32(0); j < p.blockCount && capacity > 0; j++ {
				if p.blocks[j].status != StatusWant {
					continue
				}
				if block, ok := m.safeAssignBlock(peer, p.index, j, 1); ok {
					assigned = append(assigned, block)
					capacity--
					break
				}
			}
			m.mut.Unlock()
		}
	}

	return assigned, capacity
}

func (m *Manager) PieceCount() uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieceCount
}

func (m *Manager) ResetSequentialState() {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.nextPiece = 0
	m.nextBlock = 0

	for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
		m.nextPiece++
	}
}

func (m *Manager) PieceLength(pieceIdx uint32) uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].length
}

func (m *Manager) PieceHash(pieceIdx uint32) [sha1.Size]byte {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].hash
}

func (m *Manager) PieceComplete(pieceIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	return piece.doneBlocks == piece.blockCount
}

func (m *Manager) PieceStatus() []Status {
	m.mut.RLock()
	defer m.mut.RUnlock()

	states := make([]Status, m.pieceCount)
	for i, piece := range m.pieces {
		states[i] = piece.status
	}

	return states
}

func (m *Manager) MarkBlockComplete(peer netip.AddrPort, pieceIdx, begin uint32) []netip.AddrPort {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	blockIdx, _ := BlockIndexForBegin(begin, piece.length)
	block := piece.blocks[blockIdx]
	if block.status == StatusDone {
		return nil
	}
	block.status = StatusDone
	piece.doneBlocks++

	var redundantPeers []netip.AddrPort
	for i := range block.owners {
		if block.owners[i].peer != peer {
			redundantPeers = append(redundantPeers, block.owners[i].peer)
		}
	}
	block.owners = nil

	return redundantPeers
}

func (m *Manager) MarkPieceVerified(pieceIdx uint32, ok bool) {
	m.logger.Debug("mark piece verified called", "piece", pieceIdx)

	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	if piece.verified {
		return
	}

	if ok {
		piece.verified = true
		piece.status = StatusDone

		if m.nextPiece == pieceIdx {
			m.nextPiece++
			m.nextBlock = 0
		}

		return
	}

	for b := 0; b < int(piece.blockCount); b++ {
		if piece.blocks[b].status == StatusDone {
			m.remainingBlocks++
		}

		piece.blocks[b].status = StatusWant
		piece.blocks[b].owners = nil
	}

	piece.doneBlocks = 0
	piece.status = StatusWant
}

func (m *Manager) AssignBlock(peer netip.AddrPort, pieceIdx, blockIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.safeAssignBlock(peer, pieceIdx, blockIdx, 1)
	return ok
}

func (m *Manager) UnassignBlock(peer netip.AddrPort, pieceIdx, begin uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx >= m.pieceCount {
		return
	}

	piece := m.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, piece.length)
	if !ok {
		return
	}
	block := piece.blocks[blockIdx]
	n := len(block.owners)

	for i := 0; i < n; i++ {
		if block.owners[i].peer == peer {
			block.owners[i] = block.owners[n-1]
			block.owners = block.owners[:n-1]

			m.remainingBlocks++
			break
		}
	}

	if len(block.owners) == 0 && block.status != StatusDone {
		block.status = StatusWant
	}
}

func (m *Manager) AssignInProgressBlocks(
	peer netip.AddrPort,
	peerBF *bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := uint32(0); i < m.pieceCount && capacity > 0; i++ {
		piece := m.pieces[i]
		if piece.verified || piece.doneBlocks == 0 || !peerBF.Test(int(piece.index)) {
			continue
		}

		for j := uint32(0); j < piece.blockCount && capacity > 0; j++ {
			if piece.blocks[j].status != StatusWant {
				continue
			}

			if block, ok := m.safeAssignBlock(peer, i, j, 1); ok {
				assigned = append(assigned, block)
				capacity--
			}

			break
		}
	}

	return assigned, capacity
}

func (m *Manager) AssignEndgameBlocks(
	peer netip.AddrPort,
	peerBF *bitfield.Bitfield,
	capacity, duplicateLimit uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := 0; i < int(m.pieceCount) && capacity > 0; i++ {
		piece := m.pieces[i]
		if piece.verified || !peerBF.Test(i) {
			continue
		}

		for j := 0; j < int(piece.blockCount) && capacity > 0; j++ {
			if piece.blocks[j].status == StatusDone {
				continue
			}

			if block, ok := m.safeAssignBlock(peer, uint32(i), uint32(j), duplicateLimit); ok {
				assigned = append(assigned, block)
				capacity--
			}
		}
	}

	return assigned, capacity
}

func (m *Manager) AssignSequentialBlocks(
	peer netip.AddrPort,
	peerBF *bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for m.nextPiece < m.pieceCount && capacity > 0 {
		// Skip verified pieces
		for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
			m.nextPiece++
			m.nextBlock = 0
		}

		if m.nextPiece >= m.pieceCount {
			break
		}

		if !peerBF.Test(int(m.nextPiece)) {
			m.nextPiece++
			m.nextBlock = 0
			continue
		}

		piece := m.pieces[m.nextPiece]
		for bi := m.nextBlock; bi < piece.blockCount && capacity > 0; bi++ {
			block, ok := m.safeAssignBlock(peer, piece.index, bi, 1)
			if ok {
				assigned = append(assigned, block)
				capacity--
				m.nextBlock = bi + 1
			}
		}

		if m.nextBlock >= piece.blockCount {
			m.nextPiece++
			m.nextBlock = 0
		}

		break
	}

	return assigned, capacity
}

func (m *Manager) AssignBlocksFromList(
	peer netip.AddrPort,
	pieceIndices []uint32,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for _, pieceIdx := range pieceIndices {
		if capacity < 1 {
			break
		}

		if pieceIdx >= m.pieceCount || m.pieces[pieceIdx].verified {
			continue
		}

		piece := m.pieces[pieceIdx]

		for blockIdx := uint32(0); blockIdx < piece.blockCount; blockIdx++ {
			block, ok := m.safeAssignBlock(peer, piece.index, blockIdx, 1)
			if ok {
				assigned = append(assigned, block)
				capacity--
				break
			}
		}
	}

	return assigned, capacity
}

func (m *Manager) safeAssignBlock(
	peer netip.AddrPort,
	pieceIdx, blockIdx uint32,
	duplicateLimit uint32,
) (*BlockInfo, bool) {
	piece := m.pieces[pieceIdx]
	block := piece.blocks[blockIdx]

	begin, length, ok := BlockBounds(piece.length, blockIdx)
	if !ok {
		return nil, false
	}

	if len(block.owners) >= int(duplicateLimit) {
		return nil, false
	}

	piece.status = StatusInflight
	block.status = StatusInflight
	block.owners = append(block.owners, &blockOwner{
		peer:        peer,
		requestedAt: time.Now(),
	})
	m.remainingBlocks--

	return &BlockInfo{
		PieceIdx: pieceIdx,
		Begin:    begin,
		Length:   length,
	}, true
}
