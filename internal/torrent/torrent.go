package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/dht"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/metadata"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/resume"
	"github.com/prxssh/rabbit/internal/scheduler"
	"github.com/prxssh/rabbit/internal/storage"
	"github.com/prxssh/rabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

type Torrent struct {
	Metainfo *meta.Metainfo `json:"metainfo"`

	clientID     [sha1.Size]byte
	cfg          *Config
	logger       *slog.Logger
	tracker      *tracker.Tracker
	dht          *dht.DHT
	peerManager  *peer.Swarm
	storage      *storage.Store
	scheduler    *scheduler.PieceScheduler
	pieceManager *piece.Manager
	cancel       context.CancelFunc
}

func NewTorrent(clientID [sha1.Size]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	return newTorrentFromMetainfo(clientID, metainfo, cfg)
}

// newTorrentFromMetainfo builds a Torrent once the full info-dictionary is
// known, whether it arrived as a .torrent file (NewTorrent) or was fetched
// over the wire via BEP-9 from a magnet link (NewMagnetTorrent).
func newTorrentFromMetainfo(clientID [sha1.Size]byte, metainfo *meta.Metainfo, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	logger := slog.Default().With("torrent", metainfo.Info.Name)

	storage, err := storage.NewStorage(metainfo, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	pieceManager, err := piece.NewManager(
		metainfo.Info.Pieces,
		uint32(metainfo.Info.PieceLength),
		uint64(metainfo.Size()),
		logger,
	)
	if err != nil {
		return nil, err
	}

	pieceScheduler, err := scheduler.NewPieceScheduler(scheduler.Opts{
		Config:      cfg.Scheduler,
		Log:         logger,
		PieceHashes: metainfo.Info.Pieces,
		PieceLength: metainfo.Info.PieceLength,
		TotalSize:   metainfo.Size(),
	})
	if err != nil {
		return nil, err
	}

	metaTransfer := metadata.NewWithMetadata(metainfo.InfoHash, metainfo.Info.Private, metainfo.RawInfo)

	peerManager, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:           cfg.Peer,
		Logger:           logger,
		Scheduler:        pieceScheduler,
		PieceCount:       len(metainfo.Info.Pieces),
		InfoHash:         metainfo.InfoHash,
		ClientID:         clientID,
		MetadataTransfer: metaTransfer,
	})
	if err != nil {
		return nil, err
	}

	torrent := &Torrent{
		Metainfo:     metainfo,
		clientID:     clientID,
		cfg:          cfg,
		logger:       logger,
		pieceManager: pieceManager,
		scheduler:    pieceScheduler,
		peerManager:  peerManager,
		storage:      storage,
	}

	tracker, err := tracker.NewTracker(
		metainfo.Announce,
		metainfo.AnnounceList,
		&tracker.TrackerOpts{
			Log:               logger,
			OnAnnounceStart:   torrent.buildAnnounceParams,
			OnAnnounceSuccess: func(addrs []netip.AddrPort) { peerManager.AdmitPeers(addrs) },
		},
	)
	if err != nil {
		return nil, err
	}
	torrent.tracker = tracker

	if cfg.DHT != nil {
		dhtConfig := &dht.Config{
			Logger:         logger,
			LocalID:        clientID,
			ListenAddr:     cfg.DHT.ListenAddr,
			BootstrapNodes: cfg.DHT.BootstrapNodes,
		}
		dhtInstance, err := dht.NewDHT(dhtConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
		torrent.dht = dhtInstance
	}

	torrent.loadResumeState()

	return torrent, nil
}

// resumeFilePath returns where this torrent's resume file lives, keyed by
// info-hash so multiple torrents in the same download dir don't collide.
func (t *Torrent) resumeFilePath() string {
	name := hex.EncodeToString(t.Metainfo.InfoHash[:]) + ".resume"
	return filepath.Join(t.cfg.Storage.DownloadDir, name)
}

// loadResumeState reads this torrent's resume file, if any, and replays its
// verified pieces into the scheduler so already-downloaded data isn't
// re-fetched. A missing, unreadable, or stale (piece-count mismatch) resume
// file just means starting fresh — it is not an error.
func (t *Torrent) loadResumeState() {
	path := t.resumeFilePath()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	pieceCount := len(t.Metainfo.Info.Pieces)
	state, err := resume.Load(data, pieceCount)
	if err != nil {
		t.logger.Warn("discarding unreadable resume file", "path", path, "error", err.Error())
		return
	}
	if state.NeedsReverify || state.Bitfield == nil {
		t.logger.Info("resume bitfield stale, pieces will be re-verified", "path", path)
		return
	}

	for i := 0; i < pieceCount; i++ {
		if state.Bitfield.Test(i) {
			t.scheduler.MarkPieceVerified(i, true)
		}
	}

	t.logger.Info("loaded resume state", "path", path, "pieces", state.Bitfield.Count())
}

// SaveResumeState persists the torrent's current progress so it can resume
// without re-downloading completed pieces.
func (t *Torrent) SaveResumeState() error {
	state := &resume.State{
		Destination: t.cfg.Storage.DownloadDir,
		Bitfield:    t.scheduler.Bitfield(),
		HaveAll:     t.scheduler.Bitfield().HasAll(),
	}

	data, err := resume.Save(state)
	if err != nil {
		return fmt.Errorf("encode resume state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.resumeFilePath()), 0o755); err != nil {
		return fmt.Errorf("create resume dir: %w", err)
	}

	return os.WriteFile(t.resumeFilePath(), data, 0o644)
}

func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	if t.dht != nil {
		if err := t.dht.Start(); err != nil {
			return fmt.Errorf("failed to start DHT: %w", err)
		}
		defer t.dht.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.tracker.Run(gctx) })
	g.Go(func() error { return t.peerManager.Run(gctx) })
	g.Go(func() error { return t.scheduler.Run(gctx) })
	g.Go(func() error { return t.storage.Run(gctx) })
	g.Go(func() error { return t.forwardVerifiedBlocksLoop(gctx) })
	g.Go(func() error { return t.forwardPieceResultsLoop(gctx) })

	if t.dht != nil {
		g.Go(func() error { return t.dhtPeerDiscoveryLoop(gctx) })
	}

	return g.Wait()
}

// forwardVerifiedBlocksLoop hands assembled blocks from the scheduler to the
// storage layer for hash checking and disk writes.
func (t *Torrent) forwardVerifiedBlocksLoop(ctx context.Context) error {
	pieceQueue := t.scheduler.GetPieceQueue()

	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-pieceQueue:
			if !ok {
				return nil
			}
			t.storage.PieceQueue <- block
		}
	}
}

// forwardPieceResultsLoop feeds storage's hash-check verdicts back into the
// scheduler so it can mark pieces done or requeue their blocks.
func (t *Torrent) forwardPieceResultsLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result, ok := <-t.storage.PieceResultQueue:
			if !ok {
				return nil
			}
			t.scheduler.MarkPieceVerified(result.Piece, result.Success)
		}
	}
}

func (t *Torrent) Stop() {
	t.cancel()
}

type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress    float64            `json:"progress"`
	Peers       []peer.PeerMetrics `json:"peers"`
	PieceStates []int              `json:"pieceStates"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.peerManager.Stats()
	trackerStats := t.tracker.Stats()

	// Get piece statuses and convert to []int for JSON marshaling
	rawStates := t.pieceManager.PieceStatus()
	pieceStates := make([]int, len(rawStates))
	for i, status := range rawStates {
		pieceStates[i] = int(status)
	}

	s := &Stats{
		Progress:    0.0,
		Peers:       t.peerManager.PeerMetrics(),
		PieceStates: pieceStates,
	}
	s.SwarmMetrics = swarmStats
	s.TrackerMetrics = trackerStats

	if total := len(s.PieceStates); total > 0 {
		completed := 0
		for _, st := range s.PieceStates {
			if st == int(piece.StatusDone) {
				completed++
			}
		}
		s.Progress = (float64(completed) / float64(total)) * 100.0
	}
	return s
}

func (t *Torrent) GetConfig() *Config {
	return t.cfg
}

func (t *Torrent) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	t.cfg = cfg

	t.logger.Info("torrent configuration updated")
}

func (t *Torrent) GetPeerMessageHistory(peerAddr string, limit int) ([]*peer.Event, error) {
	addr, err := netip.ParseAddrPort(peerAddr)
	if err != nil {
		return nil, err
	}

	p, ok := t.peerManager.GetPeer(addr)
	if !ok {
		return nil, fmt.Errorf("peer not found: %s", peerAddr)
	}

	return p.History(limit)
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.peerManager.Stats()

	size := uint64(t.Metainfo.Size())
	var left uint64
	if size > stats.TotalDownloaded {
		left = size - stats.TotalDownloaded
	}

	event := tracker.EventNone
	if left == 0 {
		event = tracker.EventCompleted
	} else {
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       left,
	}
}

func (t *Torrent) dhtPeerDiscoveryLoop(ctx context.Context) error {
	interval := 15 * time.Minute
	if ai := config.Load().AnnounceInterval; ai > 0 {
		interval = ai
	}

	t.logger.Info("Waiting for DHT to bootstrap...")
	time.Sleep(10 * time.Second)

	t.queryDHTForPeers()
	t.announceToDHT()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.queryDHTForPeers()
			t.announceToDHT()
		}
	}
}

func (t *Torrent) queryDHTForPeers() {
	peers, err := t.dht.GetPeers(t.Metainfo.InfoHash)
	if err != nil {
		t.logger.Warn("DHT peer lookup failed", "error", err.Error())
		return
	}

	if len(peers) == 0 {
		t.logger.Debug("No peers found in DHT")
		return
	}

	peerAddrs := make([]netip.AddrPort, 0, len(peers))
	for _, peerNet := range peers {
		var addr netip.AddrPort
		switch p := peerNet.(type) {
		case *net.UDPAddr:
			ip, ok := netip.AddrFromSlice(p.IP)
			if !ok {
				continue
			}
			addr = netip.AddrPortFrom(ip, uint16(p.Port))
		case *net.TCPAddr:
			ip, ok := netip.AddrFromSlice(p.IP)
			if !ok {
				continue
			}
			addr = netip.AddrPortFrom(ip, uint16(p.Port))
		default:
			t.logger.Warn("Unknown peer address type from DHT", "type", fmt.Sprintf("%T", peerNet))
			continue
		}

		peerAddrs = append(peerAddrs, addr)
	}

	if len(peerAddrs) > 0 {
		t.logger.Info("Found peers via DHT", "count", len(peerAddrs))
		t.peerManager.AdmitPeers(peerAddrs)
	}
}

func (t *Torrent) announceToDHT() {
	port := 6969
	if p := config.Load().Port; p > 0 {
		port = int(p)
	}

	err := t.dht.AnnouncePeer(t.Metainfo.InfoHash, port)
	if err != nil {
		t.logger.Warn("DHT announce failed", "error", err.Error())
		return
	}

	t.logger.Debug("Announced to DHT", "port", port)
}
