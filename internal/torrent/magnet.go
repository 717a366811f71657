package torrent

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/metadata"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// metadataFetchDialers bounds how many peers the bootstrap phase dials
// concurrently while waiting for a BEP-9 ut_metadata exchange to resolve.
const metadataFetchDialers = 20

// metadataFetchTimeout bounds how long NewMagnetTorrent waits for a peer to
// hand over a complete, hash-verified info-dict before giving up.
const metadataFetchTimeout = 5 * time.Minute

// NewMagnetTorrent bootstraps a Torrent from a magnet link alone. It fetches
// the info-dictionary over BEP-9 ut_metadata from peers surfaced by the
// magnet's announce-list, then builds a fully-initialized Torrent exactly
// the way NewTorrent does once the info-dict is known.
func NewMagnetTorrent(ctx context.Context, clientID [sha1.Size]byte, magnetURL string, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	magnet, err := meta.ParseMagnet(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %w", err)
	}

	name := magnet.Name
	if name == "" {
		name = "magnet-bootstrap"
	}
	logger := slog.Default().With("torrent", name)

	transfer := metadata.New(magnet.InfoHash, false)

	info, rawInfo, err := fetchMetadataOverWire(ctx, clientID, magnet, logger, transfer)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}

	metainfo := &meta.Metainfo{
		Info:     info,
		InfoHash: magnet.InfoHash,
		RawInfo:  rawInfo,
	}
	if len(magnet.Trackers) > 0 {
		metainfo.Announce = magnet.Trackers[0]
		metainfo.AnnounceList = [][]string{magnet.Trackers}
	}

	return newTorrentFromMetainfo(clientID, metainfo, cfg)
}

// fetchMetadataOverWire dials peers surfaced by the magnet's trackers and
// drives transfer's BEP-9 exchange on each connection until one of them
// completes it (or the timeout/context expires). Piece-level wire state
// (bitfield, have, piece) is inert here: every dialed peer is opened with
// PieceCount 0, which the peer-session layer treats as a metadata-only
// bootstrap connection.
func fetchMetadataOverWire(
	ctx context.Context,
	clientID [sha1.Size]byte,
	magnet *meta.Magnet,
	logger *slog.Logger,
	transfer *metadata.Transfer,
) (*meta.Info, []byte, error) {
	if len(magnet.Trackers) == 0 {
		return nil, nil, errors.New("magnet link has no trackers; DHT-only metadata bootstrap is not supported")
	}

	ctx, cancel := context.WithTimeout(ctx, metadataFetchTimeout)
	defer cancel()

	var (
		once      sync.Once
		result    *meta.Info
		rawResult []byte
	)
	done := make(chan struct{})

	onMetadataDone := func(dict []byte) {
		info, hash, err := meta.ParseInfoDict(dict)
		if err != nil || hash != magnet.InfoHash {
			logger.Warn("discarding metadata with mismatched hash", "error", err)
			return
		}
		once.Do(func() {
			result = info
			rawResult = dict
			close(done)
		})
	}

	peerAddrs := make(chan netip.AddrPort, metadataFetchDialers*4)

	trk, err := tracker.NewTracker(magnet.Trackers[0], [][]string{magnet.Trackers}, &tracker.TrackerOpts{
		Log: logger,
		OnAnnounceStart: func() *tracker.AnnounceParams {
			return &tracker.AnnounceParams{
				Event:    tracker.EventStarted,
				InfoHash: magnet.InfoHash,
				PeerID:   clientID,
				Left:     1, // true size unknown until metadata arrives
			}
		},
		OnAnnounceSuccess: func(addrs []netip.AddrPort) {
			for _, a := range addrs {
				select {
				case peerAddrs <- a:
				default:
				}
			}
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build bootstrap tracker: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := trk.Run(gctx); err != nil && gctx.Err() == nil {
			logger.Warn("bootstrap tracker stopped", "error", err.Error())
		}
		return nil
	})

	var dialers sync.WaitGroup
	for i := 0; i < metadataFetchDialers; i++ {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			for {
				select {
				case <-gctx.Done():
					return
				case <-done:
					return
				case addr, ok := <-peerAddrs:
					if !ok {
						return
					}
					dialAndFetch(gctx, addr, magnet.InfoHash, logger, transfer, onMetadataDone)
				}
			}
		}()
	}

	select {
	case <-done:
	case <-gctx.Done():
	}

	cancel()
	dialers.Wait()

	if result == nil {
		return nil, nil, fmt.Errorf("metadata fetch timed out or was cancelled")
	}

	return result, rawResult, nil
}

func dialAndFetch(
	ctx context.Context,
	addr netip.AddrPort,
	infoHash [sha1.Size]byte,
	logger *slog.Logger,
	transfer *metadata.Transfer,
	onMetadataDone func([]byte),
) {
	p, err := peer.NewPeer(ctx, addr, &peer.PeerOpts{
		Log:              logger,
		PieceCount:       0,
		InfoHash:         infoHash,
		MetadataTransfer: transfer,
		OnMetadataDone:   func(_ netip.AddrPort, dict []byte) { onMetadataDone(dict) },
		OnHandshake:      func(netip.AddrPort) {},
		OnBitfield:       func(netip.AddrPort, *bitfield.Bitfield) {},
		OnHave:           func(netip.AddrPort, int) {},
		OnDisconnect:     func(netip.AddrPort) {},
		OnPiece:          func(netip.AddrPort, int, int, []byte) {},
		RequestWork:      func(netip.AddrPort) {},
	})
	if err != nil {
		return
	}

	_ = p.Run(ctx)
}
