package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/ltep"
	"github.com/prxssh/rabbit/internal/metadata"
	"github.com/prxssh/rabbit/internal/pex"
	"github.com/prxssh/rabbit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// extHandshakeID is the BEP-10 extended-message-id reserved for the LTEP
// handshake itself. localUTMetadataID and localUTPexID are the ids we
// advertise for ut_metadata (BEP-9) and ut_pex (BEP-11) in our own
// handshake's "m" dict; peers address requests/data to us using these ids,
// and we address theirs using whatever ids they advertised in their own
// handshake.
const (
	extHandshakeID    byte = 0
	localUTMetadataID byte = 1
	localUTPexID      byte = 2
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

type Peer struct {
	log           *slog.Logger
	conn          net.Conn
	addr          netip.AddrPort
	state         uint32
	stats         *PeerStats
	bitfieldMu    sync.RWMutex
	bitfield      *bitfield.Bitfield
	lastAcitivyAt atomic.Int64
	outbox        chan *protocol.Message
	history       *messageHistoryBuffer
	done          chan struct{}
	closeOnce     sync.Once
	startOnce     sync.Once
	stopped       atomic.Bool
	cancel        context.CancelFunc
	onBitfield    func(netip.AddrPort, *bitfield.Bitfield)
	onHave        func(netip.AddrPort, int)
	onDisconnect  func(netip.AddrPort)
	onHandshake   func(netip.AddrPort)
	onPiece       func(netip.AddrPort, int, int, []byte)
	requestWork   func(netip.AddrPort)

	// supportsLTEP is set from the remote handshake's BEP-10 reserved bit.
	supportsLTEP bool
	// peerMetadataID is the peer's own advertised extended-message-id for
	// ut_metadata, learned from their LTEP handshake "m" dict. Zero means
	// unknown/unsupported.
	peerMetadataID byte
	// metaTransfer drives this torrent's BEP-9 metadata exchange, if any
	// (nil for a torrent that was never magnet-bootstrapped and has no
	// reason to serve ut_metadata either).
	metaTransfer   *metadata.Transfer
	onMetadataDone func(netip.AddrPort, []byte)

	// peerPexID is the peer's advertised extended-message-id for ut_pex.
	// Zero means unknown/unsupported; onPexUpdate is nil when this swarm
	// doesn't do peer exchange at all (e.g. a magnet-bootstrap connection).
	peerPexID   byte
	onPexUpdate func(netip.AddrPort, []netip.AddrPort)
}

// PeerStats holds per-connection counters/timestamps. All counters are
// atomic and monotonically increasing for the lifetime of a peer.
type PeerStats struct {
	// Downloaded is the total number of BYTES we have received from this
	// peer.
	Downloaded atomic.Uint64

	// Uploaded is the total number of BYTES we have sent to this peer.
	Uploaded atomic.Uint64

	// DownloadRate is an instantaneous or smoothed BYTES PER SECOND estimate
	// of incoming data.
	DownloadRate atomic.Uint64

	// UploadRate is an instantaneous or smoothed BYTES PER SECOND estimate of
	// outgoing data.
	UploadRate atomic.Uint64

	// MessagesReceived counts frames successfully READ from the socket,
	// including keep-alives.
	MessagesReceived atomic.Uint64

	// MessagesSent counts frames successfully WRITTEN to the socket,
	// including keep-alives.
	MessagesSent atomic.Uint64

	// RequestsSent counts REQUEST messages we successfully wrote to the
	// socket.
	RequestsSent atomic.Uint64

	// RequestsReceived counts REQUEST messages received from the peer.
	RequestsReceived atomic.Uint64

	// RequestsCancelled is the total number of CANCELs (both directions).
	RequestsCancelled atomic.Uint64

	// RequestsTimeout counts our detected timeouts for requests we sent to
	// this peer.
	RequestsTimeout atomic.Uint64

	// PiecesReceived counts PIECE messages we received (i.e., completed
	// blocks from the peer).
	PiecesReceived atomic.Uint64

	// PiecesSent counts PIECE messages we successfully wrote (i.e., blocks
	// uploaded to the peer).
	PiecesSent atomic.Uint64

	// Errors counts protocol or I/O errors local to this peer connection
	// (failed reads/writes, malformed messages, etc.).
	Errors atomic.Uint64

	// ConnectedAt is the wall-clock time when the TCP connection and
	// handshake succeeded.
	ConnectedAt time.Time

	// DisconnectedAt is the wall-clock time when the connection was
	// closed (local or remote).
	DisconnectedAt time.Time
}

// PeerMetrics is a snapshot of a single peer's connection + transfer stats.
// Exported for binding to the frontend via Wails.
type PeerMetrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   int64 // duration in nanoseconds
	DownloadRate   uint64
	UploadRate     uint64
	IsChoked       bool
	IsInterested   bool
}

type PeerOpts struct {
	Log          *slog.Logger
	PieceCount   int
	InfoHash     [sha1.Size]byte
	OnBitfield   func(netip.AddrPort, *bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnDisconnect func(netip.AddrPort)
	OnHandshake  func(netip.AddrPort)
	OnPiece      func(netip.AddrPort, int, int, []byte)
	RequestWork  func(netip.AddrPort)

	// MetadataTransfer, when set, enables BEP-9 ut_metadata for this peer:
	// advertised in our LTEP handshake, and driven on both the fetch and
	// serve sides as extended messages arrive.
	MetadataTransfer *metadata.Transfer
	OnMetadataDone   func(netip.AddrPort, []byte)

	// OnPexUpdate, when set, enables BEP-11 ut_pex for this peer and fires
	// with every peer address the remote side reports as added.
	OnPexUpdate func(netip.AddrPort, []netip.AddrPort)
}

func NewPeer(ctx context.Context, addr netip.AddrPort, opts *PeerOpts) (*Peer, error) {
	log := opts.Log.With("src", "peer", "addr", addr)

	conn, err := net.DialTimeout("tcp", addr.String(), config.Load().DialTimeout)
	if err != nil {
		return nil, err
	}

	handshake := protocol.NewHandshake(opts.InfoHash, config.Load().ClientID)
	handshake.SetExtensionProtocol(true)
	remote, err := handshake.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p := &Peer{
		log:            log,
		conn:           conn,
		addr:           addr,
		stats:          &PeerStats{},
		onBitfield:     opts.OnBitfield,
		onHave:         opts.OnHave,
		onDisconnect:   opts.OnDisconnect,
		onHandshake:    opts.OnHandshake,
		onPiece:        opts.OnPiece,
		requestWork:    opts.RequestWork,
		bitfield:       bitfield.New(opts.PieceCount),
		outbox:         make(chan *protocol.Message, config.Load().PeerOutboundQueueBacklog),
		history:        newMessageHistoryBuffer(config.Load().PeerMessageHistorySize),
		done:           make(chan struct{}),
		supportsLTEP:   remote.SupportsExtensionProtocol(),
		metaTransfer:   opts.MetadataTransfer,
		onMetadataDone: opts.OnMetadataDone,
		onPexUpdate:    opts.OnPexUpdate,
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p, nil
}

func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.downloadUploadRatesLoop(gctx) })

	return g.Wait()
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)

		if p.cancel != nil {
			p.cancel()
		}

		_ = p.conn.Close()
		close(p.outbox)
		close(p.done)
		p.stats.DisconnectedAt = time.Now()

		if p.onDisconnect != nil {
			p.onDisconnect(p.addr)
		}

		p.log.Debug("stopped peer")
	})
}

// Done returns a channel that is closed once the peer connection has
// stopped, for callers watching it from the outside (e.g. a dispatch loop
// draining a per-peer work queue).
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) Idleness() time.Duration {
	ns := time.Unix(0, p.lastAcitivyAt.Load())
	return time.Since(ns)
}

func (p *Peer) SendBitfield(bf *bitfield.Bitfield) {
	p.enqueueMessage(protocol.MessageBitfield(bf.ToRaw()))
}

func (p *Peer) SendKeepAlive() {
	p.enqueueMessage(nil)
}

func (p *Peer) SendChoke() {
	p.enqueueMessage(protocol.MessageChoke())
}

func (p *Peer) SendUnchoke() {
	p.enqueueMessage(protocol.MessageUnchoke())
}

func (p *Peer) SendInterested() {
	p.enqueueMessage(protocol.MessageInterested())
}

func (p *Peer) SendNotInterested() {
	p.enqueueMessage(protocol.MessageNotInterested())
}

func (p *Peer) SendHave(piece uint32) {
	p.enqueueMessage(protocol.MessageHave(piece))
}

func (p *Peer) SendCancel(piece, begin, length int) {
	p.enqueueMessage(protocol.MessageCancel(uint32(piece), uint32(begin), uint32(length)))
}

func (p *Peer) SendRequest(piece, begin, length int) {
	if p.PeerChoking() {
		return
	}

	p.enqueueMessage(protocol.MessageRequest(uint32(piece), uint32(begin), uint32(length)))
}

func (p *Peer) SendPiece(piece, begin uint32, block []byte) {
	if p.PeerChoking() {
		return
	}

	p.enqueueMessage(protocol.MessagePiece(piece, begin, block))
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read message loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done!", "error", ctx.Err().Error())
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			l.Warn("failed to read message, exiting!", "error", err.Error())
			return err
		}

		if err := p.handleMessage(message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write messages loop")
	l.Debug("started")

	p.onHandshake(p.addr)

	if p.supportsLTEP {
		p.sendExtendedHandshake()
	}

	keepAliveInterval := config.Load().KeepAliveInterval
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("exiting; context done!", "error", ctx.Err().Error())
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				l.Warn("exiting; outbox is closed")
				return nil
			}

			l.Debug("writing message", "message", message.ID.String())

			if err := p.writeMessage(message); err != nil {
				l.Warn(
					"failed to write message, exiting loop",
					"error", err.Error(),
				)
				return err
			}

		case <-ticker.C:
			lastAcitivyAt := time.Unix(0, p.lastAcitivyAt.Load())

			if time.Since(lastAcitivyAt) >= keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// Rate calculation (UploadRate / DownloadRate)
//
// We maintain two monotonic byte counters per peer: Uploaded and Downloaded.
// A 1s ticker snapshots these totals and computes a delta from the previous
// snapshot. The delta over the tick interval is the instantaneous throughput
// in bytes/sec:
//
//	instant = (curTotal - lastTotal) / elapsedSeconds
//
// To reduce jitter, we smooth the instantaneous value with an exponential
// moving average (EMA):
//
//	emaNext = α*instant + (1-α)*emaPrev
//
// where 0<α≤1. Higher α reacts faster; lower α is smoother. If you prefer a
// raw per-second rate, set α=1 (emaNext == instant).
//
// Notes:
//   - Counters only increase; unsigned subtraction yields the correct delta.
//   - If the ticker drifts, divide by the measured elapsedSeconds instead of
//     assuming exactly 1s.
//   - Store the final bytes/sec into UploadRate and DownloadRate atomically.
//   - Pauses naturally produce zero deltas (zero rate).
func (p *Peer) downloadUploadRatesLoop(ctx context.Context) error {
	l := p.log.With("component", "download-upload rate loop")
	l.Debug("started")

	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var (
		upEMA   uint64
		downEMA uint64
		inited  bool
	)

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done!", "error", ctx.Err().Error())
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := curUp - lastUp
			instDown := curDown - lastDown

			if !inited {
				upEMA = instUp
				downEMA = instDown
				inited = true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			p.stats.UploadRate.Store(upEMA)
			p.stats.DownloadRate.Store(downEMA)

			// Update baseline for next iteration
			lastUp = curUp
			lastDown = curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
	p.recordHistory(EventReceived, message)

	return message, nil
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	return nil
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var new uint32
		if on {
			new = old | mask
		} else {
			new = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&p.state, old, new) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		p.requestWork(p.addr)
	case protocol.Interested:
		p.setState(maskPeerInterested, true)
	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)
	case protocol.Bitfield:
		if p.bitfield.Len() == 0 {
			// Metadata-only bootstrap connection: piece count isn't known
			// yet, so there's nothing meaningful to validate this against.
			break
		}
		bf, err := bitfield.FromRaw(p.bitfield.Len(), message.Payload)
		if err != nil {
			return fmt.Errorf("malformed bitfield: %w", err)
		}
		p.onBitfield(p.addr, bf)
	case protocol.Have:
		if p.bitfield.Len() == 0 {
			break
		}
		piece, ok := message.ParseHave()
		if !ok {
			return errors.New("malformed have message")
		}
		p.onHave(p.addr, int(piece))

	case protocol.Piece:
		piece, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("malformed piece message")
		}

		p.onPiece(p.addr, int(piece), int(begin), block)
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
	case protocol.Request:
		_, _, _, ok := message.ParseRequest()
		if !ok {
			return errors.New("malformed request message")
		}

		p.stats.RequestsReceived.Add(1)
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	case protocol.Extended:
		return p.handleExtended(message)
	default:
		return fmt.Errorf("invalid message id '%d'", message.ID)
	}

	return nil
}

// sendExtendedHandshake advertises our BEP-10 "m" dict (ut_metadata, plus
// ut_pex when peer exchange is enabled) and, if we already have the
// info-dict, its size — letting a peer that doesn't yet have metadata
// request it from us immediately.
func (p *Peer) sendExtendedHandshake() {
	m := map[string]int{ltep.ExtMetadata: int(localUTMetadataID)}
	if p.onPexUpdate != nil {
		m[ltep.ExtPEX] = int(localUTPexID)
	}
	h := ltep.NewHandshake(m, int(config.Load().Port))
	if reqq := config.Load().LTEPRequestQueueSize; reqq > 0 {
		h.ReqQ = reqq
	}

	if p.metaTransfer != nil {
		if dict, ok := p.metaTransfer.InfoDict(); ok {
			h.MetadataSize = len(dict)
		}
	}

	encoded, err := h.Encode()
	if err != nil {
		p.log.Warn("failed to encode extended handshake", "error", err.Error())
		return
	}

	p.enqueueMessage(protocol.MessageExtended(extHandshakeID, encoded))
}

// handleExtended dispatches a BEP-10 extended message: extended-id 0 is
// always the LTEP handshake; ut_metadata and ut_pex follow at whichever ids
// we advertised for them. Any other id is ignored rather than treated as a
// protocol error — BEP-10 peers must tolerate unrecognized extensions.
func (p *Peer) handleExtended(message *protocol.Message) error {
	extID, body, ok := message.ParseExtended()
	if !ok {
		return errors.New("malformed extended message")
	}

	switch {
	case extID == extHandshakeID:
		return p.handleExtendedHandshake(body)
	case p.metaTransfer != nil && extID == localUTMetadataID:
		return p.handleMetadataMessage(body)
	case p.onPexUpdate != nil && extID == localUTPexID:
		return p.handlePexMessage(body)
	default:
		return nil
	}
}

func (p *Peer) handleExtendedHandshake(body []byte) error {
	h, err := ltep.Decode(body)
	if err != nil {
		return fmt.Errorf("malformed extended handshake: %w", err)
	}

	if id, ok := h.M[ltep.ExtMetadata]; ok && id > 0 && id < 256 {
		p.peerMetadataID = byte(id)
	}
	if id, ok := h.M[ltep.ExtPEX]; ok && id > 0 && id < 256 {
		p.peerPexID = byte(id)
	}

	if p.metaTransfer != nil {
		if h.MetadataSize > 0 {
			if err := p.metaTransfer.SetSizeHint(h.MetadataSize); err != nil && !errors.Is(err, metadata.ErrAlreadySized) {
				p.log.Warn("rejected peer's metadata_size", "error", err.Error())
			}
		}
		p.tryRequestMetadata()
	}

	return nil
}

func (p *Peer) handleMetadataMessage(body []byte) error {
	msg, err := metadata.DecodeMessage(body)
	if err != nil {
		return fmt.Errorf("malformed ut_metadata message: %w", err)
	}

	switch msg.Type {
	case metadata.MsgTypeRequest:
		p.serveMetadataPiece(msg.Piece)

	case metadata.MsgTypeData:
		info, err := p.metaTransfer.OnPieceData(msg.Piece, msg.Payload, time.Now())
		if err != nil {
			p.log.Warn("metadata piece rejected", "piece", msg.Piece, "error", err.Error())
			p.tryRequestMetadata()
			return nil
		}
		if info != nil && p.onMetadataDone != nil {
			if dict, ok := p.metaTransfer.InfoDict(); ok {
				p.onMetadataDone(p.addr, dict)
			}
		}
		p.tryRequestMetadata()

	case metadata.MsgTypeReject:
		_ = p.metaTransfer.OnReject(msg.Piece)
	}

	return nil
}

// serveMetadataPiece answers a peer's ut_metadata request, rejecting if we
// don't have the piece (or the torrent is private) rather than ignoring it.
func (p *Peer) serveMetadataPiece(piece int) {
	action, err := p.metaTransfer.RequestToServe(piece)
	if err != nil || action != metadata.ServeEnqueue {
		p.enqueueMessage(protocol.MessageExtended(p.peerMetadataID, metadata.EncodeReject(piece)))
		return
	}
	defer p.metaTransfer.Served()

	payload, total, err := p.metaTransfer.PieceToServe(piece)
	if err != nil {
		p.enqueueMessage(protocol.MessageExtended(p.peerMetadataID, metadata.EncodeReject(piece)))
		return
	}
	p.enqueueMessage(protocol.MessageExtended(p.peerMetadataID, metadata.EncodeData(piece, total, payload)))
}

// handlePexMessage decodes a BEP-11 update and reports every added address
// to the swarm; dropped addresses need no action since a dead peer is
// discovered soon enough on its own by a failed dial or disconnect.
func (p *Peer) handlePexMessage(body []byte) error {
	update, err := pex.Decode(body)
	if err != nil {
		return fmt.Errorf("malformed ut_pex message: %w", err)
	}

	if len(update.AddedV4) == 0 && len(update.AddedV6) == 0 {
		return nil
	}

	addrs := make([]netip.AddrPort, 0, len(update.AddedV4)+len(update.AddedV6))
	addrs = append(addrs, update.AddedV4...)
	addrs = append(addrs, update.AddedV6...)
	p.onPexUpdate(p.addr, addrs)

	return nil
}

// PexID returns the peer's advertised ut_pex extended-message-id, or 0 if
// the peer never advertised one.
func (p *Peer) PexID() byte { return p.peerPexID }

// SendPex forwards an already-encoded BEP-11 message to this peer. A no-op
// if the peer never advertised a ut_pex id.
func (p *Peer) SendPex(payload []byte) {
	if p.peerPexID == 0 {
		return
	}
	p.enqueueMessage(protocol.MessageExtended(p.peerPexID, payload))
}

// tryRequestMetadata issues the next pending metadata-piece request, if any,
// once we know the peer's ut_metadata id and the transfer has work to do.
func (p *Peer) tryRequestMetadata() {
	if p.metaTransfer == nil || p.peerMetadataID == 0 {
		return
	}
	piece, ok := p.metaTransfer.NextRequest(time.Now())
	if !ok {
		return
	}
	p.enqueueMessage(protocol.MessageExtended(p.peerMetadataID, metadata.EncodeRequest(piece)))
}

func (p *Peer) enqueueMessage(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
	p.recordHistory(EventSent, message)

	if message == nil {
		return
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)

	case protocol.Unchoke:
		p.setState(maskAmChoking, false)

	case protocol.Interested:
		p.setState(maskAmInterested, true)

	case protocol.NotInterested:
		p.setState(maskAmInterested, false)

	case protocol.Have:
		// nothing to do

	case protocol.Bitfield:
		// nothing to do

	case protocol.Request:
		p.stats.RequestsSent.Add(1)

	case protocol.Piece:
		// Piece upload truly happened; count piece + payload bytes
		// Payload layout: 4(index) + 4(begin) + <block>
		if n := len(message.Payload); n >= 8 {
			blockLen := n - 8
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(blockLen))
		}

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)

	default:
		// unknown ID; nothing to do
	}
}

func (p *Peer) recordHistory(direction string, message *protocol.Message) {
	if protocol.IsKeepAlive(message) {
		return
	}

	event := &Event{
		Timestamp:   time.Now(),
		Direction:   direction,
		MessageType: message.ID.String(),
		PayloadSize: len(message.Payload),
	}

	switch message.ID {
	case protocol.Have:
		if piece, ok := message.ParseHave(); ok {
			event.PieceIndex = &piece
		}
	case protocol.Request, protocol.Cancel:
		if index, begin, _, ok := message.ParseRequest(); ok {
			event.PieceIndex = &index
			event.BlockOffset = &begin
		}
	case protocol.Piece:
		if index, begin, _, ok := message.ParsePiece(); ok {
			event.PieceIndex = &index
			event.BlockOffset = &begin
		}
	}

	p.history.Add(event)
}

// History returns up to batchSize of this peer's most recent send/receive
// events, oldest first.
func (p *Peer) History(batchSize int) ([]*Event, error) {
	return p.history.Get(batchSize)
}

// Stats returns a snapshot of metrics for this peer.
func (p *Peer) Stats() PeerMetrics {
	lastNs := p.lastAcitivyAt.Load()
	lastActive := time.Unix(0, lastNs)
	connectedAt := p.stats.ConnectedAt
	connectedFor := time.Since(connectedAt).Nanoseconds()

	return PeerMetrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     lastActive,
		ConnectedAt:    connectedAt,
		ConnectedFor:   connectedFor,
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
	}
}
