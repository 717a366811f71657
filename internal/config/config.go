package config

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// current holds the process-wide config singleton. Packages that need
// tunables without threading a Config through every call (piece, tracker,
// peer) read it via Load.
var current atomic.Pointer[Config]

// Init populates the global config singleton with defaults. Should be called
// once during startup, before any goroutine calls Load.
func Init() error {
	cfg, err := defaultConfig()
	if err != nil {
		return err
	}
	current.Store(&cfg)
	return nil
}

// Load returns the current global config. If Init/Swap hasn't run yet
// (e.g. a package test that exercises config-reading code directly) it
// falls back to defaults rather than panicking.
func Load() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}

	cfg, err := defaultConfig()
	if err != nil {
		cfg = Config{}
	}
	current.CompareAndSwap(nil, &cfg)
	return current.Load()
}

// Swap replaces the global config wholesale, e.g. in tests that want a
// clean, fully-specified Config rather than mutating whatever is current.
func Swap(cfg Config) {
	current.Store(&cfg)
}

// Update atomically mutates the global config in place via fn, built on top
// of the current value (or defaults, if none has been set yet).
func Update(fn func(*Config)) {
	cfg := *Load()
	fn(&cfg)
	current.Store(&cfg)
}

// PieceDownloadStrategy enumerates high-level peice selection policies the
// picker can apply.
//
// The current code builds the state in a strategy agnostic manner; your
// selection method can switch on this value to implement different behaviours.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRandom randomly samples among eligible
	// pieces (often used only for the first few pieces to reduce clumping),
	// then hands over to another strategy.
	PieceDownloadStrategyRandom PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// Availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Great for simplicity and streaming/locality; not ideal for
	// swarm health.
	PieceDownloadStrategySequential
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the default directory where NEW torrent files
	// are saved. Changing this only affects new torrents; existing torrents
	// continue downloading to their original location.
	DefaultDownloadDir string

	// ClientID is the unique identifier for our client.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// ReadTimeout is the maximum time to wait for data from a peer before
	// considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a peer
	// before considering the connection stalled.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed.
	MaxPeers int

	// ========== Tracker / Announce ==========

	// NumWant is the maximum number of peers to request the tracker.
	NumWant uint32

	// AnnounceInterval overrides tracker's suggested interval.
	// 0 uses tracker default.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// Port is the TCP port this client listens on for incoming peer
	// connections.
	Port uint16

	// =========== Rate Limits ==========

	// MaxUploadRate limits upload speed in bytes/second. 0 = unlimited.
	MaxUploadRate int64

	// MaxDownloadRate limits download speed in bytes/second. 0 = unlimited.
	MaxDownloadRate int64

	// RateLimitRefresh controls fill cadence; keep >=100ms to avoid jitter.
	RateLimitRefresh time.Duration

	// PeerOutboundQueueBacklog is the maximum messages that peer can have
	// in its buffer.
	PeerOutboundQueueBacklog int

	// PeerMessageHistorySize is the number of recent send/receive events
	// retained per peer for diagnostics (ring buffer capacity).
	PeerMessageHistorySize int

	// ========== Piece Picker / Requests ==========

	// PieceDownloadStrategy chooses how to rank eligible pieces.
	PieceDownloadStrategy PieceDownloadStrategy

	// MaxInflightRequestsPerPeer limits how many requests can be
	// outstanding to a single peer at once.
	MaxInflightRequestsPerPeer int

	// MinInflightRequestsPerPeer is a soft floor so slow/latent peers still
	// make progress (1–4 is typical). The controller will never drop below
	// this.
	MinInflightRequestsPerPeer int

	// RequestQueueTime is the target amount of data (in seconds) to keep
	// pipelined per peer (libtorrent: request_queue_time). The controller
	// sizes the per-peer window ≈ ceil((peer_rate * RTT * RequestQueueTime)/block_size),
	// clamped to [MinInflightRequestsPerPeer, MaxInflightRequestsPerPeer].
	RequestQueueTime time.Duration

	// RequestTimeout is the baseline time after which an in-flight block
	// can be considered timed-out and re-assigned. You can adapt it
	// per-peer using RTT.
	RequestTimeout time.Duration

	// EndgameDupPerBlock, when Endgame is enabled, caps the number of
	// duplicate owners (peers concurrently fetching the same block).
	EndgameDupPerBlock int

	// EndgameThreshold decides when to enter endgame based on remaining blocks.
	EndgameThreshold int

	// MaxRequestsPerPiece caps the number of duplicate requests for the
	// same piece across all peers to prevent over-downloading.
	MaxRequestsPerPiece int

	// ========== Seeding / Choking ==========

	// UploadSlots is the number of regular unchoke slots.
	UploadSlots int

	// RechokeInterval is the duration of how often to reevalute choke/unchoke
	// decisions.
	RechokeInterval time.Duration

	// OptimisticUnchokeInterval is the duration of how often to rotate the
	// optimistic unchoke.
	OptimisticUnchokeInterval time.Duration

	// ========== Keepalive / Heartbeats ==========

	// PeerHeartbeatInterval is how often to send keep-alive messages to
	// peer to maintain the connection.
	PeerHeartbeatInterval time.Duration

	// PeerInactivityDuration is the minimum interval after which a peer connection
	// is considered inactive.
	PeerInactivityDuration time.Duration

	// KeepAliveInterval is the interval to send keep-alive messages to the peer.
	KeepAliveInterval time.Duration

	// ========== Miscellaneous ==========

	// MetricsEnabled toggled Prom/OTel metrics endpoint.
	MetricsEnabled bool

	// MetricsBindAddr is the the HTTP address for metrics (e.g., ":9090")
	MetricsBindAddr string

	// EnableIPv6 allows connections to IPv6 peers.
	EnableIPv6 bool

	// EnableDHT enables DHT for peer discovery (future).
	EnableDHT bool

	// EnablePEX enables peer exchange protocol (future).
	EnablePEX bool

	// HasIPV6 keeps track of whether or not the system supports IPV6
	// addresses.
	HasIPV6 bool

	// ========== Encryption / Extensions ==========

	// MSEPreference is our message-stream-encryption negotiation
	// preference for outgoing connections.
	MSEPreference MSEPreference

	// EnableFastExtension toggles BEP-6 (Suggest/HaveAll/HaveNone/Reject/
	// AllowedFast) support in the handshake reserved bytes.
	EnableFastExtension bool

	// LTEPRequestQueueSize is the `reqq` value we advertise in our LTEP
	// handshake: how many outstanding piece requests we'll accept from a
	// peer.
	LTEPRequestQueueSize int

	// MetadataMaxSize bounds an info-dict's advertised size during BEP-9
	// metadata exchange, guarding against a malicious metadata_size.
	MetadataMaxSize int

	// PEXInterval is how often we exchange BEP-11 peer-exchange updates
	// with each peer that supports ut_pex.
	PEXInterval time.Duration
}

// MSEPreference is the 3-valued message-stream-encryption negotiation
// preference from spec.md §4.5.
type MSEPreference uint8

const (
	// MSERequired refuses plaintext connections outright.
	MSERequired MSEPreference = iota
	// MSEPreferred attempts encryption first but falls back to plaintext.
	MSEPreferred
	// MSEAllowed accepts either, without attempting encryption itself on
	// outbound connections.
	MSEAllowed
)

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() (Config, error) {
	downloadDir := getDefaultDownloadDir()
	hasIPV6 := hasIPV6()

	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:         downloadDir,
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        20 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		Port:                       6969,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		RateLimitRefresh:           200 * time.Millisecond,
		PeerOutboundQueueBacklog:   256,
		PeerMessageHistorySize:     128,
		PieceDownloadStrategy:      PieceDownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestQueueTime:           3 * time.Second,
		RequestTimeout:             25 * time.Second,
		EndgameDupPerBlock:         2,
		EndgameThreshold:           30,
		MaxRequestsPerPiece:        128,
		UploadSlots:                4,
		RechokeInterval:            10 * time.Second,
		OptimisticUnchokeInterval:  30 * time.Second,
		PeerHeartbeatInterval:      60 * time.Second,
		KeepAliveInterval:          90 * time.Second,
		MetricsEnabled:             false,
		MetricsBindAddr:            ":9090",
		EnableIPv6:                 hasIPV6,
		EnableDHT:                  false,
		EnablePEX:                  false,
		HasIPV6:                    hasIPV6,
		PeerInactivityDuration:     2 * time.Minute,
		MSEPreference:              MSEPreferred,
		EnableFastExtension:        true,
		LTEPRequestQueueSize:       128,
		MetadataMaxSize:            32 << 20,
		PEXInterval:                90 * time.Second,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.Environment(context.Background()).Platform {
	case "windows":
		return filepath.Join(home, "Downloads", "rabbit")
	case "darwin":
		return filepath.Join(home, "Downloads", "rabbit")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "rabbit", "downloads")
	}
}

// clientPrefix identifies this client to peers that parse Azureus-style
// peer-ids; the remaining bytes are the random, self-checking suffix below.
const clientPrefix = "-RB0001-"

// peerIDAlphabet is the character set allowed for the random suffix of a
// peer-id (spec.md §6: "[0-9A-Za-z]").
const peerIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// generateClientID builds a 20-byte peer-id: an 8-byte client prefix
// followed by 12 random alphanumeric characters whose base-36 digit sum is
// divisible by 36, a self-check some peers perform before trusting a peer-id.
func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte
	copy(peerID[:], clientPrefix)

	tail := sha1.Size - len(clientPrefix)
	indices := make([]int, tail)
	sum := 0

	randByte := make([]byte, 1)
	for i := 0; i < tail-1; i++ {
		if _, err := rand.Read(randByte); err != nil {
			return [sha1.Size]byte{}, err
		}
		idx := int(randByte[0]) % len(peerIDAlphabet)
		indices[i] = idx
		sum += idx
	}

	// Pick the last digit so the total sum lands on a multiple of 36; the
	// residue is always < 36, well within the alphabet's range.
	indices[tail-1] = (36 - sum%36) % 36

	for i, idx := range indices {
		peerID[len(clientPrefix)+i] = peerIDAlphabet[idx]
	}

	return peerID, nil
}
