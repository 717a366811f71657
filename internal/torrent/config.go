package torrent

import (
	"github.com/prxssh/rabbit/internal/dht"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/scheduler"
	"github.com/prxssh/rabbit/internal/storage"
)

// Config bundles the per-subsystem tunables a Torrent is built with. The
// tracker package has no per-instance config of its own — it reads
// announce/backoff tunables off the process-wide internal/config singleton
// instead, the same way internal/peer and internal/piece do.
type Config struct {
	Scheduler *scheduler.Config
	Storage   *storage.Config
	Peer      *peer.Config
	DHT       *dht.Config
}

func WithDefaultConfig() *Config {
	return &Config{
		Scheduler: scheduler.WithDefaultConfig(),
		Storage:   storage.WithDefaultConfig(),
		Peer:      peer.WithDefaultConfig(),
		DHT:       dht.WithDefaultConfig(),
	}
}
