// Package overlay applies peer configuration to the hub's WireGuard
// interface. The controller only ever touches its own interface; spoke
// configs are rendered elsewhere and applied by agents.
package overlay

import "context"

// Peer is one entry from the interface's peer table.
type Peer struct {
	PublicKey     string   `json:"public_key"`
	Endpoint      string   `json:"endpoint,omitempty"`
	AllowedIPs    []string `json:"allowed_ips"`
	LastHandshake int64    `json:"last_handshake,omitempty"` // unix seconds, 0 = never
	RxBytes       int64    `json:"rx_bytes"`
	TxBytes       int64    `json:"tx_bytes"`
}

// Driver is the boundary to the data plane. The production implementation
// shells out to wg(8); tests use Fake.
type Driver interface {
	// InterfaceUp reports whether the hub interface exists and is up.
	InterfaceUp(ctx context.Context) bool
	// AddPeer adds or updates a peer. allowedIPs are host routes in CIDR
	// form (e.g. 10.0.0.2/32).
	AddPeer(ctx context.Context, publicKey string, allowedIPs []string) error
	RemovePeer(ctx context.Context, publicKey string) error
	PeerExists(ctx context.Context, publicKey string) (bool, error)
	ListPeers(ctx context.Context) ([]Peer, error)
	// Save persists the running config so it survives interface restarts.
	Save(ctx context.Context) error
}
