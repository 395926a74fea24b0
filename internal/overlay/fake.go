package overlay

import (
	"context"
	"sync"
)

// Op is one recorded driver call.
type Op struct {
	Action     string // add, remove, save
	PublicKey  string
	AllowedIPs []string
}

// Fake is an in-memory Driver for tests and dev mode. It records every call
// and keeps a peer table so PeerExists/ListPeers behave like the real thing.
type Fake struct {
	mu    sync.Mutex
	Up    bool
	Ops   []Op
	peers map[string][]string

	// FailNext makes the next mutating call return this error once.
	FailNext error
}

// NewFake returns a fake driver with the interface up.
func NewFake() *Fake {
	return &Fake{Up: true, peers: make(map[string][]string)}
}

func (f *Fake) takeErr() error {
	err := f.FailNext
	f.FailNext = nil
	return err
}

func (f *Fake) InterfaceUp(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Up
}

func (f *Fake) AddPeer(ctx context.Context, publicKey string, allowedIPs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.Ops = append(f.Ops, Op{Action: "add", PublicKey: publicKey, AllowedIPs: allowedIPs})
	f.peers[publicKey] = allowedIPs
	return nil
}

func (f *Fake) RemovePeer(ctx context.Context, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.Ops = append(f.Ops, Op{Action: "remove", PublicKey: publicKey})
	delete(f.peers, publicKey)
	return nil
}

func (f *Fake) PeerExists(ctx context.Context, publicKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.peers[publicKey]
	return ok, nil
}

func (f *Fake) ListPeers(ctx context.Context) ([]Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Peer, 0, len(f.peers))
	for pk, ips := range f.peers {
		out = append(out, Peer{PublicKey: pk, AllowedIPs: ips})
	}
	return out, nil
}

func (f *Fake) Save(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, Op{Action: "save"})
	return nil
}

// HasPeer is a test helper.
func (f *Fake) HasPeer(publicKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.peers[publicKey]
	return ok
}

var _ Driver = (*Fake)(nil)
