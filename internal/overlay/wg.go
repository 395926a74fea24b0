package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const commandTimeout = 10 * time.Second

// WG drives a kernel WireGuard interface through wg(8) and wg-quick(8).
type WG struct {
	iface  string
	logger *slog.Logger
}

// NewWG returns a driver for the named interface.
func NewWG(iface string, logger *slog.Logger) *WG {
	if logger == nil {
		logger = slog.Default()
	}
	return &WG{iface: iface, logger: logger}
}

func (w *WG) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (w *WG) InterfaceUp(ctx context.Context) bool {
	_, err := w.run(ctx, "wg", "show", w.iface)
	return err == nil
}

func (w *WG) AddPeer(ctx context.Context, publicKey string, allowedIPs []string) error {
	if !w.InterfaceUp(ctx) {
		return fmt.Errorf("interface %s is not up", w.iface)
	}
	_, err := w.run(ctx, "wg", "set", w.iface,
		"peer", publicKey, "allowed-ips", strings.Join(allowedIPs, ","))
	if err != nil {
		return err
	}
	w.logger.Info("peer added", "interface", w.iface, "allowed_ips", allowedIPs)
	if err := w.Save(ctx); err != nil {
		w.logger.Warn("config save failed", "error", err)
	}
	return nil
}

func (w *WG) RemovePeer(ctx context.Context, publicKey string) error {
	if !w.InterfaceUp(ctx) {
		return fmt.Errorf("interface %s is not up", w.iface)
	}
	if _, err := w.run(ctx, "wg", "set", w.iface, "peer", publicKey, "remove"); err != nil {
		return err
	}
	w.logger.Info("peer removed", "interface", w.iface)
	if err := w.Save(ctx); err != nil {
		w.logger.Warn("config save failed", "error", err)
	}
	return nil
}

func (w *WG) PeerExists(ctx context.Context, publicKey string) (bool, error) {
	peers, err := w.ListPeers(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range peers {
		if p.PublicKey == publicKey {
			return true, nil
		}
	}
	return false, nil
}

// ListPeers parses `wg show <iface> dump`. The first line describes the
// interface itself and is skipped; peer lines are tab-separated:
// pubkey, psk, endpoint, allowed-ips, handshake, rx, tx, keepalive.
func (w *WG) ListPeers(ctx context.Context) ([]Peer, error) {
	out, err := w.run(ctx, "wg", "show", w.iface, "dump")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var peers []Peer
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			continue
		}
		p := Peer{PublicKey: parts[0]}
		if parts[2] != "(none)" {
			p.Endpoint = parts[2]
		}
		if parts[3] != "(none)" {
			p.AllowedIPs = strings.Split(parts[3], ",")
		}
		if len(parts) > 4 {
			p.LastHandshake, _ = strconv.ParseInt(parts[4], 10, 64)
		}
		if len(parts) > 6 {
			p.RxBytes, _ = strconv.ParseInt(parts[5], 10, 64)
			p.TxBytes, _ = strconv.ParseInt(parts[6], 10, 64)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (w *WG) Save(ctx context.Context) error {
	_, err := w.run(ctx, "wg-quick", "save", w.iface)
	return err
}

var _ Driver = (*WG)(nil)
