// Simulates a node agent against a running control plane: enroll, then
// heartbeat and resync on the interval the controller advertises.
//
//	go run ./scripts [-url http://localhost:8000] [-hostname sim-01] [-role app]
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/ztmesh/controlplane/pkg/agent"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "control plane base URL")
	hostname := flag.String("hostname", "sim-01", "hostname to enroll as")
	role := flag.String("role", "app", "node role")
	flag.Parse()

	// A throwaway key; the simulator never brings up a real tunnel.
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		log.Fatalf("generating key: %v", err)
	}
	publicKey := base64.StdEncoding.EncodeToString(raw)

	client := agent.NewClient(agent.Config{
		BaseURL:      *baseURL,
		Hostname:     *hostname,
		Role:         *role,
		PublicKey:    publicKey,
		AgentVersion: "sim-0.1",
		OSInfo:       "simulator",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg, err := client.Register(ctx)
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	fmt.Printf("enrolled as %s (%s), overlay IP %s, status %s\n",
		reg.Hostname, publicKey[:12], reg.OverlayIP, reg.Status)

	interval := 30 * time.Second
	var configVersion int64
	for {
		hb, err := client.Heartbeat(ctx, &agent.Telemetry{
			ConfigVersion: configVersion,
			CPUPercent:    20,
			MemoryPercent: 35,
			DiskPercent:   50,
		})
		if err != nil {
			log.Printf("heartbeat: %v", err)
		} else {
			fmt.Printf("heartbeat ok: trust=%.2f risk=%s\n", hb.TrustScore, hb.RiskLevel)
			if hb.ConfigChanged || configVersion == 0 {
				cfg, err := client.FetchConfig(ctx)
				if err != nil {
					log.Printf("config fetch: %v", err)
				} else {
					configVersion = cfg.ConfigVersion
					interval = time.Duration(cfg.NextSyncSeconds) * time.Second
					fmt.Printf("config v%d: %d peers, %d acl rules, next sync %s\n",
						cfg.ConfigVersion, len(cfg.Peers), len(cfg.ACLRules), interval)
				}
			}
		}

		select {
		case <-ctx.Done():
			fmt.Println("stopping")
			return
		case <-time.After(interval):
		}
	}
}
