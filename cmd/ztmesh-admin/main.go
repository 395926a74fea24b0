// Command ztmesh-admin is a thin CLI over the admin API. It reads the
// controller address from ZTMESH_URL and the shared secret from
// ZTMESH_ADMIN_TOKEN.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("ZTMESH_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	token := os.Getenv("ZTMESH_ADMIN_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "ZTMESH_ADMIN_TOKEN is not set")
		os.Exit(1)
	}
	cli := &client{baseURL: baseURL, token: token}

	var err error
	switch os.Args[1] {
	case "nodes":
		err = cli.listNodes()
	case "approve", "suspend", "revoke":
		err = cli.nodeAction(os.Args[1], arg(2))
	case "policies":
		err = cli.listPolicies()
	case "devices":
		err = cli.listDevices()
	case "stats":
		err = cli.networkStats()
	case "audit":
		err = cli.listAudit()
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func arg(i int) string {
	if len(os.Args) <= i {
		printUsage()
		os.Exit(1)
	}
	return os.Args[i]
}

func printUsage() {
	fmt.Println(`usage: ztmesh-admin <command>

  nodes                 list enrolled nodes
  approve <node-id>     approve a pending node
  suspend <node-id>     suspend a node and drop its peer
  revoke <node-id>      revoke a node permanently
  policies              list role access policies
  devices               list client devices
  stats                 overlay address pool utilization
  audit                 recent audit entries

environment: ZTMESH_URL (default http://localhost:8000), ZTMESH_ADMIN_TOKEN`)
}

type client struct {
	baseURL string
	token   string
}

func (c *client) do(method, path string, body any) (map[string]any, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Admin-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%v (%v)", out["error"], out["error_code"])
	}
	return out, nil
}

func (c *client) listNodes() error {
	out, err := c.do(http.MethodGet, "/api/v1/admin/nodes", nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tROLE\tSTATUS\tOVERLAY IP\tTRUST\tLAST SEEN")
	for _, v := range out["nodes"].([]any) {
		n := v.(map[string]any)
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%.2f\t%v\n",
			n["id"], n["hostname"], n["role"], n["status"], n["overlay_ip"],
			n["trust_score"], n["last_seen"])
	}
	return w.Flush()
}

func (c *client) nodeAction(action, id string) error {
	out, err := c.do(http.MethodPost, "/api/v1/admin/nodes/"+id+"/"+action, nil)
	if err != nil {
		return err
	}
	fmt.Println(out["message"])
	return nil
}

func (c *client) listPolicies() error {
	out, err := c.do(http.MethodGet, "/api/v1/admin/policies", nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSRC\tDST\tPORT\tPROTO\tACTION\tPRIORITY\tENABLED")
	for _, v := range out["policies"].([]any) {
		p := v.(map[string]any)
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			p["id"], p["name"], p["src_role"], p["dst_role"], p["port"],
			p["protocol"], p["action"], p["priority"], p["enabled"])
	}
	return w.Flush()
}

func (c *client) listDevices() error {
	out, err := c.do(http.MethodGet, "/api/v1/client/devices", nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUSER\tTYPE\tSTATUS\tOVERLAY IP\tEXPIRES")
	for _, v := range out["devices"].([]any) {
		d := v.(map[string]any)
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			d["id"], d["device_name"], d["user_id"], d["device_type"],
			d["status"], d["overlay_ip"], d["expires_at"])
	}
	return w.Flush()
}

func (c *client) networkStats() error {
	out, err := c.do(http.MethodGet, "/api/v1/admin/network/stats", nil)
	if err != nil {
		return err
	}
	fmt.Printf("network:     %v\n", out["network"])
	fmt.Printf("total:       %v\n", out["total_addresses"])
	fmt.Printf("used:        %v\n", out["used_addresses"])
	fmt.Printf("available:   %v\n", out["available_addresses"])
	fmt.Printf("utilization: %.1f%%\n", out["utilization"].(float64)*100)
	return nil
}

func (c *client) listAudit() error {
	out, err := c.do(http.MethodGet, "/api/v1/admin/audit?limit=50", nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tACTION\tACTOR\tSTATUS")
	for _, v := range out["entries"].([]any) {
		e := v.(map[string]any)
		fmt.Fprintf(w, "%v\t%v\t%v\t%v/%v\t%v\n",
			e["created_at"], e["event_type"], e["event_action"],
			e["actor_type"], e["actor_id"], e["status"])
	}
	return w.Flush()
}
