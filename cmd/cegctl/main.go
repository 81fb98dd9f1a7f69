package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/omarques/ceg/internal/config"
	"github.com/omarques/ceg/internal/outbox"
)

func main() {
	addrFlag := flag.String("addr", config.DefaultListenAddr, "daemon HTTP API address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		base: "http://" + *addrFlag,
		http: &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "sync":
		cmdSync(ctx, c, *jsonFlag)
	case "submit":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: cegctl submit <kind> [json payload]")
			os.Exit(1)
		}
		cmdSubmit(ctx, c, args[1], args[2:], *jsonFlag)
	case "submitted":
		cmdSubmitted(ctx, c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	kinds := make([]string, len(outbox.Kinds))
	for i, k := range outbox.Kinds {
		kinds[i] = string(k)
	}
	fmt.Fprintln(os.Stderr, "usage: cegctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                   Show daemon and queue status")
	fmt.Fprintln(os.Stderr, "  sync                     Trigger a drain attempt now")
	fmt.Fprintln(os.Stderr, "  submit <kind> [payload]  Queue a submission (payload as JSON arg or stdin)")
	fmt.Fprintln(os.Stderr, "  submitted                List acknowledged submissions")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintf(os.Stderr, "kinds: %s\n", strings.Join(kinds, ", "))
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus(ctx context.Context, c *client, jsonOut bool) {
	var st struct {
		Online    bool `json:"online"`
		Draining  bool `json:"draining"`
		Pending   int  `json:"pending"`
		Submitted int  `json:"submitted"`
	}
	if err := c.get(ctx, "/api/status", &st); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Online:    %v\n", st.Online)
	fmt.Printf("Draining:  %v\n", st.Draining)
	fmt.Printf("Pending:   %d\n", st.Pending)
	fmt.Printf("Submitted: %d\n", st.Submitted)
}

func cmdSync(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		Triggered bool `json:"triggered"`
	}
	if err := c.post(ctx, "/api/sync", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Println("Sync triggered.")
}

func cmdSubmit(ctx context.Context, c *client, kind string, rest []string, jsonOut bool) {
	var payload []byte
	if len(rest) > 0 {
		payload = []byte(strings.Join(rest, " "))
	} else {
		var err error
		payload, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: reading payload from stdin: %v\n", err)
			os.Exit(1)
		}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		fmt.Fprintln(os.Stderr, "error: payload is not valid JSON")
		os.Exit(1)
	}

	var resp struct {
		ID      string `json:"id"`
		Pending int    `json:"pending"`
	}
	if err := c.post(ctx, "/api/outbox/"+kind, payload, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued %s as %s (%d pending)\n", kind, resp.ID, resp.Pending)
}

func cmdSubmitted(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		Submitted []struct {
			ID        string `json:"id"`
			Kind      string `json:"kind"`
			CreatedAt int64  `json:"created_at"`
			SyncedAt  int64  `json:"synced_at"`
		} `json:"submitted"`
	}
	if err := c.get(ctx, "/api/submitted", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Submitted) == 0 {
		fmt.Println("No acknowledged submissions.")
		return
	}
	for _, it := range resp.Submitted {
		synced := time.UnixMilli(it.SyncedAt).Format(time.RFC3339)
		fmt.Printf("%s  %-8s  synced %s\n", it.ID, it.Kind, synced)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
