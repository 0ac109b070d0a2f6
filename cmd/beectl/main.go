// Package main implements beectl, the beedb operator tool.
//
// beectl talks to the router only. Every command prints a short table, or
// the raw response data with -json.
//
// Commands:
//
//	status            replica liveness and shard leaders
//	stats             per-shard operation and replication counters
//	shards            the router's shard table and cached leaders
//	stop              ask every replica to drain and exit
//	get KEY           read a key
//	put KEY VALUE     write a key; VALUE is JSON, or a string otherwise
//	delete KEY        delete a key
//
// Configuration:
//   - -router / BEEDB_ROUTER: router address (default: "http://127.0.0.1:8000")
//   - -timeout: request timeout (default: 10s)
//
// Example usage:
//
//	beectl status
//	beectl -router http://10.0.0.5:8000 put user:1 '{"name":"bee"}'
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dreamware/beedb/internal/admin"
	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/router"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "beectl: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	router string
	http   *http.Client
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("beectl", flag.ContinueOnError)
	fs.SetOutput(stdout)
	routerAddr := fs.String("router", getenv("BEEDB_ROUTER", "http://127.0.0.1:8000"), "router address")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	asJSON := fs.Bool("json", false, "print response data as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		return errors.New("missing command (status, stats, shards, stop, get, put, delete)")
	}

	c := &client{
		router: *routerAddr,
		http:   cluster.NewHTTPClient(*timeout),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd, rest := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "status":
		var status admin.ClusterStatus
		if err := c.call(ctx, http.MethodGet, "/admin/status", nil, &status); err != nil {
			return err
		}
		return output(stdout, *asJSON, status, printStatus)

	case "stats":
		var stats admin.ClusterStats
		if err := c.call(ctx, http.MethodGet, "/admin/stats", nil, &stats); err != nil {
			return err
		}
		return output(stdout, *asJSON, stats, printStats)

	case "shards":
		var shards struct {
			Shards    []router.ShardView `json:"shards"`
			NumShards int                `json:"numShards"`
		}
		if err := c.call(ctx, http.MethodGet, "/shards", nil, &shards); err != nil {
			return err
		}
		return output(stdout, *asJSON, shards.Shards, printShards)

	case "stop":
		var stopped struct {
			Replicas []admin.StopResult `json:"replicas"`
		}
		if err := c.call(ctx, http.MethodPost, "/admin/stop", nil, &stopped); err != nil {
			return err
		}
		return output(stdout, *asJSON, stopped.Replicas, printStop)

	case "get":
		if len(rest) != 1 {
			return errors.New("usage: get KEY")
		}
		var kv keyValue
		if err := c.call(ctx, http.MethodGet, keyPath(rest[0]), nil, &kv); err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(kv.Value))
		return nil

	case "put":
		if len(rest) != 2 {
			return errors.New("usage: put KEY VALUE")
		}
		body, err := json.Marshal(keyValue{Key: rest[0], Value: jsonValue(rest[1])})
		if err != nil {
			return err
		}
		if err := c.call(ctx, http.MethodPost, "/key", body, nil); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil

	case "delete":
		if len(rest) != 1 {
			return errors.New("usage: delete KEY")
		}
		if err := c.call(ctx, http.MethodDelete, keyPath(rest[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil
	}

	return fmt.Errorf("unknown command %q", cmd)
}

type keyValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func keyPath(key string) string {
	return "/key/" + url.PathEscape(key)
}

// jsonValue keeps s when it is valid JSON and quotes it otherwise.
func jsonValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// call sends a request to the router and decodes the envelope data into
// out. An envelope error is returned as a *cluster.APIError.
func (c *client) call(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, cluster.JoinURL(c.router, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	env, err := cluster.DecodeEnvelope(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %d: %w", method, path, resp.StatusCode, err)
	}
	if err := env.Err(resp.StatusCode); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return env.DecodeData(out)
}

func output[T any](w io.Writer, asJSON bool, v T, table func(*tabwriter.Writer, T)) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	table(tw, v)
	return tw.Flush()
}

func printStatus(w *tabwriter.Writer, status admin.ClusterStatus) {
	fmt.Fprintf(w, "SHARD\tREPLICA\tADDRESS\tSTATE\tTERM\tLEADER\n")
	for _, sh := range status.Shards {
		for _, r := range sh.Replicas {
			state, term, leader := "down", "-", "-"
			if r.Up && r.Status != nil {
				state = r.Status.State
				term = fmt.Sprint(r.Status.Term)
				leader = orDash(r.Status.Leader)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", sh.ID, r.ID, r.Address, state, term, leader)
		}
	}
	fmt.Fprintf(w, "\n%d/%d replicas up\n", status.Up, status.Total)
}

func printStats(w *tabwriter.Writer, stats admin.ClusterStats) {
	fmt.Fprintf(w, "SHARD\tGETS\tPUTS\tDELETES\tPREPARES\tCOMMITS\tABORTS\tKEYS\tBYTES\tDRAINING\n")
	for _, sh := range stats.Shards {
		t := sh.Totals
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", sh.ID,
			t.Ops.Gets, t.Ops.Puts, t.Ops.Deletes,
			t.Replication.Prepares, t.Replication.Commits, t.Replication.Aborts,
			t.Storage.Keys, t.Storage.Bytes, sh.Draining)
	}
}

func printShards(w *tabwriter.Writer, shards []router.ShardView) {
	fmt.Fprintf(w, "INDEX\tSHARD\tLEADER\tREPLICAS\n")
	for _, sh := range shards {
		addrs := make([]string, 0, len(sh.Replicas))
		for _, r := range sh.Replicas {
			addrs = append(addrs, r.Address)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", sh.Index, sh.ID, orDash(sh.Leader), strings.Join(addrs, ","))
	}
}

func printStop(w *tabwriter.Writer, results []admin.StopResult) {
	fmt.Fprintf(w, "SHARD\tREPLICA\tADDRESS\tRESULT\n")
	for _, r := range results {
		result := "stopping"
		if !r.Stopped {
			result = "failed: " + r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ShardID, r.ID, r.Address, result)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
