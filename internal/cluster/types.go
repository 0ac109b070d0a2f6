package cluster

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Operation is a replicated write kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpDelete
}

// NodeInfo identifies a replica reachable over HTTP.
type NodeInfo struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	ShardID string `json:"shardId,omitempty"`
}

// LeaderAnnouncement is pushed by a replica to the router when it becomes
// leader of its shard.
type LeaderAnnouncement struct {
	ShardID       string `json:"shardId"`
	LeaderAddress string `json:"leaderAddress"`
}

// NodeStatus is the consensus view a replica reports on /raft/status.
type NodeStatus struct {
	ID               string    `json:"id"`
	ShardID          string    `json:"shardId"`
	Address          string    `json:"address"`
	State            string    `json:"state"`
	Term             int64     `json:"term"`
	Leader           string    `json:"leader"`
	VotedFor         string    `json:"votedFor,omitempty"`
	VotesReceived    int       `json:"votesReceived"`
	ElectionDeadline time.Time `json:"electionDeadline,omitempty"`
	UnreachablePeers []string  `json:"unreachablePeers,omitempty"`
}

// ShardIndex maps key onto one of n shards. The first 32 bits of the md5
// digest of the key, read big endian, are reduced modulo n. The result only
// depends on key and n; changing n remaps most keys.
func ShardIndex(key string, n int) int {
	if n <= 0 {
		return -1
	}

	sum := md5.Sum([]byte(key))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(n))
}

// StatusError is returned by the JSON helpers when the peer answered with a
// non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
}

// NewHTTPClient returns a client tuned for short intra-cluster calls. Callers
// bound individual requests with a context deadline; timeout is a backstop.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &transport,
	}
}

var httpClient = NewHTTPClient(5 * time.Second)

// JoinURL appends path to a base address, adding the http scheme when the
// address is a bare host:port.
func JoinURL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}

// PostJSON sends body as JSON and decodes a 2xx response into out, which
// may be nil. Any other status is returned as a *StatusError.
//
// Example:
//
//	var resp consensus.VoteResponse
//	err := cluster.PostJSON(ctx, cluster.JoinURL(peer, "/raft/vote"), req, &resp)
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON is PostJSON for GET requests.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
