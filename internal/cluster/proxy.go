package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

const (
	// RequestIDHeader carries the id the router assigns to each client
	// request, through redirects and into replica logs.
	RequestIDHeader = "X-Request-Id"

	// ForwardedByHeader names the replica or router that forwarded a
	// request.
	ForwardedByHeader = "X-Beedb-Forwarded-By"
)

// MaxBodySize bounds client request bodies.
const MaxBodySize = 1 << 20

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ReadBody reads a bounded request body.
func ReadBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("request body larger than %d bytes", MaxBodySize)
	}
	return body, nil
}

// Forward replays r against the target address with the same method, path,
// query, headers and body, then relays the response to w. An error means
// nothing was written to w.
func Forward(ctx context.Context, client *http.Client, w http.ResponseWriter, r *http.Request, target string, body []byte, forwardedBy string) error {
	url := JoinURL(target, r.URL.RequestURI())

	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if forwardedBy != "" {
		req.Header.Set(ForwardedByHeader, forwardedBy)
	}

	if client == nil {
		client = httpClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	return nil
}
