// Package transport carries protocol requests from the accelerator engine to
// an authority, either over HTTP or in-process.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/rbacaccel/internal/config"
	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/protocol"
)

// ExtendedPath is where the authority serves protocol requests.
const ExtendedPath = "/api/v1/extended"

// HTTPClient posts protocol requests to an authority's HTTP API.
type HTTPClient struct {
	url       string
	secret    string
	principal string
	client    *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client. Its Timeout is left
// as given.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// NewHTTPClient returns a transport for the authority described by cfg.
func NewHTTPClient(cfg config.ClientConfig, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		url:       strings.TrimRight(cfg.AuthorityURL, "/") + ExtendedPath,
		secret:    cfg.ServiceSecret,
		principal: cfg.ServicePrincipal,
		client:    newHTTPClient(cfg),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func newHTTPClient(cfg config.ClientConfig) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// RoundTrip sends req and decodes the authority's reply. Any status other
// than 200 or 400 is an error; 400 carries a protocol response describing
// the rejected request.
func (h *HTTPClient) RoundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var body bytes.Buffer
	if err := protocol.EncodeRequest(&body, req); err != nil {
		return protocol.Response{}, fmt.Errorf("encoding request: %w", err)
	}
	// The encoded request may hold a password.
	defer util.WipeBytes(body.Bytes())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return protocol.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if h.principal != "" {
		httpReq.Header.Set("User-Agent", h.principal)
	}
	if h.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.secret)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return protocol.Response{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest:
		return protocol.DecodeResponse(resp.Body)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.Response{}, fmt.Errorf("authority returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}
