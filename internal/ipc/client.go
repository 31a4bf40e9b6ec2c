package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	apperrors "github.com/corepower/pmcoord/internal/errors"
)

// clientBaseURL is a placeholder host; the transport always dials the socket.
const clientBaseURL = "http://pmcoord"

// Client talks to a running daemon over its control socket.
type Client struct {
	path string
	http *http.Client
}

// NewClient returns a client bound to the Unix socket at path.
func NewClient(path string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{
		path: path,
		http: &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}
}

// errorBody mirrors the server's JSON error shape.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Internal("encode request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, clientBaseURL+path, body)
	if err != nil {
		return apperrors.Internal("build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeServerUnavailable,
			fmt.Sprintf("daemon not reachable at %s", c.path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Code == "" {
			return apperrors.New(apperrors.CodeUnknown, fmt.Sprintf("unexpected status %s", resp.Status))
		}
		return apperrors.New(eb.Code, eb.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Internal("decode response", err)
	}
	return nil
}
