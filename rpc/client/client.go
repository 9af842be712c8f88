// Package client implements a JSON-RPC client for a settlement node. The
// gateway, the loan indexer, and lienctl all talk to liend through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 15 * time.Second

// Error carries the JSON-RPC error object together with the HTTP status the
// node answered with, so callers can map failures without string matching.
type Error struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

func (e *Error) Error() string {
	if e == nil {
		return "rpc: unknown error"
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client issues JSON-RPC calls against a single node endpoint.
type Client struct {
	endpoint   *url.URL
	token      string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithToken sets the bearer token attached to every request. State-changing
// node methods reject calls without it.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a client pointed at the supplied node RPC endpoint. The
// default transport is instrumented for trace propagation.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid rpc endpoint: %w", err)
	}
	client := &Client{
		endpoint: parsed,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return client, nil
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int64             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Call invokes method with param as the single parameter object; a nil param
// sends an empty parameter list. A non-nil result receives the decoded result
// payload. Node-reported failures come back as *Error.
func (c *Client) Call(ctx context.Context, method string, param, result interface{}) error {
	if c == nil {
		return fmt.Errorf("rpc client not initialised")
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return fmt.Errorf("rpc method required")
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.nextID.Add(1),
	}
	if param != nil {
		encoded, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = []json.RawMessage{encoded}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		if httpResp.StatusCode >= 400 {
			return &Error{
				HTTPStatus: httpResp.StatusCode,
				Code:       -32000,
				Message:    strings.TrimSpace(string(payload)),
			}
		}
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return &Error{
			HTTPStatus: httpResp.StatusCode,
			Code:       resp.Error.Code,
			Message:    resp.Error.Message,
			Data:       resp.Error.Data,
		}
	}
	if result == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%s returned no result", method)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
