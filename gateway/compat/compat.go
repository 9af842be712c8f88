// Package compat exposes the node's JSON-RPC surface through the gateway so
// existing tooling keeps working while clients migrate to the REST routes.
// Requests are forwarded verbatim; the gateway injects its node credential and
// filters the method set.
package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const requestLimit = 1 << 20 // 1 MiB

type Dispatcher struct {
	endpoint string
	client   *http.Client
	token    string
	allowed  map[string]struct{}
}

// NewDispatcher builds a passthrough for the node at endpoint. The token is
// attached to every forwarded call; callers authenticate to the gateway with
// their own credentials instead.
func NewDispatcher(endpoint *url.URL, token string) *Dispatcher {
	return &Dispatcher{
		endpoint: endpoint.String(),
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		token:   strings.TrimSpace(token),
		allowed: allowedMethods(),
	}
}

// Handler accepts single requests and batches. The node processes one request
// per HTTP call, so batches fan out sequentially and collect the envelopes.
func (d *Dispatcher) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
		if err != nil {
			writeError(w, nil, -32700, fmt.Sprintf("read body: %v", err))
			return
		}
		payload := bytes.TrimSpace(body)
		if len(payload) == 0 {
			writeError(w, nil, -32600, "empty request body")
			return
		}
		if bytes.HasPrefix(payload, []byte("[")) {
			var requests []rpcRequest
			if err := json.Unmarshal(payload, &requests); err != nil {
				writeError(w, nil, -32700, fmt.Sprintf("decode batch: %v", err))
				return
			}
			responses := make([]rpcResponse, 0, len(requests))
			for _, req := range requests {
				responses = append(responses, d.handleSingle(r.Context(), req))
			}
			writeJSON(w, responses)
			return
		}
		var request rpcRequest
		if err := json.Unmarshal(payload, &request); err != nil {
			writeError(w, nil, -32700, fmt.Sprintf("decode request: %v", err))
			return
		}
		writeJSON(w, d.handleSingle(r.Context(), request))
	})
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (d *Dispatcher) handleSingle(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		resp.Error = &rpcError{Code: -32600, Message: "method required"}
		return resp
	}
	if _, ok := d.allowed[method]; !ok {
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
		return resp
	}

	req.JSONRPC = "2.0"
	payload, err := json.Marshal(req)
	if err != nil {
		resp.Error = &rpcError{Code: -32602, Message: fmt.Sprintf("encode request: %v", err)}
		return resp
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		resp.Error = &rpcError{Code: -32602, Message: fmt.Sprintf("build request: %v", err)}
		return resp
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		resp.Error = &rpcError{Code: -32002, Message: fmt.Sprintf("upstream error: %v", err)}
		return resp
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		resp.Error = &rpcError{Code: -32003, Message: fmt.Sprintf("read response: %v", err)}
		return resp
	}

	var forwarded rpcResponse
	if err := json.Unmarshal(body, &forwarded); err != nil {
		resp.Error = &rpcError{Code: -32000, Message: "upstream error", Data: strings.TrimSpace(string(body))}
		return resp
	}
	forwarded.JSONRPC = "2.0"
	forwarded.ID = req.ID
	return forwarded
}

func writeError(w http.ResponseWriter, id any, code int, msg string) {
	writeJSON(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
