package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lienchain/gateway/middleware"
	"lienchain/rpc/client"
)

type nodeRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

func newTestGateway(t *testing.T, node http.HandlerFunc) http.Handler {
	t.Helper()
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)
	rpcClient, err := client.New(server.URL)
	if err != nil {
		t.Fatalf("new node client: %v", err)
	}
	store, err := middleware.NewIdempotencyStore(filepath.Join(t.TempDir(), "idempotency.db"), nil)
	if err != nil {
		t.Fatalf("open idempotency store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	handler, err := New(Config{
		Client:      rpcClient,
		Idempotency: middleware.NewIdempotency(store, time.Hour, nil),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return handler
}

func decodeNodeRequest(t *testing.T, r *http.Request) (string, map[string]any) {
	t.Helper()
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode node request: %v", err)
	}
	params := map[string]any{}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			t.Fatalf("decode node params: %v", err)
		}
	}
	return req.Method, params
}

func TestRouterForwardsLoanCreate(t *testing.T) {
	var gotMethod string
	var gotParams map[string]any
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotParams = decodeNodeRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"id":1,"status":"running"}}`))
	})

	body := `{"caller":"lien1qy352eulsed","terms":{"kind":"term","principal":"1000"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/loans", strings.NewReader(body))
	res := httptest.NewRecorder()
	gateway.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from create, got %d: %s", res.Code, res.Body.String())
	}
	if gotMethod != "loan_create" {
		t.Fatalf("expected loan_create to be called, got %q", gotMethod)
	}
	if gotParams["caller"] != "lien1qy352eulsed" {
		t.Fatalf("expected caller to be forwarded, got %v", gotParams["caller"])
	}
	var result map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode gateway response: %v", err)
	}
	if result["status"] != "running" {
		t.Fatalf("expected node result to be relayed, got %v", result)
	}
}

func TestRouterStampsPathID(t *testing.T) {
	var gotMethod string
	var gotParams map[string]any
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotParams = decodeNodeRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/loans/42/repay", strings.NewReader(`{"caller":"lien1qy352eulsed","id":7}`))
	res := httptest.NewRecorder()
	gateway.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if gotMethod != "loan_repay" {
		t.Fatalf("expected loan_repay, got %q", gotMethod)
	}
	if id, ok := gotParams["id"].(float64); !ok || id != 42 {
		t.Fatalf("expected path id 42 to override the body, got %v", gotParams["id"])
	}
}

func TestRouterRelaysNodeErrorStatus(t *testing.T) {
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"loan 9 not found"}}`))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/9", nil)
	res := httptest.NewRecorder()
	gateway.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected node status to be relayed, got %d", res.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["error"] != "loan 9 not found" {
		t.Fatalf("expected node error message, got %q", payload["error"])
	}
}

func TestRouterRejectsMalformedLoanID(t *testing.T) {
	gateway := newTestGateway(t, func(http.ResponseWriter, *http.Request) {
		t.Fatalf("malformed id must not reach the node")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/abc", nil)
	res := httptest.NewRecorder()
	gateway.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", res.Code)
	}
}

func TestRouterForwardsEventQuery(t *testing.T) {
	var gotMethod string
	var gotParams map[string]any
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotParams = decodeNodeRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"events":[],"nextCursor":"12"}}`))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/events?cursor=5&limit=20", nil)
	res := httptest.NewRecorder()
	gateway.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if gotMethod != "lien_events" {
		t.Fatalf("expected lien_events, got %q", gotMethod)
	}
	if gotParams["cursor"] != "5" {
		t.Fatalf("expected cursor query to be forwarded, got %v", gotParams["cursor"])
	}
	if limit, ok := gotParams["limit"].(float64); !ok || limit != 20 {
		t.Fatalf("expected limit 20, got %v", gotParams["limit"])
	}
}

func TestRouterReplaysIdempotentCreate(t *testing.T) {
	calls := 0
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"id":1,"status":"running"}}`))
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/loans", strings.NewReader(`{"caller":"lien1qy352eulsed"}`))
		req.Header.Set("Idempotency-Key", "create-once")
		res := httptest.NewRecorder()
		gateway.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected 200 on attempt %d, got %d", i, res.Code)
		}
		if i == 1 && res.Header().Get("X-Idempotency-Cache") != "hit" {
			t.Fatalf("expected second attempt to replay from the cache")
		}
	}
	if calls != 1 {
		t.Fatalf("expected one node call for the idempotent pair, got %d", calls)
	}
}

func TestRouterHealthz(t *testing.T) {
	gateway := newTestGateway(t, func(http.ResponseWriter, *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	gateway.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected healthz to return 200, got %d", res.Code)
	}
	if res.Body.String() != "ok" {
		t.Fatalf("expected ok body, got %q", res.Body.String())
	}
}
