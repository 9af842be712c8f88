package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lienchain/rpc/client"
)

const loanRequestLimit = 1 << 20 // 1 MiB

// loanRoutes bridges the REST surface onto the node's JSON-RPC loan API.
// Request bodies are forwarded as the method's parameter object; identifiers
// taken from the path override any id carried in the body.
type loanRoutes struct {
	client  *client.Client
	timeout time.Duration
}

func newLoanRoutes(rpc *client.Client) *loanRoutes {
	return &loanRoutes{client: rpc, timeout: 10 * time.Second}
}

func (lr *loanRoutes) mountReads(r chi.Router) {
	r.Get("/loans/{id}", lr.getLoan)
	r.Get("/loans/{id}/owed", lr.repaymentAmount)
	r.Get("/loans/{id}/fingerprint", lr.stateFingerprint)
	r.Get("/loans/{id}/owner", lr.positionOwner)
	r.Get("/events", lr.listEvents)
	r.Get("/accounts/{address}/balance", lr.accountBalance)
	r.Get("/accounts/{address}/nonces/{space}/{nonce}", lr.nonceUsable)
	r.Get("/params/fees", lr.feeParams)
}

func (lr *loanRoutes) mountWrites(r chi.Router) {
	r.Post("/loans", lr.createLoan)
	r.Post("/loans/extension-offers", lr.makeExtensionOffer)
	r.Post("/loans/extend", lr.extendLoan)
	r.Post("/loans/{id}/repay", lr.repayLoan)
	r.Post("/loans/{id}/refinance", lr.refinanceLoan)
	r.Post("/loans/{id}/claim", lr.claimLoan)
	r.Post("/loans/{id}/transfer", lr.transferPosition)
	r.Post("/nonces/revoke", lr.revokeNonce)
	r.Post("/credit-lines", lr.openCreditLine)
	r.Post("/credit-lines/{id}/draw", lr.drawCreditLine)
	r.Post("/credit-lines/{id}/repay", lr.repayCreditLine)
	r.Post("/credit-lines/{id}/claim", lr.claimCreditLine)
}

func (lr *loanRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := lr.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

// call forwards the parameter object to the node and relays the raw result.
func (lr *loanRoutes) call(w http.ResponseWriter, r *http.Request, method string, param any) {
	ctx, cancel := lr.context(r.Context())
	defer cancel()

	var result json.RawMessage
	if err := lr.client.Call(ctx, method, param, &result); err != nil {
		writeUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func (lr *loanRoutes) createLoan(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "loan_create", payload)
}

func (lr *loanRoutes) repayLoan(w http.ResponseWriter, r *http.Request) {
	lr.callWithID(w, r, "loan_repay")
}

func (lr *loanRoutes) refinanceLoan(w http.ResponseWriter, r *http.Request) {
	lr.callWithID(w, r, "loan_refinance")
}

func (lr *loanRoutes) claimLoan(w http.ResponseWriter, r *http.Request) {
	lr.callWithID(w, r, "loan_claim")
}

func (lr *loanRoutes) transferPosition(w http.ResponseWriter, r *http.Request) {
	lr.callWithID(w, r, "loan_transferPosition")
}

// Extension offers are signed payloads; the loan id lives inside the offer so
// the gateway must not rewrite it.
func (lr *loanRoutes) makeExtensionOffer(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "loan_makeExtensionOffer", payload)
}

func (lr *loanRoutes) extendLoan(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "loan_extend", payload)
}

func (lr *loanRoutes) revokeNonce(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "loan_revokeNonce", payload)
}

func (lr *loanRoutes) openCreditLine(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "creditline_open", payload)
}

func (lr *loanRoutes) drawCreditLine(w http.ResponseWriter, r *http.Request) {
	lr.callWithID(w, r, "creditline_draw")
}

func (lr *loanRoutes) repayCreditLine(w http.ResponseWriter, r *http.Request) {
	lr.callWithID(w, r, "creditline_repay")
}

func (lr *loanRoutes) claimCreditLine(w http.ResponseWriter, r *http.Request) {
	lr.callWithID(w, r, "creditline_claim")
}

// callWithID decodes the body, stamps the loan id from the path into the
// parameter object, and forwards the call.
func (lr *loanRoutes) callWithID(w http.ResponseWriter, r *http.Request, method string) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	payload, err := decodeBody(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	payload["id"] = id
	lr.call(w, r, method, payload)
}

func (lr *loanRoutes) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "loan_get", map[string]any{"id": id})
}

func (lr *loanRoutes) repaymentAmount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "loan_repaymentAmount", map[string]any{"id": id})
}

func (lr *loanRoutes) stateFingerprint(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "loan_stateFingerprint", map[string]any{"id": id})
}

func (lr *loanRoutes) positionOwner(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.call(w, r, "lien_positionOwner", map[string]any{"id": id})
}

func (lr *loanRoutes) listEvents(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	query := r.URL.Query()
	if cursor := strings.TrimSpace(query.Get("cursor")); cursor != "" {
		params["cursor"] = cursor
	}
	if rawLimit := strings.TrimSpace(query.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			writeBadRequest(w, fmt.Errorf("invalid limit %q", rawLimit))
			return
		}
		params["limit"] = limit
	}
	lr.call(w, r, "lien_events", params)
}

func (lr *loanRoutes) accountBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeBadRequest(w, errors.New("symbol query parameter required"))
		return
	}
	lr.call(w, r, "lien_balance", map[string]any{"address": address, "symbol": symbol})
}

func (lr *loanRoutes) nonceUsable(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "address")
	space, err := strconv.ParseUint(chi.URLParam(r, "space"), 10, 64)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid nonce space %q", chi.URLParam(r, "space")))
		return
	}
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid nonce %q", chi.URLParam(r, "nonce")))
		return
	}
	lr.call(w, r, "lien_nonceUsable", map[string]any{
		"owner":      owner,
		"nonceSpace": space,
		"nonce":      nonce,
	})
}

func (lr *loanRoutes) feeParams(w http.ResponseWriter, r *http.Request) {
	lr.call(w, r, "lien_feeParams", nil)
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid loan id %q", raw)
	}
	return id, nil
}

func decodeBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, loanRequestLimit))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("request body is empty")
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return payload, nil
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeUpstreamError maps node failures onto HTTP statuses. The node already
// assigns a meaningful status to every RPC error, so that status is reused
// when present.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var rpcErr *client.Error
	if errors.As(err, &rpcErr) {
		status := rpcErr.HTTPStatus
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		writeJSONError(w, status, errors.New(rpcErr.Message))
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSONError(w, http.StatusGatewayTimeout, errors.New("node request timed out"))
		return
	}
	writeJSONError(w, http.StatusBadGateway, err)
}
