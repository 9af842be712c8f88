package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lienchain/core"
	"lienchain/core/genesis"
	"lienchain/crypto"
	"lienchain/native/loan"
	"lienchain/storage"
)

const rpcTestOrigin int64 = 1_700_000_000

type testEnv struct {
	server   *Server
	node     *core.Node
	token    string
	borrower [20]byte
	lender   [20]byte
	workflow [20]byte
	admin    [20]byte
	operator [20]byte
}

func fillTestAddr(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func bech32TestAddr(addr [20]byte) string {
	return crypto.MustNewAddress(addr[:]).String()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	token := "test-token"
	if err := os.Setenv("LIEN_RPC_TOKEN", token); err != nil {
		t.Fatalf("set env: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("LIEN_RPC_TOKEN")
	})
	env := &testEnv{
		token:    token,
		borrower: fillTestAddr(0x21),
		lender:   fillTestAddr(0x22),
		workflow: fillTestAddr(0x23),
		admin:    fillTestAddr(0x24),
		operator: fillTestAddr(0x25),
	}
	spec := &genesis.GenesisSpec{
		Tokens: []genesis.TokenSpec{
			{Symbol: "LIEN", Name: "Lien Credit", Decimals: 18},
			{Symbol: "LNFT", Name: "Lien Collateral", Decimals: 0},
		},
		Alloc: map[string]map[string]string{
			bech32TestAddr(env.lender):   {"LIEN": "100000"},
			bech32TestAddr(env.borrower): {"LIEN": "50000"},
		},
		UniqueAlloc: []genesis.UniqueAllocSpec{
			{Symbol: "LNFT", TokenID: "7", Owner: bech32TestAddr(env.borrower)},
			{Symbol: "LNFT", TokenID: "9", Owner: bech32TestAddr(env.borrower)},
		},
		Roles: map[string][]string{
			loan.TagLoanWorkflow: {bech32TestAddr(env.workflow)},
			core.RoleAdmin:       {bech32TestAddr(env.admin)},
		},
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal genesis: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	db := storage.NewMemDB()
	node, err := core.NewNode(db, loan.DefaultConfig(), path, false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() int64 { return rpcTestOrigin })
	env.server = NewServer(node)
	env.node = node
	return env
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

func (env *testEnv) call(t *testing.T, authorized bool, method string, params ...interface{}) (*httptest.ResponseRecorder, json.RawMessage, *RPCError) {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		rawParams = append(rawParams, marshalParam(t, p))
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:4242"
	if authorized {
		req.Header.Set("Authorization", "Bearer "+env.token)
	}
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	return recorder, result, rpcErr
}

func (env *testEnv) mustCall(t *testing.T, method string, params ...interface{}) json.RawMessage {
	t.Helper()
	_, result, rpcErr := env.call(t, true, method, params...)
	if rpcErr != nil {
		t.Fatalf("%s: unexpected error %d: %s", method, rpcErr.Code, rpcErr.Message)
	}
	return result
}

func (env *testEnv) termLoanParams() map[string]interface{} {
	return map[string]interface{}{
		"caller": bech32TestAddr(env.workflow),
		"terms": map[string]interface{}{
			"kind":          "term",
			"borrower":      bech32TestAddr(env.borrower),
			"lender":        bech32TestAddr(env.lender),
			"symbol":        "LIEN",
			"principal":     "1000",
			"fixedInterest": "50",
			"annualRate":    100_000,
			"duration":      30 * 24 * 60 * 60,
			"collateral": map[string]interface{}{
				"kind":    "unique",
				"symbol":  "LNFT",
				"tokenId": "7",
			},
		},
	}
}

func (env *testEnv) creditLineParams() map[string]interface{} {
	return map[string]interface{}{
		"caller": bech32TestAddr(env.workflow),
		"terms": map[string]interface{}{
			"kind":          "creditline",
			"borrower":      bech32TestAddr(env.borrower),
			"lender":        bech32TestAddr(env.lender),
			"symbol":        "LIEN",
			"principal":     "10000",
			"fixedInterest": "100",
			"annualRate":    100_000,
			"duration":      100 * 24 * 60 * 60,
			"initialDraw":   "1000",
			"collateral": map[string]interface{}{
				"kind":    "unique",
				"symbol":  "LNFT",
				"tokenId": "9",
			},
		},
	}
}

func (env *testEnv) decodeLoan(t *testing.T, raw json.RawMessage) loanJSON {
	t.Helper()
	var record loanJSON
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("decode loan result: %v", err)
	}
	return record
}

func (env *testEnv) balanceOf(t *testing.T, addr [20]byte) string {
	t.Helper()
	raw := env.mustCall(t, "lien_balance", map[string]interface{}{
		"address": bech32TestAddr(addr),
		"symbol":  "LIEN",
	})
	var result lienBalanceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	return result.Amount
}

func TestRPCLoanLifecycle(t *testing.T) {
	env := newTestEnv(t)

	created := env.decodeLoan(t, env.mustCall(t, "loan_create", env.termLoanParams()))
	if created.ID != 1 {
		t.Fatalf("expected loan id 1, got %d", created.ID)
	}
	if created.Kind != "term" || created.Status != "running" {
		t.Fatalf("unexpected kind/status: %s/%s", created.Kind, created.Status)
	}
	if created.Borrower != bech32TestAddr(env.borrower) || created.Lender != bech32TestAddr(env.lender) {
		t.Fatalf("unexpected parties: %s/%s", created.Borrower, created.Lender)
	}
	if created.Principal != "1000" || created.FixedInterest != "50" {
		t.Fatalf("unexpected amounts: %s/%s", created.Principal, created.FixedInterest)
	}
	if created.DefaultTimestamp != rpcTestOrigin+30*24*60*60 {
		t.Fatalf("unexpected default timestamp %d", created.DefaultTimestamp)
	}
	if created.Collateral.Kind != "unique" || created.Collateral.Symbol != "LNFT" || created.Collateral.TokenID != "7" {
		t.Fatalf("unexpected collateral: %+v", created.Collateral)
	}

	if got := env.balanceOf(t, env.borrower); got != "51000" {
		t.Fatalf("borrower balance after create = %s", got)
	}
	if got := env.balanceOf(t, env.lender); got != "99000" {
		t.Fatalf("lender balance after create = %s", got)
	}

	var owed loanAmountResult
	if err := json.Unmarshal(env.mustCall(t, "loan_repaymentAmount", loanIDParams{ID: 1}), &owed); err != nil {
		t.Fatalf("decode owed: %v", err)
	}
	if owed.Amount != "1050" {
		t.Fatalf("expected owed 1050, got %s", owed.Amount)
	}

	var fingerprint loanFingerprintResult
	if err := json.Unmarshal(env.mustCall(t, "loan_stateFingerprint", loanIDParams{ID: 1}), &fingerprint); err != nil {
		t.Fatalf("decode fingerprint: %v", err)
	}
	if len(fingerprint.Fingerprint) != 66 {
		t.Fatalf("unexpected fingerprint %q", fingerprint.Fingerprint)
	}

	env.mustCall(t, "loan_repay", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.borrower),
	})
	if got := env.balanceOf(t, env.borrower); got != "49950" {
		t.Fatalf("borrower balance after repay = %s", got)
	}
	if got := env.balanceOf(t, env.lender); got != "100050" {
		t.Fatalf("lender balance after repay = %s", got)
	}

	recorder, _, rpcErr := env.call(t, true, "loan_get", loanIDParams{ID: 1})
	if rpcErr == nil {
		t.Fatalf("expected not-found error after settlement")
	}
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}

	var feed lienEventsResult
	if err := json.Unmarshal(env.mustCall(t, "lien_events"), &feed); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(feed.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(feed.Events))
	}
	if feed.Events[0].Type != loan.EventTypeLoanCreated || feed.Events[1].Type != loan.EventTypeLoanRepaid {
		t.Fatalf("unexpected event types: %s, %s", feed.Events[0].Type, feed.Events[1].Type)
	}
	if feed.NextCursor != "2" {
		t.Fatalf("expected next cursor 2, got %s", feed.NextCursor)
	}
	if feed.Feed == "" || feed.Head != 2 {
		t.Fatalf("expected feed identity and head 2, got %q/%d", feed.Feed, feed.Head)
	}
}

func TestRPCWriteMethodsRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	recorder, _, rpcErr := env.call(t, false, "loan_create", env.termLoanParams())
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", rpcErr)
	}
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: "loan_create", Params: []json.RawMessage{marshalParam(t, env.termLoanParams())}, ID: 7})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	recorder = httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error for bad token, got %+v", rpcErr)
	}

	// Reads stay open.
	if _, _, readErr := env.call(t, false, "lien_feeParams"); readErr != nil {
		t.Fatalf("unexpected error for unauthenticated read: %+v", readErr)
	}
}

func TestRPCRejectsMalformedRequests(t *testing.T) {
	env := newTestEnv(t)

	_, _, rpcErr := env.call(t, true, "loan_frobnicate")
	if rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", rpcErr)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("not json")))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", rpcErr)
	}

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	recorder = httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected invalid-request error, got %+v", rpcErr)
	}

	_, _, rpcErr = env.call(t, true, "loan_get")
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params for missing object, got %+v", rpcErr)
	}

	params := env.termLoanParams()
	params["caller"] = "not-a-bech32-address"
	recorder, _, rpcErr = env.call(t, true, "loan_create", params)
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params for bad caller, got %+v", rpcErr)
	}
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestRPCTransferredPositionClaim(t *testing.T) {
	env := newTestEnv(t)

	env.mustCall(t, "loan_create", env.termLoanParams())
	env.mustCall(t, "loan_transferPosition", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.lender),
		"to":     bech32TestAddr(env.operator),
	})

	var owner lienPositionOwnerResult
	if err := json.Unmarshal(env.mustCall(t, "lien_positionOwner", loanIDParams{ID: 1}), &owner); err != nil {
		t.Fatalf("decode owner: %v", err)
	}
	if owner.Owner != bech32TestAddr(env.operator) {
		t.Fatalf("expected operator to hold the position, got %s", owner.Owner)
	}

	env.mustCall(t, "loan_repay", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.borrower),
	})
	record := env.decodeLoan(t, env.mustCall(t, "loan_get", loanIDParams{ID: 1}))
	if record.Status != "repaid" {
		t.Fatalf("expected repaid status, got %s", record.Status)
	}
	if record.Unclaimed != "1050" {
		t.Fatalf("expected unclaimed 1050, got %s", record.Unclaimed)
	}

	env.mustCall(t, "loan_claim", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.operator),
	})
	if got := env.balanceOf(t, env.operator); got != "1050" {
		t.Fatalf("operator balance after claim = %s", got)
	}
	recorder, _, rpcErr := env.call(t, true, "loan_get", loanIDParams{ID: 1})
	if rpcErr == nil || recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after claim, got %d (%+v)", recorder.Code, rpcErr)
	}
}

func TestRPCCreditLineFlow(t *testing.T) {
	env := newTestEnv(t)

	opened := env.decodeLoan(t, env.mustCall(t, "creditline_open", env.creditLineParams()))
	if opened.Kind != "creditline" || opened.Status != "running" {
		t.Fatalf("unexpected kind/status: %s/%s", opened.Kind, opened.Status)
	}
	if opened.Principal != "1000" || opened.Committed != "10000" {
		t.Fatalf("unexpected principal/committed: %s/%s", opened.Principal, opened.Committed)
	}
	if got := env.balanceOf(t, env.borrower); got != "51000" {
		t.Fatalf("borrower balance after open = %s", got)
	}

	env.mustCall(t, "creditline_draw", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.borrower),
		"amount": "500",
	})
	if got := env.balanceOf(t, env.borrower); got != "51500" {
		t.Fatalf("borrower balance after draw = %s", got)
	}

	var owed loanAmountResult
	if err := json.Unmarshal(env.mustCall(t, "loan_repaymentAmount", loanIDParams{ID: 1}), &owed); err != nil {
		t.Fatalf("decode owed: %v", err)
	}
	if owed.Amount != "1600" {
		t.Fatalf("expected owed 1600, got %s", owed.Amount)
	}

	env.mustCall(t, "creditline_repay", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.borrower),
		"amount": "1600",
	})
	record := env.decodeLoan(t, env.mustCall(t, "loan_get", loanIDParams{ID: 1}))
	if record.Status != "repaid" {
		t.Fatalf("expected repaid status, got %s", record.Status)
	}
	if record.Unclaimed != "1600" {
		t.Fatalf("expected unclaimed 1600, got %s", record.Unclaimed)
	}

	env.mustCall(t, "creditline_claim", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.lender),
	})
	if got := env.balanceOf(t, env.lender); got != "100100" {
		t.Fatalf("lender balance after claim = %s", got)
	}
	recorder, _, rpcErr := env.call(t, true, "loan_get", loanIDParams{ID: 1})
	if rpcErr == nil || recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after claim, got %d (%+v)", recorder.Code, rpcErr)
	}
}

func TestRPCExtensionOfferFlow(t *testing.T) {
	env := newTestEnv(t)

	env.mustCall(t, "loan_create", env.termLoanParams())

	offer := loan.ExtensionOffer{
		LoanID:     1,
		Price:      big.NewInt(25),
		Duration:   7 * 24 * 60 * 60,
		Expiration: rpcTestOrigin + 3600,
		Proposer:   env.borrower,
		NonceSpace: 1,
		Nonce:      1,
	}
	env.mustCall(t, "loan_makeExtensionOffer", map[string]interface{}{
		"caller": bech32TestAddr(env.borrower),
		"offer":  offer,
	})

	var usable lienNonceResult
	if err := json.Unmarshal(env.mustCall(t, "lien_nonceUsable", map[string]interface{}{
		"owner":      bech32TestAddr(env.borrower),
		"nonceSpace": 1,
		"nonce":      1,
	}), &usable); err != nil {
		t.Fatalf("decode nonce result: %v", err)
	}
	if !usable.Usable {
		t.Fatalf("expected nonce usable before acceptance")
	}

	env.mustCall(t, "loan_extend", map[string]interface{}{
		"caller": bech32TestAddr(env.lender),
		"offer":  offer,
	})
	record := env.decodeLoan(t, env.mustCall(t, "loan_get", loanIDParams{ID: 1}))
	if want := rpcTestOrigin + 30*24*60*60 + offer.Duration; record.DefaultTimestamp != want {
		t.Fatalf("expected default timestamp %d, got %d", want, record.DefaultTimestamp)
	}
	if got := env.balanceOf(t, env.borrower); got != "50975" {
		t.Fatalf("borrower balance after extension = %s", got)
	}
	if got := env.balanceOf(t, env.lender); got != "99025" {
		t.Fatalf("lender balance after extension = %s", got)
	}

	if err := json.Unmarshal(env.mustCall(t, "lien_nonceUsable", map[string]interface{}{
		"owner":      bech32TestAddr(env.borrower),
		"nonceSpace": 1,
		"nonce":      1,
	}), &usable); err != nil {
		t.Fatalf("decode nonce result: %v", err)
	}
	if usable.Usable {
		t.Fatalf("expected nonce consumed by acceptance")
	}

	_, _, rpcErr := env.call(t, true, "loan_revokeNonce", map[string]interface{}{
		"caller":     bech32TestAddr(env.borrower),
		"nonceSpace": 1,
		"nonce":      1,
	})
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params revoking a spent nonce, got %+v", rpcErr)
	}
}

func TestRPCFeeParamsAdministration(t *testing.T) {
	env := newTestEnv(t)

	var fees lienFeeParamsResult
	if err := json.Unmarshal(env.mustCall(t, "lien_feeParams"), &fees); err != nil {
		t.Fatalf("decode fee params: %v", err)
	}
	if fees.Bps != 0 || fees.Collector != "" {
		t.Fatalf("expected zero fee params, got %+v", fees)
	}

	recorder, _, rpcErr := env.call(t, true, "lien_setFeeParams", map[string]interface{}{
		"caller":    bech32TestAddr(env.borrower),
		"bps":       250,
		"collector": bech32TestAddr(env.operator),
	})
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized for non-admin, got %+v", rpcErr)
	}
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	env.mustCall(t, "lien_setFeeParams", map[string]interface{}{
		"caller":    bech32TestAddr(env.admin),
		"bps":       250,
		"collector": bech32TestAddr(env.operator),
	})
	if err := json.Unmarshal(env.mustCall(t, "lien_feeParams"), &fees); err != nil {
		t.Fatalf("decode fee params: %v", err)
	}
	if fees.Bps != 250 || fees.Collector != bech32TestAddr(env.operator) {
		t.Fatalf("unexpected fee params after update: %+v", fees)
	}

	created := env.decodeLoan(t, env.mustCall(t, "loan_create", env.termLoanParams()))
	if created.ID != 1 {
		t.Fatalf("expected loan id 1, got %d", created.ID)
	}
	// 250 bps of 1000 routes 25 to the collector and 975 to the borrower.
	if got := env.balanceOf(t, env.operator); got != "25" {
		t.Fatalf("collector balance = %s", got)
	}
	if got := env.balanceOf(t, env.borrower); got != "50975" {
		t.Fatalf("borrower balance = %s", got)
	}
}

func TestRPCRoleAdministration(t *testing.T) {
	env := newTestEnv(t)

	params := env.termLoanParams()
	params["caller"] = bech32TestAddr(env.operator)
	recorder, _, rpcErr := env.call(t, true, "loan_create", params)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized || recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized create before grant, got %d (%+v)", recorder.Code, rpcErr)
	}

	env.mustCall(t, "lien_grantRole", map[string]interface{}{
		"caller":  bech32TestAddr(env.admin),
		"role":    loan.TagLoanWorkflow,
		"address": bech32TestAddr(env.operator),
	})
	env.mustCall(t, "loan_create", params)

	env.mustCall(t, "lien_revokeRole", map[string]interface{}{
		"caller":  bech32TestAddr(env.admin),
		"role":    loan.TagLoanWorkflow,
		"address": bech32TestAddr(env.operator),
	})
	_, _, rpcErr = env.call(t, true, "loan_repay", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.borrower),
	})
	if rpcErr != nil {
		t.Fatalf("repay should not need the workflow role: %+v", rpcErr)
	}

	_, _, rpcErr = env.call(t, true, "lien_grantRole", map[string]interface{}{
		"caller":  bech32TestAddr(env.operator),
		"role":    loan.TagLoanWorkflow,
		"address": bech32TestAddr(env.operator),
	})
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized grant by non-admin, got %+v", rpcErr)
	}
}

func TestRPCEventsPagination(t *testing.T) {
	env := newTestEnv(t)

	env.mustCall(t, "loan_create", env.termLoanParams())
	env.mustCall(t, "loan_repay", map[string]interface{}{
		"id":     1,
		"caller": bech32TestAddr(env.borrower),
	})

	var page lienEventsResult
	if err := json.Unmarshal(env.mustCall(t, "lien_events", lienEventsParams{Limit: 1}), &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].Type != loan.EventTypeLoanCreated {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if page.NextCursor != "1" {
		t.Fatalf("expected cursor 1, got %s", page.NextCursor)
	}
	if page.Head != 2 {
		t.Fatalf("expected feed head 2 while one entry behind, got %d", page.Head)
	}

	if err := json.Unmarshal(env.mustCall(t, "lien_events", lienEventsParams{Cursor: page.NextCursor}), &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].Type != loan.EventTypeLoanRepaid {
		t.Fatalf("unexpected second page: %+v", page)
	}
	if page.NextCursor != "2" {
		t.Fatalf("expected cursor 2, got %s", page.NextCursor)
	}

	_, _, rpcErr := env.call(t, true, "lien_events", lienEventsParams{Cursor: "not-a-cursor"})
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params for malformed cursor, got %+v", rpcErr)
	}
}

func TestRPCRateLimiterWindow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	for i := 0; i < maxTxPerWindow; i++ {
		if !env.server.allowSource("198.51.100.7", now) {
			t.Fatalf("request %d should pass", i)
		}
	}
	if env.server.allowSource("198.51.100.7", now) {
		t.Fatalf("expected rate limit after %d writes", maxTxPerWindow)
	}
	if !env.server.allowSource("198.51.100.8", now) {
		t.Fatalf("other sources should be unaffected")
	}
	if !env.server.allowSource("198.51.100.7", now.Add(rateLimitWindow)) {
		t.Fatalf("expected window reset")
	}
}
