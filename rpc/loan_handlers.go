package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"lienchain/core/genesis"
	"lienchain/crypto"
	"lienchain/native/loan"
)

type loanAssetParam struct {
	Kind    string `json:"kind"`
	Symbol  string `json:"symbol"`
	TokenID string `json:"tokenId,omitempty"`
	Amount  string `json:"amount,omitempty"`
}

type loanTermsParam struct {
	Kind          string         `json:"kind"`
	Borrower      string         `json:"borrower"`
	Lender        string         `json:"lender"`
	Symbol        string         `json:"symbol"`
	Principal     string         `json:"principal"`
	FixedInterest string         `json:"fixedInterest,omitempty"`
	AnnualRate    uint64         `json:"annualRate,omitempty"`
	DailyRate     uint64         `json:"dailyRate,omitempty"`
	Duration      int64          `json:"duration"`
	Collateral    loanAssetParam `json:"collateral"`
	InitialDraw   string         `json:"initialDraw,omitempty"`
}

type loanPermitParam struct {
	Owner      string `json:"owner"`
	Symbol     string `json:"symbol"`
	Value      string `json:"value"`
	Deadline   int64  `json:"deadline"`
	NonceSpace uint64 `json:"nonceSpace"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"`
}

type loanCreateParams struct {
	Caller string           `json:"caller"`
	Terms  loanTermsParam   `json:"terms"`
	Permit *loanPermitParam `json:"permit,omitempty"`
}

type loanRepayParams struct {
	ID     uint64           `json:"id"`
	Caller string           `json:"caller"`
	Permit *loanPermitParam `json:"permit,omitempty"`
}

type loanRefinanceParams struct {
	Caller string           `json:"caller"`
	ID     uint64           `json:"id"`
	Terms  loanTermsParam   `json:"terms"`
	Permit *loanPermitParam `json:"permit,omitempty"`
}

type loanActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type loanTransferParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	To     string `json:"to"`
}

type loanOfferParams struct {
	Caller string              `json:"caller"`
	Offer  loan.ExtensionOffer `json:"offer"`
}

type loanExtendParams struct {
	Caller    string              `json:"caller"`
	Offer     loan.ExtensionOffer `json:"offer"`
	Signature string              `json:"signature"`
}

type loanRevokeNonceParams struct {
	Caller     string `json:"caller"`
	NonceSpace uint64 `json:"nonceSpace"`
	Nonce      uint64 `json:"nonce"`
}

type loanIDParams struct {
	ID uint64 `json:"id"`
}

type loanAssetJSON struct {
	Kind    string `json:"kind"`
	Symbol  string `json:"symbol"`
	TokenID string `json:"tokenId,omitempty"`
	Amount  string `json:"amount,omitempty"`
}

type loanJSON struct {
	ID               uint64        `json:"id"`
	Kind             string        `json:"kind"`
	Status           string        `json:"status"`
	Borrower         string        `json:"borrower"`
	Lender           string        `json:"lender"`
	Symbol           string        `json:"symbol"`
	Principal        string        `json:"principal"`
	Committed        string        `json:"committed"`
	FixedInterest    string        `json:"fixedInterest"`
	DailyRate        uint64        `json:"dailyRate"`
	Collateral       loanAssetJSON `json:"collateral"`
	CreatedAt        int64         `json:"createdAt"`
	DefaultTimestamp int64         `json:"defaultTimestamp"`
	AccruedInterest  string        `json:"accruedInterest"`
	Unclaimed        string        `json:"unclaimed"`
}

type loanAmountResult struct {
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

type loanFingerprintResult struct {
	ID          uint64 `json:"id"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleLoanCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid terms", err.Error())
		return
	}
	permit, err := params.Permit.toPermit()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid permit", err.Error())
		return
	}
	record, moduleErr := s.loans.Create(caller, terms, permit)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, formatLoanJSON(record, record.Status))
}

func (s *Server) handleLoanRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanRepayParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	permit, err := params.Permit.toPermit()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid permit", err.Error())
		return
	}
	if moduleErr := s.loans.Repay(params.ID, caller, permit); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleLoanRefinance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanRefinanceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid terms", err.Error())
		return
	}
	permit, err := params.Permit.toPermit()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid permit", err.Error())
		return
	}
	record, moduleErr := s.loans.Refinance(caller, params.ID, terms, permit)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, formatLoanJSON(record, record.Status))
}

func (s *Server) handleLoanClaim(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	if moduleErr := s.loans.Claim(params.ID, caller); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleLoanTransferPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanTransferParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	to, err := parseBech32Address(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient", err.Error())
		return
	}
	if moduleErr := s.loans.TransferPosition(params.ID, caller, to); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleLoanMakeExtensionOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanOfferParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	if moduleErr := s.loans.MakeExtensionOffer(caller, params.Offer); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleLoanExtend(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanExtendParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	var signature []byte
	if strings.TrimSpace(params.Signature) != "" {
		signature, err = parseHexBytes(params.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
			return
		}
	}
	if moduleErr := s.loans.Extend(caller, params.Offer, signature); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleLoanRevokeNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanRevokeNonceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	if moduleErr := s.loans.RevokeNonce(caller, params.NonceSpace, params.Nonce); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleLoanGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	record, status, moduleErr := s.loans.Get(params.ID)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, formatLoanJSON(record, status))
}

func (s *Server) handleLoanRepaymentAmount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	amount, moduleErr := s.loans.RepaymentAmount(params.ID)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, loanAmountResult{ID: params.ID, Amount: formatBigInt(amount)})
}

func (s *Server) handleLoanStateFingerprint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	fingerprint, moduleErr := s.loans.StateFingerprint(params.ID)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, loanFingerprintResult{ID: params.ID, Fingerprint: "0x" + hex.EncodeToString(fingerprint[:])})
}

// decodeSingleParam enforces the single-parameter-object calling convention
// shared by every method. It writes the error response itself and reports
// whether decoding succeeded.
func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return false
	}
	return true
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return genesis.ParseBech32Account(trimmed)
}

func formatBech32Address(addr [20]byte) string {
	return crypto.MustNewAddress(addr[:]).String()
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseOptionalBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseHexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if cleaned == "" {
		return nil, fmt.Errorf("hex payload required")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

func formatBigInt(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (p loanAssetParam) toAsset() (loan.Asset, error) {
	asset := loan.Asset{Symbol: strings.ToUpper(strings.TrimSpace(p.Symbol))}
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case "fungible":
		asset.Kind = loan.AssetFungible
	case "unique":
		asset.Kind = loan.AssetUnique
	case "semifungible":
		asset.Kind = loan.AssetSemiFungible
	default:
		return loan.Asset{}, fmt.Errorf("unknown asset kind %q", p.Kind)
	}
	if trimmed := strings.TrimSpace(p.TokenID); trimmed != "" {
		id, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || id.Sign() < 0 {
			return loan.Asset{}, fmt.Errorf("invalid tokenId")
		}
		asset.TokenID = id
	}
	if trimmed := strings.TrimSpace(p.Amount); trimmed != "" {
		amount, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || amount.Sign() < 0 {
			return loan.Asset{}, fmt.Errorf("invalid collateral amount")
		}
		asset.Amount = amount
	}
	return asset, nil
}

func (p loanTermsParam) toTerms() (loan.Terms, error) {
	terms := loan.Terms{
		CreditSymbol: strings.ToUpper(strings.TrimSpace(p.Symbol)),
		AnnualRate:   p.AnnualRate,
		DailyRate:    p.DailyRate,
		Duration:     p.Duration,
	}
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case "term":
		terms.Kind = loan.KindTerm
	case "creditline":
		terms.Kind = loan.KindCreditLine
	default:
		return loan.Terms{}, fmt.Errorf("unknown loan kind %q", p.Kind)
	}
	borrower, err := parseBech32Address(p.Borrower)
	if err != nil {
		return loan.Terms{}, fmt.Errorf("borrower: %w", err)
	}
	terms.Borrower = borrower
	lender, err := parseBech32Address(p.Lender)
	if err != nil {
		return loan.Terms{}, fmt.Errorf("lender: %w", err)
	}
	terms.Lender = lender
	principal, err := parsePositiveBigInt(p.Principal)
	if err != nil {
		return loan.Terms{}, fmt.Errorf("principal: %w", err)
	}
	terms.Principal = principal
	fixed, err := parseOptionalBigInt(p.FixedInterest)
	if err != nil {
		return loan.Terms{}, fmt.Errorf("fixedInterest: %w", err)
	}
	terms.FixedInterest = fixed
	draw, err := parseOptionalBigInt(p.InitialDraw)
	if err != nil {
		return loan.Terms{}, fmt.Errorf("initialDraw: %w", err)
	}
	terms.InitialDraw = draw
	collateral, err := p.Collateral.toAsset()
	if err != nil {
		return loan.Terms{}, fmt.Errorf("collateral: %w", err)
	}
	terms.Collateral = collateral
	return terms, nil
}

func (p *loanPermitParam) toPermit() (*loan.Permit, error) {
	if p == nil {
		return nil, nil
	}
	owner, err := parseBech32Address(p.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	value, err := parsePositiveBigInt(p.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	signature, err := parseHexBytes(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return &loan.Permit{
		Owner:      owner,
		Symbol:     strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Value:      value,
		Deadline:   p.Deadline,
		NonceSpace: p.NonceSpace,
		Nonce:      p.Nonce,
		Signature:  signature,
	}, nil
}

func formatLoanJSON(record *loan.Loan, status loan.Status) loanJSON {
	out := loanJSON{
		ID:               record.ID,
		Kind:             record.Kind.String(),
		Status:           status.String(),
		Borrower:         formatBech32Address(record.Borrower),
		Lender:           formatBech32Address(record.Lender),
		Symbol:           record.CreditSymbol,
		Principal:        formatBigInt(record.Principal),
		Committed:        formatBigInt(record.Committed),
		FixedInterest:    formatBigInt(record.FixedInterest),
		DailyRate:        record.DailyRate,
		CreatedAt:        record.CreatedAt,
		DefaultTimestamp: record.DefaultTimestamp,
		AccruedInterest:  formatBigInt(record.AccruedInterest),
		Unclaimed:        formatBigInt(record.Unclaimed),
	}
	out.Collateral = loanAssetJSON{
		Kind:   record.Collateral.Kind.String(),
		Symbol: record.Collateral.Symbol,
	}
	if record.Collateral.TokenID != nil {
		out.Collateral.TokenID = record.Collateral.TokenID.String()
	}
	if record.Collateral.Amount != nil && record.Collateral.Amount.Sign() > 0 {
		out.Collateral.Amount = record.Collateral.Amount.String()
	}
	return out
}
