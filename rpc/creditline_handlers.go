package rpc

import (
	"net/http"
)

type creditLineOpenParams struct {
	Caller string           `json:"caller"`
	Terms  loanTermsParam   `json:"terms"`
	Permit *loanPermitParam `json:"permit,omitempty"`
}

type creditLineAmountParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type creditLineRepayParams struct {
	ID     uint64           `json:"id"`
	Caller string           `json:"caller"`
	Amount string           `json:"amount"`
	Permit *loanPermitParam `json:"permit,omitempty"`
}

func (s *Server) handleCreditLineOpen(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params creditLineOpenParams
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
	record, moduleErr := s.loans.OpenCreditLine(caller, terms, permit)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, formatLoanJSON(record, record.Status))
}

func (s *Server) handleCreditLineDraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params creditLineAmountParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if moduleErr := s.loans.Draw(params.ID, caller, amount); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleCreditLineRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params creditLineRepayParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	permit, err := params.Permit.toPermit()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid permit", err.Error())
		return
	}
	if moduleErr := s.loans.RepayCreditLine(params.ID, caller, amount, permit); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleCreditLineClaim(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	if moduleErr := s.loans.ClaimCreditLine(params.ID, caller); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}
