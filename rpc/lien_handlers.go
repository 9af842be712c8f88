package rpc

import (
	"net/http"
	"strings"

	"lienchain/core"
	"lienchain/rpc/modules"
)

type lienEventsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type lienEventsResult struct {
	Events     []core.LoanEventEntry `json:"events"`
	NextCursor string                `json:"nextCursor"`
	Feed       string                `json:"feed"`
	Head       uint64                `json:"head"`
}

type lienBalanceParams struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type lienBalanceResult struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type lienPositionOwnerResult struct {
	ID    uint64 `json:"id"`
	Owner string `json:"owner"`
}

type lienNonceParams struct {
	Owner      string `json:"owner"`
	NonceSpace uint64 `json:"nonceSpace"`
	Nonce      uint64 `json:"nonce"`
}

type lienNonceResult struct {
	Usable bool `json:"usable"`
}

type lienFeeParamsResult struct {
	Bps       uint64 `json:"bps"`
	Collector string `json:"collector,omitempty"`
}

type lienSetFeeParams struct {
	Caller    string `json:"caller"`
	Bps       uint64 `json:"bps"`
	Collector string `json:"collector"`
}

type lienRoleParams struct {
	Caller  string `json:"caller"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (s *Server) handleLienEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lienEventsParams
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "at most one parameter object expected", nil)
		return
	}
	if len(req.Params) == 1 {
		if !decodeSingleParam(w, req, &params) {
			return
		}
	}
	entries, next, moduleErr := s.loans.Events(params.Cursor, params.Limit)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	if entries == nil {
		entries = []core.LoanEventEntry{}
	}
	feed, head := s.loans.EventsHead()
	writeResult(w, req.ID, lienEventsResult{Events: entries, NextCursor: next, Feed: feed, Head: head})
}

func (s *Server) handleLienBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lienBalanceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "symbol required", nil)
		return
	}
	balance, moduleErr := s.loans.Balance(addr, symbol)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lienBalanceResult{
		Address: formatBech32Address(addr),
		Symbol:  symbol,
		Amount:  formatBigInt(balance),
	})
}

func (s *Server) handleLienPositionOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	owner, moduleErr := s.loans.PositionOwner(params.ID)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lienPositionOwnerResult{ID: params.ID, Owner: formatBech32Address(owner)})
}

func (s *Server) handleLienNonceUsable(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lienNonceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner", err.Error())
		return
	}
	usable, moduleErr := s.loans.NonceUsable(owner, params.NonceSpace, params.Nonce)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lienNonceResult{Usable: usable})
}

func (s *Server) handleLienFeeParams(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	bps, collector, moduleErr := s.loans.FeeParams()
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	result := lienFeeParamsResult{Bps: bps}
	if collector != ([20]byte{}) {
		result.Collector = formatBech32Address(collector)
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleLienSetFeeParams(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lienSetFeeParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	var collector [20]byte
	if strings.TrimSpace(params.Collector) != "" {
		collector, err = parseBech32Address(params.Collector)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid collector", err.Error())
			return
		}
	}
	if moduleErr := s.loans.SetFeeParams(caller, params.Bps, collector); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleLienGrantRole(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLienRoleChange(w, req, s.loans.GrantRole)
}

func (s *Server) handleLienRevokeRole(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLienRoleChange(w, req, s.loans.RevokeRole)
}

func (s *Server) handleLienRoleChange(w http.ResponseWriter, req *RPCRequest, fn func([20]byte, string, [20]byte) *modules.ModuleError) {
	var params lienRoleParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	role := strings.TrimSpace(params.Role)
	if role == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "role required", nil)
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	if moduleErr := fn(caller, role, addr); moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, "ok")
}
