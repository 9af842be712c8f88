package modules

import (
	"errors"
	"math/big"
	"net/http"

	"lienchain/core"
	nativecommon "lienchain/native/common"
	"lienchain/native/loan"
)

// LoanModule bridges the RPC surface onto the node's loan operations and
// translates engine sentinels into transport-level errors.
type LoanModule struct {
	node *core.Node
}

func NewLoanModule(node *core.Node) *LoanModule {
	return &LoanModule{node: node}
}

func (m *LoanModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "loan module not available"}
}

func (m *LoanModule) wrapError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	code := codeServerError
	switch {
	case errors.Is(err, loan.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, loan.ErrUnauthorized):
		status = http.StatusUnauthorized
		code = codeUnauthorized
	case errors.Is(err, loan.ErrOutOfBounds),
		errors.Is(err, loan.ErrMismatchedTerms),
		errors.Is(err, loan.ErrInvalidSignature),
		errors.Is(err, loan.ErrNonceUnusable),
		errors.Is(err, loan.ErrOfferExpired):
		status = http.StatusBadRequest
		code = codeInvalidParams
	case errors.Is(err, loan.ErrInvalidStatus),
		errors.Is(err, loan.ErrDefaulted):
		status = http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
	}
	return &ModuleError{HTTPStatus: status, Code: code, Message: err.Error()}
}

func (m *LoanModule) Create(caller [20]byte, terms loan.Terms, permit *loan.Permit) (*loan.Loan, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	record, err := m.node.LoanCreate(caller, terms, permit)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return record, nil
}

func (m *LoanModule) Repay(id uint64, caller [20]byte, permit *loan.Permit) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.LoanRepay(id, caller, permit))
}

func (m *LoanModule) Refinance(caller [20]byte, id uint64, terms loan.Terms, permit *loan.Permit) (*loan.Loan, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	record, err := m.node.LoanRefinance(caller, id, terms, permit)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return record, nil
}

func (m *LoanModule) Claim(id uint64, caller [20]byte) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.LoanClaim(id, caller))
}

func (m *LoanModule) MakeExtensionOffer(caller [20]byte, offer loan.ExtensionOffer) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.LoanMakeExtensionOffer(caller, offer))
}

func (m *LoanModule) Extend(caller [20]byte, offer loan.ExtensionOffer, signature []byte) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.LoanExtend(caller, offer, signature))
}

func (m *LoanModule) RevokeNonce(caller [20]byte, space, nonce uint64) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.LoanRevokeNonce(caller, space, nonce))
}

func (m *LoanModule) TransferPosition(id uint64, caller, to [20]byte) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.LoanTransferPosition(id, caller, to))
}

func (m *LoanModule) OpenCreditLine(caller [20]byte, terms loan.Terms, permit *loan.Permit) (*loan.Loan, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	record, err := m.node.CreditLineOpen(caller, terms, permit)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return record, nil
}

func (m *LoanModule) Draw(id uint64, caller [20]byte, amount *big.Int) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.CreditLineDraw(id, caller, amount))
}

func (m *LoanModule) RepayCreditLine(id uint64, caller [20]byte, amount *big.Int, permit *loan.Permit) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.CreditLineRepay(id, caller, amount, permit))
}

func (m *LoanModule) ClaimCreditLine(id uint64, caller [20]byte) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.CreditLineClaim(id, caller))
}

func (m *LoanModule) Get(id uint64) (*loan.Loan, loan.Status, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, loan.StatusNone, m.moduleUnavailable()
	}
	record, status, err := m.node.LoanGet(id)
	if err != nil {
		return nil, loan.StatusNone, m.wrapError(err)
	}
	return record, status, nil
}

func (m *LoanModule) RepaymentAmount(id uint64) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	amount, err := m.node.LoanRepaymentAmount(id)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return amount, nil
}

func (m *LoanModule) StateFingerprint(id uint64) ([32]byte, *ModuleError) {
	if m == nil || m.node == nil {
		return [32]byte{}, m.moduleUnavailable()
	}
	digest, err := m.node.LoanStateFingerprint(id)
	if err != nil {
		return [32]byte{}, m.wrapError(err)
	}
	return digest, nil
}

func (m *LoanModule) PositionOwner(id uint64) ([20]byte, *ModuleError) {
	if m == nil || m.node == nil {
		return [20]byte{}, m.moduleUnavailable()
	}
	owner, err := m.node.LoanPositionOwner(id)
	if err != nil {
		return [20]byte{}, m.wrapError(err)
	}
	return owner, nil
}

func (m *LoanModule) Balance(addr [20]byte, symbol string) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	balance, err := m.node.Balance(addr, symbol)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return balance, nil
}

func (m *LoanModule) NonceUsable(owner [20]byte, space, nonce uint64) (bool, *ModuleError) {
	if m == nil || m.node == nil {
		return false, m.moduleUnavailable()
	}
	usable, err := m.node.NonceUsable(owner, space, nonce)
	if err != nil {
		return false, m.wrapError(err)
	}
	return usable, nil
}

func (m *LoanModule) FeeParams() (uint64, [20]byte, *ModuleError) {
	if m == nil || m.node == nil {
		return 0, [20]byte{}, m.moduleUnavailable()
	}
	bps, collector, err := m.node.FeeParams()
	if err != nil {
		return 0, [20]byte{}, m.wrapError(err)
	}
	return bps, collector, nil
}

func (m *LoanModule) SetFeeParams(caller [20]byte, bps uint64, collector [20]byte) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.SetFeeParams(caller, bps, collector))
}

func (m *LoanModule) GrantRole(caller [20]byte, role string, addr [20]byte) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.GrantRole(caller, role, addr))
}

func (m *LoanModule) RevokeRole(caller [20]byte, role string, addr [20]byte) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	return m.wrapError(m.node.RevokeRole(caller, role, addr))
}

func (m *LoanModule) Events(cursor string, limit int) ([]core.LoanEventEntry, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, "", m.moduleUnavailable()
	}
	entries, next, err := m.node.LoanEvents(cursor, limit)
	if err != nil {
		return nil, "", &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
	}
	return entries, next, nil
}

func (m *LoanModule) EventsHead() (string, uint64) {
	if m == nil || m.node == nil {
		return "", 0
	}
	return m.node.LoanEventsHead()
}
