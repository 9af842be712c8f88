package loan

import (
	"fmt"
	"math/big"

	nativecommon "lienchain/native/common"
)

// OpenCreditLine originates a credit line: the committed principal fixes the
// debt-limit tangent, collateral moves into custody, and the optional initial
// draw is disbursed net of the origination fee. The fee is charged on the
// committed principal and must fit inside the initial draw. The caller must
// carry the workflow capability.
func (e *Engine) OpenCreditLine(caller [20]byte, terms Terms, permit *Permit) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, ModuleCreate); err != nil {
		return nil, err
	}
	if err := e.requireWorkflow(caller); err != nil {
		return nil, err
	}
	normalized, err := e.normalizeTerms(terms)
	if err != nil {
		return nil, err
	}
	if normalized.Kind != KindCreditLine {
		return nil, fmt.Errorf("loan: open requires credit line terms: %w", ErrOutOfBounds)
	}
	if normalized.DailyRate > e.cfg.MaxAnnualRate/aprToDailyRateDivisor {
		return nil, fmt.Errorf("loan: daily rate %d above maximum %d: %w", normalized.DailyRate, e.cfg.MaxAnnualRate/aprToDailyRateDivisor, ErrOutOfBounds)
	}
	if normalized.InitialDraw.Cmp(normalized.Principal) > 0 {
		return nil, fmt.Errorf("loan: initial draw exceeds committed principal: %w", ErrOutOfBounds)
	}
	tangent, err := ComputeDebtLimitTangent(normalized.Principal, normalized.FixedInterest, normalized.Duration, e.cfg.DebtLimitPostponement)
	if err != nil {
		return nil, fmt.Errorf("loan: duration %d does not clear the %ds postponement: %w", normalized.Duration, e.cfg.DebtLimitPostponement, err)
	}
	feeBps, collector, err := e.state.FeeParams()
	if err != nil {
		return nil, err
	}
	fee := feeAmount(normalized.Principal, feeBps)
	if fee.Sign() > 0 && normalized.InitialDraw.Cmp(fee) < 0 {
		return nil, fmt.Errorf("loan: initial draw below origination fee: %w", ErrOutOfBounds)
	}
	now := e.now()
	if permit != nil {
		owner, err := e.verifyPermit(permit, normalized.CreditSymbol, normalized.InitialDraw, now)
		if err != nil {
			return nil, err
		}
		if owner != normalized.Lender {
			return nil, fmt.Errorf("loan: permit owner is not the lender: %w", ErrUnauthorized)
		}
	}
	id, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	l := &Loan{
		ID:               id,
		Kind:             KindCreditLine,
		Status:           StatusRunning,
		Borrower:         normalized.Borrower,
		Lender:           normalized.Lender,
		CreditSymbol:     normalized.CreditSymbol,
		Principal:        cloneBigInt(normalized.InitialDraw),
		Committed:        cloneBigInt(normalized.Principal),
		FixedInterest:    cloneBigInt(normalized.FixedInterest),
		DailyRate:        normalized.DailyRate,
		Collateral:       normalized.Collateral,
		CreatedAt:        now,
		DefaultTimestamp: now + normalized.Duration,
		AccruedInterest:  big.NewInt(0),
		LastAccrualAt:    now,
		Unclaimed:        big.NewInt(0),
		DebtLimitTangent: tangent,
	}
	if err := e.consumePermitNonce(permit); err != nil {
		return nil, err
	}
	if err := e.state.PositionMint(id, l.Lender); err != nil {
		return nil, err
	}
	if err := e.storeLoan(l); err != nil {
		return nil, err
	}
	if err := e.mover.Pull(l.Collateral, l.Borrower); err != nil {
		return nil, err
	}
	if err := e.moveFungible(l.CreditSymbol, fee, l.Lender, collector); err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(normalized.InitialDraw, fee)
	if err := e.moveFungible(l.CreditSymbol, net, l.Lender, l.Borrower); err != nil {
		return nil, err
	}
	e.emit(NewCreditLineOpenedEvent(l))
	return l.Clone(), nil
}

// Draw disburses additional principal from the current position holder to the
// borrower. Draws are bounded by the committed principal and by the debt
// limit: a draw that would place the debt at or above the limit line is
// rejected rather than minting an instantly defaulted loan.
func (e *Engine) Draw(id uint64, caller [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, ModuleDraw); err != nil {
		return err
	}
	l, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if l.Kind != KindCreditLine {
		return fmt.Errorf("loan %d: not a credit line: %w", id, ErrInvalidStatus)
	}
	now := e.now()
	switch ResolveStatus(l, now) {
	case StatusRepaid:
		return fmt.Errorf("loan %d: already repaid: %w", id, ErrInvalidStatus)
	case StatusDefaulted:
		return fmt.Errorf("loan %d: %w", id, ErrDefaulted)
	}
	if caller != l.Borrower {
		return fmt.Errorf("loan %d: only the borrower draws: %w", id, ErrUnauthorized)
	}
	draw := cloneBigInt(amount)
	if draw.Sign() <= 0 {
		return fmt.Errorf("loan: draw amount must be positive: %w", ErrOutOfBounds)
	}
	drawn := new(big.Int).Add(l.Principal, draw)
	if drawn.Cmp(l.Committed) > 0 {
		return fmt.Errorf("loan %d: draw exceeds committed principal: %w", id, ErrOutOfBounds)
	}
	settleAccrual(l, now)
	l.Principal = drawn
	if debtExceedsLimit(l, now) {
		return fmt.Errorf("loan %d: draw would breach the debt limit: %w", id, ErrOutOfBounds)
	}
	holder, err := e.holderOf(id)
	if err != nil {
		return err
	}
	if err := e.storeLoan(l); err != nil {
		return err
	}
	if err := e.moveFungible(l.CreditSymbol, draw, holder, l.Borrower); err != nil {
		return err
	}
	e.emit(NewCreditLineDrawnEvent(l, draw))
	return nil
}

// RepayCreditLine applies a partial repayment to a running credit line.
// Payments retire accrued interest first, then fixed interest, then
// principal; the amount is capped at the outstanding debt. Repaid funds
// accumulate in the unclaimed ledger for the position holder. When the debt
// reaches zero the loan flips to Repaid and collateral returns to the
// borrower, with the unclaimed ledger left in custody pending claim.
func (e *Engine) RepayCreditLine(id uint64, caller [20]byte, amount *big.Int, permit *Permit) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, ModuleRepay); err != nil {
		return err
	}
	l, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if l.Kind != KindCreditLine {
		return fmt.Errorf("loan %d: not a credit line: %w", id, ErrInvalidStatus)
	}
	now := e.now()
	switch ResolveStatus(l, now) {
	case StatusRepaid:
		return fmt.Errorf("loan %d: already repaid: %w", id, ErrInvalidStatus)
	case StatusDefaulted:
		return fmt.Errorf("loan %d: %w", id, ErrDefaulted)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("loan: repayment amount must be positive: %w", ErrOutOfBounds)
	}
	settleAccrual(l, now)
	owed := Owed(l, now)
	payment := cloneBigInt(amount)
	if payment.Cmp(owed) > 0 {
		payment.Set(owed)
	}
	payer := caller
	if permit != nil {
		owner, err := e.verifyPermit(permit, l.CreditSymbol, payment, now)
		if err != nil {
			return err
		}
		payer = owner
	}
	remaining := new(big.Int).Set(payment)
	l.AccruedInterest = retire(l.AccruedInterest, remaining)
	l.FixedInterest = retire(l.FixedInterest, remaining)
	l.Principal = retire(l.Principal, remaining)
	l.Unclaimed = new(big.Int).Add(l.Unclaimed, payment)
	full := Owed(l, now).Sign() == 0
	if full {
		l.Status = StatusRepaid
	}
	if err := e.consumePermitNonce(permit); err != nil {
		return err
	}
	if err := e.storeLoan(l); err != nil {
		return err
	}
	if err := e.pullFungible(l.CreditSymbol, payment, payer); err != nil {
		return err
	}
	if full {
		if err := e.mover.Push(l.Collateral, l.Borrower); err != nil {
			return err
		}
	}
	e.emit(NewCreditLineRepaidEvent(l, payment))
	return nil
}

// retire subtracts as much of remaining as the balance covers, draining
// remaining in place, and returns the reduced balance.
func retire(balance, remaining *big.Int) *big.Int {
	bal := cloneBigInt(balance)
	if remaining.Sign() == 0 || bal.Sign() == 0 {
		return bal
	}
	if remaining.Cmp(bal) >= 0 {
		remaining.Sub(remaining, bal)
		return big.NewInt(0)
	}
	bal.Sub(bal, remaining)
	remaining.SetInt64(0)
	return bal
}
