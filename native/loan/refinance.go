package loan

import (
	"fmt"
	"math/big"

	nativecommon "lienchain/native/common"
)

// Refinance atomically retires a running term loan and originates a successor
// against the same collateral. The new principal, net of the origination fee,
// settles the old loan; any surplus goes to the borrower and any shortfall is
// contributed by the borrower toward the old payee. When the new lender
// already holds the old position the repayment leg is elided and the books
// record it as settled. Collateral does not move.
func (e *Engine) Refinance(caller [20]byte, id uint64, terms Terms, permit *Permit) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, ModuleRefinance); err != nil {
		return nil, err
	}
	if err := e.requireWorkflow(caller); err != nil {
		return nil, err
	}
	old, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if old.Kind != KindTerm {
		return nil, fmt.Errorf("loan %d: not a term loan: %w", id, ErrInvalidStatus)
	}
	now := e.now()
	switch ResolveStatus(old, now) {
	case StatusRepaid:
		return nil, fmt.Errorf("loan %d: already repaid: %w", id, ErrInvalidStatus)
	case StatusDefaulted:
		return nil, fmt.Errorf("loan %d: %w", id, ErrDefaulted)
	}
	normalized, err := e.normalizeTerms(terms)
	if err != nil {
		return nil, err
	}
	if normalized.Kind != KindTerm {
		return nil, fmt.Errorf("loan: refinance requires term loan terms: %w", ErrOutOfBounds)
	}
	if normalized.AnnualRate > e.cfg.MaxAnnualRate {
		return nil, fmt.Errorf("loan: annual rate %d above maximum %d: %w", normalized.AnnualRate, e.cfg.MaxAnnualRate, ErrOutOfBounds)
	}
	if normalized.Borrower != old.Borrower {
		return nil, fmt.Errorf("loan %d: borrower differs: %w", id, ErrMismatchedTerms)
	}
	if normalized.CreditSymbol != old.CreditSymbol {
		return nil, fmt.Errorf("loan %d: credit asset differs: %w", id, ErrMismatchedTerms)
	}
	if !normalized.Collateral.Equal(old.Collateral) {
		return nil, fmt.Errorf("loan %d: collateral differs: %w", id, ErrMismatchedTerms)
	}
	owed := Owed(old, now)
	oldHolder, err := e.holderOf(id)
	if err != nil {
		return nil, err
	}
	feeBps, collector, err := e.state.FeeParams()
	if err != nil {
		return nil, err
	}
	fee := feeAmount(normalized.Principal, feeBps)
	net := new(big.Int).Sub(normalized.Principal, fee)
	settled := new(big.Int).Set(net)
	if settled.Cmp(owed) > 0 {
		settled.Set(owed)
	}
	surplus := new(big.Int).Sub(net, owed)
	contribution := new(big.Int).Neg(surplus)
	direct := oldHolder == old.Lender
	transferSettled := !direct || normalized.Lender != oldHolder
	contribPayer := old.Borrower
	usePermit := permit != nil && contribution.Sign() > 0
	if usePermit {
		owner, err := e.verifyPermit(permit, old.CreditSymbol, contribution, now)
		if err != nil {
			return nil, err
		}
		contribPayer = owner
	}
	newID, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	renewed := &Loan{
		ID:               newID,
		Kind:             KindTerm,
		Status:           StatusRunning,
		Borrower:         old.Borrower,
		Lender:           normalized.Lender,
		CreditSymbol:     old.CreditSymbol,
		Principal:        cloneBigInt(normalized.Principal),
		Committed:        cloneBigInt(normalized.Principal),
		FixedInterest:    cloneBigInt(normalized.FixedInterest),
		DailyRate:        DailyRateFromAnnual(normalized.AnnualRate),
		Collateral:       old.Collateral.Clone(),
		CreatedAt:        now,
		DefaultTimestamp: now + normalized.Duration,
		AccruedInterest:  big.NewInt(0),
		LastAccrualAt:    now,
		Unclaimed:        big.NewInt(0),
	}
	if usePermit {
		if err := e.consumePermitNonce(permit); err != nil {
			return nil, err
		}
	}
	if err := e.state.PositionMint(newID, renewed.Lender); err != nil {
		return nil, err
	}
	if err := e.storeLoan(renewed); err != nil {
		return nil, err
	}
	old.Status = StatusRepaid
	if direct {
		if err := e.state.LoanDelete(id); err != nil {
			return nil, err
		}
		if err := e.state.PositionBurn(id); err != nil {
			return nil, err
		}
	} else {
		old.Unclaimed = cloneBigInt(owed)
		if err := e.storeLoan(old); err != nil {
			return nil, err
		}
	}
	if err := e.moveFungible(old.CreditSymbol, fee, renewed.Lender, collector); err != nil {
		return nil, err
	}
	if direct {
		if transferSettled {
			if err := e.moveFungible(old.CreditSymbol, settled, renewed.Lender, oldHolder); err != nil {
				return nil, err
			}
		}
	} else {
		if err := e.pullFungible(old.CreditSymbol, settled, renewed.Lender); err != nil {
			return nil, err
		}
	}
	if surplus.Sign() > 0 {
		if err := e.moveFungible(old.CreditSymbol, surplus, renewed.Lender, old.Borrower); err != nil {
			return nil, err
		}
	}
	if contribution.Sign() > 0 {
		if direct {
			if err := e.moveFungible(old.CreditSymbol, contribution, contribPayer, oldHolder); err != nil {
				return nil, err
			}
		} else {
			if err := e.pullFungible(old.CreditSymbol, contribution, contribPayer); err != nil {
				return nil, err
			}
		}
	}
	e.emit(NewRepaidEvent(old, owed))
	e.emit(NewRefinancedEvent(renewed, id))
	return renewed.Clone(), nil
}
