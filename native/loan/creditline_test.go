package loan

import (
	"errors"
	"math/big"
	"testing"
)

func testCreditLineTerms(borrower, lender [20]byte) Terms {
	return Terms{
		Kind:          KindCreditLine,
		Borrower:      borrower,
		Lender:        lender,
		CreditSymbol:  "LIEN",
		Principal:     big.NewInt(10_000),
		FixedInterest: big.NewInt(100),
		AnnualRate:    100_000,
		Duration:      100 * 24 * 60 * 60,
		Collateral:    Asset{Kind: AssetUnique, Symbol: "LNFT", TokenID: big.NewInt(9)},
		InitialDraw:   big.NewInt(1_000),
	}
}

func mustOpenCreditLine(t *testing.T, engine *Engine, caller [20]byte, terms Terms) *Loan {
	t.Helper()
	l, err := engine.OpenCreditLine(caller, terms, nil)
	if err != nil {
		t.Fatalf("open credit line: %v", err)
	}
	return l
}

func TestOpenCreditLineDisbursesNetOfFee(t *testing.T) {
	state := newMockLoanState()
	state.feeBps = 100
	engine, mover := newTestEngine(state)
	borrower := newTestAddress(0x01)
	lender := newTestAddress(0x02)
	workflow := newTestAddress(0x03)
	state.grantTag(workflow, TagLoanWorkflow)

	l := mustOpenCreditLine(t, engine, workflow, testCreditLineTerms(borrower, lender))
	if l.Kind != KindCreditLine {
		t.Fatalf("expected credit line kind, got %v", l.Kind)
	}
	if l.Principal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("drawn principal should equal the initial draw, got %s", l.Principal)
	}
	if l.Committed.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("committed should be the full line, got %s", l.Committed)
	}
	if l.DebtLimitTangent == nil || l.DebtLimitTangent.Sign() <= 0 {
		t.Fatalf("tangent must be fixed at origination")
	}

	// fee = 1% of the committed 10000 = 100, charged against the draw.
	if len(mover.moves) != 3 {
		t.Fatalf("expected collateral, fee and disbursement legs, got %+v", mover.moves)
	}
	if mover.moves[0].op != "pull" || mover.moves[0].from != borrower {
		t.Fatalf("collateral should be pulled from the borrower: %+v", mover.moves[0])
	}
	fee := mover.moves[1]
	if fee.from != lender || fee.to != state.collector || fee.asset.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected fee leg %+v", fee)
	}
	disbursed := mover.moves[2]
	if disbursed.from != lender || disbursed.to != borrower || disbursed.asset.Amount.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("unexpected disbursement leg %+v", disbursed)
	}
}

func TestOpenCreditLineValidations(t *testing.T) {
	state := newMockLoanState()
	state.feeBps = 100
	engine, _ := newTestEngine(state)
	borrower := newTestAddress(0x01)
	lender := newTestAddress(0x02)
	workflow := newTestAddress(0x03)
	state.grantTag(workflow, TagLoanWorkflow)

	termKind := testCreditLineTerms(borrower, lender)
	termKind.Kind = KindTerm
	if _, err := engine.OpenCreditLine(workflow, termKind, nil); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds for term kind, got %v", err)
	}

	overdrawn := testCreditLineTerms(borrower, lender)
	overdrawn.InitialDraw = big.NewInt(10_001)
	if _, err := engine.OpenCreditLine(workflow, overdrawn, nil); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds for draw above committed, got %v", err)
	}

	// fee = 100 does not fit a 50 unit draw.
	smallDraw := testCreditLineTerms(borrower, lender)
	smallDraw.InitialDraw = big.NewInt(50)
	if _, err := engine.OpenCreditLine(workflow, smallDraw, nil); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds when the fee exceeds the draw, got %v", err)
	}

	// Duration must clear the debt-limit postponement.
	short := testCreditLineTerms(borrower, lender)
	short.Duration = 20 * 24 * 60 * 60
	if _, err := engine.OpenCreditLine(workflow, short, nil); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds inside the postponement window, got %v", err)
	}

	if _, err := engine.OpenCreditLine(lender, testCreditLineTerms(borrower, lender), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without workflow capability, got %v", err)
	}
}

func TestDrawMovesFromHolder(t *testing.T) {
	state := newMockLoanState()
	engine, mover := newTestEngine(state)
	borrower := newTestAddress(0x01)
	lender := newTestAddress(0x02)
	workflow := newTestAddress(0x03)
	state.grantTag(workflow, TagLoanWorkflow)
	l := mustOpenCreditLine(t, engine, workflow, testCreditLineTerms(borrower, lender))

	mover.moves = nil
	if err := engine.Draw(l.ID, borrower, big.NewInt(500)); err != nil {
		t.Fatalf("draw: %v", err)
	}
	stored, _ := state.LoanGet(l.ID)
	if stored.Principal.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("expected drawn principal 1500, got %s", stored.Principal)
	}
	if len(mover.moves) != 1 {
		t.Fatalf("expected one disbursement, got %+v", mover.moves)
	}
	mv := mover.moves[0]
	if mv.from != lender || mv.to != borrower || mv.asset.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected draw leg %+v", mv)
	}

	if err := engine.Draw(l.ID, lender, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-borrower, got %v", err)
	}
	if err := engine.Draw(l.ID, borrower, big.NewInt(9_000)); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds above committed, got %v", err)
	}
	if err := engine.Draw(l.ID, borrower, big.NewInt(0)); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds for zero draw, got %v", err)
	}
}

// A draw close to the deadline is refused when the grown debt would sit at or
// above the decaying limit line, instead of minting an instantly defaulted
// position.
func TestDrawRejectedAtDebtLimit(t *testing.T) {
	state := newMockLoanState()
	engine, _ := newTestEngine(state)
	borrower := newTestAddress(0x01)
	lender := newTestAddress(0x02)
	workflow := newTestAddress(0x03)
	state.grantTag(workflow, TagLoanWorkflow)

	terms := testCreditLineTerms(borrower, lender)
	terms.Principal = big.NewInt(1_000)
	terms.FixedInterest = big.NewInt(0)
	terms.AnnualRate = 99 // truncates to a zero daily rate
	terms.InitialDraw = big.NewInt(50)
	l := mustOpenCreditLine(t, engine, workflow, terms)

	// 95 days in: remaining 5 of 70 post-postponement days, limit = 71.
	late := testOrigin + 95*24*60*60
	engine.SetNowFunc(func() int64 { return late })

	if err := engine.Draw(l.ID, borrower, big.NewInt(30)); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds at the limit, got %v", err)
	}
	stored, _ := state.LoanGet(l.ID)
	if stored.Principal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("rejected draw must not change principal, got %s", stored.Principal)
	}

	if err := engine.Draw(l.ID, borrower, big.NewInt(10)); err != nil {
		t.Fatalf("draw under the limit: %v", err)
	}
}

func TestRepayCreditLineRetireOrder(t *testing.T) {
	state := newMockLoanState()
	engine, mover := newTestEngine(state)
	borrower := newTestAddress(0x01)
	lender := newTestAddress(0x02)
	workflow := newTestAddress(0x03)
	state.grantTag(workflow, TagLoanWorkflow)

	terms := testCreditLineTerms(borrower, lender)
	terms.Principal = big.NewInt(5_000)
	terms.Duration = 730 * 24 * 60 * 60
	l := mustOpenCreditLine(t, engine, workflow, terms)

	// One year in the draw of 1000 has accrued 100 at the 10%/yr daily rate.
	year := testOrigin + 365*24*60*60
	engine.SetNowFunc(func() int64 { return year })

	mover.moves = nil
	if err := engine.RepayCreditLine(l.ID, borrower, big.NewInt(150), nil); err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	stored, _ := state.LoanGet(l.ID)
	if stored.AccruedInterest.Sign() != 0 {
		t.Fatalf("accrued interest retires first, got %s", stored.AccruedInterest)
	}
	if stored.FixedInterest.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("fixed interest retires second, got %s", stored.FixedInterest)
	}
	if stored.Principal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("principal untouched by a 150 payment, got %s", stored.Principal)
	}
	if stored.Unclaimed.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected unclaimed 150, got %s", stored.Unclaimed)
	}
	if stored.Status != StatusRunning {
		t.Fatalf("partial repayment keeps the line running, got %v", stored.Status)
	}
	if len(mover.moves) != 1 || mover.moves[0].op != "pull" || mover.moves[0].from != borrower {
		t.Fatalf("expected payment pulled from the borrower, got %+v", mover.moves)
	}

	// Overpayment caps at the 1050 still owed, flips to repaid, and
	// returns collateral.
	mover.moves = nil
	if err := engine.RepayCreditLine(l.ID, borrower, big.NewInt(9_999), nil); err != nil {
		t.Fatalf("final repay: %v", err)
	}
	stored, _ = state.LoanGet(l.ID)
	if stored.Status != StatusRepaid {
		t.Fatalf("expected repaid, got %v", stored.Status)
	}
	if stored.Unclaimed.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("expected unclaimed 1200, got %s", stored.Unclaimed)
	}
	if len(mover.moves) != 2 {
		t.Fatalf("expected payment pull and collateral return, got %+v", mover.moves)
	}
	if mover.moves[0].asset.Amount.Cmp(big.NewInt(1_050)) != 0 {
		t.Fatalf("payment should cap at the outstanding 1050, got %+v", mover.moves[0])
	}
	collateral := mover.moves[1]
	if collateral.op != "push" || collateral.to != borrower || collateral.asset.Kind != AssetUnique {
		t.Fatalf("expected collateral back to the borrower, got %+v", collateral)
	}

	if err := engine.RepayCreditLine(l.ID, borrower, big.NewInt(1), nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on a repaid line, got %v", err)
	}
}

func TestClaimCreditLineUnclaimed(t *testing.T) {
	state := newMockLoanState()
	engine, mover := newTestEngine(state)
	borrower := newTestAddress(0x01)
	lender := newTestAddress(0x02)
	workflow := newTestAddress(0x03)
	state.grantTag(workflow, TagLoanWorkflow)
	l := mustOpenCreditLine(t, engine, workflow, testCreditLineTerms(borrower, lender))

	if err := engine.Claim(l.ID, lender); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus with nothing accrued, got %v", err)
	}

	if err := engine.RepayCreditLine(l.ID, borrower, big.NewInt(80), nil); err != nil {
		t.Fatalf("repay: %v", err)
	}
	mover.moves = nil
	if err := engine.Claim(l.ID, lender); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stored, ok := state.LoanGet(l.ID)
	if !ok {
		t.Fatalf("partial claim must keep the line")
	}
	if stored.Unclaimed.Sign() != 0 {
		t.Fatalf("claim drains the unclaimed ledger, got %s", stored.Unclaimed)
	}
	if len(mover.moves) != 1 || mover.moves[0].to != lender || mover.moves[0].asset.Amount.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("unexpected claim payout %+v", mover.moves)
	}

	if err := engine.Claim(l.ID, borrower); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-holder, got %v", err)
	}
}

func TestCreditLineDefaultClaimTakesCollateral(t *testing.T) {
	state := newMockLoanState()
	engine, mover := newTestEngine(state)
	borrower := newTestAddress(0x01)
	lender := newTestAddress(0x02)
	workflow := newTestAddress(0x03)
	state.grantTag(workflow, TagLoanWorkflow)
	l := mustOpenCreditLine(t, engine, workflow, testCreditLineTerms(borrower, lender))

	if err := engine.RepayCreditLine(l.ID, borrower, big.NewInt(40), nil); err != nil {
		t.Fatalf("repay: %v", err)
	}

	engine.SetNowFunc(func() int64 { return l.DefaultTimestamp })
	if err := engine.Draw(l.ID, borrower, big.NewInt(1)); !errors.Is(err, ErrDefaulted) {
		t.Fatalf("expected ErrDefaulted draw, got %v", err)
	}
	if err := engine.RepayCreditLine(l.ID, borrower, big.NewInt(1), nil); !errors.Is(err, ErrDefaulted) {
		t.Fatalf("expected ErrDefaulted repay, got %v", err)
	}

	mover.moves = nil
	if err := engine.Claim(l.ID, lender); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok := state.LoanGet(l.ID); ok {
		t.Fatalf("default claim deletes the record")
	}
	if len(mover.moves) != 2 {
		t.Fatalf("expected unclaimed payout and collateral seizure, got %+v", mover.moves)
	}
	if mover.moves[0].asset.Amount.Cmp(big.NewInt(40)) != 0 || mover.moves[0].to != lender {
		t.Fatalf("unexpected unclaimed payout %+v", mover.moves[0])
	}
	if mover.moves[1].asset.Kind != AssetUnique || mover.moves[1].to != lender {
		t.Fatalf("unexpected collateral leg %+v", mover.moves[1])
	}
}
