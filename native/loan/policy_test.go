package loan

import (
	"errors"
	"math/big"
	"testing"
)

func TestComputeDebtLimitTangent(t *testing.T) {
	tangent, err := ComputeDebtLimitTangent(big.NewInt(1_000), big.NewInt(0), 100, 0)
	if err != nil {
		t.Fatalf("tangent: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(10), tangentScale)
	if tangent.Cmp(want) != 0 {
		t.Fatalf("expected tangent %s, got %s", want, tangent)
	}

	if _, err := ComputeDebtLimitTangent(big.NewInt(1_000), big.NewInt(0), 100, 100); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds for duration inside postponement, got %v", err)
	}
	if _, err := ComputeDebtLimitTangent(big.NewInt(0), big.NewInt(0), 100, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds for zero totals, got %v", err)
	}
}

func newLimitLoan(t *testing.T, committed int64, duration, postponement int64) *Loan {
	t.Helper()
	tangent, err := ComputeDebtLimitTangent(big.NewInt(committed), big.NewInt(0), duration, postponement)
	if err != nil {
		t.Fatalf("tangent: %v", err)
	}
	return &Loan{
		Kind:             KindCreditLine,
		Status:           StatusRunning,
		Principal:        big.NewInt(0),
		Committed:        big.NewInt(committed),
		FixedInterest:    big.NewInt(0),
		AccruedInterest:  big.NewInt(0),
		CreatedAt:        testOrigin,
		DefaultTimestamp: testOrigin + duration,
		LastAccrualAt:    testOrigin,
		Unclaimed:        big.NewInt(0),
		DebtLimitTangent: tangent,
	}
}

func TestDebtLimitDecaysToZero(t *testing.T) {
	l := newLimitLoan(t, 1_000, 1_000, 0)
	if got := DebtLimit(l, testOrigin); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected limit 1000 at origination, got %s", got)
	}
	if got := DebtLimit(l, testOrigin+500); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected limit 500 midway, got %s", got)
	}
	if got := DebtLimit(l, l.DefaultTimestamp); got.Sign() != 0 {
		t.Fatalf("expected zero limit at the deadline, got %s", got)
	}
	if got := DebtLimit(l, l.DefaultTimestamp+1); got.Sign() != 0 {
		t.Fatalf("expected zero limit past the deadline, got %s", got)
	}
}

// The postponement pushes the limit line's zero crossing past the deadline
// measured from origination, so right after opening the line sits above the
// committed total and a fully drawn line has a grace window.
func TestDebtLimitGraceAboveCommitted(t *testing.T) {
	l := newLimitLoan(t, 7_000, 1_000, 300)
	if got := DebtLimit(l, testOrigin); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("expected limit 10000 at origination, got %s", got)
	}
	if got := DebtLimit(l, testOrigin+300); got.Cmp(big.NewInt(7_000)) != 0 {
		t.Fatalf("expected limit to meet committed at postponement end, got %s", got)
	}
}

// The default comparison is inclusive and exact: a debt exactly on the line
// defaults, one unit under it does not.
func TestDebtLimitBoundaryInclusive(t *testing.T) {
	l := newLimitLoan(t, 1_000, 1_000, 0)
	l.Principal = big.NewInt(600)

	justBefore := testOrigin + 399
	if got := ResolveStatus(l, justBefore); got != StatusRunning {
		t.Fatalf("expected running below the line, got %v", got)
	}
	boundary := testOrigin + 400
	if !debtExceedsLimit(l, boundary) {
		t.Fatalf("expected the boundary instant to sit on the line")
	}
	if got := ResolveStatus(l, boundary); got != StatusDefaulted {
		t.Fatalf("expected defaulted on the line, got %v", got)
	}
}

// A line drawn to its committed total rides the grace window until the limit
// meets the committed amount at the end of the postponement, then defaults.
func TestFullyDrawnLineDefaultsAtPostponementEnd(t *testing.T) {
	postponement := int64(30 * secondsPerDay)
	duration := int64(360 * secondsPerDay)
	tangent, err := ComputeDebtLimitTangent(big.NewInt(800), big.NewInt(200), duration, postponement)
	if err != nil {
		t.Fatalf("tangent: %v", err)
	}
	l := &Loan{
		Kind:             KindCreditLine,
		Status:           StatusRunning,
		Principal:        big.NewInt(800),
		Committed:        big.NewInt(800),
		FixedInterest:    big.NewInt(200),
		AccruedInterest:  big.NewInt(0),
		CreatedAt:        testOrigin,
		DefaultTimestamp: testOrigin + duration,
		LastAccrualAt:    testOrigin,
		Unclaimed:        big.NewInt(0),
		DebtLimitTangent: tangent,
	}
	if got := ResolveStatus(l, testOrigin+postponement-1); got != StatusRunning {
		t.Fatalf("expected running one second before the grace window closes, got %v", got)
	}
	if got := ResolveStatus(l, testOrigin+postponement); got != StatusDefaulted {
		t.Fatalf("expected defaulted as the limit meets the debt, got %v", got)
	}
}

func TestResolveStatus(t *testing.T) {
	term := &Loan{
		Kind:             KindTerm,
		Status:           StatusRunning,
		Principal:        big.NewInt(1_000),
		FixedInterest:    big.NewInt(0),
		AccruedInterest:  big.NewInt(0),
		CreatedAt:        testOrigin,
		DefaultTimestamp: testOrigin + 100,
		LastAccrualAt:    testOrigin,
	}
	if got := ResolveStatus(term, testOrigin+99); got != StatusRunning {
		t.Fatalf("expected running before the deadline, got %v", got)
	}
	if got := ResolveStatus(term, testOrigin+100); got != StatusDefaulted {
		t.Fatalf("expected defaulted at the deadline instant, got %v", got)
	}
	if term.Status != StatusRunning {
		t.Fatalf("derived default must not mutate the stored status")
	}

	term.Status = StatusRepaid
	if got := ResolveStatus(term, testOrigin+10_000); got != StatusRepaid {
		t.Fatalf("repaid is terminal, got %v", got)
	}

	if got := ResolveStatus(nil, testOrigin); got != StatusNone {
		t.Fatalf("expected none for nil record, got %v", got)
	}
}
