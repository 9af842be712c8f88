package loan

import "math/big"

// tangentDecimals fixes the precision of the debt-limit tangent. The tangent
// is stored scaled by 10^tangentDecimals so the limit line keeps precision
// over second-granularity durations.
const tangentDecimals = 40

var tangentScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(tangentDecimals), nil)

// ComputeDebtLimitTangent derives the immutable slope of a credit line's debt
// limit from the committed totals at origination:
//
//	tangent = (committed + fixedInterest) * 10^tangentDecimals / (duration - postponement)
//
// The resulting line passes through (originationTime + postponement,
// committed + fixedInterest) and (defaultTimestamp, 0). It is computed once
// and never revised; repayments move the debt, not the line.
func ComputeDebtLimitTangent(committed, fixedInterest *big.Int, duration, postponement int64) (*big.Int, error) {
	if duration <= postponement {
		return nil, ErrOutOfBounds
	}
	total := new(big.Int).Add(cloneBigInt(committed), cloneBigInt(fixedInterest))
	if total.Sign() <= 0 {
		return nil, ErrOutOfBounds
	}
	tangent := new(big.Int).Mul(total, tangentScale)
	return tangent.Quo(tangent, big.NewInt(duration-postponement)), nil
}

// DebtLimit reports the maximum permissible outstanding debt at the given
// time, floored to whole units. Before originationTime + postponement the
// line sits above the committed total, which is what gives fully drawn lines
// their grace window. The value is informational; the default check compares
// in tangent-scaled space to keep the boundary exact.
func DebtLimit(l *Loan, now int64) *big.Int {
	if l == nil || l.DebtLimitTangent == nil {
		return big.NewInt(0)
	}
	remaining := l.DefaultTimestamp - now
	if remaining <= 0 {
		return big.NewInt(0)
	}
	limit := new(big.Int).Mul(l.DebtLimitTangent, big.NewInt(remaining))
	return limit.Quo(limit, tangentScale)
}

// debtExceedsLimit reports whether the outstanding debt sits at or above the
// debt-limit line. The comparison is inclusive: a debt exactly on the line
// defaults. Comparing in scaled space avoids the off-by-one a floored limit
// would introduce at the boundary instant.
func debtExceedsLimit(l *Loan, now int64) bool {
	if l == nil || l.DebtLimitTangent == nil {
		return false
	}
	remaining := l.DefaultTimestamp - now
	if remaining <= 0 {
		return true
	}
	owedScaled := new(big.Int).Mul(Owed(l, now), tangentScale)
	limitScaled := new(big.Int).Mul(l.DebtLimitTangent, big.NewInt(remaining))
	return owedScaled.Cmp(limitScaled) >= 0
}

// ResolveStatus derives the effective status of a loan at the given time.
// Repaid overrides the default policies; StatusDefaulted is only ever derived
// here, never stored. Term loans default at the deadline instant inclusive;
// credit lines additionally default the moment their debt meets the limit
// line.
func ResolveStatus(l *Loan, now int64) Status {
	if l == nil {
		return StatusNone
	}
	switch l.Status {
	case StatusRepaid:
		return StatusRepaid
	case StatusRunning:
	default:
		return l.Status
	}
	if now >= l.DefaultTimestamp {
		return StatusDefaulted
	}
	if l.Kind == KindCreditLine && debtExceedsLimit(l, now) {
		return StatusDefaulted
	}
	return StatusRunning
}
