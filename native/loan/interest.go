package loan

import "math/big"

const (
	secondsPerDay = int64(86_400)

	// Annual rates are percentages scaled by 1e4 (100.0000%/yr == 1_000_000).
	// Stored daily rates keep two decimals (100.00% == 10_000); the conversion
	// floors away the finest two decimals so the stored encoding stays compact.
	aprToDailyRateDivisor = 100

	// accrued = principal * dailyRate * wholeDays / accruingRateDenominator.
	// A daily rate of 10_000 accrues exactly the principal over 365 days.
	accruingRateDenominator = 100 * 100 * 365
)

// DailyRateFromAnnual truncates a negotiated annual rate into the stored
// daily-rate encoding. The precision loss is intentional.
func DailyRateFromAnnual(annualRate uint64) uint64 {
	return annualRate / aprToDailyRateDivisor
}

// accruedInterest computes the interest accrued on principal between the two
// timestamps. Accrual advances in whole days only; partial days earn nothing.
// All arithmetic floors.
func accruedInterest(principal *big.Int, dailyRate uint64, from, to int64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || dailyRate == 0 || to <= from {
		return big.NewInt(0)
	}
	days := (to - from) / secondsPerDay
	if days <= 0 {
		return big.NewInt(0)
	}
	accrued := new(big.Int).Mul(principal, new(big.Int).SetUint64(dailyRate))
	accrued.Mul(accrued, big.NewInt(days))
	return accrued.Quo(accrued, big.NewInt(accruingRateDenominator))
}

// Owed returns the total obligation on the loan at the given time: principal
// plus remaining fixed interest plus settled and pending accrual.
func Owed(l *Loan, now int64) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	total := new(big.Int).Add(cloneBigInt(l.Principal), cloneBigInt(l.FixedInterest))
	total.Add(total, cloneBigInt(l.AccruedInterest))
	total.Add(total, accruedInterest(l.Principal, l.DailyRate, l.LastAccrualAt, now))
	return total
}

// settleAccrual folds pending accrual into the stored interest ledger before a
// principal mutation. The accrual cursor only ever advances by whole days so
// sub-day remainders keep accruing against the next settlement instead of
// being discarded.
func settleAccrual(l *Loan, now int64) {
	if l == nil {
		return
	}
	days := (now - l.LastAccrualAt) / secondsPerDay
	if days <= 0 {
		return
	}
	until := l.LastAccrualAt + days*secondsPerDay
	accrued := accruedInterest(l.Principal, l.DailyRate, l.LastAccrualAt, until)
	l.AccruedInterest = new(big.Int).Add(cloneBigInt(l.AccruedInterest), accrued)
	l.LastAccrualAt = until
}
