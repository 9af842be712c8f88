package loan

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// FingerprintDomainV1 prefixes the canonical encoding of loan fingerprints.
const FingerprintDomainV1 = "LIEN_LOAN_FINGERPRINT_V1"

// Fingerprint digests the fields of a loan that can change after origination.
// A position buyer quotes against a fingerprint and the transfer fails if the
// record moved underneath them, so the digest must cover exactly the mutable
// surface: status, the default deadline (extensions move it), the principal
// and interest balances (credit-line draws and repayments move them), and the
// unclaimed payout.
func Fingerprint(l *Loan) ([32]byte, error) {
	var digest [32]byte
	if l == nil {
		return digest, errNilRecord
	}
	payload := fmt.Sprintf("%s|id=%d|status=%d|default=%d|principal=%s|committed=%s|fixed=%s|accrued=%s|cursor=%d|unclaimed=%s",
		FingerprintDomainV1,
		l.ID,
		uint8(l.Status),
		l.DefaultTimestamp,
		cloneBigInt(l.Principal).String(),
		cloneBigInt(l.Committed).String(),
		cloneBigInt(l.FixedInterest).String(),
		cloneBigInt(l.AccruedInterest).String(),
		l.LastAccrualAt,
		cloneBigInt(l.Unclaimed).String(),
	)
	copy(digest[:], ethcrypto.Keccak256([]byte(payload)))
	return digest, nil
}
