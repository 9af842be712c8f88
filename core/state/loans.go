package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lienchain/native/loan"
)

var (
	loanRecordPrefix = []byte("loan-record:")
	loanSequenceKey  = ethcrypto.Keccak256([]byte("loan-sequence"))
)

func loanStorageKey(id uint64) []byte {
	buf := make([]byte, len(loanRecordPrefix)+8)
	copy(buf, loanRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(loanRecordPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

// storedLoan is the RLP shape of a loan record. RLP carries only unsigned
// integers, so timestamps travel as big.Int and the optional collateral token
// id needs an explicit presence flag to keep id zero distinguishable from
// absent.
type storedLoan struct {
	ID                 uint64
	Kind               uint8
	Status             uint8
	Borrower           [20]byte
	Lender             [20]byte
	CreditSymbol       string
	Principal          *big.Int
	Committed          *big.Int
	FixedInterest      *big.Int
	DailyRate          uint64
	CollateralKind     uint8
	CollateralSymbol   string
	CollateralHasToken bool
	CollateralTokenID  *big.Int
	CollateralAmount   *big.Int
	CreatedAt          *big.Int
	DefaultTimestamp   *big.Int
	AccruedInterest    *big.Int
	LastAccrualAt      *big.Int
	Unclaimed          *big.Int
	DebtLimitTangent   *big.Int
}

func newStoredLoan(l *loan.Loan) *storedLoan {
	if l == nil {
		return nil
	}
	record := &storedLoan{
		ID:               l.ID,
		Kind:             uint8(l.Kind),
		Status:           uint8(l.Status),
		Borrower:         l.Borrower,
		Lender:           l.Lender,
		CreditSymbol:     l.CreditSymbol,
		Principal:        bigOrZero(l.Principal),
		Committed:        bigOrZero(l.Committed),
		FixedInterest:    bigOrZero(l.FixedInterest),
		DailyRate:        l.DailyRate,
		CollateralKind:   uint8(l.Collateral.Kind),
		CollateralSymbol: l.Collateral.Symbol,
		CollateralAmount: bigOrZero(l.Collateral.Amount),
		CreatedAt:        big.NewInt(l.CreatedAt),
		DefaultTimestamp: big.NewInt(l.DefaultTimestamp),
		AccruedInterest:  bigOrZero(l.AccruedInterest),
		LastAccrualAt:    big.NewInt(l.LastAccrualAt),
		Unclaimed:        bigOrZero(l.Unclaimed),
		DebtLimitTangent: bigOrZero(l.DebtLimitTangent),
	}
	if l.Collateral.TokenID != nil {
		record.CollateralHasToken = true
		record.CollateralTokenID = new(big.Int).Set(l.Collateral.TokenID)
	} else {
		record.CollateralTokenID = big.NewInt(0)
	}
	return record
}

func (s *storedLoan) toLoan() (*loan.Loan, error) {
	if s == nil {
		return nil, fmt.Errorf("loan: nil storage record")
	}
	out := &loan.Loan{
		ID:            s.ID,
		Kind:          loan.Kind(s.Kind),
		Status:        loan.Status(s.Status),
		Borrower:      s.Borrower,
		Lender:        s.Lender,
		CreditSymbol:  s.CreditSymbol,
		Principal:     bigOrZero(s.Principal),
		Committed:     bigOrZero(s.Committed),
		FixedInterest: bigOrZero(s.FixedInterest),
		DailyRate:     s.DailyRate,
		Collateral: loan.Asset{
			Kind:   loan.AssetKind(s.CollateralKind),
			Symbol: s.CollateralSymbol,
			Amount: bigOrZero(s.CollateralAmount),
		},
		AccruedInterest: bigOrZero(s.AccruedInterest),
		Unclaimed:       bigOrZero(s.Unclaimed),
	}
	if s.CollateralHasToken {
		out.Collateral.TokenID = bigOrZero(s.CollateralTokenID)
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if s.DefaultTimestamp != nil {
		out.DefaultTimestamp = s.DefaultTimestamp.Int64()
	}
	if s.LastAccrualAt != nil {
		out.LastAccrualAt = s.LastAccrualAt.Int64()
	}
	if s.DebtLimitTangent != nil && s.DebtLimitTangent.Sign() > 0 {
		out.DebtLimitTangent = new(big.Int).Set(s.DebtLimitTangent)
	}
	return loan.SanitizeLoan(out)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// LoanPut validates and persists the loan record under its identifier.
func (m *Manager) LoanPut(l *loan.Loan) error {
	sanitized, err := loan.SanitizeLoan(l)
	if err != nil {
		return err
	}
	if sanitized.ID == 0 {
		return fmt.Errorf("loan: record id must not be zero")
	}
	encoded, err := rlp.EncodeToBytes(newStoredLoan(sanitized))
	if err != nil {
		return err
	}
	return m.trie.Update(loanStorageKey(sanitized.ID), encoded)
}

// LoanGet fetches the loan record for the identifier. Records that fail to
// decode read as absent.
func (m *Manager) LoanGet(id uint64) (*loan.Loan, bool) {
	data, err := m.trie.Get(loanStorageKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedLoan)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	record, err := stored.toLoan()
	if err != nil {
		return nil, false
	}
	return record, true
}

// LoanDelete removes the loan record. Deleting an absent record is an error
// so double settlement surfaces instead of silently passing.
func (m *Manager) LoanDelete(id uint64) error {
	data, err := m.trie.Get(loanStorageKey(id))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("loan: record %d not found", id)
	}
	return m.trie.Delete(loanStorageKey(id))
}

// NextLoanID hands out the next identifier from the monotonic sequence. The
// first id is 1 and values are never reused.
func (m *Manager) NextLoanID() (uint64, error) {
	current, err := m.loadBigInt(loanSequenceKey)
	if err != nil {
		return 0, err
	}
	if current.Sign() < 0 {
		return 0, fmt.Errorf("loan: negative sequence state")
	}
	if current.BitLen() > 63 {
		return 0, fmt.Errorf("loan: sequence overflow")
	}
	next := current.Uint64() + 1
	if err := m.writeBigInt(loanSequenceKey, new(big.Int).SetUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}
