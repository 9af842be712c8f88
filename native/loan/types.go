package loan

import (
	"fmt"
	"math/big"
	"strings"
)

// Kind distinguishes the two loan variants sharing the settlement machinery.
type Kind uint8

const (
	// KindTerm is a fixed-principal loan repayable in full before a fixed
	// deadline.
	KindTerm Kind = 1
	// KindCreditLine is an elastic credit line with partial drawdowns and
	// repayments bounded by a linear debt-limit schedule.
	KindCreditLine Kind = 2
)

// Valid reports whether the kind value is within the supported range.
func (k Kind) Valid() bool {
	switch k {
	case KindTerm, KindCreditLine:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindTerm:
		return "term"
	case KindCreditLine:
		return "creditline"
	default:
		return "unknown"
	}
}

// Status enumerates the lifecycle states of a loan record. Value 1 is
// reserved and never assigned. StatusDefaulted is derived at read time by the
// status resolver and is never persisted.
type Status uint8

const (
	StatusNone      Status = 0
	StatusRunning   Status = 2
	StatusRepaid    Status = 3
	StatusDefaulted Status = 4
)

// Valid reports whether the status may be persisted in a stored record.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusRepaid:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusRunning:
		return "running"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// AssetKind classifies the collateral ledger an asset lives in.
type AssetKind uint8

const (
	AssetFungible AssetKind = iota
	AssetUnique
	AssetSemiFungible
)

// Valid reports whether the asset kind is within the supported range.
func (k AssetKind) Valid() bool {
	switch k {
	case AssetFungible, AssetUnique, AssetSemiFungible:
		return true
	default:
		return false
	}
}

func (k AssetKind) String() string {
	switch k {
	case AssetFungible:
		return "fungible"
	case AssetUnique:
		return "unique"
	case AssetSemiFungible:
		return "semifungible"
	default:
		return "unknown"
	}
}

// Asset identifies a quantity of a registered asset. Fungible assets carry a
// symbol and an amount; unique assets carry a symbol and a token id with an
// implicit amount of one; semi-fungible assets carry all three.
type Asset struct {
	Kind    AssetKind
	Symbol  string
	TokenID *big.Int
	Amount  *big.Int
}

// Clone returns a deep copy of the asset.
func (a Asset) Clone() Asset {
	out := a
	if a.TokenID != nil {
		out.TokenID = new(big.Int).Set(a.TokenID)
	}
	if a.Amount != nil {
		out.Amount = new(big.Int).Set(a.Amount)
	} else {
		out.Amount = big.NewInt(0)
	}
	return out
}

// Equal reports whether two assets describe the same position.
func (a Asset) Equal(b Asset) bool {
	if a.Kind != b.Kind || a.Symbol != b.Symbol {
		return false
	}
	if (a.TokenID == nil) != (b.TokenID == nil) {
		return false
	}
	if a.TokenID != nil && a.TokenID.Cmp(b.TokenID) != 0 {
		return false
	}
	return cloneBigInt(a.Amount).Cmp(cloneBigInt(b.Amount)) == 0
}

// NormalizeSymbol canonicalises an asset symbol to its uppercase form.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("loan: empty asset symbol")
	}
	return trimmed, nil
}

// SanitizeAsset validates the supplied asset and returns a normalised deep
// copy. The original value is not mutated.
func SanitizeAsset(a Asset) (Asset, error) {
	clone := a.Clone()
	if !clone.Kind.Valid() {
		return Asset{}, fmt.Errorf("loan: invalid asset kind %d", clone.Kind)
	}
	symbol, err := NormalizeSymbol(clone.Symbol)
	if err != nil {
		return Asset{}, err
	}
	clone.Symbol = symbol
	switch clone.Kind {
	case AssetFungible:
		if clone.TokenID != nil {
			return Asset{}, fmt.Errorf("loan: fungible asset must not carry a token id")
		}
		if clone.Amount.Sign() <= 0 {
			return Asset{}, fmt.Errorf("loan: fungible asset amount must be positive")
		}
	case AssetUnique:
		if clone.TokenID == nil || clone.TokenID.Sign() < 0 {
			return Asset{}, fmt.Errorf("loan: unique asset requires a token id")
		}
		clone.Amount = big.NewInt(1)
	case AssetSemiFungible:
		if clone.TokenID == nil || clone.TokenID.Sign() < 0 {
			return Asset{}, fmt.Errorf("loan: semi-fungible asset requires a token id")
		}
		if clone.Amount.Sign() <= 0 {
			return Asset{}, fmt.Errorf("loan: semi-fungible asset amount must be positive")
		}
	}
	return clone, nil
}

// FungibleAsset builds a fungible asset value for the given symbol and amount.
func FungibleAsset(symbol string, amount *big.Int) Asset {
	return Asset{Kind: AssetFungible, Symbol: symbol, Amount: cloneBigInt(amount)}
}

// Terms captures the negotiated parameters a workflow submits when opening a
// loan. Term loans set AnnualRate; credit lines set DailyRate directly and may
// set InitialDraw below the committed principal.
type Terms struct {
	Kind          Kind
	Borrower      [20]byte
	Lender        [20]byte
	CreditSymbol  string
	Principal     *big.Int
	FixedInterest *big.Int
	AnnualRate    uint64
	DailyRate     uint64
	Duration      int64
	Collateral    Asset
	InitialDraw   *big.Int
}

// Loan is the stored record for both variants. Principal tracks the
// outstanding drawn principal; Committed equals Principal for term loans and
// the credit-line size otherwise. AccruedInterest and LastAccrualAt carry the
// settled interest position for credit lines whose principal changes over
// time; term loans accrue directly from CreatedAt.
type Loan struct {
	ID               uint64
	Kind             Kind
	Status           Status
	Borrower         [20]byte
	Lender           [20]byte
	CreditSymbol     string
	Principal        *big.Int
	Committed        *big.Int
	FixedInterest    *big.Int
	DailyRate        uint64
	Collateral       Asset
	CreatedAt        int64
	DefaultTimestamp int64
	AccruedInterest  *big.Int
	LastAccrualAt    int64
	Unclaimed        *big.Int
	DebtLimitTangent *big.Int
}

// Clone returns a deep copy of the loan so callers can safely mutate the copy
// without affecting the stored instance.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneBigInt(l.Principal)
	clone.Committed = cloneBigInt(l.Committed)
	clone.FixedInterest = cloneBigInt(l.FixedInterest)
	clone.AccruedInterest = cloneBigInt(l.AccruedInterest)
	clone.Unclaimed = cloneBigInt(l.Unclaimed)
	clone.Collateral = l.Collateral.Clone()
	if l.DebtLimitTangent != nil {
		clone.DebtLimitTangent = new(big.Int).Set(l.DebtLimitTangent)
	}
	return &clone
}

// SanitizeLoan validates the record and returns a normalised deep copy with
// canonical symbol casing and non-nil amount fields.
func SanitizeLoan(l *Loan) (*Loan, error) {
	if l == nil {
		return nil, errNilRecord
	}
	clone := l.Clone()
	if !clone.Kind.Valid() {
		return nil, fmt.Errorf("loan: invalid kind %d", clone.Kind)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("loan: invalid stored status %d", clone.Status)
	}
	symbol, err := NormalizeSymbol(clone.CreditSymbol)
	if err != nil {
		return nil, err
	}
	clone.CreditSymbol = symbol
	collateral, err := SanitizeAsset(clone.Collateral)
	if err != nil {
		return nil, err
	}
	clone.Collateral = collateral
	if clone.Principal.Sign() < 0 || clone.Committed.Sign() < 0 || clone.FixedInterest.Sign() < 0 {
		return nil, fmt.Errorf("loan: negative amount in record %d", clone.ID)
	}
	if clone.AccruedInterest.Sign() < 0 || clone.Unclaimed.Sign() < 0 {
		return nil, fmt.Errorf("loan: negative ledger in record %d", clone.ID)
	}
	if clone.Kind == KindCreditLine && (clone.DebtLimitTangent == nil || clone.DebtLimitTangent.Sign() <= 0) {
		return nil, fmt.Errorf("loan: credit line %d missing debt limit tangent", clone.ID)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
