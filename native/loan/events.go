package loan

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"lienchain/core/types"
)

const (
	EventTypeLoanCreated         = "loan.created"
	EventTypeLoanRepaid          = "loan.repaid"
	EventTypeLoanRefinanced      = "loan.refinanced"
	EventTypeLoanClaimed         = "loan.claimed"
	EventTypePositionTransferred = "loan.position_transferred"
	EventTypeExtensionOffered    = "loan.extension_offered"
	EventTypeLoanExtended        = "loan.extended"
	EventTypeNonceRevoked        = "loan.nonce_revoked"
	EventTypeCreditLineOpened    = "creditline.opened"
	EventTypeCreditLineDrawn     = "creditline.drawn"
	EventTypeCreditLineRepaid    = "creditline.repaid"
	EventTypeCreditLineClaimed   = "creditline.claimed"
)

// NewCreatedEvent returns the canonical event payload for a newly originated
// loan.
func NewCreatedEvent(l *Loan) *types.Event { return newLoanEvent(EventTypeLoanCreated, l) }

// NewRepaidEvent returns the canonical event payload emitted when a loan is
// repaid in full. The paid amount is the debt settled at repayment time,
// including accrued per-day interest.
func NewRepaidEvent(l *Loan, paid *big.Int) *types.Event {
	evt := newLoanEvent(EventTypeLoanRepaid, l)
	if paid != nil {
		evt.Attributes["paid"] = paid.String()
	}
	return evt
}

// NewRefinancedEvent returns the payload emitted for the successor loan of a
// refinancing, carrying the identifier of the loan it retired.
func NewRefinancedEvent(l *Loan, predecessorID uint64) *types.Event {
	evt := newLoanEvent(EventTypeLoanRefinanced, l)
	evt.Attributes["refinancedFrom"] = strconv.FormatUint(predecessorID, 10)
	return evt
}

// NewClaimedEvent returns the payload emitted when the position holder claims
// the proceeds of a concluded loan.
func NewClaimedEvent(l *Loan, claimant [20]byte) *types.Event {
	evt := newLoanEvent(EventTypeLoanClaimed, l)
	evt.Attributes["claimant"] = hex.EncodeToString(claimant[:])
	return evt
}

// NewPositionTransferredEvent returns the payload emitted when a creditor
// position changes hands.
func NewPositionTransferredEvent(l *Loan, from, to [20]byte) *types.Event {
	evt := newLoanEvent(EventTypePositionTransferred, l)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	evt.Attributes["to"] = hex.EncodeToString(to[:])
	return evt
}

// NewExtensionOfferedEvent returns the payload emitted when an extension offer
// is recorded on the ledger.
func NewExtensionOfferedEvent(l *Loan, offer ExtensionOffer) *types.Event {
	evt := newLoanEvent(EventTypeExtensionOffered, l)
	addOfferAttributes(evt, offer)
	return evt
}

// NewExtendedEvent returns the payload emitted when an extension offer is
// accepted and the default timestamp moves.
func NewExtendedEvent(l *Loan, offer ExtensionOffer) *types.Event {
	evt := newLoanEvent(EventTypeLoanExtended, l)
	addOfferAttributes(evt, offer)
	return evt
}

// NewNonceRevokedEvent returns the payload emitted when an owner burns a
// nonce, invalidating every offer or permit minted against it.
func NewNonceRevokedEvent(owner [20]byte, space, nonce uint64) *types.Event {
	attrs := map[string]string{
		"owner":      hex.EncodeToString(owner[:]),
		"nonceSpace": strconv.FormatUint(space, 10),
		"nonce":      strconv.FormatUint(nonce, 10),
	}
	return &types.Event{Type: EventTypeNonceRevoked, Attributes: attrs}
}

// NewCreditLineOpenedEvent returns the payload for a newly opened credit line.
func NewCreditLineOpenedEvent(l *Loan) *types.Event {
	return newLoanEvent(EventTypeCreditLineOpened, l)
}

// NewCreditLineDrawnEvent returns the payload emitted when the borrower draws
// against an open credit line.
func NewCreditLineDrawnEvent(l *Loan, amount *big.Int) *types.Event {
	return newCreditLineFlowEvent(EventTypeCreditLineDrawn, l, amount)
}

// NewCreditLineRepaidEvent returns the payload emitted when a repayment is
// applied to a credit line.
func NewCreditLineRepaidEvent(l *Loan, amount *big.Int) *types.Event {
	return newCreditLineFlowEvent(EventTypeCreditLineRepaid, l, amount)
}

// NewCreditLineClaimedEvent returns the payload emitted when the position
// holder withdraws accumulated repayments.
func NewCreditLineClaimedEvent(l *Loan, claimant [20]byte, amount *big.Int) *types.Event {
	evt := newCreditLineFlowEvent(EventTypeCreditLineClaimed, l, amount)
	evt.Attributes["claimant"] = hex.EncodeToString(claimant[:])
	return evt
}

func newLoanEvent(eventType string, l *Loan) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeLoan(l)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["kind"] = sanitized.Kind.String()
	attrs["status"] = strconv.FormatUint(uint64(sanitized.Status), 10)
	attrs["borrower"] = hex.EncodeToString(sanitized.Borrower[:])
	attrs["lender"] = hex.EncodeToString(sanitized.Lender[:])
	attrs["symbol"] = sanitized.CreditSymbol
	attrs["principal"] = sanitized.Principal.String()
	attrs["fixedInterest"] = sanitized.FixedInterest.String()
	attrs["dailyRate"] = strconv.FormatUint(sanitized.DailyRate, 10)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["defaultAt"] = strconv.FormatInt(sanitized.DefaultTimestamp, 10)
	if sanitized.Kind == KindCreditLine {
		attrs["committed"] = sanitized.Committed.String()
		attrs["accruedInterest"] = sanitized.AccruedInterest.String()
	}
	if sanitized.Unclaimed.Sign() > 0 {
		attrs["unclaimed"] = sanitized.Unclaimed.String()
	}
	if sanitized.Collateral.Symbol != "" {
		attrs["collateralSymbol"] = sanitized.Collateral.Symbol
		attrs["collateralKind"] = strconv.FormatUint(uint64(sanitized.Collateral.Kind), 10)
		if sanitized.Collateral.TokenID != nil {
			attrs["collateralTokenId"] = sanitized.Collateral.TokenID.String()
		}
		if sanitized.Collateral.Amount != nil {
			attrs["collateralAmount"] = sanitized.Collateral.Amount.String()
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newCreditLineFlowEvent(eventType string, l *Loan, amount *big.Int) *types.Event {
	evt := newLoanEvent(eventType, l)
	if amount != nil {
		evt.Attributes["amount"] = amount.String()
	}
	return evt
}

func addOfferAttributes(evt *types.Event, offer ExtensionOffer) {
	hash := offer.Hash()
	evt.Attributes["offerHash"] = hex.EncodeToString(hash[:])
	evt.Attributes["proposer"] = hex.EncodeToString(offer.Proposer[:])
	evt.Attributes["duration"] = strconv.FormatInt(offer.Duration, 10)
	if offer.Price != nil {
		evt.Attributes["price"] = offer.Price.String()
	}
}
