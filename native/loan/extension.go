package loan

import (
	"fmt"

	nativecommon "lienchain/native/common"
)

// MakeExtensionOffer records the made-flag for an extension offer. Only the
// proposer may record their own offer, and the proposer must be the loan's
// borrower or its current position holder. The full offer travels with the
// emitted event so counterparties can discover it.
func (e *Engine) MakeExtensionOffer(caller [20]byte, offer ExtensionOffer) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleExtend); err != nil {
		return err
	}
	if caller != offer.Proposer {
		return fmt.Errorf("loan: offers can only be made by their proposer: %w", ErrUnauthorized)
	}
	l, err := e.loadLoan(offer.LoanID)
	if err != nil {
		return err
	}
	holder, err := e.holderOf(offer.LoanID)
	if err != nil {
		return err
	}
	if offer.Proposer != l.Borrower && offer.Proposer != holder {
		return fmt.Errorf("loan %d: proposer is neither borrower nor position holder: %w", offer.LoanID, ErrUnauthorized)
	}
	usable, err := e.state.NonceUsable(offer.Proposer, offer.NonceSpace, offer.Nonce)
	if err != nil {
		return err
	}
	if !usable {
		return fmt.Errorf("loan %d: offer nonce: %w", offer.LoanID, ErrNonceUnusable)
	}
	if err := e.state.OfferMarkMade(offer.Hash()); err != nil {
		return err
	}
	e.emit(NewExtensionOfferedEvent(l, offer))
	return nil
}

// Extend accepts an extension offer and pushes the loan's default timestamp
// out by the offered duration, measured from the current deadline. The offer
// is acceptable when its made-flag is recorded or when the acceptance carries
// the proposer's signature over the offer hash. The price, if any, moves from
// the borrower to the position holder.
func (e *Engine) Extend(caller [20]byte, offer ExtensionOffer, signature []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, ModuleExtend); err != nil {
		return err
	}
	l, err := e.loadLoan(offer.LoanID)
	if err != nil {
		return err
	}
	if l.Kind != KindTerm {
		return fmt.Errorf("loan %d: not a term loan: %w", offer.LoanID, ErrInvalidStatus)
	}
	now := e.now()
	switch ResolveStatus(l, now) {
	case StatusRepaid:
		return fmt.Errorf("loan %d: already repaid: %w", offer.LoanID, ErrInvalidStatus)
	case StatusDefaulted:
		return fmt.Errorf("loan %d: %w", offer.LoanID, ErrDefaulted)
	}
	if now >= offer.Expiration {
		return fmt.Errorf("loan %d: %w", offer.LoanID, ErrOfferExpired)
	}
	if offer.Duration < e.cfg.MinExtensionDuration || offer.Duration > e.cfg.MaxExtensionDuration {
		return fmt.Errorf("loan: extension duration %d outside [%d, %d]: %w", offer.Duration, e.cfg.MinExtensionDuration, e.cfg.MaxExtensionDuration, ErrOutOfBounds)
	}
	usable, err := e.state.NonceUsable(offer.Proposer, offer.NonceSpace, offer.Nonce)
	if err != nil {
		return err
	}
	if !usable {
		return fmt.Errorf("loan %d: offer nonce: %w", offer.LoanID, ErrNonceUnusable)
	}
	holder, err := e.holderOf(offer.LoanID)
	if err != nil {
		return err
	}
	switch offer.Proposer {
	case l.Borrower:
		if caller != holder {
			return fmt.Errorf("loan %d: borrower offers are accepted by the position holder: %w", offer.LoanID, ErrUnauthorized)
		}
	case holder:
		if caller != l.Borrower {
			return fmt.Errorf("loan %d: holder offers are accepted by the borrower: %w", offer.LoanID, ErrUnauthorized)
		}
	default:
		return fmt.Errorf("loan %d: proposer is neither borrower nor position holder: %w", offer.LoanID, ErrUnauthorized)
	}
	made, err := e.state.OfferMade(offer.Hash())
	if err != nil {
		return err
	}
	if !made {
		if err := offer.VerifySignature(signature); err != nil {
			return err
		}
	}
	if err := e.state.NonceRevoke(offer.Proposer, offer.NonceSpace, offer.Nonce); err != nil {
		return err
	}
	l.DefaultTimestamp += offer.Duration
	if err := e.storeLoan(l); err != nil {
		return err
	}
	if err := e.moveFungible(l.CreditSymbol, offer.Price, l.Borrower, holder); err != nil {
		return err
	}
	e.emit(NewExtendedEvent(l, offer))
	return nil
}

// RevokeNonce burns a nonce in the caller's nonce space, making every offer
// or permit minted against it unacceptable. Revoking an already-unusable
// nonce fails with ErrNonceUnusable.
func (e *Engine) RevokeNonce(caller [20]byte, space, nonce uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	usable, err := e.state.NonceUsable(caller, space, nonce)
	if err != nil {
		return err
	}
	if !usable {
		return fmt.Errorf("loan: revoke: %w", ErrNonceUnusable)
	}
	if err := e.state.NonceRevoke(caller, space, nonce); err != nil {
		return err
	}
	e.emit(NewNonceRevokedEvent(caller, space, nonce))
	return nil
}
