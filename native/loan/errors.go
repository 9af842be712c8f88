package loan

import "errors"

var (
	// ErrNotFound is returned when no loan record exists for the identifier.
	ErrNotFound = errors.New("loan: not found")
	// ErrInvalidStatus is returned when the resolved status does not admit the
	// requested operation.
	ErrInvalidStatus = errors.New("loan: invalid status for operation")
	// ErrDefaulted is returned when a loan has passed its default condition and
	// the operation only applies to running loans.
	ErrDefaulted = errors.New("loan: defaulted")
	// ErrOfferExpired is returned when an extension offer is accepted after its
	// expiration timestamp.
	ErrOfferExpired = errors.New("loan: offer expired")
	// ErrMismatchedTerms is returned when refinance terms disagree with the
	// live loan they are meant to replace.
	ErrMismatchedTerms = errors.New("loan: refinance terms mismatch")
	// ErrUnauthorized is returned when the caller lacks the role, capability
	// tag, or position token an operation requires.
	ErrUnauthorized = errors.New("loan: unauthorized")
	// ErrOutOfBounds is returned when a duration, rate, amount, or drawdown
	// falls outside the configured bounds.
	ErrOutOfBounds = errors.New("loan: value out of bounds")
	// ErrNonceUnusable is returned when an offer or permit nonce has already
	// been consumed or revoked.
	ErrNonceUnusable = errors.New("loan: nonce already used or revoked")
	// ErrInvalidSignature is returned when an offer or permit signature does
	// not recover to the expected signer.
	ErrInvalidSignature = errors.New("loan: invalid signature")
)

var (
	errNilState  = errors.New("loan engine: state not configured")
	errNilMover  = errors.New("loan engine: asset mover not configured")
	errNilRecord = errors.New("loan engine: nil record")
)
