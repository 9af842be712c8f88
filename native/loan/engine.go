package loan

import (
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lienchain/core/events"
	"lienchain/core/types"
	nativecommon "lienchain/native/common"
)

// TagLoanWorkflow gates loan origination and refinancing. Callers carrying the
// tag are trusted workflow frontends that have already collected the consent
// of both parties to the submitted terms.
const TagLoanWorkflow = "loan.workflow"

var moduleVault = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("lien/module/loan-vault"))[12:])
	return addr
}()

// VaultAddress returns the deterministic custody address that holds collateral
// and repayments awaiting claim.
func VaultAddress() [20]byte { return moduleVault }

type engineState interface {
	LoanPut(*Loan) error
	LoanGet(id uint64) (*Loan, bool)
	LoanDelete(id uint64) error
	NextLoanID() (uint64, error)
	PositionMint(loanID uint64, owner [20]byte) error
	PositionBurn(loanID uint64) error
	PositionOwner(loanID uint64) ([20]byte, bool)
	PositionSetOwner(loanID uint64, owner [20]byte) error
	OfferMarkMade(hash [32]byte) error
	OfferMade(hash [32]byte) (bool, error)
	NonceUsable(owner [20]byte, space, nonce uint64) (bool, error)
	NonceRevoke(owner [20]byte, space, nonce uint64) error
	FeeParams() (uint64, [20]byte, error)
	HasTag(addr [20]byte, tag string) (bool, error)
}

// AssetMover executes the asset legs of a settlement. Pull moves an asset from
// an account into module custody, Push releases custody to an account, and
// PushFrom moves directly between accounts without a custody hop. The engine
// finishes all record mutation before issuing the first move.
type AssetMover interface {
	Pull(asset Asset, from [20]byte) error
	Push(asset Asset, to [20]byte) error
	PushFrom(asset Asset, from, to [20]byte) error
}

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e loanEvent) Event() *types.Event { return e.evt }

// Engine wires the loan settlement logic with external state, the asset mover,
// and event emitters.
type Engine struct {
	state   engineState
	mover   AssetMover
	emitter events.Emitter
	cfg     Config
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine creates a loan engine with default configuration and a no-op
// emitter. Callers wire state and the asset mover before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		cfg:     DefaultConfig(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetMover configures the asset transfer backend used by the engine.
func (e *Engine) SetMover(mover AssetMover) { e.mover = mover }

// SetConfig installs the module configuration, filling unset fields with
// defaults.
func (e *Engine) SetConfig(cfg Config) {
	if e == nil {
		return
	}
	cfg.EnsureDefaults()
	e.cfg = cfg
}

// SetPauses wires the pause view consulted before every mutating operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.mover == nil {
		return errNilMover
	}
	return nil
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	l, ok := e.state.LoanGet(id)
	if !ok || l == nil {
		return nil, fmt.Errorf("loan %d: %w", id, ErrNotFound)
	}
	return l.Clone(), nil
}

func (e *Engine) storeLoan(l *Loan) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.LoanPut(l)
}

func (e *Engine) holderOf(id uint64) ([20]byte, error) {
	if e == nil || e.state == nil {
		return [20]byte{}, errNilState
	}
	owner, ok := e.state.PositionOwner(id)
	if !ok {
		return [20]byte{}, fmt.Errorf("loan: position missing for loan %d", id)
	}
	return owner, nil
}

func (e *Engine) requireWorkflow(caller [20]byte) error {
	ok, err := e.state.HasTag(caller, TagLoanWorkflow)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("loan: caller lacks %s capability: %w", TagLoanWorkflow, ErrUnauthorized)
	}
	return nil
}

// verifyPermit checks a signed pre-authorization for pulling the fungible
// credit asset and returns the authorizing owner. The permit nonce is only
// consumed later, alongside the other record mutations.
func (e *Engine) verifyPermit(p *Permit, symbol string, amount *big.Int, now int64) ([20]byte, error) {
	var zero [20]byte
	if p == nil {
		return zero, fmt.Errorf("loan: nil permit")
	}
	if err := p.Verify(); err != nil {
		return zero, err
	}
	permitSymbol, err := NormalizeSymbol(p.Symbol)
	if err != nil {
		return zero, err
	}
	if permitSymbol != symbol {
		return zero, fmt.Errorf("loan: permit covers %s not %s: %w", permitSymbol, symbol, ErrMismatchedTerms)
	}
	if now > p.Deadline {
		return zero, fmt.Errorf("loan: permit deadline passed: %w", ErrOfferExpired)
	}
	if cloneBigInt(p.Value).Cmp(cloneBigInt(amount)) < 0 {
		return zero, fmt.Errorf("loan: permit value below required amount: %w", ErrOutOfBounds)
	}
	usable, err := e.state.NonceUsable(p.Owner, p.NonceSpace, p.Nonce)
	if err != nil {
		return zero, err
	}
	if !usable {
		return zero, fmt.Errorf("loan: permit nonce: %w", ErrNonceUnusable)
	}
	return p.Owner, nil
}

func (e *Engine) consumePermitNonce(p *Permit) error {
	if p == nil {
		return nil
	}
	return e.state.NonceRevoke(p.Owner, p.NonceSpace, p.Nonce)
}

func feeAmount(amount *big.Int, bps uint64) *big.Int {
	fee := new(big.Int).Mul(cloneBigInt(amount), new(big.Int).SetUint64(bps))
	return fee.Quo(fee, big.NewInt(10_000))
}

// moveFungible issues a direct transfer leg. Zero amounts and self-payments
// are elided.
func (e *Engine) moveFungible(symbol string, amount *big.Int, from, to [20]byte) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if from == to {
		return nil
	}
	return e.mover.PushFrom(FungibleAsset(symbol, amount), from, to)
}

// pullFungible moves an amount into module custody. Zero amounts are elided.
func (e *Engine) pullFungible(symbol string, amount *big.Int, from [20]byte) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return e.mover.Pull(FungibleAsset(symbol, amount), from)
}

// pushFungible releases an amount from module custody. Zero amounts are
// elided.
func (e *Engine) pushFungible(symbol string, amount *big.Int, to [20]byte) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return e.mover.Push(FungibleAsset(symbol, amount), to)
}

// normalizeTerms validates the fields shared by both loan variants and
// returns a deep copy with canonical symbol casing.
func (e *Engine) normalizeTerms(terms Terms) (Terms, error) {
	out := terms
	if !out.Kind.Valid() {
		return Terms{}, fmt.Errorf("loan: invalid loan kind %d: %w", out.Kind, ErrOutOfBounds)
	}
	if out.Borrower == ([20]byte{}) || out.Lender == ([20]byte{}) {
		return Terms{}, fmt.Errorf("loan: borrower and lender must be set: %w", ErrOutOfBounds)
	}
	if out.Borrower == out.Lender {
		return Terms{}, fmt.Errorf("loan: borrower and lender must differ: %w", ErrOutOfBounds)
	}
	symbol, err := NormalizeSymbol(out.CreditSymbol)
	if err != nil {
		return Terms{}, err
	}
	out.CreditSymbol = symbol
	collateral, err := SanitizeAsset(out.Collateral)
	if err != nil {
		return Terms{}, err
	}
	out.Collateral = collateral
	out.Principal = cloneBigInt(out.Principal)
	if out.Principal.Sign() <= 0 {
		return Terms{}, fmt.Errorf("loan: principal must be positive: %w", ErrOutOfBounds)
	}
	out.FixedInterest = cloneBigInt(out.FixedInterest)
	if out.FixedInterest.Sign() < 0 {
		return Terms{}, fmt.Errorf("loan: fixed interest must not be negative: %w", ErrOutOfBounds)
	}
	out.InitialDraw = cloneBigInt(out.InitialDraw)
	if out.InitialDraw.Sign() < 0 {
		return Terms{}, fmt.Errorf("loan: initial draw must not be negative: %w", ErrOutOfBounds)
	}
	if out.Duration < e.cfg.MinDuration || out.Duration > e.cfg.MaxDuration {
		return Terms{}, fmt.Errorf("loan: duration %d outside [%d, %d]: %w", out.Duration, e.cfg.MinDuration, e.cfg.MaxDuration, ErrOutOfBounds)
	}
	return out, nil
}

// Create originates a term loan: it mints the position token to the lender,
// persists the record, pulls collateral into custody, and disburses the
// principal net of the origination fee to the borrower. The caller must carry
// the workflow capability. An optional permit proves the lender's consent to
// the principal pull.
func (e *Engine) Create(caller [20]byte, terms Terms, permit *Permit) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, ModuleCreate); err != nil {
		return nil, err
	}
	if err := e.requireWorkflow(caller); err != nil {
		return nil, err
	}
	normalized, err := e.normalizeTerms(terms)
	if err != nil {
		return nil, err
	}
	if normalized.Kind != KindTerm {
		return nil, fmt.Errorf("loan: create requires term loan terms: %w", ErrOutOfBounds)
	}
	if normalized.AnnualRate > e.cfg.MaxAnnualRate {
		return nil, fmt.Errorf("loan: annual rate %d above maximum %d: %w", normalized.AnnualRate, e.cfg.MaxAnnualRate, ErrOutOfBounds)
	}
	now := e.now()
	if permit != nil {
		owner, err := e.verifyPermit(permit, normalized.CreditSymbol, normalized.Principal, now)
		if err != nil {
			return nil, err
		}
		if owner != normalized.Lender {
			return nil, fmt.Errorf("loan: permit owner is not the lender: %w", ErrUnauthorized)
		}
	}
	feeBps, collector, err := e.state.FeeParams()
	if err != nil {
		return nil, err
	}
	fee := feeAmount(normalized.Principal, feeBps)
	id, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	l := &Loan{
		ID:               id,
		Kind:             KindTerm,
		Status:           StatusRunning,
		Borrower:         normalized.Borrower,
		Lender:           normalized.Lender,
		CreditSymbol:     normalized.CreditSymbol,
		Principal:        cloneBigInt(normalized.Principal),
		Committed:        cloneBigInt(normalized.Principal),
		FixedInterest:    cloneBigInt(normalized.FixedInterest),
		DailyRate:        DailyRateFromAnnual(normalized.AnnualRate),
		Collateral:       normalized.Collateral,
		CreatedAt:        now,
		DefaultTimestamp: now + normalized.Duration,
		AccruedInterest:  big.NewInt(0),
		LastAccrualAt:    now,
		Unclaimed:        big.NewInt(0),
	}
	if err := e.consumePermitNonce(permit); err != nil {
		return nil, err
	}
	if err := e.state.PositionMint(id, l.Lender); err != nil {
		return nil, err
	}
	if err := e.storeLoan(l); err != nil {
		return nil, err
	}
	if err := e.mover.Pull(l.Collateral, l.Borrower); err != nil {
		return nil, err
	}
	if err := e.moveFungible(l.CreditSymbol, fee, l.Lender, collector); err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(l.Principal, fee)
	if err := e.moveFungible(l.CreditSymbol, net, l.Lender, l.Borrower); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(l))
	return l.Clone(), nil
}

// Repay settles a running term loan in full. When the position never left the
// original lender the repayment goes to them directly and the record is
// deleted; otherwise the repayment lands in custody, the record flips to
// Repaid, and the holder claims later. Collateral returns to the borrower in
// both branches. Anyone may repay; an optional permit designates a third-party
// payer.
func (e *Engine) Repay(id uint64, caller [20]byte, permit *Permit) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, ModuleRepay); err != nil {
		return err
	}
	l, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if l.Kind != KindTerm {
		return fmt.Errorf("loan %d: not a term loan: %w", id, ErrInvalidStatus)
	}
	now := e.now()
	switch ResolveStatus(l, now) {
	case StatusRepaid:
		return fmt.Errorf("loan %d: already repaid: %w", id, ErrInvalidStatus)
	case StatusDefaulted:
		return fmt.Errorf("loan %d: %w", id, ErrDefaulted)
	}
	owed := Owed(l, now)
	holder, err := e.holderOf(id)
	if err != nil {
		return err
	}
	payer := caller
	if permit != nil {
		owner, err := e.verifyPermit(permit, l.CreditSymbol, owed, now)
		if err != nil {
			return err
		}
		payer = owner
	}
	direct := holder == l.Lender
	if err := e.consumePermitNonce(permit); err != nil {
		return err
	}
	l.Status = StatusRepaid
	if direct {
		if err := e.state.LoanDelete(id); err != nil {
			return err
		}
		if err := e.state.PositionBurn(id); err != nil {
			return err
		}
	} else {
		l.Unclaimed = cloneBigInt(owed)
		if err := e.storeLoan(l); err != nil {
			return err
		}
	}
	if direct {
		if err := e.moveFungible(l.CreditSymbol, owed, payer, holder); err != nil {
			return err
		}
	} else {
		if err := e.pullFungible(l.CreditSymbol, owed, payer); err != nil {
			return err
		}
	}
	if err := e.mover.Push(l.Collateral, l.Borrower); err != nil {
		return err
	}
	e.emit(NewRepaidEvent(l, owed))
	return nil
}

// Claim hands the position holder whatever the concluded loan owes them:
// custody repayments after Repaid, collateral after default, and for credit
// lines the accumulated unclaimed ledger. Claiming a running credit line
// withdraws the unclaimed ledger without closing the loan; every other claim
// is terminal and deletes the record.
func (e *Engine) Claim(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, ModuleClaim); err != nil {
		return err
	}
	l, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	holder, err := e.holderOf(id)
	if err != nil {
		return err
	}
	if caller != holder {
		return fmt.Errorf("loan %d: caller does not hold the position: %w", id, ErrUnauthorized)
	}
	now := e.now()
	status := ResolveStatus(l, now)
	if status == StatusRunning {
		if l.Kind == KindCreditLine {
			return e.claimUnclaimed(l, holder)
		}
		return fmt.Errorf("loan %d: still running: %w", id, ErrInvalidStatus)
	}
	payout := cloneBigInt(l.Unclaimed)
	if err := e.state.LoanDelete(id); err != nil {
		return err
	}
	if err := e.state.PositionBurn(id); err != nil {
		return err
	}
	if err := e.pushFungible(l.CreditSymbol, payout, holder); err != nil {
		return err
	}
	if status == StatusDefaulted {
		if err := e.mover.Push(l.Collateral, holder); err != nil {
			return err
		}
	}
	if l.Kind == KindCreditLine {
		e.emit(NewCreditLineClaimedEvent(l, holder, payout))
	} else {
		e.emit(NewClaimedEvent(l, holder))
	}
	return nil
}

func (e *Engine) claimUnclaimed(l *Loan, holder [20]byte) error {
	amount := cloneBigInt(l.Unclaimed)
	if amount.Sign() == 0 {
		return fmt.Errorf("loan %d: nothing to claim: %w", l.ID, ErrInvalidStatus)
	}
	l.Unclaimed = big.NewInt(0)
	if err := e.storeLoan(l); err != nil {
		return err
	}
	if err := e.pushFungible(l.CreditSymbol, amount, holder); err != nil {
		return err
	}
	e.emit(NewCreditLineClaimedEvent(l, holder, amount))
	return nil
}

// TransferPosition moves the creditor claim to another address. Only the
// current holder may transfer. Transfers to the current holder are no-ops.
func (e *Engine) TransferPosition(id uint64, caller, to [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleTransfer); err != nil {
		return err
	}
	l, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	holder, err := e.holderOf(id)
	if err != nil {
		return err
	}
	if caller != holder {
		return fmt.Errorf("loan %d: caller does not hold the position: %w", id, ErrUnauthorized)
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("loan %d: transfer to zero address: %w", id, ErrOutOfBounds)
	}
	if to == holder {
		return nil
	}
	if err := e.state.PositionSetOwner(id, to); err != nil {
		return err
	}
	e.emit(NewPositionTransferredEvent(l, holder, to))
	return nil
}

// Get returns a copy of the stored record together with its resolved status.
func (e *Engine) Get(id uint64) (*Loan, Status, error) {
	l, err := e.loadLoan(id)
	if err != nil {
		return nil, StatusNone, err
	}
	return l, ResolveStatus(l, e.now()), nil
}

// RepaymentAmount returns the amount that settles the loan at the current
// time. Repaid loans owe nothing.
func (e *Engine) RepaymentAmount(id uint64) (*big.Int, error) {
	l, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if l.Status == StatusRepaid {
		return big.NewInt(0), nil
	}
	return Owed(l, e.now()), nil
}

// StateFingerprint returns the digest of the record's mutable fields.
func (e *Engine) StateFingerprint(id uint64) ([32]byte, error) {
	l, err := e.loadLoan(id)
	if err != nil {
		return [32]byte{}, err
	}
	return Fingerprint(l)
}

// PositionOwnerOf returns the current holder of the loan's position token.
func (e *Engine) PositionOwnerOf(id uint64) ([20]byte, error) {
	if e == nil || e.state == nil {
		return [20]byte{}, errNilState
	}
	owner, ok := e.state.PositionOwner(id)
	if !ok {
		return [20]byte{}, fmt.Errorf("loan %d: %w", id, ErrNotFound)
	}
	return owner, nil
}
