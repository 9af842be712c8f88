package core

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lienchain/core/events"
	"lienchain/core/genesis"
	lienstate "lienchain/core/state"
	"lienchain/core/types"
	"lienchain/native/loan"
	"lienchain/storage"
	"lienchain/storage/trie"
)

// RoleAdmin gates fee and role administration. Genesis grants the first
// holders; afterwards existing admins manage membership through the node.
const RoleAdmin = "lien.admin"

// Flat database keys tracking the committed head of the ledger.
var (
	currentRootKey   = []byte("lien/current-root")
	currentRoundKey  = []byte("lien/current-round")
	genesisDigestKey = []byte("lien/genesis-digest")
)

// Node owns the canonical settlement ledger: a single Merkle-backed state
// mutated by one operation at a time. Every exported mutation acquires the
// state lock, runs against a fresh engine, and either commits a new root or
// resets the trie to the pre-operation root. Events raised during an
// operation are buffered and published only after its commit succeeds.
type Node struct {
	db    storage.Database
	state *trie.Trie
	cfg   loan.Config

	stateMu sync.Mutex
	round   uint64

	nowFn func() int64

	eventMu      sync.Mutex
	eventFeedID  string
	eventSeq     uint64
	eventNextID  uint64
	eventHistory []LoanEventEntry
	eventSubs    map[uint64]chan LoanEventEntry
}

// NewNode opens the ledger stored in db, seeding it from the genesis document
// when the database is fresh. Reopening an initialised database with a genesis
// file that differs from the one it was seeded with is refused.
func NewNode(db storage.Database, cfg loan.Config, genesisPath string, allowAutogenesis bool) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("storage database must not be nil")
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasRoot, err := db.Has(currentRootKey)
	if err != nil {
		return nil, fmt.Errorf("probe state root: %w", err)
	}

	var root []byte
	if hasRoot {
		stored, err := db.Get(currentRootKey)
		if err != nil {
			return nil, fmt.Errorf("load state root: %w", err)
		}
		root = stored
	}
	stateTrie, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("open state trie: %w", err)
	}
	feedID, err := newFeedID()
	if err != nil {
		return nil, err
	}

	n := &Node{
		db:          db,
		state:       stateTrie,
		cfg:         cfg,
		nowFn:       func() int64 { return time.Now().Unix() },
		eventFeedID: feedID,
	}

	if hasRoot {
		rawRound, err := db.Get(currentRoundKey)
		if err != nil {
			return nil, fmt.Errorf("load round counter: %w", err)
		}
		if len(rawRound) != 8 {
			return nil, fmt.Errorf("corrupted round counter (%d bytes)", len(rawRound))
		}
		n.round = binary.BigEndian.Uint64(rawRound)

		if genesisPath != "" {
			raw, err := os.ReadFile(genesisPath)
			if err != nil {
				return nil, fmt.Errorf("read genesis file: %w", err)
			}
			if err := n.verifyGenesisDigest(ethcrypto.Keccak256(raw)); err != nil {
				return nil, err
			}
		}
		return n, nil
	}

	var spec *genesis.GenesisSpec
	var digest []byte
	switch {
	case genesisPath != "":
		raw, err := os.ReadFile(genesisPath)
		if err != nil {
			return nil, fmt.Errorf("read genesis file: %w", err)
		}
		spec, err = genesis.ParseGenesisSpec(raw)
		if err != nil {
			return nil, err
		}
		digest = ethcrypto.Keccak256(raw)
	case allowAutogenesis:
		spec = genesis.DefaultGenesisSpec()
		digest = ethcrypto.Keccak256([]byte("lien/autogenesis"))
	default:
		return nil, fmt.Errorf("no ledger state found and autogenesis is disabled; provide a genesis file")
	}
	if err := n.bootstrap(spec, digest); err != nil {
		return nil, err
	}
	return n, nil
}

// newFeedID labels one process lifetime of the in-memory event feed. A stored
// cursor is only meaningful against the feed it was read from, so the
// identifier changes on every start.
func newFeedID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("derive feed id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func (n *Node) verifyGenesisDigest(digest []byte) error {
	has, err := n.db.Has(genesisDigestKey)
	if err != nil {
		return fmt.Errorf("probe genesis digest: %w", err)
	}
	if !has {
		return nil
	}
	stored, err := n.db.Get(genesisDigestKey)
	if err != nil {
		return fmt.Errorf("load genesis digest: %w", err)
	}
	if !bytes.Equal(stored, digest) {
		return fmt.Errorf("genesis file does not match the document this ledger was initialised with")
	}
	return nil
}

func (n *Node) bootstrap(spec *genesis.GenesisSpec, digest []byte) error {
	parent := n.state.Root()
	manager := lienstate.NewManager(n.state)
	if err := genesis.Apply(spec, manager); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	root, err := n.state.Commit(parent, 0)
	if err != nil {
		return fmt.Errorf("commit genesis state: %w", err)
	}
	if err := n.persistHead(root, 0); err != nil {
		return err
	}
	if err := n.db.Put(genesisDigestKey, digest); err != nil {
		return fmt.Errorf("persist genesis digest: %w", err)
	}
	return nil
}

func (n *Node) persistHead(root common.Hash, round uint64) error {
	if err := n.db.Put(currentRootKey, root.Bytes()); err != nil {
		return fmt.Errorf("persist state root: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	if err := n.db.Put(currentRoundKey, buf[:]); err != nil {
		return fmt.Errorf("persist round counter: %w", err)
	}
	return nil
}

// SetNowFunc overrides the settlement clock. Tests only.
func (n *Node) SetNowFunc(now func() int64) {
	if now != nil {
		n.nowFn = now
	}
}

// StateRoot returns the root hash of the last committed state.
func (n *Node) StateRoot() common.Hash {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.Root()
}

// Round returns the number of committed state transitions since genesis.
func (n *Node) Round() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.round
}

// eventWithPayload is implemented by events that carry a structured payload.
type eventWithPayload interface {
	Event() *types.Event
}

// loanEventSink buffers the events one operation raises so nothing reaches
// subscribers for work that rolls back.
type loanEventSink struct {
	events []*types.Event
}

func (s *loanEventSink) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	s.events = append(s.events, event)
}

// vaultMover settles asset legs against the module custody account.
type vaultMover struct {
	manager *lienstate.Manager
}

func (m *vaultMover) Pull(asset loan.Asset, from [20]byte) error {
	return m.manager.MoveAsset(asset, from, loan.VaultAddress())
}

func (m *vaultMover) Push(asset loan.Asset, to [20]byte) error {
	return m.manager.MoveAsset(asset, loan.VaultAddress(), to)
}

func (m *vaultMover) PushFrom(asset loan.Asset, from, to [20]byte) error {
	return m.manager.MoveAsset(asset, from, to)
}

func (n *Node) newLoanEngine(manager *lienstate.Manager, sink *loanEventSink) *loan.Engine {
	engine := loan.NewEngine()
	engine.SetState(manager)
	engine.SetMover(&vaultMover{manager: manager})
	engine.SetConfig(n.cfg)
	engine.SetPauses(n.cfg.Pauses)
	engine.SetNowFunc(n.nowFn)
	if sink != nil {
		engine.SetEmitter(sink)
	}
	return engine
}

// withState runs fn against a fresh manager and engine over the live trie.
// On success the trie is committed, the head persisted, and buffered events
// published. On failure the trie is reset to the pre-operation root so no
// partial mutation survives.
func (n *Node) withState(fn func(manager *lienstate.Manager, engine *loan.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	parent := n.state.Root()
	manager := lienstate.NewManager(n.state)
	sink := &loanEventSink{}
	engine := n.newLoanEngine(manager, sink)

	if err := fn(manager, engine); err != nil {
		if resetErr := n.state.Reset(parent); resetErr != nil {
			return fmt.Errorf("%w (state rollback failed: %v)", err, resetErr)
		}
		return err
	}

	round := n.round + 1
	root, err := n.state.Commit(parent, round)
	if err != nil {
		if resetErr := n.state.Reset(parent); resetErr != nil {
			return fmt.Errorf("commit state: %v (state rollback failed: %v)", err, resetErr)
		}
		return fmt.Errorf("commit state: %w", err)
	}
	if err := n.persistHead(root, round); err != nil {
		if resetErr := n.state.Reset(parent); resetErr != nil {
			return fmt.Errorf("%w (state rollback failed: %v)", err, resetErr)
		}
		return err
	}
	n.round = round

	now := n.nowFn()
	for _, event := range sink.events {
		n.publishLoanEvent(event, now)
	}
	return nil
}

// readState runs fn against a fresh manager and engine without committing.
// Reads serialize with mutations so they always observe a committed root.
func (n *Node) readState(fn func(manager *lienstate.Manager, engine *loan.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := lienstate.NewManager(n.state)
	engine := n.newLoanEngine(manager, nil)
	return fn(manager, engine)
}

// LoanCreate originates a fixed-term loan and returns the stored record.
func (n *Node) LoanCreate(caller [20]byte, terms loan.Terms, permit *loan.Permit) (*loan.Loan, error) {
	var created *loan.Loan
	err := n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		record, err := engine.Create(caller, terms, permit)
		if err != nil {
			return err
		}
		created = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// LoanRepay settles a running loan in full on behalf of its borrower.
func (n *Node) LoanRepay(id uint64, caller [20]byte, permit *loan.Permit) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.Repay(id, caller, permit)
	})
}

// LoanRefinance retires a running loan and originates its successor under new
// terms, returning the successor record.
func (n *Node) LoanRefinance(caller [20]byte, id uint64, terms loan.Terms, permit *loan.Permit) (*loan.Loan, error) {
	var successor *loan.Loan
	err := n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		record, err := engine.Refinance(caller, id, terms, permit)
		if err != nil {
			return err
		}
		successor = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return successor, nil
}

// LoanClaim pays out a concluded loan to the position holder.
func (n *Node) LoanClaim(id uint64, caller [20]byte) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.Claim(id, caller)
	})
}

// LoanMakeExtensionOffer records an extension offer proposed by the borrower
// or the position holder so the counterparty can accept it later.
func (n *Node) LoanMakeExtensionOffer(caller [20]byte, offer loan.ExtensionOffer) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.MakeExtensionOffer(caller, offer)
	})
}

// LoanExtend applies a signed extension offer to a running loan.
func (n *Node) LoanExtend(caller [20]byte, offer loan.ExtensionOffer, signature []byte) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.Extend(caller, offer, signature)
	})
}

// LoanRevokeNonce invalidates an unused offer or permit nonce of the caller.
func (n *Node) LoanRevokeNonce(caller [20]byte, space, nonce uint64) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.RevokeNonce(caller, space, nonce)
	})
}

// LoanTransferPosition moves the creditor claim on a loan to another address.
func (n *Node) LoanTransferPosition(id uint64, caller, to [20]byte) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.TransferPosition(id, caller, to)
	})
}

// CreditLineOpen originates a revolving credit line and returns the record.
func (n *Node) CreditLineOpen(caller [20]byte, terms loan.Terms, permit *loan.Permit) (*loan.Loan, error) {
	var opened *loan.Loan
	err := n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		record, err := engine.OpenCreditLine(caller, terms, permit)
		if err != nil {
			return err
		}
		opened = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// CreditLineDraw draws further principal from an open credit line.
func (n *Node) CreditLineDraw(id uint64, caller [20]byte, amount *big.Int) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.Draw(id, caller, amount)
	})
}

// CreditLineRepay pays down an open credit line by the given amount.
func (n *Node) CreditLineRepay(id uint64, caller [20]byte, amount *big.Int, permit *loan.Permit) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.RepayCreditLine(id, caller, amount, permit)
	})
}

// CreditLineClaim pays accumulated repayments, or the final payout of a
// concluded line, to the position holder.
func (n *Node) CreditLineClaim(id uint64, caller [20]byte) error {
	return n.withState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		return engine.Claim(id, caller)
	})
}

// LoanGet returns the stored record along with its status resolved at the
// current clock.
func (n *Node) LoanGet(id uint64) (*loan.Loan, loan.Status, error) {
	var (
		record *loan.Loan
		status loan.Status
	)
	err := n.readState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		l, s, err := engine.Get(id)
		if err != nil {
			return err
		}
		record, status = l, s
		return nil
	})
	if err != nil {
		return nil, loan.StatusNone, err
	}
	return record, status, nil
}

// LoanRepaymentAmount returns the amount currently owed on a loan.
func (n *Node) LoanRepaymentAmount(id uint64) (*big.Int, error) {
	var owed *big.Int
	err := n.readState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		amount, err := engine.RepaymentAmount(id)
		if err != nil {
			return err
		}
		owed = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return owed, nil
}

// LoanStateFingerprint returns the digest of the stored record that extension
// offers bind to.
func (n *Node) LoanStateFingerprint(id uint64) ([32]byte, error) {
	var fingerprint [32]byte
	err := n.readState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		digest, err := engine.StateFingerprint(id)
		if err != nil {
			return err
		}
		fingerprint = digest
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return fingerprint, nil
}

// LoanPositionOwner returns the current holder of a loan's creditor position.
func (n *Node) LoanPositionOwner(id uint64) ([20]byte, error) {
	var owner [20]byte
	err := n.readState(func(_ *lienstate.Manager, engine *loan.Engine) error {
		holder, err := engine.PositionOwnerOf(id)
		if err != nil {
			return err
		}
		owner = holder
		return nil
	})
	if err != nil {
		return [20]byte{}, err
	}
	return owner, nil
}

// Balance returns the fungible balance an address holds for a token.
func (n *Node) Balance(addr [20]byte, symbol string) (*big.Int, error) {
	var balance *big.Int
	err := n.readState(func(manager *lienstate.Manager, _ *loan.Engine) error {
		amount, err := manager.Balance(addr[:], symbol)
		if err != nil {
			return err
		}
		balance = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// NonceUsable reports whether an offer or permit nonce is still consumable.
func (n *Node) NonceUsable(owner [20]byte, space, nonce uint64) (bool, error) {
	var usable bool
	err := n.readState(func(manager *lienstate.Manager, _ *loan.Engine) error {
		ok, err := manager.NonceUsable(owner, space, nonce)
		if err != nil {
			return err
		}
		usable = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return usable, nil
}

// FeeParams returns the active origination fee in basis points and its
// collector.
func (n *Node) FeeParams() (uint64, [20]byte, error) {
	var (
		bps       uint64
		collector [20]byte
	)
	err := n.readState(func(manager *lienstate.Manager, _ *loan.Engine) error {
		storedBps, storedCollector, err := manager.FeeParams()
		if err != nil {
			return err
		}
		bps, collector = storedBps, storedCollector
		return nil
	})
	if err != nil {
		return 0, [20]byte{}, err
	}
	return bps, collector, nil
}

func requireAdmin(manager *lienstate.Manager, caller [20]byte) error {
	ok, err := manager.HasTag(caller, RoleAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("caller lacks %s role: %w", RoleAdmin, loan.ErrUnauthorized)
	}
	return nil
}

// SetFeeParams updates the origination fee schedule. Callers must hold the
// admin role and the rate is capped by the node configuration.
func (n *Node) SetFeeParams(caller [20]byte, bps uint64, collector [20]byte) error {
	return n.withState(func(manager *lienstate.Manager, _ *loan.Engine) error {
		if err := requireAdmin(manager, caller); err != nil {
			return err
		}
		if bps > n.cfg.MaxFeeBps {
			return fmt.Errorf("fee bps %d above configured maximum %d: %w", bps, n.cfg.MaxFeeBps, loan.ErrOutOfBounds)
		}
		return manager.SetFeeParams(bps, collector)
	})
}

// GrantRole adds an address to a role. Admin only.
func (n *Node) GrantRole(caller [20]byte, role string, addr [20]byte) error {
	return n.withState(func(manager *lienstate.Manager, _ *loan.Engine) error {
		if err := requireAdmin(manager, caller); err != nil {
			return err
		}
		return manager.SetRole(role, addr[:])
	})
}

// RevokeRole removes an address from a role. Admin only.
func (n *Node) RevokeRole(caller [20]byte, role string, addr [20]byte) error {
	return n.withState(func(manager *lienstate.Manager, _ *loan.Engine) error {
		if err := requireAdmin(manager, caller); err != nil {
			return err
		}
		return manager.RemoveRole(role, addr[:])
	})
}
