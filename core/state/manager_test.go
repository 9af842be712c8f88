package state

import (
	"errors"
	"math/big"
	"testing"

	"lienchain/native/loan"
	"lienchain/storage"
	"lienchain/storage/trie"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() {
		db.Close()
	})
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	return NewManager(tr)
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestRegisterTokenAndList(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.RegisterToken("lien", "Lien Credit", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.RegisterToken("COL", "Collateral Notes", 0); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	if err := manager.RegisterToken("LIEN", "Duplicate", 18); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	list, err := manager.TokenList()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0] != "COL" || list[1] != "LIEN" {
		t.Fatalf("unexpected token list %v", list)
	}
	meta, err := manager.Token("lien")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta == nil || meta.Symbol != "LIEN" || meta.Decimals != 18 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if !manager.TokenExists("COL") || manager.TokenExists("MISSING") {
		t.Fatalf("token existence checks failed")
	}
}

func TestFungibleTransfers(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.RegisterToken("LIEN", "Lien Credit", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	a := testAddr(0x01)
	b := testAddr(0x02)
	if err := manager.SetBalance(a[:], "LIEN", big.NewInt(1000)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	move := loan.FungibleAsset("LIEN", big.NewInt(400))
	if err := manager.MoveAsset(move, a, b); err != nil {
		t.Fatalf("move: %v", err)
	}
	balA, err := manager.Balance(a[:], "LIEN")
	if err != nil {
		t.Fatalf("balance a: %v", err)
	}
	balB, err := manager.Balance(b[:], "LIEN")
	if err != nil {
		t.Fatalf("balance b: %v", err)
	}
	if balA.Cmp(big.NewInt(600)) != 0 || balB.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected balances %s / %s", balA, balB)
	}

	over := loan.FungibleAsset("LIEN", big.NewInt(601))
	if err := manager.MoveAsset(over, a, b); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got, _ := manager.Balance(a[:], "LIEN"); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("failed move must not change sender balance, got %s", got)
	}

	unknown := loan.FungibleAsset("GHOST", big.NewInt(1))
	if err := manager.MoveAsset(unknown, a, b); err == nil {
		t.Fatalf("expected unregistered token rejection")
	}
}

func TestUniqueOwnership(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.RegisterToken("LNFT", "Lien Collateral", 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	a := testAddr(0x01)
	b := testAddr(0x02)
	tokenID := big.NewInt(7)
	if err := manager.SetUniqueOwner("LNFT", tokenID, a); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	owner, ok := manager.UniqueOwner("LNFT", tokenID)
	if !ok || owner != a {
		t.Fatalf("unexpected owner %x ok=%v", owner, ok)
	}

	asset := loan.Asset{Kind: loan.AssetUnique, Symbol: "LNFT", TokenID: tokenID}
	if err := manager.MoveAsset(asset, b, a); !errors.Is(err, ErrNotAssetOwner) {
		t.Fatalf("expected ownership rejection, got %v", err)
	}
	if err := manager.MoveAsset(asset, a, b); err != nil {
		t.Fatalf("move: %v", err)
	}
	owner, ok = manager.UniqueOwner("LNFT", tokenID)
	if !ok || owner != b {
		t.Fatalf("ownership did not move, got %x", owner)
	}

	if err := manager.SetUniqueOwner("LNFT", big.NewInt(0), a); err != nil {
		t.Fatalf("token id zero must be assignable: %v", err)
	}
	if owner, ok := manager.UniqueOwner("LNFT", big.NewInt(0)); !ok || owner != a {
		t.Fatalf("token id zero owner lost")
	}
}

func TestSemiFungibleTransfers(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.RegisterToken("LBATCH", "Lien Batch Notes", 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	a := testAddr(0x01)
	b := testAddr(0x02)
	tokenID := big.NewInt(3)
	if err := manager.SetSemiFungibleBalance(a[:], "LBATCH", tokenID, big.NewInt(100)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	asset := loan.Asset{Kind: loan.AssetSemiFungible, Symbol: "LBATCH", TokenID: tokenID, Amount: big.NewInt(40)}
	if err := manager.MoveAsset(asset, a, b); err != nil {
		t.Fatalf("move: %v", err)
	}
	balA, _ := manager.SemiFungibleBalance(a[:], "LBATCH", tokenID)
	balB, _ := manager.SemiFungibleBalance(b[:], "LBATCH", tokenID)
	if balA.Cmp(big.NewInt(60)) != 0 || balB.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected balances %s / %s", balA, balB)
	}

	over := loan.Asset{Kind: loan.AssetSemiFungible, Symbol: "LBATCH", TokenID: tokenID, Amount: big.NewInt(61)}
	if err := manager.MoveAsset(over, a, b); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestBalanceOverflowGuard(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.RegisterToken("LIEN", "Lien Credit", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	a := testAddr(0x01)
	b := testAddr(0x02)
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := manager.SetBalance(a[:], "LIEN", max); err != nil {
		t.Fatalf("seed max balance: %v", err)
	}
	if err := manager.SetBalance(b[:], "LIEN", big.NewInt(1)); err != nil {
		t.Fatalf("seed unit balance: %v", err)
	}
	beyond := new(big.Int).Add(max, big.NewInt(1))
	if err := manager.SetBalance(a[:], "LIEN", beyond); err == nil {
		t.Fatalf("expected overflow rejection on seed")
	}
	move := loan.FungibleAsset("LIEN", big.NewInt(1))
	if err := manager.MoveAsset(move, b, a); err == nil {
		t.Fatalf("expected overflow rejection on credit")
	}
	if got, _ := manager.Balance(b[:], "LIEN"); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("failed credit must roll back the debit, got %s", got)
	}
}

func TestRolesAndTags(t *testing.T) {
	manager := newTestManager(t)
	workflow := testAddr(0x0a)
	other := testAddr(0x0b)

	if err := manager.SetRole(loan.TagLoanWorkflow, workflow[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := manager.SetRole(loan.TagLoanWorkflow, workflow[:]); err != nil {
		t.Fatalf("duplicate assignment must be a no-op: %v", err)
	}
	members, err := manager.RoleMembers(loan.TagLoanWorkflow)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected a single member, got %d", len(members))
	}
	if !manager.HasRole(loan.TagLoanWorkflow, workflow[:]) {
		t.Fatalf("expected workflow member")
	}
	if manager.HasRole(loan.TagLoanWorkflow, other[:]) {
		t.Fatalf("unexpected member")
	}
	ok, err := manager.HasTag(workflow, loan.TagLoanWorkflow)
	if err != nil || !ok {
		t.Fatalf("tag lookup: ok=%v err=%v", ok, err)
	}

	if err := manager.RemoveRole(loan.TagLoanWorkflow, workflow[:]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if manager.HasRole(loan.TagLoanWorkflow, workflow[:]) {
		t.Fatalf("member survived removal")
	}
	if err := manager.RemoveRole(loan.TagLoanWorkflow, workflow[:]); err != nil {
		t.Fatalf("removing an absent member must be a no-op: %v", err)
	}
}
