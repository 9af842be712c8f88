package core

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"lienchain/native/loan"
	"lienchain/storage"
)

// Exercises the full restart path against the on-disk backend: seed a ledger,
// mutate it, close the database, reopen, and keep settling.
func TestNodeLevelDBRestart(t *testing.T) {
	fixture := &nodeFixture{
		borrower: fillAddr(0x01),
		lender:   fillAddr(0x02),
		workflow: fillAddr(0x03),
		admin:    fillAddr(0x04),
	}
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "db")

	spec := testGenesisSpec(fixture)
	genesisPath := writeTestGenesis(t, spec)

	db, err := storage.NewLevelDB(dbPath)
	if err != nil {
		t.Fatalf("create leveldb: %v", err)
	}

	node, err := NewNode(db, loan.DefaultConfig(), genesisPath, false)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	node.SetNowFunc(func() int64 { return nodeTestOrigin })

	created, err := node.LoanCreate(fixture.workflow, nodeTermTerms(fixture.borrower, fixture.lender), nil)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	root := node.StateRoot()
	round := node.Round()
	db.Close()

	db2, err := storage.NewLevelDB(dbPath)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer db2.Close()

	restarted, err := NewNode(db2, loan.DefaultConfig(), genesisPath, false)
	if err != nil {
		t.Fatalf("create node after restart: %v", err)
	}
	restarted.SetNowFunc(func() int64 { return nodeTestOrigin })

	if restarted.StateRoot() != root {
		t.Fatalf("expected state root to survive restart")
	}
	if restarted.Round() != round {
		t.Fatalf("expected round %d after restart, got %d", round, restarted.Round())
	}

	record, status, err := restarted.LoanGet(created.ID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if status != loan.StatusRunning {
		t.Fatalf("expected running loan after restart, got %v", status)
	}
	if record.Principal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected principal after restart: %s", record.Principal)
	}

	if err := restarted.LoanRepay(created.ID, fixture.borrower, nil); err != nil {
		t.Fatalf("repay after restart: %v", err)
	}
	if _, _, err := restarted.LoanGet(created.ID); !errors.Is(err, loan.ErrNotFound) {
		t.Fatalf("expected settled loan to be deleted, got %v", err)
	}

	balance, err := restarted.Balance(fixture.lender, "LIEN")
	if err != nil {
		t.Fatalf("balance after restart: %v", err)
	}
	if balance.Cmp(big.NewInt(100_050)) != 0 {
		t.Fatalf("expected lender to hold 100050 after settlement, got %s", balance)
	}
}
