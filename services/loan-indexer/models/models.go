package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Cursor names used in the cursor_states table.
const (
	CursorLoanEvents = "loan-events"
)

// LoanRecord mirrors the node's view of a single loan or credit line. Every
// loan-scoped event carries a full snapshot, so the record is rebuilt from the
// latest event rather than patched field by field.
type LoanRecord struct {
	ID               uint64 `gorm:"primaryKey"`
	Kind             string `gorm:"size:16;index"`
	Status           string `gorm:"size:16;index"`
	Borrower         string `gorm:"size:40;index"`
	Lender           string `gorm:"size:40;index"`
	Symbol           string `gorm:"size:16;index"`
	Principal        string `gorm:"size:80"`
	FixedInterest    string `gorm:"size:80"`
	DailyRate        uint64
	CollateralKind   string `gorm:"size:16"`
	CollateralSymbol string `gorm:"size:16"`
	CollateralToken  string `gorm:"size:80"`
	CollateralAmount string `gorm:"size:80"`
	OriginatedAt     int64  `gorm:"index"`
	DefaultAt        int64
	LastSequence     uint64
	LastEventAt      int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EventRecord stores one settlement event exactly once. The digest is the
// blake3 hash of the canonical event encoding; the node feed is in-memory and
// renumbers sequences after a restart, so the digest rather than the sequence
// is the dedupe key.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Digest     string    `gorm:"size:64;uniqueIndex"`
	Sequence   uint64    `gorm:"index"`
	Type       string    `gorm:"size:48;index"`
	LoanID     *uint64   `gorm:"index"`
	Symbol     string    `gorm:"size:16;index"`
	Amount     string    `gorm:"size:80"`
	Attributes string    `gorm:"type:text"`
	EmittedAt  int64     `gorm:"index"`
	CreatedAt  time.Time
}

// CursorState persists the resume position for a feed consumer. Feed holds
// the identifier of the node feed the cursor was read from; the node mints a
// fresh identifier on every start, so a mismatch means the cursor is dead.
type CursorState struct {
	Name      string `gorm:"primaryKey;size:32"`
	Cursor    string `gorm:"size:32"`
	Feed      string `gorm:"size:16"`
	Sequence  uint64
	UpdatedAt time.Time
}

// ReportRun records one generated settlement report bundle.
type ReportRun struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WindowStart time.Time `gorm:"index"`
	WindowEnd   time.Time
	Rows        int
	Files       int
	OutputDir   string `gorm:"size:255"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LoanRecord{},
		&EventRecord{},
		&CursorState{},
		&ReportRun{},
	)
}
