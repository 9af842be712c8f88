// Package ingest tails the settlement node's loan event feed into the
// indexer database. Ingestion is idempotent: every entry is keyed by its
// canonical digest, so replays after crashes or node restarts change nothing.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lienchain/core"
	"lienchain/native/loan"
	"lienchain/observability"
	"lienchain/rpc/client"
	"lienchain/services/loan-indexer/models"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPageSize     = 200
	maxPageSize         = 1000
)

type eventsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type eventsResult struct {
	Events     []core.LoanEventEntry `json:"events"`
	NextCursor string                `json:"nextCursor"`
	Feed       string                `json:"feed"`
	Head       uint64                `json:"head"`
}

// Config captures the dependencies required to construct an Ingester.
type Config struct {
	DB           *gorm.DB
	Client       *client.Client
	PollInterval time.Duration
	PageSize     int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Ingester polls lien_events and applies each entry to the event log and the
// loan mirror.
type Ingester struct {
	db       *gorm.DB
	client   *client.Client
	interval time.Duration
	pageSize int
	logger   *slog.Logger
	metrics  *observability.IndexerMetrics
	now      func() time.Time
}

// New builds a configured ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.DB == nil {
		return nil, errors.New("ingest: db is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("ingest: node client is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Ingester{
		db:       cfg.DB,
		client:   cfg.Client,
		interval: interval,
		pageSize: pageSize,
		logger:   logger,
		metrics:  observability.Indexer(),
		now:      nowFn,
	}, nil
}

// Run polls the node feed until the context is cancelled.
func (i *Ingester) Run(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		if _, err := i.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			i.logger.Warn("event poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain pages through the feed until it catches up with the node head, and
// returns the number of entries applied.
func (i *Ingester) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		applied, more, err := i.pollOnce(ctx)
		total += applied
		if err != nil {
			return total, err
		}
		if !more {
			return total, nil
		}
	}
}

func (i *Ingester) pollOnce(ctx context.Context) (int, bool, error) {
	state, err := i.loadCursor()
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}

	var result eventsResult
	if err := i.client.Call(ctx, "lien_events", eventsParams{Cursor: state.Cursor, Limit: i.pageSize}, &result); err != nil {
		return 0, false, fmt.Errorf("fetch events: %w", err)
	}

	// The node mints a fresh feed identifier on every start and renumbers
	// sequences from one, so a cursor stored under another identifier no
	// longer names a position. Resume from the beginning; digests keep the
	// replay idempotent.
	if state.Cursor != "" && state.Feed != result.Feed {
		i.logger.Warn("node feed restarted; resetting cursor",
			"feed", result.Feed, "stored_feed", state.Feed, "last_sequence", state.Sequence)
		if err := i.saveCursor("", "", 0); err != nil {
			return 0, false, fmt.Errorf("reset cursor: %w", err)
		}
		return 0, true, nil
	}

	if len(result.Events) == 0 {
		i.metrics.RecordLag(0)
		return 0, false, nil
	}

	for _, entry := range result.Events {
		if err := i.apply(entry); err != nil {
			i.metrics.RecordEvent(entry.Type, err)
			return 0, false, fmt.Errorf("apply event %s: %w", entry.Cursor, err)
		}
	}
	newest := result.Events[len(result.Events)-1].Sequence
	if err := i.saveCursor(result.NextCursor, result.Feed, newest); err != nil {
		return 0, false, fmt.Errorf("save cursor: %w", err)
	}
	if result.Head > newest {
		i.metrics.RecordLag(result.Head - newest)
	} else {
		i.metrics.RecordLag(0)
	}
	return len(result.Events), result.Head > newest, nil
}

func (i *Ingester) apply(entry core.LoanEventEntry) error {
	digest := CanonicalDigest(entry)
	applied := false
	err := i.db.Transaction(func(tx *gorm.DB) error {
		var existing models.EventRecord
		err := tx.First(&existing, "digest = ?", digest).Error
		if err == nil {
			// Replay of an entry ingested in an earlier run.
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup event: %w", err)
		}

		attrs, err := json.Marshal(entry.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}
		rec := models.EventRecord{
			ID:         uuid.New(),
			Digest:     digest,
			Sequence:   entry.Sequence,
			Type:       entry.Type,
			Symbol:     entry.Attributes["symbol"],
			Amount:     flowAmount(entry),
			Attributes: string(attrs),
			EmittedAt:  entry.Timestamp,
			CreatedAt:  i.now(),
		}
		if id, ok := eventLoanID(entry); ok {
			rec.LoanID = &id
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("store event: %w", err)
		}
		if rec.LoanID != nil {
			if err := applyLoanSnapshot(tx, entry, *rec.LoanID); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		i.metrics.RecordEvent(entry.Type, nil)
		i.recordVolume(entry)
	}
	return nil
}

// applyLoanSnapshot rebuilds the loan mirror row from the snapshot attributes
// every loan-scoped event carries. Ordering uses the emit timestamp rather
// than the sequence because sequences renumber across node restarts.
func applyLoanSnapshot(tx *gorm.DB, entry core.LoanEventEntry, id uint64) error {
	record := loanRecordFromEvent(entry, id)

	var existing models.LoanRecord
	err := tx.First(&existing, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("store loan %d: %w", id, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load loan %d: %w", id, err)
	}
	if entry.Timestamp < existing.LastEventAt {
		return nil
	}
	record.CreatedAt = existing.CreatedAt
	if err := tx.Save(&record).Error; err != nil {
		return fmt.Errorf("update loan %d: %w", id, err)
	}
	return nil
}

func loanRecordFromEvent(entry core.LoanEventEntry, id uint64) models.LoanRecord {
	record := models.LoanRecord{
		ID:               id,
		Kind:             entry.Attributes["kind"],
		Status:           snapshotStatus(entry),
		Borrower:         entry.Attributes["borrower"],
		Lender:           entry.Attributes["lender"],
		Symbol:           entry.Attributes["symbol"],
		Principal:        entry.Attributes["principal"],
		FixedInterest:    entry.Attributes["fixedInterest"],
		DailyRate:        parseUint(entry.Attributes["dailyRate"]),
		CollateralSymbol: entry.Attributes["collateralSymbol"],
		CollateralToken:  entry.Attributes["collateralTokenId"],
		CollateralAmount: entry.Attributes["collateralAmount"],
		OriginatedAt:     parseInt(entry.Attributes["createdAt"]),
		DefaultAt:        parseInt(entry.Attributes["defaultAt"]),
		LastSequence:     entry.Sequence,
		LastEventAt:      entry.Timestamp,
	}
	if raw, ok := entry.Attributes["collateralKind"]; ok {
		record.CollateralKind = loan.AssetKind(parseUint(raw)).String()
	}
	return record
}

func (i *Ingester) recordVolume(entry core.LoanEventEntry) {
	var raw string
	switch entry.Type {
	case loan.EventTypeLoanRepaid:
		raw = entry.Attributes["paid"]
	case loan.EventTypeCreditLineRepaid:
		raw = entry.Attributes["amount"]
	default:
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return
	}
	i.metrics.RecordVolume(entry.Attributes["symbol"], amount)
}

func (i *Ingester) loadCursor() (models.CursorState, error) {
	var state models.CursorState
	err := i.db.First(&state, "name = ?", models.CursorLoanEvents).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CursorState{Name: models.CursorLoanEvents}, nil
	}
	if err != nil {
		return models.CursorState{}, err
	}
	return state, nil
}

func (i *Ingester) saveCursor(cursor, feed string, sequence uint64) error {
	var state models.CursorState
	err := i.db.First(&state, "name = ?", models.CursorLoanEvents).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = models.CursorState{
			Name:     models.CursorLoanEvents,
			Cursor:   cursor,
			Feed:     feed,
			Sequence: sequence,
		}
		return i.db.Create(&state).Error
	}
	if err != nil {
		return err
	}
	state.Cursor = cursor
	state.Feed = feed
	state.Sequence = sequence
	return i.db.Save(&state).Error
}

// snapshotStatus maps the numeric status attribute to its name. A running
// snapshot past its deadline reads as defaulted, matching how the node
// resolves the derived state.
func snapshotStatus(entry core.LoanEventEntry) string {
	status := loan.Status(parseUint(entry.Attributes["status"]))
	if status == loan.StatusRunning {
		if deadline := parseInt(entry.Attributes["defaultAt"]); deadline > 0 && entry.Timestamp >= deadline {
			return loan.StatusDefaulted.String()
		}
	}
	return status.String()
}

func eventLoanID(entry core.LoanEventEntry) (uint64, bool) {
	raw, ok := entry.Attributes["id"]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func flowAmount(entry core.LoanEventEntry) string {
	switch entry.Type {
	case loan.EventTypeLoanRepaid:
		return entry.Attributes["paid"]
	case loan.EventTypeCreditLineDrawn, loan.EventTypeCreditLineRepaid, loan.EventTypeCreditLineClaimed:
		return entry.Attributes["amount"]
	}
	return ""
}

func parseUint(raw string) uint64 {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func parseInt(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}
