package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"lienchain/core"
	"lienchain/native/loan"
	"lienchain/rpc/client"
	"lienchain/services/loan-indexer/models"
)

func setupIndexerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// feedServer mimics the node's lien_events endpoint over a scripted entry set.
type feedServer struct {
	mu      sync.Mutex
	feed    string
	entries []core.LoanEventEntry
}

// set replaces the scripted feed; a new feed identifier mimics a node restart.
func (f *feedServer) set(feed string, entries ...core.LoanEventEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed = feed
	f.entries = entries
}

func (f *feedServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Method != "lien_events" {
			t.Errorf("unexpected method %q", req.Method)
		}
		params := struct {
			Cursor string `json:"cursor"`
			Limit  int    `json:"limit"`
		}{}
		if len(req.Params) == 1 {
			if err := json.Unmarshal(req.Params[0], &params); err != nil {
				t.Errorf("decode params: %v", err)
			}
		}
		after := uint64(0)
		if params.Cursor != "" {
			parsed, err := strconv.ParseUint(params.Cursor, 10, 64)
			if err != nil {
				t.Errorf("unexpected cursor %q", params.Cursor)
			}
			after = parsed
		}
		limit := params.Limit
		if limit <= 0 {
			limit = 100
		}

		f.mu.Lock()
		feed := f.feed
		head := uint64(0)
		page := []core.LoanEventEntry{}
		for _, entry := range f.entries {
			if entry.Sequence > head {
				head = entry.Sequence
			}
			if entry.Sequence > after && len(page) < limit {
				page = append(page, entry)
			}
		}
		f.mu.Unlock()

		next := params.Cursor
		if len(page) > 0 {
			next = page[len(page)-1].Cursor
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]interface{}{
				"events":     page,
				"nextCursor": next,
				"feed":       feed,
				"head":       head,
			},
		}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}
}

func newTestIngester(t *testing.T, db *gorm.DB, feed *feedServer) *Ingester {
	t.Helper()
	server := httptest.NewServer(feed.handler(t))
	t.Cleanup(server.Close)
	rpcClient, err := client.New(server.URL)
	if err != nil {
		t.Fatalf("new node client: %v", err)
	}
	ing, err := New(Config{
		DB:     db,
		Client: rpcClient,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new ingester: %v", err)
	}
	return ing
}

func termAttrs(id uint64, status loan.Status) map[string]string {
	return map[string]string{
		"id":                strconv.FormatUint(id, 10),
		"kind":              "term",
		"status":            strconv.FormatUint(uint64(status), 10),
		"borrower":          strings.Repeat("ab", 20),
		"lender":            strings.Repeat("cd", 20),
		"symbol":            "LIEN",
		"principal":         "1000",
		"fixedInterest":     "50",
		"dailyRate":         "0",
		"createdAt":         "1700000000",
		"defaultAt":         "1700864000",
		"collateralSymbol":  "LNFT",
		"collateralKind":    "1",
		"collateralTokenId": "7",
	}
}

func creditLineAttrs(id uint64) map[string]string {
	attrs := termAttrs(id, loan.StatusRunning)
	attrs["kind"] = "creditline"
	attrs["committed"] = "400"
	attrs["accruedInterest"] = "0"
	attrs["dailyRate"] = "5"
	delete(attrs, "collateralSymbol")
	delete(attrs, "collateralKind")
	delete(attrs, "collateralTokenId")
	return attrs
}

func feedEntry(seq uint64, eventType string, ts int64, attrs map[string]string) core.LoanEventEntry {
	return core.LoanEventEntry{
		Sequence:   seq,
		Cursor:     strconv.FormatUint(seq, 10),
		Type:       eventType,
		Attributes: attrs,
		Timestamp:  ts,
	}
}

func TestIngesterDrainAppliesFeed(t *testing.T) {
	db := setupIndexerDB(t)
	repaid := termAttrs(7, loan.StatusRepaid)
	repaid["paid"] = "1050"
	feed := &feedServer{}
	feed.set("boot-1",
		feedEntry(1, loan.EventTypeLoanCreated, 1700000000, termAttrs(7, loan.StatusRunning)),
		feedEntry(2, loan.EventTypeLoanRepaid, 1700050000, repaid),
	)
	ing := newTestIngester(t, db, feed)

	applied, err := ing.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 entries applied, got %d", applied)
	}

	var events []models.EventRecord
	if err := db.Order("sequence").Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 event records, got %d", len(events))
	}
	if events[0].Type != loan.EventTypeLoanCreated || events[1].Type != loan.EventTypeLoanRepaid {
		t.Fatalf("unexpected event types %q, %q", events[0].Type, events[1].Type)
	}
	if events[0].LoanID == nil || *events[0].LoanID != 7 {
		t.Fatalf("expected loan id 7 on created event, got %v", events[0].LoanID)
	}
	if events[1].Amount != "1050" {
		t.Fatalf("expected repaid flow amount 1050, got %q", events[1].Amount)
	}

	var rec models.LoanRecord
	if err := db.First(&rec, "id = ?", 7).Error; err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if rec.Status != "repaid" || rec.Kind != "term" || rec.Symbol != "LIEN" {
		t.Fatalf("unexpected loan mirror %+v", rec)
	}
	if rec.CollateralKind != "unique" || rec.CollateralSymbol != "LNFT" || rec.CollateralToken != "7" {
		t.Fatalf("unexpected collateral mirror %+v", rec)
	}
	if rec.LastEventAt != 1700050000 {
		t.Fatalf("expected last event timestamp 1700050000, got %d", rec.LastEventAt)
	}

	var state models.CursorState
	if err := db.First(&state, "name = ?", models.CursorLoanEvents).Error; err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if state.Cursor != "2" || state.Sequence != 2 || state.Feed != "boot-1" {
		t.Fatalf("unexpected cursor state %+v", state)
	}

	applied, err = ing.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected caught-up drain to apply nothing, got %d", applied)
	}
}

func TestIngesterReplayDeduplicates(t *testing.T) {
	db := setupIndexerDB(t)
	feed := &feedServer{}
	feed.set("boot-1",
		feedEntry(1, loan.EventTypeLoanCreated, 1700000000, termAttrs(3, loan.StatusRunning)),
		feedEntry(2, loan.EventTypeCreditLineOpened, 1700001000, creditLineAttrs(4)),
	)
	ing := newTestIngester(t, db, feed)

	if _, err := ing.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// A crash between applying a page and saving the cursor replays the
	// page on the next start.
	rewound := models.CursorState{Name: models.CursorLoanEvents}
	if err := db.Save(&rewound).Error; err != nil {
		t.Fatalf("rewind cursor: %v", err)
	}
	if _, err := ing.Drain(context.Background()); err != nil {
		t.Fatalf("replay drain: %v", err)
	}

	var count int64
	if err := db.Model(&models.EventRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected replay to keep 2 event records, got %d", count)
	}
	var loans int64
	if err := db.Model(&models.LoanRecord{}).Count(&loans).Error; err != nil {
		t.Fatalf("count loans: %v", err)
	}
	if loans != 2 {
		t.Fatalf("expected 2 loan records, got %d", loans)
	}
}

func TestIngesterResetsCursorAfterFeedRestart(t *testing.T) {
	db := setupIndexerDB(t)
	feed := &feedServer{}
	feed.set("boot-1",
		feedEntry(1, loan.EventTypeLoanCreated, 1700000000, termAttrs(11, loan.StatusRunning)),
		feedEntry(2, loan.EventTypeCreditLineOpened, 1700001000, creditLineAttrs(12)),
		feedEntry(3, loan.EventTypeCreditLineDrawn, 1700002000, func() map[string]string {
			attrs := creditLineAttrs(12)
			attrs["amount"] = "150"
			return attrs
		}(),
		),
	)
	ing := newTestIngester(t, db, feed)
	if _, err := ing.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// The node restarts: history is gone and sequences renumber from one.
	// By the next poll the new feed has already grown past the stored
	// sequence, so only the feed identity reveals the restart.
	repaid := creditLineAttrs(12)
	repaid["amount"] = "75"
	drawn := creditLineAttrs(12)
	drawn["amount"] = "25"
	settled := termAttrs(11, loan.StatusRepaid)
	settled["paid"] = "1050"
	feed.set("boot-2",
		feedEntry(1, loan.EventTypeLoanCreated, 1700008000, termAttrs(13, loan.StatusRunning)),
		feedEntry(2, loan.EventTypeCreditLineRepaid, 1700009000, repaid),
		feedEntry(3, loan.EventTypeCreditLineDrawn, 1700009500, drawn),
		feedEntry(4, loan.EventTypeLoanRepaid, 1700009900, settled),
	)

	applied, err := ing.Drain(context.Background())
	if err != nil {
		t.Fatalf("post-restart drain: %v", err)
	}
	if applied != 4 {
		t.Fatalf("expected 4 entries applied after restart, got %d", applied)
	}

	var state models.CursorState
	if err := db.First(&state, "name = ?", models.CursorLoanEvents).Error; err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if state.Sequence != 4 || state.Cursor != "4" || state.Feed != "boot-2" {
		t.Fatalf("expected cursor to follow the renumbered feed, got %+v", state)
	}

	var repayment models.EventRecord
	if err := db.First(&repayment, "type = ?", loan.EventTypeCreditLineRepaid).Error; err != nil {
		t.Fatalf("load repayment event: %v", err)
	}
	if repayment.Amount != "75" {
		t.Fatalf("expected repayment flow amount 75, got %q", repayment.Amount)
	}
	var count int64
	if err := db.Model(&models.EventRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected 7 event records across the restart, got %d", count)
	}
	var settledLoan models.LoanRecord
	if err := db.First(&settledLoan, "id = ?", 11).Error; err != nil {
		t.Fatalf("load settled loan: %v", err)
	}
	if settledLoan.Status != "repaid" {
		t.Fatalf("expected loan 11 repaid after restart, got %q", settledLoan.Status)
	}
}

func TestApplySkipsStaleSnapshot(t *testing.T) {
	db := setupIndexerDB(t)
	ing := newTestIngester(t, db, &feedServer{})

	repaid := termAttrs(5, loan.StatusRepaid)
	repaid["paid"] = "1050"
	if err := ing.apply(feedEntry(2, loan.EventTypeLoanRepaid, 1700050000, repaid)); err != nil {
		t.Fatalf("apply repaid: %v", err)
	}
	// The created event arrives late, out of order.
	if err := ing.apply(feedEntry(1, loan.EventTypeLoanCreated, 1700000000, termAttrs(5, loan.StatusRunning))); err != nil {
		t.Fatalf("apply created: %v", err)
	}

	var rec models.LoanRecord
	if err := db.First(&rec, "id = ?", 5).Error; err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if rec.Status != "repaid" {
		t.Fatalf("expected stale snapshot to be skipped, loan is %q", rec.Status)
	}
	if rec.LastEventAt != 1700050000 {
		t.Fatalf("expected last event timestamp to stay at 1700050000, got %d", rec.LastEventAt)
	}

	var count int64
	if err := db.Model(&models.EventRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both events stored, got %d", count)
	}
}

func TestSnapshotStatusDerivesDefault(t *testing.T) {
	cases := []struct {
		name      string
		status    loan.Status
		defaultAt string
		ts        int64
		want      string
	}{
		{"running before deadline", loan.StatusRunning, "1700864000", 1700000000, "running"},
		{"running at deadline", loan.StatusRunning, "1700864000", 1700864000, "defaulted"},
		{"running past deadline", loan.StatusRunning, "1700864000", 1700900000, "defaulted"},
		{"repaid past deadline", loan.StatusRepaid, "1700864000", 1700900000, "repaid"},
		{"open ended line", loan.StatusRunning, "0", 1700900000, "running"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := core.LoanEventEntry{
				Timestamp: tc.ts,
				Attributes: map[string]string{
					"status":    strconv.FormatUint(uint64(tc.status), 10),
					"defaultAt": tc.defaultAt,
				},
			}
			if got := snapshotStatus(entry); got != tc.want {
				t.Fatalf("expected status %q, got %q", tc.want, got)
			}
		})
	}
}
