// Package reports materialises daily settlement reports from the indexer
// database and enforces the configured retention windows.
package reports

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"lienchain/native/loan"
	"lienchain/observability"
	"lienchain/services/loan-indexer/models"
)

// Config captures the dependencies required to construct a Reporter.
type Config struct {
	DB                  *gorm.DB
	TZ                  *time.Location
	OutputDir           string
	EventRetentionDays  int
	ReportRetentionDays int
	DryRun              bool
	Now                 func() time.Time
	Logger              *slog.Logger
}

// RunOptions specifies overrides when executing a report window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reporter materialises per-symbol settlement reports over a time window.
type Reporter struct {
	db         *gorm.DB
	tz         *time.Location
	outputDir  string
	eventDays  int
	reportDays int
	dryRun     bool
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.IndexerMetrics
}

// ReportRow summarises one loan's settlement activity within the window. The
// current lifecycle fields come from the loan mirror; the flow volumes are
// summed from the window's events.
type ReportRow struct {
	LoanID           uint64
	Kind             string
	Status           string
	Borrower         string
	Lender           string
	Symbol           string
	Principal        string
	CollateralSymbol string
	EventCount       int
	RepaidVolume     *big.Int
	DrawnVolume      *big.Int
	ClaimedVolume    *big.Int
	Originated       bool
	Settled          bool
	Defaulted        bool
	FirstEventAt     time.Time
	LastEventAt      time.Time
}

// ReportFile references the CSV and Parquet artefacts generated for a symbol.
type ReportFile struct {
	Symbol      string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a report run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Totals    map[string]*big.Int
	Retention struct {
		Events  int64
		Reports int64
	}
}

// NewReporter builds a configured reporter.
func NewReporter(cfg Config) (*Reporter, error) {
	if cfg.DB == nil {
		return nil, errors.New("reports: db is required")
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("lien-data", "reports")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(cfg.TZ) }
	}
	return &Reporter{
		db:         cfg.DB,
		tz:         cfg.TZ,
		outputDir:  outputDir,
		eventDays:  cfg.EventRetentionDays,
		reportDays: cfg.ReportRetentionDays,
		dryRun:     cfg.DryRun,
		now:        nowFn,
		logger:     logger,
		metrics:    observability.Indexer(),
	}, nil
}

// Run executes a report for the supplied window, writes the per-symbol files,
// records the run, and applies retention.
func (r *Reporter) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if end.Before(start) {
		return nil, fmt.Errorf("reports: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	var events []models.EventRecord
	if err := r.db.WithContext(ctx).
		Where("emitted_at >= ? AND emitted_at < ?", start.Unix(), end.Unix()).
		Order("emitted_at").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("reports: load events: %w", err)
	}

	byLoan := map[uint64][]models.EventRecord{}
	loanIDs := make([]uint64, 0)
	for _, evt := range events {
		if evt.LoanID == nil {
			continue
		}
		id := *evt.LoanID
		if _, seen := byLoan[id]; !seen {
			loanIDs = append(loanIDs, id)
		}
		byLoan[id] = append(byLoan[id], evt)
	}

	loanMap := map[uint64]models.LoanRecord{}
	if len(loanIDs) > 0 {
		var loans []models.LoanRecord
		if err := r.db.WithContext(ctx).Where("id IN ?", loanIDs).Find(&loans).Error; err != nil {
			return nil, fmt.Errorf("reports: load loans: %w", err)
		}
		for _, rec := range loans {
			loanMap[rec.ID] = rec
		}
	}

	now := r.now()
	rows := make([]*ReportRow, 0, len(loanIDs))
	totals := make(map[string]*big.Int)
	sort.Slice(loanIDs, func(i, j int) bool { return loanIDs[i] < loanIDs[j] })

	for _, id := range loanIDs {
		windowEvents := byLoan[id]
		rec := loanMap[id]
		row := &ReportRow{
			LoanID:           id,
			Kind:             rec.Kind,
			Status:           derivedStatus(rec, now),
			Borrower:         rec.Borrower,
			Lender:           rec.Lender,
			Symbol:           rec.Symbol,
			Principal:        rec.Principal,
			CollateralSymbol: rec.CollateralSymbol,
			EventCount:       len(windowEvents),
			RepaidVolume:     new(big.Int),
			DrawnVolume:      new(big.Int),
			ClaimedVolume:    new(big.Int),
		}
		for _, evt := range windowEvents {
			emitted := time.Unix(evt.EmittedAt, 0).In(r.tz)
			if row.FirstEventAt.IsZero() || emitted.Before(row.FirstEventAt) {
				row.FirstEventAt = emitted
			}
			if emitted.After(row.LastEventAt) {
				row.LastEventAt = emitted
			}
			switch evt.Type {
			case loan.EventTypeLoanCreated, loan.EventTypeLoanRefinanced, loan.EventTypeCreditLineOpened:
				row.Originated = true
			case loan.EventTypeLoanRepaid:
				row.Settled = true
				addAmount(row.RepaidVolume, evt.Amount)
			case loan.EventTypeCreditLineRepaid:
				addAmount(row.RepaidVolume, evt.Amount)
			case loan.EventTypeCreditLineDrawn:
				addAmount(row.DrawnVolume, evt.Amount)
			case loan.EventTypeCreditLineClaimed:
				addAmount(row.ClaimedVolume, evt.Amount)
			}
		}
		row.Defaulted = row.Status == loan.StatusDefaulted.String()
		rows = append(rows, row)

		if row.RepaidVolume.Sign() > 0 {
			symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
			total, ok := totals[symbol]
			if !ok {
				total = new(big.Int)
				totals[symbol] = total
			}
			total.Add(total, row.RepaidVolume)
		}
	}

	files := make([]ReportFile, 0)
	if !dryRun && len(rows) > 0 {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("reports: ensure output dir: %w", err)
		}
		for _, group := range groupRows(rows) {
			file, err := r.writeReportFiles(runDir, group)
			if err != nil {
				return nil, err
			}
			files = append(files, file)
		}
		run := models.ReportRun{
			ID:          uuid.New(),
			WindowStart: start,
			WindowEnd:   end,
			Rows:        len(rows),
			Files:       len(files),
			OutputDir:   runDir,
			CreatedAt:   now,
		}
		if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
			return nil, fmt.Errorf("reports: record run: %w", err)
		}
	}

	result := &Result{Start: start, End: end, Rows: rows, Files: files, Totals: totals}
	if !dryRun {
		if err := r.applyRetention(ctx, now, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// applyRetention deletes events and report runs older than their configured
// windows. Report run directories are removed from disk alongside their rows.
func (r *Reporter) applyRetention(ctx context.Context, now time.Time, result *Result) error {
	if r.eventDays > 0 {
		cutoff := now.AddDate(0, 0, -r.eventDays).Unix()
		res := r.db.WithContext(ctx).Where("emitted_at < ?", cutoff).Delete(&models.EventRecord{})
		if res.Error != nil {
			return fmt.Errorf("reports: prune events: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			result.Retention.Events = res.RowsAffected
			r.metrics.RecordRetention("events", res.RowsAffected)
			r.logger.Info("pruned expired events", "rows", res.RowsAffected)
		}
	}

	if r.reportDays > 0 {
		cutoff := now.AddDate(0, 0, -r.reportDays)
		var expired []models.ReportRun
		if err := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&expired).Error; err != nil {
			return fmt.Errorf("reports: load expired runs: %w", err)
		}
		for _, run := range expired {
			if run.OutputDir == "" {
				continue
			}
			if err := os.RemoveAll(run.OutputDir); err != nil {
				r.logger.Warn("failed to remove expired report directory", "dir", run.OutputDir, "error", err)
			}
		}
		if len(expired) > 0 {
			res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ReportRun{})
			if res.Error != nil {
				return fmt.Errorf("reports: prune runs: %w", res.Error)
			}
			result.Retention.Reports = res.RowsAffected
			r.metrics.RecordRetention("report_runs", res.RowsAffected)
			r.logger.Info("pruned expired report runs", "rows", res.RowsAffected)
		}
	}
	return nil
}

func groupRows(rows []*ReportRow) [][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	keys := make([]string, 0)
	for _, row := range rows {
		key := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if key == "" {
			key = "UNKNOWN"
		}
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], row)
	}
	sort.Strings(keys)
	ordered := make([][]*ReportRow, 0, len(keys))
	for _, key := range keys {
		ordered = append(ordered, grouped[key])
	}
	return ordered
}

func (r *Reporter) writeReportFiles(baseDir string, rows []*ReportRow) (ReportFile, error) {
	symbol := strings.ToUpper(strings.TrimSpace(rows[0].Symbol))
	if symbol == "" {
		symbol = "UNKNOWN"
	}
	filename := fmt.Sprintf("settlement_%s", symbol)
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := r.writeCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.metrics.RecordReport("csv")
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := r.writeParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.metrics.RecordReport("parquet")
	r.logger.Info("wrote settlement report", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return ReportFile{Symbol: symbol, CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func (r *Reporter) writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"loan_id", "kind", "status", "borrower", "lender", "symbol", "principal", "collateral_symbol",
		"event_count", "repaid_volume", "drawn_volume", "claimed_volume",
		"originated", "settled", "defaulted", "first_event_at", "last_event_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("reports: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.LoanID, 10),
			row.Kind,
			row.Status,
			row.Borrower,
			row.Lender,
			row.Symbol,
			row.Principal,
			row.CollateralSymbol,
			strconv.Itoa(row.EventCount),
			row.RepaidVolume.String(),
			row.DrawnVolume.String(),
			row.ClaimedVolume.String(),
			boolString(row.Originated),
			boolString(row.Settled),
			boolString(row.Defaulted),
			formatTime(row.FirstEventAt),
			formatTime(row.LastEventAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reports: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	LoanID           int64  `parquet:"name=loan_id, type=INT64"`
	Kind             string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Borrower         string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	Lender           string `parquet:"name=lender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol           string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Principal        string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralSymbol string `parquet:"name=collateral_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventCount       int32  `parquet:"name=event_count, type=INT32"`
	RepaidVolume     string `parquet:"name=repaid_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	DrawnVolume      string `parquet:"name=drawn_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClaimedVolume    string `parquet:"name=claimed_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	Originated       bool   `parquet:"name=originated, type=BOOLEAN"`
	Settled          bool   `parquet:"name=settled, type=BOOLEAN"`
	Defaulted        bool   `parquet:"name=defaulted, type=BOOLEAN"`
	FirstEventAt     string `parquet:"name=first_event_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastEventAt      string `parquet:"name=last_event_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (r *Reporter) writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			LoanID:           int64(row.LoanID),
			Kind:             row.Kind,
			Status:           row.Status,
			Borrower:         row.Borrower,
			Lender:           row.Lender,
			Symbol:           row.Symbol,
			Principal:        row.Principal,
			CollateralSymbol: row.CollateralSymbol,
			EventCount:       int32(row.EventCount),
			RepaidVolume:     row.RepaidVolume.String(),
			DrawnVolume:      row.DrawnVolume.String(),
			ClaimedVolume:    row.ClaimedVolume.String(),
			Originated:       row.Originated,
			Settled:          row.Settled,
			Defaulted:        row.Defaulted,
			FirstEventAt:     formatTime(row.FirstEventAt),
			LastEventAt:      formatTime(row.LastEventAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("reports: close parquet file: %w", err)
	}
	return nil
}

// derivedStatus resolves the loan's lifecycle state at report time. The mirror
// only moves on events, so a running loan whose deadline has since passed
// reads as defaulted here, matching the node's read-time derivation.
func derivedStatus(rec models.LoanRecord, now time.Time) string {
	if rec.Status == loan.StatusRunning.String() && rec.DefaultAt > 0 && now.Unix() >= rec.DefaultAt {
		return loan.StatusDefaulted.String()
	}
	return rec.Status
}

func addAmount(total *big.Int, raw string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() <= 0 {
		return
	}
	total.Add(total, amount)
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
