package covid

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pandemiclabs/covidlake/pkg/duck"
)

const (
	rawTableName        = "covid_daily_reports_raw"
	ingestFilesTable    = "covid_ingest_files"
	comprehensiveTable  = "covid_comprehensive"
	supplementaryTable  = "covid_supplementary"
	lastUpdateCSVLayout = time.RFC3339Nano
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     duck.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

// Store owns the raw daily-reports fact table, the ingest ledger, and the
// two derived tables.
type Store struct {
	log *slog.Logger
	db  duck.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		db:  cfg.DB,
	}, nil
}

// FactTableConfigDailyReports returns the fact table config for the raw
// daily-report rows. source_file and source_row record provenance and give
// the derived tables a deterministic tie-break.
func FactTableConfigDailyReports() duck.FactTableConfig {
	return duck.FactTableConfig{
		TableName:       rawTableName,
		PartitionByTime: true,
		TimeColumn:      "last_update",
		Columns: []string{
			"source_file:VARCHAR",
			"source_row:INTEGER",
			"ingested_at:TIMESTAMP",
			"fips:DOUBLE",
			"admin2:VARCHAR",
			"province_state:VARCHAR",
			"country_region:VARCHAR",
			"last_update:TIMESTAMP",
			"lat:DOUBLE",
			"long_:DOUBLE",
			"confirmed:DOUBLE",
			"deaths:DOUBLE",
			"active:DOUBLE",
			"combined_key:VARCHAR",
			"incident_rate:DOUBLE",
			"case_fatality_ratio:DOUBLE",
		},
	}
}

// EnsureTables creates the raw table and the ingest ledger if missing.
func (s *Store) EnsureTables(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := duck.CreateFactTable(ctx, s.log, conn, FactTableConfigDailyReports()); err != nil {
		return fmt.Errorf("failed to create raw table: %w", err)
	}

	ledgerSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s.%s (
		source_file VARCHAR NOT NULL,
		sha VARCHAR NOT NULL,
		row_count BIGINT NOT NULL,
		rejected_count BIGINT NOT NULL,
		ingested_at TIMESTAMP NOT NULL
	)`, s.db.Catalog(), s.db.Schema(), ingestFilesTable)
	if _, err := conn.ExecContext(ctx, ledgerSQL); err != nil {
		return fmt.Errorf("failed to create ingest ledger: %w", err)
	}
	return nil
}

// IngestedSHAs returns the blob sha recorded for each previously ingested
// source file.
func (s *Store) IngestedSHAs(ctx context.Context) (map[string]string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT source_file, sha FROM %s", ingestFilesTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest ledger: %w", err)
	}
	defer rows.Close()

	shas := make(map[string]string)
	for rows.Next() {
		var file, sha string
		if err := rows.Scan(&file, &sha); err != nil {
			return nil, fmt.Errorf("failed to scan ingest ledger row: %w", err)
		}
		shas[file] = sha
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingest ledger: %w", err)
	}
	return shas, nil
}

// ReplaceReport loads one parsed snapshot into the raw table, replacing any
// rows previously ingested from the same source file, and records the file
// in the ingest ledger.
func (s *Store) ReplaceReport(ctx context.Context, report *Report, sha string, ingestedAt time.Time) error {
	s.log.Debug("covid/store: replacing report", "file", report.SourceFile, "rows", len(report.Rows))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	cfg := FactTableConfigDailyReports()
	if err := duck.CreateFactTable(ctx, s.log, conn, cfg); err != nil {
		return fmt.Errorf("failed to create raw table: %w", err)
	}

	if _, err := conn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE source_file = ?", rawTableName),
		report.SourceFile); err != nil {
		return fmt.Errorf("failed to delete previous rows for %s: %w", report.SourceFile, err)
	}

	ingestedAtStr := ingestedAt.UTC().Format(lastUpdateCSVLayout)
	err = duck.InsertFactsViaCSV(ctx, s.log, conn, cfg, len(report.Rows), func(w *csv.Writer, i int) error {
		row := report.Rows[i]
		return w.Write([]string{
			report.SourceFile,
			strconv.Itoa(i),
			ingestedAtStr,
			formatFloat(row.FIPS),
			formatString(row.Admin2),
			formatString(row.ProvinceState),
			formatString(row.CountryRegion),
			formatTime(row.LastUpdate),
			formatFloat(row.Lat),
			formatFloat(row.Long),
			formatFloat(row.Confirmed),
			formatFloat(row.Deaths),
			formatFloat(row.Active),
			formatString(row.CombinedKey),
			formatFloat(row.IncidentRate),
			formatFloat(row.CaseFatalityRatio),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to insert rows for %s: %w", report.SourceFile, err)
	}

	return s.recordIngest(ctx, conn, report.SourceFile, sha, len(report.Rows), report.Rejected, ingestedAt)
}

// RecordSkippedFile notes a file that was fetched but carries no loadable
// rows (empty or recovered-only snapshots), so it is not refetched until its
// sha changes.
func (s *Store) RecordSkippedFile(ctx context.Context, sourceFile, sha string, ingestedAt time.Time) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	return s.recordIngest(ctx, conn, sourceFile, sha, 0, 0, ingestedAt)
}

func (s *Store) recordIngest(ctx context.Context, conn duck.Connection, sourceFile, sha string, rowCount, rejectedCount int, ingestedAt time.Time) error {
	if _, err := conn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE source_file = ?", ingestFilesTable),
		sourceFile); err != nil {
		return fmt.Errorf("failed to clear ingest ledger for %s: %w", sourceFile, err)
	}
	if _, err := conn.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (source_file, sha, row_count, rejected_count, ingested_at) VALUES (?, ?, ?, ?, ?)", ingestFilesTable),
		sourceFile, sha, rowCount, rejectedCount, ingestedAt.UTC()); err != nil {
		return fmt.Errorf("failed to record ingest for %s: %w", sourceFile, err)
	}
	return nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(lastUpdateCSVLayout)
}
