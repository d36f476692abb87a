package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// FactTableConfig describes an append-only fact table.
type FactTableConfig struct {
	// TableName is the name of the fact table.
	TableName string
	// Columns defines all columns in order, as name:type pairs
	// (e.g. "last_update:TIMESTAMP", "country_region:VARCHAR").
	Columns []string
	// PartitionByTime partitions the table by year/month/day of TimeColumn
	// when the store is a DuckLake.
	PartitionByTime bool
	// TimeColumn is the timestamp column used for partitioning.
	TimeColumn string
}

// InsertFactsViaCSV appends rows to a fact table. Rows are written to a temp
// CSV, loaded into a per-transaction staging table with COPY FROM, then
// inserted into the fact table. The transaction is retried on DuckLake
// transaction conflicts.
func InsertFactsViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg FactTableConfig,
	count int,
	writeCSVFn func(*csv.Writer, int) error,
) error {
	ingestStart := time.Now()
	defer func() {
		log.Debug("fact table ingestion completed",
			"table", cfg.TableName,
			"rows", count,
			"duration", time.Since(ingestStart).String())
	}()

	if len(cfg.Columns) == 0 {
		return fmt.Errorf("columns cannot be empty")
	}
	if cfg.PartitionByTime && cfg.TimeColumn == "" {
		return fmt.Errorf("time_column is required when partition_by_time is true")
	}

	if err := CreateFactTable(ctx, log, conn, cfg); err != nil {
		return fmt.Errorf("failed to create fact table: %w", err)
	}

	if count == 0 {
		return nil
	}

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_facts_*.csv", cfg.TableName))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	csvWriter := csv.NewWriter(tmpFile)
	for i := range count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during CSV writing: %w", ctx.Err())
		default:
		}
		if err := writeCSVFn(csvWriter, i); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}

	colNames, err := columnNames(cfg.Columns)
	if err != nil {
		return err
	}

	return retryWithBackoff(ctx, log, fmt.Sprintf("fact table %s", cfg.TableName), func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before transaction for %s: %w", cfg.TableName, ctx.Err())
		default:
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.TableName, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "table", cfg.TableName, "error", err)
			}
		}()

		db := conn.DB()

		stageTableName := cfg.TableName + "_stage"
		if err := createStageTable(ctx, tx, cfg.Columns, stageTableName); err != nil {
			return fmt.Errorf("failed to create stage table: %w", err)
		}

		copySQL := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER false)", stageTableName, tmpFile.Name())
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to COPY FROM CSV: %w", err)
		}

		colList := strings.Join(colNames, ", ")
		insertSQL := fmt.Sprintf(`INSERT INTO %s.%s.%s (%s)
			SELECT %s FROM %s`,
			db.Catalog(), db.Schema(), cfg.TableName,
			colList,
			colList,
			stageTableName)
		if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
			return fmt.Errorf("failed to insert into fact table: %w", err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", stageTableName)); err != nil {
			log.Error("failed to drop stage table", "error", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// CreateFactTable creates the fact table if it doesn't exist.
func CreateFactTable(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg FactTableConfig,
) error {
	db := conn.DB()

	colDefs := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		name, typ, err := splitColumn(col)
		if err != nil {
			return err
		}
		colDefs = append(colDefs, fmt.Sprintf("%s %s", name, typ))
	}

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s.%s (
		%s
	)`,
		db.Catalog(), db.Schema(), cfg.TableName,
		strings.Join(colDefs, ",\n\t\t"))
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create fact table: %w", err)
	}

	if cfg.PartitionByTime {
		if _, ok := db.(*Lake); ok {
			partitionSQL := fmt.Sprintf(`ALTER TABLE %s.%s.%s SET PARTITIONED BY (year(%s), month(%s), day(%s))`,
				db.Catalog(), db.Schema(), cfg.TableName,
				cfg.TimeColumn, cfg.TimeColumn, cfg.TimeColumn)
			if _, err := conn.ExecContext(ctx, partitionSQL); err != nil {
				// Idempotent: the table may already be partitioned.
				log.Debug("failed to set partitioning (may already be partitioned)", "error", err)
			}
		}
	}

	return nil
}

func createStageTable(ctx context.Context, tx *sql.Tx, columns []string, stageTableName string) error {
	// All VARCHAR in staging; DuckDB casts on INSERT into the typed table.
	colDefs := make([]string, 0, len(columns))
	for _, col := range columns {
		name, _, err := splitColumn(col)
		if err != nil {
			return err
		}
		colDefs = append(colDefs, name+" VARCHAR")
	}

	createSQL := fmt.Sprintf(`CREATE TEMP TABLE %s (
		%s
	)`,
		stageTableName,
		strings.Join(colDefs, ",\n\t\t"))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create stage table: %w", err)
	}
	return nil
}

func splitColumn(col string) (name, typ string, err error) {
	parts := strings.SplitN(col, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func columnNames(columns []string) ([]string, error) {
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		name, _, err := splitColumn(col)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}
