package covid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pandemiclabs/covidlake/pkg/duck"
	"github.com/pandemiclabs/covidlake/pkg/ghapi"
	"github.com/pandemiclabs/covidlake/pkg/indexer/metrics"
)

// Fetcher provides the daily-report listing and file contents.
type Fetcher interface {
	ListDailyReports(ctx context.Context) ([]ghapi.ReportFile, error)
	FetchCSV(ctx context.Context, downloadURL string) ([]byte, error)
}

type ViewConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Fetcher Fetcher
	DB      duck.DB

	RefreshInterval time.Duration
}

func (cfg *ViewConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// View keeps the raw daily-report table in sync with the upstream repository
// and recomputes the derived tables after each sync.
type View struct {
	log   *slog.Logger
	cfg   ViewConfig
	store *Store

	fetchedAt time.Time

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewView(
	cfg ViewConfig,
) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	store, err := NewStore(StoreConfig{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	v := &View{
		log:     cfg.Logger,
		cfg:     cfg,
		store:   store,
		readyCh: make(chan struct{}),
	}
	return v, nil
}

func (v *View) Store() *Store {
	return v.store
}

func (v *View) Ready() bool {
	select {
	case <-v.readyCh:
		return true
	default:
		return false
	}
}

func (v *View) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for covid view: %w", ctx.Err())
	}
}

func (v *View) Start(ctx context.Context) {
	go func() {
		v.log.Info("covid: starting refresh loop", "interval", v.cfg.RefreshInterval)

		if err := v.Refresh(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			v.log.Error("covid: initial refresh failed", "error", err)
		}
		ticker := v.cfg.Clock.NewTicker(v.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := v.Refresh(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					v.log.Error("covid: refresh failed", "error", err)
				}
			}
		}
	}()
}

// Refresh lists the upstream daily reports, ingests every file whose blob
// sha is new or changed, and rebuilds the derived tables. A failure to list
// or to rebuild fails the refresh; a failure on a single file is logged and
// skipped so one bad snapshot cannot stall the rest.
func (v *View) Refresh(ctx context.Context) error {
	refreshStart := time.Now()
	v.log.Debug("covid: refresh started", "start_time", refreshStart)
	defer func() {
		duration := time.Since(refreshStart)
		v.log.Info("covid: refresh finished", "duration", duration.String())
		metrics.ViewRefreshDuration.WithLabelValues("covid").Observe(duration.Seconds())
		if err := recover(); err != nil {
			metrics.ViewRefreshTotal.WithLabelValues("covid", "error").Inc()
			panic(err)
		}
	}()

	if err := v.store.EnsureTables(ctx); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("covid", "error").Inc()
		return fmt.Errorf("failed to ensure tables: %w", err)
	}

	files, err := v.cfg.Fetcher.ListDailyReports(ctx)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("covid", "error").Inc()
		return fmt.Errorf("failed to list daily reports: %w", err)
	}

	ingested, err := v.store.IngestedSHAs(ctx)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("covid", "error").Inc()
		return fmt.Errorf("failed to load ingest ledger: %w", err)
	}

	fetchedAt := time.Now().UTC()
	var loaded, skipped, failed int
	for _, file := range files {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during refresh: %w", ctx.Err())
		default:
		}

		if sha, ok := ingested[file.Name]; ok && sha == file.SHA {
			metrics.SnapshotFilesTotal.WithLabelValues("unchanged").Inc()
			skipped++
			continue
		}

		if err := v.ingestFile(ctx, file, fetchedAt); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			v.log.Error("covid: failed to ingest file", "file", file.Name, "error", err)
			metrics.SnapshotFilesTotal.WithLabelValues("failed").Inc()
			failed++
			continue
		}
		loaded++
	}

	v.log.Debug("covid: ingest pass complete",
		"files", len(files), "loaded", loaded, "unchanged", skipped, "failed", failed)

	if err := v.store.RebuildComprehensive(ctx); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("covid", "error").Inc()
		return fmt.Errorf("failed to rebuild comprehensive table: %w", err)
	}
	if err := v.store.RebuildSupplementary(ctx); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("covid", "error").Inc()
		return fmt.Errorf("failed to rebuild supplementary table: %w", err)
	}

	v.fetchedAt = fetchedAt
	v.readyOnce.Do(func() {
		close(v.readyCh)
		v.log.Info("covid: view is now ready")
	})

	v.log.Debug("covid: refresh completed", "fetched_at", fetchedAt)
	metrics.ViewRefreshTotal.WithLabelValues("covid", "success").Inc()
	return nil
}

func (v *View) ingestFile(ctx context.Context, file ghapi.ReportFile, fetchedAt time.Time) error {
	data, err := v.cfg.Fetcher.FetchCSV(ctx, file.DownloadURL)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", file.Name, err)
	}

	report, err := ParseReport(v.log, file.Name, data)
	if err != nil {
		if errors.Is(err, ErrEmptySnapshot) || errors.Is(err, ErrRecoveredOnly) {
			v.log.Debug("covid: skipping snapshot with no loadable rows", "file", file.Name, "reason", err)
			metrics.SnapshotFilesTotal.WithLabelValues("skipped").Inc()
			return v.store.RecordSkippedFile(ctx, file.Name, file.SHA, fetchedAt)
		}
		return fmt.Errorf("failed to parse %s: %w", file.Name, err)
	}

	if err := v.store.ReplaceReport(ctx, report, file.SHA, fetchedAt); err != nil {
		return fmt.Errorf("failed to load %s: %w", file.Name, err)
	}
	metrics.SnapshotFilesTotal.WithLabelValues("loaded").Inc()
	metrics.RowsIngestedTotal.Add(float64(len(report.Rows)))
	return nil
}
