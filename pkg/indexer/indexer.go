package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pandemiclabs/covidlake/pkg/indexer/covid"
)

// Indexer owns the covid view and keeps it refreshing for the lifetime of
// the process.
type Indexer struct {
	log *slog.Logger
	cfg Config

	covid *covid.View

	startedAt time.Time
}

func New(ctx context.Context, cfg Config) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	covidView, err := covid.NewView(covid.ViewConfig{
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Fetcher:         cfg.Fetcher,
		DB:              cfg.DB,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create covid view: %w", err)
	}

	return &Indexer{
		log:   cfg.Logger,
		cfg:   cfg,
		covid: covidView,
	}, nil
}

func (i *Indexer) Ready() bool {
	return i.covid.Ready()
}

func (i *Indexer) WaitReady(ctx context.Context) error {
	return i.covid.WaitReady(ctx)
}

func (i *Indexer) Start(ctx context.Context) {
	i.startedAt = i.cfg.Clock.Now()
	i.covid.Start(ctx)
}

// Refresh runs a single synchronous refresh of the covid view. Used by the
// one-shot mode.
func (i *Indexer) Refresh(ctx context.Context) error {
	return i.covid.Refresh(ctx)
}

func (i *Indexer) Close() error {
	return nil
}
