package indexer

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pandemiclabs/covidlake/pkg/duck"
	"github.com/pandemiclabs/covidlake/pkg/indexer/covid"
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	DB      duck.DB
	Fetcher covid.Fetcher

	RefreshInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.Fetcher == nil {
		return errors.New("fetcher is required")
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
