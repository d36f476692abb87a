package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/pandemiclabs/covidlake/pkg/indexer"
)

// Server runs the indexer's refresh loops and exposes health and readiness
// endpoints. /health answers as soon as the process is up; /ready answers
// 200 only once the first refresh has completed.
type Server struct {
	cfg Config

	indexer *indexer.Indexer

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	idx, err := indexer.New(ctx, cfg.IndexerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	return &Server{
		cfg:     cfg,
		indexer: idx,
	}, nil
}

func (s *Server) Indexer() *indexer.Indexer {
	return s.indexer
}

func (s *Server) Run(ctx context.Context) error {
	s.indexer.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.indexer.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}
	})
}
