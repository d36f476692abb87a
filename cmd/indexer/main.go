package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/pandemiclabs/covidlake/pkg/duck"
	"github.com/pandemiclabs/covidlake/pkg/ghapi"
	"github.com/pandemiclabs/covidlake/pkg/indexer"
	"github.com/pandemiclabs/covidlake/pkg/indexer/metrics"
	"github.com/pandemiclabs/covidlake/pkg/indexer/server"
	"github.com/pandemiclabs/covidlake/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:3010"
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultRefreshInterval = 6 * time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	onceFlag := flag.Bool("once", false, "run a single refresh and exit instead of serving")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")

	// Database configuration
	duckLakeCatalogNameFlag := flag.String("ducklake-catalog-name", "covidlake", "Name of the DuckLake catalog (or set DUCKLAKE_CATALOG_NAME env var)")
	duckLakeCatalogURIFlag := flag.String("ducklake-catalog-uri", "file://.tmp/covidlake/catalog.sqlite", "URI to the DuckLake catalog (or set DUCKLAKE_CATALOG_URI / DATABASE_URL env var)")
	duckLakeStorageURIFlag := flag.String("ducklake-storage-uri", "file://.tmp/covidlake/data", "URI to the DuckLake storage directory (or set DUCKLAKE_STORAGE_URI env var)")
	duckDBPathFlag := flag.String("duckdb-path", "", "Path to a plain DuckDB database file, used instead of DuckLake when set")

	// Upstream configuration
	githubRepoFlag := flag.String("github-repo", ghapi.DefaultRepo, "GitHub repository holding the daily reports")
	reportsPathFlag := flag.String("reports-path", ghapi.DefaultReportsPath, "Path to the daily-reports directory within the repository")
	refreshIntervalFlag := flag.Duration("refresh-interval", defaultRefreshInterval, "interval between refreshes of the upstream repository")

	flag.Parse()

	// .env is optional; real environments set vars directly.
	_ = godotenv.Load()

	// Override flags with environment variables if set
	if envCatalogURI := os.Getenv("DUCKLAKE_CATALOG_URI"); envCatalogURI != "" {
		*duckLakeCatalogURIFlag = envCatalogURI
	} else if envDatabaseURL := os.Getenv("DATABASE_URL"); envDatabaseURL != "" {
		*duckLakeCatalogURIFlag = envDatabaseURL
	}
	if envStorageURI := os.Getenv("DUCKLAKE_STORAGE_URI"); envStorageURI != "" {
		*duckLakeStorageURIFlag = envStorageURI
	}
	if envCatalogName := os.Getenv("DUCKLAKE_CATALOG_NAME"); envCatalogName != "" {
		*duckLakeCatalogNameFlag = envCatalogName
	}
	githubToken := os.Getenv("GITHUB_API_TOKEN")

	log := logger.New(*verboseFlag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	// Initialize the database: plain DuckDB when a path is given, DuckLake
	// otherwise.
	var db duck.DB
	if *duckDBPathFlag != "" {
		log.Info("initializing duckdb database", "path", *duckDBPathFlag)
		plainDB, err := duck.NewDB(ctx, *duckDBPathFlag, log)
		if err != nil {
			return fmt.Errorf("failed to create DuckDB database: %w", err)
		}
		db = plainDB
	} else {
		s3Config, err := duck.PrepareS3ConfigForStorageURI(ctx, log, *duckLakeStorageURIFlag)
		if err != nil {
			return err
		}
		log.Info("initializing ducklake database", "catalog", *duckLakeCatalogNameFlag, "catalogURI", duck.RedactedCatalogURI(*duckLakeCatalogURIFlag), "storageURI", *duckLakeStorageURIFlag)
		lake, err := duck.NewLake(ctx, log, *duckLakeCatalogNameFlag, *duckLakeCatalogURIFlag, *duckLakeStorageURIFlag, s3Config)
		if err != nil {
			return fmt.Errorf("failed to create DuckLake database: %w", err)
		}
		db = lake
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	githubClient, err := ghapi.NewClient(ghapi.Config{
		Logger:      log,
		Repo:        *githubRepoFlag,
		ReportsPath: *reportsPathFlag,
		Token:       githubToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	indexerConfig := indexer.Config{
		Logger:          log,
		Clock:           clockwork.NewRealClock(),
		DB:              db,
		Fetcher:         githubClient,
		RefreshInterval: *refreshIntervalFlag,
	}

	if *onceFlag {
		idx, err := indexer.New(ctx, indexerConfig)
		if err != nil {
			return fmt.Errorf("failed to create indexer: %w", err)
		}
		if err := idx.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		log.Info("refresh complete, exiting")
		return nil
	}

	srv, err := server.New(ctx, server.Config{
		ListenAddr:        *listenAddrFlag,
		ReadHeaderTimeout: 30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		IndexerConfig:     indexerConfig,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		if err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
