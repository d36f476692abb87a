package covid

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pandemiclabs/covidlake/pkg/duck"
	"github.com/pandemiclabs/covidlake/pkg/ghapi"
	"github.com/stretchr/testify/require"
)

type mockFetcher struct {
	ListDailyReportsFunc func(ctx context.Context) ([]ghapi.ReportFile, error)
	FetchCSVFunc         func(ctx context.Context, downloadURL string) ([]byte, error)
}

func (m *mockFetcher) ListDailyReports(ctx context.Context) ([]ghapi.ReportFile, error) {
	return m.ListDailyReportsFunc(ctx)
}

func (m *mockFetcher) FetchCSV(ctx context.Context, downloadURL string) ([]byte, error) {
	return m.FetchCSVFunc(ctx, downloadURL)
}

func testDB(t *testing.T) duck.DB {
	t.Helper()
	db, err := duck.NewDB(context.Background(), t.TempDir()+"/test.db", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func snapshotCSV(confirmed int) []byte {
	return []byte(fmt.Sprintf(
		"FIPS,Admin2,Province_State,Country_Region,Last_Update,Lat,Long_,Confirmed,Deaths\n"+
			"45001,Abbeville,South Carolina,US,2020-05-30 02:32:48,34.22,-82.46,%d,0\n", confirmed))
}

func TestViewConfig_Validate(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	db := testDB(t)

	tests := []struct {
		name    string
		cfg     ViewConfig
		wantErr string
	}{
		{"missing_logger", ViewConfig{Fetcher: fetcher, DB: db, RefreshInterval: time.Minute}, "logger is required"},
		{"missing_fetcher", ViewConfig{Logger: testLogger(), DB: db, RefreshInterval: time.Minute}, "fetcher is required"},
		{"missing_db", ViewConfig{Logger: testLogger(), Fetcher: fetcher, RefreshInterval: time.Minute}, "database is required"},
		{"zero_interval", ViewConfig{Logger: testLogger(), Fetcher: fetcher, DB: db}, "refresh interval must be greater than 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.ErrorContains(t, err, tt.wantErr)
		})
	}

	cfg := ViewConfig{Logger: testLogger(), Fetcher: fetcher, DB: db, RefreshInterval: time.Minute}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
}

func TestView_Refresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("loads_files_and_builds_derived_tables", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{
			ListDailyReportsFunc: func(ctx context.Context) ([]ghapi.ReportFile, error) {
				return []ghapi.ReportFile{
					{Name: "05-29-2020.csv", SHA: "a", DownloadURL: "http://example.com/05-29-2020.csv"},
					{Name: "05-30-2020.csv", SHA: "b", DownloadURL: "http://example.com/05-30-2020.csv"},
				}, nil
			},
			FetchCSVFunc: func(ctx context.Context, url string) ([]byte, error) {
				if url == "http://example.com/05-29-2020.csv" {
					return []byte(
						"FIPS,Admin2,Province_State,Country_Region,Last_Update,Lat,Long_,Confirmed,Deaths\n" +
							"45001,Abbeville,South Carolina,US,2020-05-29 02:32:48,34.22,-82.46,40,0\n"), nil
				}
				return snapshotCSV(47), nil
			},
		}

		view, err := NewView(ViewConfig{
			Logger:          testLogger(),
			Fetcher:         fetcher,
			DB:              testDB(t),
			RefreshInterval: time.Minute,
		})
		require.NoError(t, err)
		require.False(t, view.Ready())

		require.NoError(t, view.Refresh(ctx))
		require.True(t, view.Ready())

		require.Equal(t, 2, view.store.countRows(t, rawTableName))
		require.Equal(t, 1, view.store.countRows(t, comprehensiveTable))
		// Two consecutive days for the same county produce one diff row.
		require.Equal(t, 1, view.store.countRows(t, supplementaryTable))
	})

	t.Run("skips_unchanged_files", func(t *testing.T) {
		t.Parallel()

		var fetches atomic.Int32
		fetcher := &mockFetcher{
			ListDailyReportsFunc: func(ctx context.Context) ([]ghapi.ReportFile, error) {
				return []ghapi.ReportFile{
					{Name: "05-30-2020.csv", SHA: "a", DownloadURL: "http://example.com/f.csv"},
				}, nil
			},
			FetchCSVFunc: func(ctx context.Context, url string) ([]byte, error) {
				fetches.Add(1)
				return snapshotCSV(47), nil
			},
		}

		view, err := NewView(ViewConfig{
			Logger:          testLogger(),
			Fetcher:         fetcher,
			DB:              testDB(t),
			RefreshInterval: time.Minute,
		})
		require.NoError(t, err)

		require.NoError(t, view.Refresh(ctx))
		require.NoError(t, view.Refresh(ctx))
		require.Equal(t, int32(1), fetches.Load())
	})

	t.Run("refetches_when_sha_changes", func(t *testing.T) {
		t.Parallel()

		var sha atomic.Value
		sha.Store("a")
		var fetches atomic.Int32
		fetcher := &mockFetcher{
			ListDailyReportsFunc: func(ctx context.Context) ([]ghapi.ReportFile, error) {
				return []ghapi.ReportFile{
					{Name: "05-30-2020.csv", SHA: sha.Load().(string), DownloadURL: "http://example.com/f.csv"},
				}, nil
			},
			FetchCSVFunc: func(ctx context.Context, url string) ([]byte, error) {
				fetches.Add(1)
				return snapshotCSV(50), nil
			},
		}

		view, err := NewView(ViewConfig{
			Logger:          testLogger(),
			Fetcher:         fetcher,
			DB:              testDB(t),
			RefreshInterval: time.Minute,
		})
		require.NoError(t, err)

		require.NoError(t, view.Refresh(ctx))
		sha.Store("b")
		require.NoError(t, view.Refresh(ctx))
		require.Equal(t, int32(2), fetches.Load())
		// The file was replaced, not appended.
		require.Equal(t, 1, view.store.countRows(t, rawTableName))
	})

	t.Run("single_file_failure_does_not_fail_refresh", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{
			ListDailyReportsFunc: func(ctx context.Context) ([]ghapi.ReportFile, error) {
				return []ghapi.ReportFile{
					{Name: "05-29-2020.csv", SHA: "a", DownloadURL: "http://example.com/bad.csv"},
					{Name: "05-30-2020.csv", SHA: "b", DownloadURL: "http://example.com/good.csv"},
				}, nil
			},
			FetchCSVFunc: func(ctx context.Context, url string) ([]byte, error) {
				if url == "http://example.com/bad.csv" {
					return nil, errors.New("boom")
				}
				return snapshotCSV(47), nil
			},
		}

		view, err := NewView(ViewConfig{
			Logger:          testLogger(),
			Fetcher:         fetcher,
			DB:              testDB(t),
			RefreshInterval: time.Minute,
		})
		require.NoError(t, err)

		require.NoError(t, view.Refresh(ctx))
		require.True(t, view.Ready())
		require.Equal(t, 1, view.store.countRows(t, rawTableName))

		// The failed file is not in the ledger, so it is retried next time.
		shas, err := view.store.IngestedSHAs(ctx)
		require.NoError(t, err)
		require.NotContains(t, shas, "05-29-2020.csv")
	})

	t.Run("list_failure_fails_refresh", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{
			ListDailyReportsFunc: func(ctx context.Context) ([]ghapi.ReportFile, error) {
				return nil, errors.New("rate limited")
			},
		}

		view, err := NewView(ViewConfig{
			Logger:          testLogger(),
			Fetcher:         fetcher,
			DB:              testDB(t),
			RefreshInterval: time.Minute,
		})
		require.NoError(t, err)

		require.Error(t, view.Refresh(ctx))
		require.False(t, view.Ready())
	})

	t.Run("empty_and_recovered_only_files_are_ledgered", func(t *testing.T) {
		t.Parallel()

		var fetches atomic.Int32
		fetcher := &mockFetcher{
			ListDailyReportsFunc: func(ctx context.Context) ([]ghapi.ReportFile, error) {
				return []ghapi.ReportFile{
					{Name: "empty.csv", SHA: "a", DownloadURL: "http://example.com/empty.csv"},
					{Name: "recovered.csv", SHA: "b", DownloadURL: "http://example.com/recovered.csv"},
				}, nil
			},
			FetchCSVFunc: func(ctx context.Context, url string) ([]byte, error) {
				fetches.Add(1)
				if url == "http://example.com/empty.csv" {
					return []byte("\n"), nil
				}
				return []byte("Recovered\n12\n"), nil
			},
		}

		view, err := NewView(ViewConfig{
			Logger:          testLogger(),
			Fetcher:         fetcher,
			DB:              testDB(t),
			RefreshInterval: time.Minute,
		})
		require.NoError(t, err)

		require.NoError(t, view.Refresh(ctx))
		require.Equal(t, 0, view.store.countRows(t, rawTableName))

		// Both are in the ledger and not refetched.
		require.NoError(t, view.Refresh(ctx))
		require.Equal(t, int32(2), fetches.Load())
	})
}

func TestView_Start(t *testing.T) {
	t.Parallel()

	var refreshes atomic.Int32
	fetcher := &mockFetcher{
		ListDailyReportsFunc: func(ctx context.Context) ([]ghapi.ReportFile, error) {
			refreshes.Add(1)
			return nil, nil
		},
		FetchCSVFunc: func(ctx context.Context, url string) ([]byte, error) {
			return nil, errors.New("unexpected fetch")
		},
	}

	clock := clockwork.NewFakeClock()
	view, err := NewView(ViewConfig{
		Logger:          testLogger(),
		Clock:           clock,
		Fetcher:         fetcher,
		DB:              testDB(t),
		RefreshInterval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, view.WaitReady(waitCtx))
	require.Equal(t, int32(1), refreshes.Load())

	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return refreshes.Load() == 2
	}, 10*time.Second, 10*time.Millisecond)
}
