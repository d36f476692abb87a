package ghapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pandemiclabs/covidlake/pkg/indexer/metrics"
)

const (
	DefaultBaseURL     = "https://api.github.com"
	DefaultRepo        = "CSSEGISandData/COVID-19"
	DefaultReportsPath = "csse_covid_19_data/csse_covid_19_daily_reports"

	userAgent = "covidlake-indexer/1.0"
)

// HTTPClient is satisfied by *http.Client and by test doubles.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ReportFile is one dated CSV snapshot in the daily-reports directory.
type ReportFile struct {
	Name        string `json:"name"`
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

type Config struct {
	Logger      *slog.Logger
	BaseURL     string // defaults to DefaultBaseURL
	Repo        string // defaults to DefaultRepo
	ReportsPath string // defaults to DefaultReportsPath
	Token       string // optional; sent as a token Authorization header
	HTTPClient  HTTPClient
}

// Client lists and downloads daily-report CSV snapshots through the GitHub
// contents API.
type Client struct {
	log         *slog.Logger
	baseURL     string
	repo        string
	reportsPath string
	token       string
	httpClient  HTTPClient
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Repo == "" {
		cfg.Repo = DefaultRepo
	}
	if cfg.ReportsPath == "" {
		cfg.ReportsPath = DefaultReportsPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		log:         cfg.Logger,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		repo:        cfg.Repo,
		reportsPath: cfg.ReportsPath,
		token:       cfg.Token,
		httpClient:  cfg.HTTPClient,
	}, nil
}

// ListDailyReports returns the CSV files in the daily-reports directory,
// sorted by name. Non-CSV entries (README, gitignore) are skipped.
func (c *Client) ListDailyReports(ctx context.Context) ([]ReportFile, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/contents/%s", c.baseURL, c.repo, c.reportsPath)

	body, err := c.get(ctx, endpoint, "list_reports")
	if err != nil {
		return nil, fmt.Errorf("failed to list daily reports: %w", err)
	}

	var entries []ReportFile
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode contents listing: %w", err)
	}

	files := make([]ReportFile, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name, ".csv") || entry.DownloadURL == "" {
			continue
		}
		files = append(files, entry)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	c.log.Debug("ghapi: listed daily reports", "total", len(entries), "csv", len(files))
	return files, nil
}

// FetchCSV downloads one snapshot body from its raw download URL.
func (c *Client) FetchCSV(ctx context.Context, downloadURL string) ([]byte, error) {
	body, err := c.get(ctx, downloadURL, "fetch_csv")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch CSV: %w", err)
	}
	return body, nil
}

// get performs a GET with retries. 5xx and 429 responses and transport errors
// are retried with exponential backoff; other non-200 statuses are permanent.
func (c *Client) get(ctx context.Context, endpoint, operation string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(10*time.Second),
		backoff.WithMaxElapsedTime(2*time.Minute),
	)

	var body []byte
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.token != "" {
			req.Header.Set("Authorization", "token "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.GitHubAPIErrors.WithLabelValues(operation, "transport").Inc()
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			if retryableStatus(resp.StatusCode) {
				metrics.GitHubAPIErrors.WithLabelValues(operation, "http_status").Inc()
				return fmt.Errorf("request failed with status %d", resp.StatusCode)
			}
			metrics.GitHubAPIErrors.WithLabelValues(operation, "http_status").Inc()
			return backoff.Permanent(fmt.Errorf("request failed with status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			metrics.GitHubAPIErrors.WithLabelValues(operation, "read_body").Inc()
			return fmt.Errorf("failed to read response body: %w", err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
