package covid

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pandemiclabs/covidlake/pkg/indexer/metrics"
)

var (
	// ErrEmptySnapshot marks a snapshot with no content worth loading.
	ErrEmptySnapshot = errors.New("snapshot is empty")
	// ErrRecoveredOnly marks the legacy snapshots that carry only a
	// recovered column and no entity data.
	ErrRecoveredOnly = errors.New("snapshot contains only the recovered column")
)

// Row is one normalized daily-report record in the target shape. Pointer
// fields are nullable; older snapshots are missing most of them. The legacy
// recovered column is dropped during normalization.
type Row struct {
	FIPS              *float64
	Admin2            *string
	ProvinceState     *string
	CountryRegion     *string
	LastUpdate        *time.Time
	Lat               *float64
	Long              *float64
	Confirmed         *float64
	Deaths            *float64
	Active            *float64
	CombinedKey       *string
	IncidentRate      *float64
	CaseFatalityRatio *float64
}

// Report is one parsed and validated snapshot file.
type Report struct {
	SourceFile string
	Rows       []Row
	Rejected   int
}

type columnKind int

const (
	kindString columnKind = iota
	kindFloat
	kindTimestamp
)

type column struct {
	name string
	kind columnKind
}

// targetColumns is the declarative schema every snapshot is normalized into,
// regardless of which historical header shape it was published with. All
// columns are nullable.
var targetColumns = []column{
	{"fips", kindFloat},
	{"admin2", kindString},
	{"province_state", kindString},
	{"country_region", kindString},
	{"last_update", kindTimestamp},
	{"lat", kindFloat},
	{"long_", kindFloat},
	{"confirmed", kindFloat},
	{"deaths", kindFloat},
	{"active", kindFloat},
	{"combined_key", kindString},
	{"incident_rate", kindFloat},
	{"case_fatality_ratio", kindFloat},
}

// headerRenames maps normalized header names that changed across the
// dataset's history onto the target schema names.
var headerRenames = map[string]string{
	"latitude":       "lat",
	"longitude":      "long_",
	"incidence_rate": "incident_rate",
}

// lastUpdateLayouts covers the timestamp formats that appear in last_update
// across the dataset's revisions.
var lastUpdateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04",
	"1/2/2006 15:04:05",
	"1/2/06 15:04",
}

// ParseReport parses one snapshot body into the target shape.
//
// Header names are normalized (lowercased, spaces/dashes/slashes become
// underscores, historical renames applied), columns missing from older
// snapshots become NULL, unknown columns are ignored, and values that fail
// coercion become NULL. Rows that fail CSV parsing, rows with a malformed
// field count, and rows with negative confirmed or deaths counts are
// rejected individually; the remaining rows still load.
func ParseReport(log *slog.Logger, sourceFile string, data []byte) (*Report, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptySnapshot
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map target column name -> index in the source header.
	indexes := make(map[string]int, len(header))
	for i, h := range header {
		indexes[normalizeHeader(h)] = i
	}

	if _, ok := indexes["recovered"]; ok && len(indexes) == 1 {
		return nil, ErrRecoveredOnly
	}

	report := &Report{SourceFile: sourceFile}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			log.Warn("rejecting malformed CSV row", "file", sourceFile, "line", line, "error", err)
			metrics.RowsRejectedTotal.WithLabelValues("malformed_csv").Inc()
			report.Rejected++
			continue
		}
		if len(record) != len(header) {
			log.Warn("rejecting row with unexpected field count", "file", sourceFile, "line", line)
			metrics.RowsRejectedTotal.WithLabelValues("field_count").Inc()
			report.Rejected++
			continue
		}

		row := buildRow(record, indexes)
		if isNegative(row.Confirmed) || isNegative(row.Deaths) {
			log.Warn("rejecting row with negative case counts", "file", sourceFile, "line", line)
			metrics.RowsRejectedTotal.WithLabelValues("negative_count").Inc()
			report.Rejected++
			continue
		}
		report.Rows = append(report.Rows, row)
	}

	return report, nil
}

func buildRow(record []string, indexes map[string]int) Row {
	var row Row
	for _, col := range targetColumns {
		idx, ok := indexes[col.name]
		if !ok || idx >= len(record) {
			continue
		}
		raw := strings.TrimSpace(record[idx])
		if raw == "" {
			continue
		}
		switch col.kind {
		case kindString:
			setString(&row, col.name, raw)
		case kindFloat:
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				setFloat(&row, col.name, v)
			}
		case kindTimestamp:
			if ts, ok := parseLastUpdate(raw); ok {
				row.LastUpdate = &ts
			}
		}
	}
	return row
}

func setString(row *Row, name, v string) {
	switch name {
	case "admin2":
		row.Admin2 = &v
	case "province_state":
		row.ProvinceState = &v
	case "country_region":
		row.CountryRegion = &v
	case "combined_key":
		row.CombinedKey = &v
	}
}

func setFloat(row *Row, name string, v float64) {
	switch name {
	case "fips":
		row.FIPS = &v
	case "lat":
		row.Lat = &v
	case "long_":
		row.Long = &v
	case "confirmed":
		row.Confirmed = &v
	case "deaths":
		row.Deaths = &v
	case "active":
		row.Active = &v
	case "incident_rate":
		row.IncidentRate = &v
	case "case_fatality_ratio":
		row.CaseFatalityRatio = &v
	}
}

func parseLastUpdate(raw string) (time.Time, bool) {
	for _, layout := range lastUpdateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(h)
	if renamed, ok := headerRenames[h]; ok {
		return renamed
	}
	return h
}

func isNegative(v *float64) bool {
	return v != nil && *v < 0
}
