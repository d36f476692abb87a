package covid

import (
	"context"
	"fmt"
	"time"
)

// RebuildComprehensive recomputes the latest-per-entity table from the raw
// daily reports. An entity is a (country_region, province_state, admin2)
// tuple; for each one the row with the newest last_update wins, with ties
// broken by source_file then source_row so the result is deterministic.
// Rows with no parseable last_update or with negative counts never make it
// in.
func (s *Store) RebuildComprehensive(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.log.Debug("covid/store: rebuilt comprehensive table", "duration", time.Since(start).String())
	}()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	sql := fmt.Sprintf(`CREATE OR REPLACE TABLE %s.%s.%s AS
		WITH ranked AS (
			SELECT
				fips,
				admin2,
				province_state,
				country_region,
				last_update,
				lat,
				long_,
				confirmed,
				deaths,
				active,
				combined_key,
				incident_rate,
				case_fatality_ratio,
				ROW_NUMBER() OVER (
					PARTITION BY country_region, province_state, admin2
					ORDER BY last_update DESC, source_file DESC, source_row DESC
				) AS rn
			FROM %s
			WHERE last_update IS NOT NULL
			  AND (confirmed IS NULL OR confirmed >= 0)
			  AND (deaths IS NULL OR deaths >= 0)
		)
		SELECT
			fips,
			admin2,
			province_state,
			country_region,
			last_update,
			lat,
			long_,
			confirmed,
			deaths,
			active,
			combined_key,
			incident_rate,
			case_fatality_ratio
		FROM ranked
		WHERE rn = 1
		ORDER BY country_region, province_state, admin2`,
		s.db.Catalog(), s.db.Schema(), comprehensiveTable,
		rawTableName)

	if _, err := conn.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("failed to rebuild %s: %w", comprehensiveTable, err)
	}
	return nil
}

// RebuildSupplementary recomputes the day-over-day delta table. Raw rows are
// first reduced to one observation per entity per report date (latest wins),
// then each observation is diffed against the previous date for the same
// entity with LAG. The first observation for an entity has no previous day
// and is dropped, as are rows without coordinates.
func (s *Store) RebuildSupplementary(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.log.Debug("covid/store: rebuilt supplementary table", "duration", time.Since(start).String())
	}()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	sql := fmt.Sprintf(`CREATE OR REPLACE TABLE %s.%s.%s AS
		WITH ranked AS (
			SELECT
				admin2,
				province_state,
				country_region,
				CAST(last_update AS DATE) AS report_date,
				last_update,
				lat,
				long_,
				confirmed,
				deaths,
				combined_key,
				ROW_NUMBER() OVER (
					PARTITION BY country_region, province_state, admin2, CAST(last_update AS DATE)
					ORDER BY last_update DESC, source_file DESC, source_row DESC
				) AS rn
			FROM %s
			WHERE last_update IS NOT NULL
			  AND (confirmed IS NULL OR confirmed >= 0)
			  AND (deaths IS NULL OR deaths >= 0)
		),
		daily AS (
			SELECT * FROM ranked WHERE rn = 1
		),
		diffed AS (
			SELECT
				admin2,
				province_state,
				country_region,
				report_date,
				last_update,
				lat,
				long_,
				combined_key,
				confirmed,
				deaths,
				confirmed - LAG(confirmed) OVER (
					PARTITION BY country_region, province_state, admin2
					ORDER BY report_date ASC
				) AS confirmed_diff,
				deaths - LAG(deaths) OVER (
					PARTITION BY country_region, province_state, admin2
					ORDER BY report_date ASC
				) AS death_diff
			FROM daily
		)
		SELECT
			admin2,
			province_state,
			country_region,
			report_date,
			last_update,
			lat,
			long_,
			combined_key,
			confirmed,
			deaths,
			confirmed_diff,
			death_diff
		FROM diffed
		WHERE confirmed_diff IS NOT NULL
		  AND death_diff IS NOT NULL
		  AND lat IS NOT NULL
		  AND long_ IS NOT NULL
		ORDER BY country_region, province_state, admin2, report_date`,
		s.db.Catalog(), s.db.Schema(), supplementaryTable,
		rawTableName)

	if _, err := conn.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("failed to rebuild %s: %w", supplementaryTable, err)
	}
	return nil
}
