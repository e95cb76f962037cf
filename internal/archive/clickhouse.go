// Copyright 2025 James Ross
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// ClickHouseExporter inserts archived job records into a MergeTree table,
// adapted from the teacher's ClickHouseExporter
// (long-term-archives/clickhouse_exporter.go) with its schema narrowed to
// Record's job-shaped columns.
type ClickHouseExporter struct {
	db    *sql.DB
	table string
	log   *zap.Logger
}

// NewClickHouseExporter connects to dsn and ensures the archive table
// exists in database.
func NewClickHouseExporter(ctx context.Context, dsn, database, table string, log *zap.Logger) (*ClickHouseExporter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if table == "" {
		table = "archived_jobs"
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{dsn},
		Auth: clickhouse.Auth{Database: database},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("archive: ping clickhouse: %w", err)
	}

	e := &ClickHouseExporter{db: db, table: table, log: log}
	if err := e.ensureTable(ctx, database); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ClickHouseExporter) ensureTable(ctx context.Context, database string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			job_id String,
			owner_id String,
			series_slug String,
			season_number Int32,
			episode_number Int32,
			mode LowCardinality(String),
			state LowCardinality(String),
			error String,
			duration_s Float64,
			storage_bytes Int64,
			trace_id String,
			created_at DateTime64(3),
			updated_at DateTime64(3),
			archived_at DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(archived_at)
		ORDER BY (series_slug, archived_at, job_id)
	`, database, e.table))
	if err != nil {
		return fmt.Errorf("archive: ensure clickhouse table: %w", err)
	}
	return nil
}

func (e *ClickHouseExporter) Export(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin clickhouse batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		job_id, owner_id, series_slug, season_number, episode_number, mode,
		state, error, duration_s, storage_bytes, trace_id, created_at,
		updated_at, archived_at
	)`, e.table))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("archive: prepare clickhouse insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.JobID, r.OwnerID, r.SeriesSlug, r.SeasonNumber, r.EpisodeNumber,
			r.Mode, r.State, r.Error, r.DurationS, r.StorageBytes, r.TraceID,
			r.CreatedAt, r.UpdatedAt, r.ArchivedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("archive: insert record %s: %w", r.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit clickhouse batch: %w", err)
	}

	e.log.Info("archived jobs exported to clickhouse", zap.Int("count", len(records)))
	return nil
}

func (e *ClickHouseExporter) Close() error {
	return e.db.Close()
}
