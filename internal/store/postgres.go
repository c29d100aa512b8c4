package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
	"github.com/ironsheep/rbc-morphology-mcp/internal/pipeline"
)

// PostgresResults stores run records in PostgreSQL.
//
// Each run is written in one transaction: the run row, one row per cell and the
// morphology summary. Cell logits are kept in a vector(3) column.
type PostgresResults struct {
	pool *pgxpool.Pool
}

// NewPostgresResults connects to the database at dsn and verifies the connection.
func NewPostgresResults(ctx context.Context, dsn string) (*PostgresResults, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresResults{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresResults) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveRun writes rec, replacing any earlier rows for the same run id.
func (s *PostgresResults) SaveRun(ctx context.Context, rec *pipeline.RunRecord) error {
	detections, err := json.Marshal(rec.Detections)
	if err != nil {
		return fmt.Errorf("failed to encode detections: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO detection_runs
			(run_id, subject_id, image_ref, status, failure_reason,
			 score_threshold, area_tolerance, crop_size, image_width, image_height,
			 detections, overview_url, detector_model, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			detections = EXCLUDED.detections,
			overview_url = EXCLUDED.overview_url,
			finished_at = EXCLUDED.finished_at`,
		rec.RunID, rec.SubjectID, rec.ImageRef, string(rec.Status), rec.FailureReason,
		rec.Parameters.ScoreThresholdPercent, rec.Parameters.AreaTolerancePercent, rec.Parameters.CropSize,
		rec.ImageWidth, rec.ImageHeight, detections, rec.OverviewURL, rec.DetectorModel,
		rec.StartedAt, nullTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM cells WHERE run_id = $1", rec.RunID); err != nil {
		return fmt.Errorf("failed to clear cells: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range rec.Cells {
		if c == nil {
			continue
		}
		box := c.Detection.Box
		batch.Queue(`
			INSERT INTO cells
				(cell_id, run_id, number, detection_index, x1, y1, x2, y2,
				 detector_label, score, label, logits,
				 crop_url, annotated_url, overlay_url, failed, failure_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			c.CellID, rec.RunID, c.Number, c.DetectionIndex, box.X1, box.Y1, box.X2, box.Y2,
			c.Detection.Label.String(), c.Detection.Score, cellLabel(c), logitsVector(c),
			c.CropURL, c.AnnotatedURL, c.OverlayURL, c.Failed, c.FailureReason)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to store cells: %w", err)
		}
	}

	if sum := rec.Summary; sum != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO morphology_summaries
				(run_id, subject_id, total_cells,
				 circular, elongated, other,
				 circular_pct, elongated_pct, other_pct, no_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (run_id) DO UPDATE SET
				total_cells = EXCLUDED.total_cells,
				circular = EXCLUDED.circular,
				elongated = EXCLUDED.elongated,
				other = EXCLUDED.other,
				circular_pct = EXCLUDED.circular_pct,
				elongated_pct = EXCLUDED.elongated_pct,
				other_pct = EXCLUDED.other_pct,
				no_data = EXCLUDED.no_data`,
			rec.RunID, rec.SubjectID, sum.TotalCells,
			sum.Counts[morphology.Circular], sum.Counts[morphology.Elongated], sum.Counts[morphology.Other],
			sum.Percentages[morphology.Circular], sum.Percentages[morphology.Elongated], sum.Percentages[morphology.Other],
			sum.NoData, time.Now())
		if err != nil {
			return fmt.Errorf("failed to store summary: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// SubjectSummaries returns the summaries recorded for a subject, newest first.
func (s *PostgresResults) SubjectSummaries(ctx context.Context, subjectID string, limit int) ([]*morphology.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, total_cells, circular, elongated, other,
		       circular_pct, elongated_pct, other_pct, no_data
		FROM morphology_summaries
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*morphology.Summary
	for rows.Next() {
		var (
			sum                  morphology.Summary
			circ, elong, other   int
			circP, elongP, othrP float64
		)
		if err := rows.Scan(&sum.RunID, &sum.TotalCells, &circ, &elong, &other,
			&circP, &elongP, &othrP, &sum.NoData); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Counts = map[morphology.Label]int{
			morphology.Circular: circ, morphology.Elongated: elong, morphology.Other: other,
		}
		sum.Percentages = map[morphology.Label]float64{
			morphology.Circular: circP, morphology.Elongated: elongP, morphology.Other: othrP,
		}
		summaries = append(summaries, &sum)
	}
	return summaries, rows.Err()
}

// cellLabel returns the classifier label, or nil for failed cells.
func cellLabel(c *pipeline.CellResult) *string {
	if c.Failed {
		return nil
	}
	s := c.Label.String()
	return &s
}

// logitsVector converts the cell's logits for the vector column. Failed cells
// and cells without logits store NULL.
func logitsVector(c *pipeline.CellResult) *pgvector.Vector {
	if c.Failed || len(c.Logits) == 0 {
		return nil
	}
	data := make([]float32, len(c.Logits))
	for i, v := range c.Logits {
		data[i] = float32(v)
	}
	v := pgvector.NewVector(data)
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// InitSchema creates the tables if they don't exist.
func InitSchema(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS detection_runs (
			run_id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL DEFAULT '',
			image_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			failure_reason VARCHAR(130) NOT NULL DEFAULT '',
			score_threshold DOUBLE PRECISION NOT NULL,
			area_tolerance DOUBLE PRECISION NOT NULL,
			crop_size INTEGER NOT NULL,
			image_width INTEGER NOT NULL,
			image_height INTEGER NOT NULL,
			detections JSONB NOT NULL,
			overview_url TEXT NOT NULL DEFAULT '',
			detector_model TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS cells (
			cell_id TEXT PRIMARY KEY,
			run_id TEXT REFERENCES detection_runs(run_id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			detection_index INTEGER NOT NULL,
			x1 DOUBLE PRECISION NOT NULL,
			y1 DOUBLE PRECISION NOT NULL,
			x2 DOUBLE PRECISION NOT NULL,
			y2 DOUBLE PRECISION NOT NULL,
			detector_label TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			label TEXT,
			logits vector(3),
			crop_url TEXT NOT NULL DEFAULT '',
			annotated_url TEXT NOT NULL DEFAULT '',
			overlay_url TEXT NOT NULL DEFAULT '',
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			failure_reason VARCHAR(130) NOT NULL DEFAULT '',
			UNIQUE(run_id, number)
		);

		CREATE TABLE IF NOT EXISTS morphology_summaries (
			run_id TEXT PRIMARY KEY REFERENCES detection_runs(run_id) ON DELETE CASCADE,
			subject_id TEXT NOT NULL DEFAULT '',
			total_cells INTEGER NOT NULL,
			circular INTEGER NOT NULL,
			elongated INTEGER NOT NULL,
			other INTEGER NOT NULL,
			circular_pct DOUBLE PRECISION NOT NULL,
			elongated_pct DOUBLE PRECISION NOT NULL,
			other_pct DOUBLE PRECISION NOT NULL,
			no_data BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_cells_run_id ON cells(run_id);
		CREATE INDEX IF NOT EXISTS idx_summaries_subject ON morphology_summaries(subject_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}
