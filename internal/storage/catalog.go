package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const defaultListLimit = 100

// RecordingCatalog persists recording lifecycles. The session treats a nil
// catalog as "persistence disabled" and runs standalone.
type RecordingCatalog interface {
	InsertRecording(ctx context.Context, rec *Recording) error
	FinishRecording(ctx context.Context, id uuid.UUID, stoppedAt time.Time, frames int64, fault string) error
	ListRecordings(ctx context.Context, limit int) ([]Recording, error)
}

var _ RecordingCatalog = (*PostgresClient)(nil)

// InsertRecording stores a freshly started recording and fills rec.ID.
func (p *PostgresClient) InsertRecording(ctx context.Context, rec *Recording) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO recordings (recording_name, file_path, settings_path, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, rec.Name, rec.FilePath, rec.SettingsPath, rec.StartedAt).Scan(&rec.ID)

	if err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}
	return nil
}

// FinishRecording closes a catalog row with the stop time, the number of
// forwarded frames and an optional capture fault.
func (p *PostgresClient) FinishRecording(ctx context.Context, id uuid.UUID, stoppedAt time.Time, frames int64, fault string) error {
	result, err := p.pool.Exec(ctx, `
		UPDATE recordings
		SET stopped_at = $2, frames = $3, fault = $4
		WHERE id = $1
	`, id, stoppedAt, frames, fault)

	if err != nil {
		return fmt.Errorf("failed to finish recording: %w", err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecordings returns the newest rows first.
func (p *PostgresClient) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, recording_name, file_path, settings_path, started_at, stopped_at, frames, fault
		FROM recordings
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	recordings := make([]Recording, 0)

	for rows.Next() {
		var rec Recording
		err := rows.Scan(&rec.ID, &rec.Name, &rec.FilePath, &rec.SettingsPath,
			&rec.StartedAt, &rec.StoppedAt, &rec.Frames, &rec.Fault)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		recordings = append(recordings, rec)
	}

	return recordings, rows.Err()
}
