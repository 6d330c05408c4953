package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// CreateCall inserts the persisted record for a call at its start.
func (db *DB) CreateCall(ctx context.Context, call model.CallRecord) (model.CallRecord, error) {
	call.CreatedAt = time.Now().UTC()
	if call.Status == "" {
		call.Status = model.CallStatusInProgress
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = call.CreatedAt
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO calls (id, client_id, external_ref, status, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		call.ID, call.ClientID, call.ExternalRef, string(call.Status), call.StartedAt, call.CreatedAt,
	)
	if err != nil {
		return model.CallRecord{}, fmt.Errorf("storage: create call: %w", err)
	}
	return call, nil
}

// GetCall retrieves a call record by ID.
func (db *DB) GetCall(ctx context.Context, id uuid.UUID) (model.CallRecord, error) {
	var c model.CallRecord
	err := db.pool.QueryRow(ctx,
		`SELECT id, client_id, external_ref, status, transcript, emotion_profile,
		        sentiment_score, summary, started_at, ended_at, created_at
		 FROM calls WHERE id = $1`, id,
	).Scan(
		&c.ID, &c.ClientID, &c.ExternalRef, &c.Status, &c.Transcript, &c.EmotionProfile,
		&c.SentimentScore, &c.Summary, &c.StartedAt, &c.EndedAt, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CallRecord{}, fmt.Errorf("storage: call %s: %w", id, ErrNotFound)
		}
		return model.CallRecord{}, fmt.Errorf("storage: get call: %w", err)
	}
	return c, nil
}

// UpdateCall performs a partial update of a call record. Only non-nil
// patch fields are applied (COALESCE pattern). Returns the updated call.
func (db *DB) UpdateCall(ctx context.Context, id uuid.UUID, patch model.CallPatch) (model.CallRecord, error) {
	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}
	// See UpdateClient: a typed nil map would encode as JSON null.
	var profile any
	if patch.EmotionProfile != nil {
		profile = patch.EmotionProfile
	}

	var c model.CallRecord
	err := db.withRetry(ctx, func() error {
		return db.pool.QueryRow(ctx,
			`UPDATE calls
			 SET status = COALESCE($1, status),
			     transcript = COALESCE($2, transcript),
			     emotion_profile = COALESCE($3, emotion_profile),
			     sentiment_score = COALESCE($4, sentiment_score),
			     summary = COALESCE($5, summary),
			     ended_at = COALESCE($6, ended_at)
			 WHERE id = $7
			 RETURNING id, client_id, external_ref, status, transcript, emotion_profile,
			           sentiment_score, summary, started_at, ended_at, created_at`,
			status, patch.Transcript, profile, patch.SentimentScore, patch.Summary,
			patch.EndedAt, id,
		).Scan(
			&c.ID, &c.ClientID, &c.ExternalRef, &c.Status, &c.Transcript, &c.EmotionProfile,
			&c.SentimentScore, &c.Summary, &c.StartedAt, &c.EndedAt, &c.CreatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CallRecord{}, fmt.Errorf("storage: call %s: %w", id, ErrNotFound)
		}
		return model.CallRecord{}, fmt.Errorf("storage: update call: %w", err)
	}
	return c, nil
}

// ListCallsByClient returns a client's calls ordered by start time
// (newest first).
func (db *DB) ListCallsByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]model.CallRecord, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE client_id = $1`, clientID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count calls: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, client_id, external_ref, status, transcript, emotion_profile,
		        sentiment_score, summary, started_at, ended_at, created_at
		 FROM calls WHERE client_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		clientID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list calls: %w", err)
	}
	defer rows.Close()

	var calls []model.CallRecord
	for rows.Next() {
		var c model.CallRecord
		if err := rows.Scan(
			&c.ID, &c.ClientID, &c.ExternalRef, &c.Status, &c.Transcript, &c.EmotionProfile,
			&c.SentimentScore, &c.Summary, &c.StartedAt, &c.EndedAt, &c.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, total, rows.Err()
}
