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

// CreateClient inserts a new client record and returns it.
func (db *DB) CreateClient(ctx context.Context, req model.CreateClientRequest) (model.Client, error) {
	now := time.Now().UTC()
	c := model.Client{
		ID:        uuid.New(),
		Name:      req.Name,
		Phone:     req.Phone,
		Status:    model.ClientStatusIntake,
		Documents: []string{},
		Notes:     req.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Status != nil {
		c.Status = *req.Status
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO clients (id, name, phone, status, documents, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Name, c.Phone, string(c.Status), c.Documents, c.Notes, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Client{}, fmt.Errorf("storage: create client: %w", err)
	}
	return c, nil
}

// GetClient retrieves a client by ID.
func (db *DB) GetClient(ctx context.Context, id uuid.UUID) (model.Client, error) {
	var c model.Client
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, phone, status, emotion_profile, employment, monthly_income,
		        dependents, veteran, disability, documents, location_preference,
		        urgency_level, notes, created_at, updated_at
		 FROM clients WHERE id = $1`, id,
	).Scan(
		&c.ID, &c.Name, &c.Phone, &c.Status, &c.EmotionProfile, &c.Employment,
		&c.MonthlyIncome, &c.Dependents, &c.Veteran, &c.Disability, &c.Documents,
		&c.LocationPreference, &c.UrgencyLevel, &c.Notes, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Client{}, fmt.Errorf("storage: client %s: %w", id, ErrNotFound)
		}
		return model.Client{}, fmt.Errorf("storage: get client: %w", err)
	}
	return c, nil
}

// ListClients returns clients ordered by creation time (newest first),
// optionally filtered by status.
func (db *DB) ListClients(ctx context.Context, status *model.ClientStatus, limit, offset int) ([]model.Client, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM clients WHERE ($1::text IS NULL OR status = $1)`, statusArg,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count clients: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, name, phone, status, emotion_profile, employment, monthly_income,
		        dependents, veteran, disability, documents, location_preference,
		        urgency_level, notes, created_at, updated_at
		 FROM clients WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		statusArg, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list clients: %w", err)
	}
	defer rows.Close()

	var clients []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Phone, &c.Status, &c.EmotionProfile, &c.Employment,
			&c.MonthlyIncome, &c.Dependents, &c.Veteran, &c.Disability, &c.Documents,
			&c.LocationPreference, &c.UrgencyLevel, &c.Notes, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, total, rows.Err()
}

// UpdateClient performs a partial update of a client record. Only non-nil
// patch fields are applied (COALESCE pattern). Returns the updated client.
func (db *DB) UpdateClient(ctx context.Context, id uuid.UUID, patch model.ClientPatch) (model.Client, error) {
	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}
	// A typed nil map would encode as JSON null rather than SQL NULL and
	// defeat the COALESCE, so pass an untyped nil instead.
	var profile any
	if patch.EmotionProfile != nil {
		profile = patch.EmotionProfile
	}

	var c model.Client
	err := db.withRetry(ctx, func() error {
		return db.pool.QueryRow(ctx,
			`UPDATE clients
			 SET name = COALESCE($1, name),
			     phone = COALESCE($2, phone),
			     status = COALESCE($3, status),
			     emotion_profile = COALESCE($4, emotion_profile),
			     employment = COALESCE($5, employment),
			     monthly_income = COALESCE($6, monthly_income),
			     dependents = COALESCE($7, dependents),
			     veteran = COALESCE($8, veteran),
			     disability = COALESCE($9, disability),
			     documents = COALESCE($10, documents),
			     location_preference = COALESCE($11, location_preference),
			     urgency_level = COALESCE($12, urgency_level),
			     notes = COALESCE($13, notes),
			     updated_at = now()
			 WHERE id = $14
			 RETURNING id, name, phone, status, emotion_profile, employment, monthly_income,
			           dependents, veteran, disability, documents, location_preference,
			           urgency_level, notes, created_at, updated_at`,
			patch.Name, patch.Phone, status, profile, patch.Employment,
			patch.MonthlyIncome, patch.Dependents, patch.Veteran, patch.Disability,
			patch.Documents, patch.LocationPreference, patch.UrgencyLevel, patch.Notes,
			id,
		).Scan(
			&c.ID, &c.Name, &c.Phone, &c.Status, &c.EmotionProfile, &c.Employment,
			&c.MonthlyIncome, &c.Dependents, &c.Veteran, &c.Disability, &c.Documents,
			&c.LocationPreference, &c.UrgencyLevel, &c.Notes, &c.CreatedAt, &c.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Client{}, fmt.Errorf("storage: client %s: %w", id, ErrNotFound)
		}
		return model.Client{}, fmt.Errorf("storage: update client: %w", err)
	}
	return c, nil
}
