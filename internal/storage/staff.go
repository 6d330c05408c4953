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

// GetStaffByEmail retrieves a staff account by email.
func (db *DB) GetStaffByEmail(ctx context.Context, email string) (model.Staff, error) {
	var s model.Staff
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at
		 FROM staff WHERE email = $1`, email,
	).Scan(&s.ID, &s.Email, &s.Name, &s.PasswordHash, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Staff{}, fmt.Errorf("storage: staff %s: %w", email, ErrNotFound)
		}
		return model.Staff{}, fmt.Errorf("storage: get staff: %w", err)
	}
	return s, nil
}

// UpsertStaff inserts a staff account or replaces the credentials of the
// existing account with the same email. Used to seed the admin account
// at startup.
func (db *DB) UpsertStaff(ctx context.Context, s model.Staff) (model.Staff, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now().UTC()

	err := db.pool.QueryRow(ctx,
		`INSERT INTO staff (id, email, name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO UPDATE
		 SET name = EXCLUDED.name, password_hash = EXCLUDED.password_hash
		 RETURNING id, email, name, password_hash, created_at`,
		s.ID, s.Email, s.Name, s.PasswordHash, s.CreatedAt,
	).Scan(&s.ID, &s.Email, &s.Name, &s.PasswordHash, &s.CreatedAt)
	if err != nil {
		return model.Staff{}, fmt.Errorf("storage: upsert staff: %w", err)
	}
	return s, nil
}
