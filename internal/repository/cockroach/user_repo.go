package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicecall-backend/internal/domain"
	apperrors "voicecall-backend/pkg/errors"
)

// ProfileRepository reads caller display info from the users table
type ProfileRepository struct {
	pool *pgxpool.Pool
}

// NewProfileRepository creates a new ProfileRepository
func NewProfileRepository(pool *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

// GetByID retrieves a user profile by ID
func (r *ProfileRepository) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `
		SELECT user_id, username, display_name
		FROM users
		WHERE user_id = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&user.UserID,
		&user.Username,
		&user.DisplayName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("User")
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get user: %w", err))
	}

	return user, nil
}

// GetDisplayName returns the name shown on an incoming call from userID
func (r *ProfileRepository) GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Label(), nil
}
