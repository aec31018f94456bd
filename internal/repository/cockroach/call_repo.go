package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicecall-backend/internal/domain"
	apperrors "voicecall-backend/pkg/errors"
)

const callColumns = `
	call_id, room_id, caller_id, receiver_id, status,
	offer_sdp, answer_sdp, answered_by, end_reason,
	created_at, updated_at, answered_at, ended_at, duration_seconds`

// CallRepository handles call record operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Insert creates a new call record
func (r *CallRepository) Insert(ctx context.Context, call *domain.CallRecord) error {
	query := `INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.RoomID,
		call.CallerID,
		call.ReceiverID,
		call.Status,
		call.Offer,
		call.Answer,
		call.AnsweredBy,
		call.EndReason,
		call.CreatedAt,
		call.UpdatedAt,
		call.AnsweredAt,
		call.EndedAt,
		call.DurationSeconds,
	)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to insert call: %w", err))
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get call: %w", err))
	}

	return call, nil
}

// Update writes every mutable column of call, but only if the stored row still
// carries expectedUpdatedAt. It reports false when another writer got there first.
func (r *CallRepository) Update(ctx context.Context, call *domain.CallRecord, expectedUpdatedAt time.Time) (bool, error) {
	query := `
		UPDATE calls
		SET status = $2,
		    offer_sdp = $3,
		    answer_sdp = $4,
		    answered_by = $5,
		    end_reason = $6,
		    updated_at = $7,
		    answered_at = $8,
		    ended_at = $9,
		    duration_seconds = $10
		WHERE call_id = $1 AND updated_at = $11
	`

	tag, err := r.pool.Exec(ctx, query,
		call.ID,
		call.Status,
		call.Offer,
		call.Answer,
		call.AnsweredBy,
		call.EndReason,
		call.UpdatedAt,
		call.AnsweredAt,
		call.EndedAt,
		call.DurationSeconds,
		expectedUpdatedAt,
	)
	if err != nil {
		return false, apperrors.DatabaseError(fmt.Errorf("failed to update call: %w", err))
	}

	return tag.RowsAffected() == 1, nil
}

// FindRinging retrieves the newest ringing calls addressed to receiverID
func (r *CallRepository) FindRinging(ctx context.Context, receiverID uuid.UUID, limit int) ([]*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE receiver_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, receiverID, domain.CallStatusRinging, limit)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to find ringing calls: %w", err))
	}
	defer rows.Close()

	var calls []*domain.CallRecord
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan call: %w", err))
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return calls, nil
}

func scanCall(row pgx.Row) (*domain.CallRecord, error) {
	call := &domain.CallRecord{}
	err := row.Scan(
		&call.ID,
		&call.RoomID,
		&call.CallerID,
		&call.ReceiverID,
		&call.Status,
		&call.Offer,
		&call.Answer,
		&call.AnsweredBy,
		&call.EndReason,
		&call.CreatedAt,
		&call.UpdatedAt,
		&call.AnsweredAt,
		&call.EndedAt,
		&call.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}
	call.CreatedAt = call.CreatedAt.UTC()
	call.UpdatedAt = call.UpdatedAt.UTC()
	return call, nil
}
