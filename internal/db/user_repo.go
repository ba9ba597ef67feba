package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"qrcloud/internal/types"
)

// UserRepository resolves user contact details for lifecycle emails. Users
// are owned by the account service; this repository only reads them.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// GetUser returns the identity of an active user. A missing or deleted user
// is reported as ErrCodeNotFoundUser.
func (r *UserRepository) GetUser(ctx context.Context, userID string) (*types.UserIdentity, error) {
	var (
		u         types.UserIdentity
		firstName *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, email, first_name
		 FROM users
		 WHERE id = $1 AND deleted_at IS NULL`,
		userID,
	).Scan(&u.ID, &u.Email, &firstName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	if firstName != nil {
		u.FirstName = *firstName
	}
	return &u, nil
}
