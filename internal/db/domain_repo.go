package db

import (
	"context"
	"time"

	"qrcloud/internal/types"
)

// DomainRepository toggles a user's custom domains. Disabled domains stop
// resolving short links until they are enabled again.
type DomainRepository struct {
	db DBTX
}

// NewDomainRepository creates a new DomainRepository backed by the given
// database connection (pool or transaction).
func NewDomainRepository(db DBTX) *DomainRepository {
	return &DomainRepository{db: db}
}

// DisableAllForUser disables every enabled custom domain of the user and
// returns how many were changed. Already-disabled domains keep their
// original timestamp.
func (r *DomainRepository) DisableAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE custom_domains SET disabled_at = $2, updated_at = NOW()
		 WHERE user_id = $1 AND disabled_at IS NULL AND deleted_at IS NULL`,
		userID,
		at,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to disable custom domains", err)
	}
	return tag.RowsAffected(), nil
}

// EnableAllForUser re-enables every disabled custom domain of the user.
func (r *DomainRepository) EnableAllForUser(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE custom_domains SET disabled_at = NULL, updated_at = NOW()
		 WHERE user_id = $1 AND disabled_at IS NOT NULL AND deleted_at IS NULL`,
		userID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to enable custom domains", err)
	}
	return tag.RowsAffected(), nil
}
