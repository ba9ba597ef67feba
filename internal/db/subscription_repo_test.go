package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"qrcloud/internal/types"
)

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func sampleSubscription() types.Subscription {
	return types.Subscription{
		ID:                     "5b0c4f7e-0000-4000-8000-000000000001",
		UserID:                 "user_1",
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		PriceID:                "price_pro",
		Status:                 types.SubStatusActive,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
		CreatedAt:              periodStart,
		UpdatedAt:              periodStart,
	}
}

func sqlContains(parts ...string) any {
	return mock.MatchedBy(func(sql string) bool {
		for _, p := range parts {
			if !strings.Contains(sql, p) {
				return false
			}
		}
		return true
	})
}

// ============================================================
// Lookups
// ============================================================

func TestSubscriptionRepository_FindByUserID_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	want := sampleSubscription()
	db.On("QueryRow", ctx, sqlContains("user_id = $1", "deleted_at IS NULL"), []any{"user_1"}).
		Return(&mockRow{scanFn: scanSubscriptionInto(want)})

	got, err := repo.FindByUserID(ctx, "user_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_FindByProviderSubscriptionID_NotFoundReturnsNil(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("provider_subscription_id = $1"), []any{"sub_missing"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	got, err := repo.FindByProviderSubscriptionID(ctx, "sub_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubscriptionRepository_FindByUserID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	got, err := repo.FindByUserID(ctx, "user_1")
	assert.Nil(t, got)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// ============================================================
// Upsert
// ============================================================

func TestSubscriptionRepository_Upsert_GeneratesIDAndReturnsStoredRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	input := sampleSubscription()
	input.ID = ""
	stored := sampleSubscription()

	db.On("QueryRow", ctx,
		sqlContains("ON CONFLICT (provider_subscription_id) WHERE deleted_at IS NULL DO UPDATE", "RETURNING"),
		mock.MatchedBy(func(args []any) bool {
			id, ok := args[0].(string)
			return ok && len(id) == 36 && args[3] == "sub_1" && args[5] == "active" && args[7] == periodEnd
		}),
	).Return(&mockRow{scanFn: scanSubscriptionInto(stored)})

	got, err := repo.UpsertByProviderSubscriptionID(ctx, &input)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_Upsert_RejectsZeroPeriod(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	input := sampleSubscription()
	input.CurrentPeriodEnd = time.Time{}

	_, err := repo.UpsertByProviderSubscriptionID(context.Background(), &input)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptionRepository_Upsert_RequiresProviderID(t *testing.T) {
	repo := NewSubscriptionRepository(new(mockDBTX))

	input := sampleSubscription()
	input.ProviderSubscriptionID = ""

	_, err := repo.UpsertByProviderSubscriptionID(context.Background(), &input)
	require.Error(t, err)
}

// ============================================================
// Update
// ============================================================

func TestSubscriptionRepository_Update_OnlyPatchedColumns(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	status := types.SubStatusPastDue
	cancel := true
	patch := types.SubscriptionPatch{Status: &status, CancelAtPeriodEnd: &cancel}

	db.On("Exec", ctx,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "status = $2") &&
				strings.Contains(sql, "cancel_at_period_end = $3") &&
				!strings.Contains(sql, "price_id") &&
				!strings.Contains(sql, "current_period_end")
		}),
		[]any{"row-1", "past_due", true},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.Update(ctx, "row-1", patch))
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_Update_ReplacesProviderIDs(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	cus, sub := "cus_new", "sub_new"
	db.On("Exec", ctx,
		sqlContains("provider_customer_id = $2", "provider_subscription_id = $3"),
		[]any{"row-1", "cus_new", "sub_new"},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.Update(ctx, "row-1", types.SubscriptionPatch{ProviderCustomerID: &cus, ProviderSubscriptionID: &sub}))
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_Update_EmptyPatchIsNoop(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	require.NoError(t, repo.Update(context.Background(), "row-1", types.SubscriptionPatch{}))
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptionRepository_Update_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	price := "price_x"
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Update(ctx, "missing", types.SubscriptionPatch{PriceID: &price})

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

// ============================================================
// Sweeps
// ============================================================

func TestSubscriptionRepository_FindAllNonCanceled(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	a := sampleSubscription()
	b := sampleSubscription()
	b.ID, b.UserID, b.Status = "row-2", "user_2", types.SubStatusPastDue

	db.On("Query", ctx, sqlContains("status <> 'canceled'"), mock.Anything).
		Return(newMockRows(scanSubscriptionInto(a), scanSubscriptionInto(b)), nil)

	subs, err := repo.FindAllNonCanceled(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, types.SubStatusPastDue, subs[1].Status)
}

func TestSubscriptionRepository_FindExpiredUnprocessedGracePeriods(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	db.On("Query", ctx,
		sqlContains("grace_period_ends_at <= $1", "domains_disabled_at IS NULL", "status = 'canceled'"),
		[]any{now},
	).Return(newMockRows(), nil)

	subs, err := repo.FindExpiredUnprocessedGracePeriods(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, subs)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_FindPendingCancellationReminders_Horizon(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	db.On("Query", ctx,
		sqlContains("cancel_at_period_end = TRUE", "status = 'active'", "cancellation_reminder_sent_at IS NULL"),
		[]any{now.Add(3 * 24 * time.Hour)},
	).Return(newMockRows(), nil)

	_, err := repo.FindPendingCancellationReminders(ctx, now, 3)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_FindPendingReactions(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	changedBefore := time.Date(2026, 4, 10, 11, 45, 0, 0, time.UTC)

	db.On("Query", ctx,
		sqlContains(
			"updated_at <= $1",
			"status = 'canceled' AND grace_period_ends_at IS NULL",
			"status = 'past_due' AND past_due_notified_at IS NULL",
			"cancel_at_period_end AND cancellation_notified_at IS NULL",
		),
		[]any{changedBefore},
	).Return(newMockRows(), nil)

	subs, err := repo.FindPendingReactions(ctx, changedBefore)
	require.NoError(t, err)
	assert.Empty(t, subs)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_FindMany_RowsError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	rows := newMockRows()
	rows.errVal = errors.New("stream interrupted")
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := repo.FindAllNonCanceled(ctx)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// ============================================================
// Markers
// ============================================================

func TestSubscriptionRepository_StartGracePeriod_OnlyWhenUnset(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	endsAt := periodEnd.Add(7 * 24 * time.Hour)

	db.On("Exec", ctx, sqlContains("grace_period_ends_at IS NULL"), []any{"row-1", endsAt}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	started, err := repo.StartGracePeriod(ctx, "row-1", endsAt)
	require.NoError(t, err)
	assert.False(t, started, "an existing grace period must not be extended")
}

func TestSubscriptionRepository_ClearGracePeriod_ClearsDomainsMarker(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("grace_period_ends_at = NULL", "domains_disabled_at = NULL"), []any{"row-1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.ClearGracePeriod(ctx, "row-1"))
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_MarkDomainsDisabled_RequiresGracePeriod(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	at := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	db.On("Exec", ctx, sqlContains("domains_disabled_at = $2", "grace_period_ends_at IS NOT NULL"), []any{"row-1", at}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.MarkDomainsDisabled(ctx, "row-1", at))
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_NotificationMarkers(t *testing.T) {
	at := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		column string
		call   func(r *SubscriptionRepository) error
	}{
		{"cancellation notified", "cancellation_notified_at = $2", func(r *SubscriptionRepository) error {
			return r.MarkCancellationNotified(context.Background(), "row-1", at)
		}},
		{"reminder sent", "cancellation_reminder_sent_at = $2", func(r *SubscriptionRepository) error {
			return r.MarkCancellationReminderSent(context.Background(), "row-1", at)
		}},
		{"past due notified", "past_due_notified_at = $2", func(r *SubscriptionRepository) error {
			return r.MarkPastDueNotified(context.Background(), "row-1", at)
		}},
		{"clear cancellation", "cancellation_notified_at = NULL, cancellation_reminder_sent_at = NULL", func(r *SubscriptionRepository) error {
			return r.ClearCancellationMarkers(context.Background(), "row-1")
		}},
		{"clear past due", "past_due_notified_at = NULL", func(r *SubscriptionRepository) error {
			return r.ClearPastDueNotified(context.Background(), "row-1")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			db.On("Exec", mock.Anything, sqlContains(tt.column), mock.Anything).
				Return(pgconn.NewCommandTag("UPDATE 1"), nil)

			require.NoError(t, tt.call(NewSubscriptionRepository(db)))
			db.AssertExpectations(t)
		})
	}
}

func TestSubscriptionRepository_Marker_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.MarkPastDueNotified(context.Background(), "gone", time.Now())

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}
