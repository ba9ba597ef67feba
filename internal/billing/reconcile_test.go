package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrcloud/internal/types"
)

type reconcileFixture struct {
	rec     *Reconciler
	store   *memStore
	source  *fakeSource
	pub     *recordingPublisher
	metrics *recordingMetrics
}

func newReconcileFixture(store *memStore, source *fakeSource) *reconcileFixture {
	f := &reconcileFixture{
		store:   store,
		source:  source,
		pub:     &recordingPublisher{},
		metrics: &recordingMetrics{},
	}
	clock := types.FixedClock{T: testNow}
	engine := NewEngine(newFakeCache(), newFakeUsers(), f.pub, clock, discardLogger())
	f.rec = NewReconciler(ReconcilerConfig{
		Subscriptions: store,
		Source:        source,
		Engine:        engine,
		Metrics:       f.metrics,
		Clock:         clock,
		Logger:        discardLogger(),
	})
	return f
}

func TestReconcile_RepairsStaleStatus(t *testing.T) {
	remote := remoteSub("sub_1", "u1", types.SubStatusPastDue)
	remote.CurrentPeriodEnd = ptrTime(testPeriodEnd.Add(2 * time.Minute))
	f := newReconcileFixture(newMemStore(localSub("row_1", "u1", "sub_1", types.SubStatusActive)), newFakeSource(remote))

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.SubStatusPastDue, f.store.get("row_1").Status)
	assert.Equal(t, []types.EventKind{types.EventKindPastDue}, f.pub.kinds())
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 0, summary.Errors)
}

func TestReconcile_InSyncRowsAreOnlyVerified(t *testing.T) {
	f := newReconcileFixture(
		newMemStore(localSub("row_1", "u1", "sub_1", types.SubStatusActive)),
		newFakeSource(remoteSub("sub_1", "u1", types.SubStatusActive)),
	)

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 0, summary.Reconciled)
	assert.Zero(t, f.store.writes)
	assert.Empty(t, f.pub.events)
}

func TestReconcile_CancelFlipDuringRepair(t *testing.T) {
	remote := remoteSub("sub_1", "u1", types.SubStatusActive)
	remote.CancelAtPeriodEnd = true
	f := newReconcileFixture(newMemStore(localSub("row_1", "u1", "sub_1", types.SubStatusActive)), newFakeSource(remote))

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.EventKind{types.EventKindCancelInitiated}, f.pub.kinds())
	assert.True(t, f.store.get("row_1").CancelAtPeriodEnd)
}

func TestReconcile_PeriodFallbackOnRepair(t *testing.T) {
	partial := remoteSub("sub_1", "u1", types.SubStatusActive)
	partial.CurrentPeriodStart, partial.CurrentPeriodEnd = nil, nil
	f := newReconcileFixture(newMemStore(localSub("row_1", "u1", "sub_1", types.SubStatusActive)), newFakeSource(partial))

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors, "a subscription that never yields a period is an item error")
	assert.Equal(t, testPeriodEnd, f.store.get("row_1").CurrentPeriodEnd)
}

func TestReconcile_PerItemErrorsContinue(t *testing.T) {
	store := newMemStore(
		localSub("row_1", "u1", "sub_missing", types.SubStatusActive),
		localSub("row_2", "u2", "sub_2", types.SubStatusActive),
	)
	f := newReconcileFixture(store, newFakeSource(remoteSub("sub_2", "u2", types.SubStatusCanceled)))

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, types.SubStatusCanceled, store.get("row_2").Status)
	assert.Equal(t, JobReconcileSubscriptions, f.metrics.job)
	assert.Equal(t, 1, f.metrics.counts["errors"])
}

func TestReconcile_LoadFailureStillFillsGaps(t *testing.T) {
	store := newMemStore()
	store.scanErr = errors.New("db timeout on full scan")
	source := newFakeSource()
	source.active = []*types.ProviderSubscription{remoteSub("sub_9", "u1", types.SubStatusActive)}
	f := newReconcileFixture(store, source)

	summary, err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.scanErr)

	rows := f.store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "sub_9", rows[0].ProviderSubscriptionID)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, []types.EventKind{types.EventKindActive}, f.pub.kinds())
	assert.Equal(t, JobReconcileSubscriptions, f.metrics.job)
	assert.Equal(t, 1, f.metrics.counts["errors"])
}

func TestReconcile_GapFillCreatesRow(t *testing.T) {
	source := newFakeSource()
	source.active = []*types.ProviderSubscription{remoteSub("sub_1", "u1", types.SubStatusActive)}
	f := newReconcileFixture(newMemStore(), source)

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	rows := f.store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].UserID)
	assert.Equal(t, "sub_1", rows[0].ProviderSubscriptionID)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, []types.EventKind{types.EventKindActive}, f.pub.kinds())
}

func TestReconcile_GapFillTrialingEmitsNothing(t *testing.T) {
	source := newFakeSource()
	source.active = []*types.ProviderSubscription{remoteSub("sub_1", "u1", types.SubStatusTrialing)}
	f := newReconcileFixture(newMemStore(), source)

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Empty(t, f.pub.events)
}

func TestReconcile_GapFillSkips(t *testing.T) {
	noUser := remoteSub("sub_orphan", "", types.SubStatusActive)
	noUser.Metadata = nil

	tests := []struct {
		name   string
		rows   []*types.Subscription
		remote *types.ProviderSubscription
	}{
		{"already tracked", []*types.Subscription{localSub("row_1", "u1", "sub_1", types.SubStatusActive)}, remoteSub("sub_1", "u1", types.SubStatusActive)},
		{"no user metadata", nil, noUser},
		{"user has live row", []*types.Subscription{localSub("row_1", "u1", "sub_old", types.SubStatusPastDue)}, remoteSub("sub_new", "u1", types.SubStatusActive)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(tt.rows...)
			source := newFakeSource()
			for _, r := range tt.rows {
				source.subs[r.ProviderSubscriptionID] = remoteSub(r.ProviderSubscriptionID, r.UserID, r.Status)
			}
			source.active = []*types.ProviderSubscription{tt.remote}
			f := newReconcileFixture(store, source)
			before := store.all()

			summary, err := f.rec.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, summary.Skipped)
			assert.Equal(t, 0, summary.Created)
			assert.Equal(t, before, store.all())
			assert.Empty(t, f.pub.events)
		})
	}
}

func TestReconcile_GapFillOverwritesCanceledRow(t *testing.T) {
	old := localSub("row_1", "u1", "sub_old", types.SubStatusCanceled)
	old.CancellationReminderSentAt = ptrTime(testNow)
	source := newFakeSource()
	source.active = []*types.ProviderSubscription{remoteSub("sub_new", "u1", types.SubStatusActive)}
	f := newReconcileFixture(newMemStore(old), source)

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	rows := f.store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "row_1", rows[0].ID, "row id is reused")
	assert.Equal(t, "sub_new", rows[0].ProviderSubscriptionID)
	assert.Equal(t, types.SubStatusActive, rows[0].Status)
	assert.Nil(t, rows[0].CancellationReminderSentAt)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, []types.EventKind{types.EventKindActive}, f.pub.kinds())
}

func TestReconcile_ListFailureCountsError(t *testing.T) {
	source := newFakeSource()
	source.listErr = errors.New("stripe down")
	f := newReconcileFixture(newMemStore(), source)

	summary, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
}
