package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrcloud/internal/cache"
	"qrcloud/internal/types"
)

type engineFixture struct {
	engine *Engine
	cache  *fakeCache
	users  *fakeUsers
	pub    *recordingPublisher
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		cache: newFakeCache(),
		users: newFakeUsers(),
		pub:   &recordingPublisher{},
	}
	f.engine = NewEngine(f.cache, f.users, f.pub, types.FixedClock{T: testNow}, discardLogger())
	return f
}

func sampleTransition(prev, next types.SubscriptionStatus) TransitionInput {
	return TransitionInput{
		UserID:                 "u1",
		PreviousStatus:         prev,
		NewStatus:              next,
		ProviderSubscriptionID: "sub_1",
		PriceID:                "price_pro",
		CurrentPeriodEnd:       testPeriodEnd,
	}
}

func TestHandleTransition_SameStatusIsNoop(t *testing.T) {
	for _, s := range []types.SubscriptionStatus{
		types.SubStatusActive, types.SubStatusCanceled, types.SubStatusPastDue, types.SubStatusTrialing, "",
	} {
		t.Run(string(s), func(t *testing.T) {
			f := newEngineFixture()
			require.NoError(t, f.engine.HandleTransition(context.Background(), sampleTransition(s, s)))
			assert.Empty(t, f.pub.events)
			assert.Empty(t, f.cache.deletes)
		})
	}
}

func TestHandleTransition_EmitsForTrackedStatuses(t *testing.T) {
	tests := []struct {
		prev, next types.SubscriptionStatus
		want       types.EventKind
	}{
		{types.SubStatusIncomplete, types.SubStatusActive, types.EventKindActive},
		{"", types.SubStatusActive, types.EventKindActive},
		{types.SubStatusActive, types.SubStatusCanceled, types.EventKindCanceled},
		{types.SubStatusActive, types.SubStatusPastDue, types.EventKindPastDue},
	}

	for _, tt := range tests {
		t.Run(string(tt.prev)+"->"+string(tt.next), func(t *testing.T) {
			f := newEngineFixture()
			f.cache.data[cache.UserPlanKey("u1")] = []byte("{}")

			require.NoError(t, f.engine.HandleTransition(context.Background(), sampleTransition(tt.prev, tt.next)))

			require.Len(t, f.pub.events, 1)
			evt := f.pub.events[0]
			assert.Equal(t, tt.want, evt.Kind)
			assert.Equal(t, "u1", evt.UserID)
			assert.Equal(t, "ada@example.com", evt.Email)
			assert.Equal(t, "Ada", evt.FirstName)
			assert.Equal(t, "sub_1", evt.ProviderSubscriptionID)
			assert.Equal(t, "price_pro", evt.PriceID)
			assert.Equal(t, testPeriodEnd, evt.CurrentPeriodEnd)
			assert.Equal(t, testNow, evt.OccurredAt)
			assert.False(t, f.cache.has(cache.UserPlanKey("u1")), "plan cache should be invalidated")
		})
	}
}

func TestHandleTransition_OtherStatusesEmitNothing(t *testing.T) {
	for _, next := range []types.SubscriptionStatus{
		types.SubStatusTrialing, types.SubStatusIncomplete, types.SubStatusUnpaid, types.SubStatusIncompleteExpired,
	} {
		f := newEngineFixture()
		require.NoError(t, f.engine.HandleTransition(context.Background(), sampleTransition(types.SubStatusActive, next)))
		assert.Empty(t, f.pub.events, "status %s", next)
	}
}

func TestEmit_IdentityFailureStillEmits(t *testing.T) {
	f := newEngineFixture()
	f.users.err = errors.New("identity service down")

	require.NoError(t, f.engine.EmitCanceled(context.Background(), sampleTransition(types.SubStatusActive, types.SubStatusCanceled)))

	require.Len(t, f.pub.events, 1)
	assert.Empty(t, f.pub.events[0].Email)
	assert.Equal(t, []string{cache.UserPlanKey("u1")}, f.cache.deletes)
}

func TestEmit_CacheFailureStillEmits(t *testing.T) {
	f := newEngineFixture()
	f.cache.delErr = errors.New("redis down")

	require.NoError(t, f.engine.EmitPastDue(context.Background(), sampleTransition(types.SubStatusActive, types.SubStatusActive)))
	assert.Equal(t, []types.EventKind{types.EventKindPastDue}, f.pub.kinds())
}

func TestEmit_PublishErrorIsReturned(t *testing.T) {
	f := newEngineFixture()
	f.pub.err = errors.New("queue down")

	err := f.engine.EmitCancelInitiated(context.Background(), sampleTransition(types.SubStatusActive, types.SubStatusActive))
	assert.Error(t, err)
}
