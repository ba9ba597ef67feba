package billing

import (
	"context"
	"time"

	"qrcloud/internal/types"
)

// DefaultPeriodTolerance absorbs clock and precision noise when comparing
// period ends.
const DefaultPeriodTolerance = 60 * time.Second

// ComputeDrift returns the patch that brings local in line with remote, or
// nil when they agree. remote must carry period bounds.
func ComputeDrift(local *types.Subscription, remote *types.ProviderSubscription) *types.SubscriptionPatch {
	return computeDrift(local, remote, DefaultPeriodTolerance)
}

func computeDrift(local *types.Subscription, remote *types.ProviderSubscription, tolerance time.Duration) *types.SubscriptionPatch {
	var patch types.SubscriptionPatch

	if local.Status != remote.Status {
		status := remote.Status
		patch.Status = &status
	}
	if remote.PriceID != "" && local.PriceID != remote.PriceID {
		price := remote.PriceID
		patch.PriceID = &price
	}
	if local.CancelAtPeriodEnd != remote.CancelAtPeriodEnd {
		flag := remote.CancelAtPeriodEnd
		patch.CancelAtPeriodEnd = &flag
	}
	if remote.CurrentPeriodEnd != nil && absDuration(local.CurrentPeriodEnd.Sub(*remote.CurrentPeriodEnd)) > tolerance {
		end := remote.CurrentPeriodEnd.UTC()
		patch.CurrentPeriodEnd = &end
		if remote.CurrentPeriodStart != nil {
			start := remote.CurrentPeriodStart.UTC()
			patch.CurrentPeriodStart = &start
		}
	}

	if patch.IsEmpty() {
		return nil
	}
	return &patch
}

// fullPatch copies every provider-sourced field of remote.
func fullPatch(remote *types.ProviderSubscription) types.SubscriptionPatch {
	status := remote.Status
	flag := remote.CancelAtPeriodEnd
	patch := types.SubscriptionPatch{
		Status:            &status,
		CancelAtPeriodEnd: &flag,
	}
	if remote.PriceID != "" {
		price := remote.PriceID
		patch.PriceID = &price
	}
	if remote.CurrentPeriodStart != nil {
		start := remote.CurrentPeriodStart.UTC()
		patch.CurrentPeriodStart = &start
	}
	if remote.CurrentPeriodEnd != nil {
		end := remote.CurrentPeriodEnd.UTC()
		patch.CurrentPeriodEnd = &end
	}
	return patch
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ensurePeriod returns remote with both period bounds, re-fetching it from
// the provider when the payload omitted them. Persisting a zero period end
// is never acceptable, so a re-fetch that still lacks bounds is an error.
func ensurePeriod(ctx context.Context, source SubscriptionSource, remote *types.ProviderSubscription) (*types.ProviderSubscription, error) {
	if remote.HasPeriod() {
		return remote, nil
	}

	fetched, err := source.GetSubscription(ctx, remote.ID)
	if err != nil {
		return nil, err
	}
	if !fetched.HasPeriod() {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "subscription "+remote.ID+" has no current period", nil)
	}

	out := *remote
	out.CurrentPeriodStart = fetched.CurrentPeriodStart
	out.CurrentPeriodEnd = fetched.CurrentPeriodEnd
	return &out, nil
}

// cancelFlip reacts to a change of cancel_at_period_end: false to true
// emits cancel_initiated, true to false clears the cancellation markers so
// a later cancellation notifies again.
func cancelFlip(ctx context.Context, engine *Engine, subs SubscriptionStore, before *types.Subscription, after types.Subscription) error {
	switch {
	case !before.CancelAtPeriodEnd && after.CancelAtPeriodEnd:
		return engine.EmitCancelInitiated(ctx, transitionFor(&after, before.Status))
	case before.CancelAtPeriodEnd && !after.CancelAtPeriodEnd:
		return subs.ClearCancellationMarkers(ctx, before.ID)
	}
	return nil
}
