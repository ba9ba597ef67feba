package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"qrcloud/internal/email"
	"qrcloud/internal/types"
)

var (
	testNow       = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	testPeriodEnd = testNow.AddDate(0, 0, 30)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptrTime(t time.Time) *time.Time { return &t }

// --- store ---

type memStore struct {
	mu     sync.Mutex
	rows   map[string]*types.Subscription
	nextID int
	writes int

	findErr   error
	scanErr   error // FindAllNonCanceled only
	updateErr error
	upsertErr error
}

func newMemStore(rows ...*types.Subscription) *memStore {
	s := &memStore{rows: make(map[string]*types.Subscription)}
	for _, r := range rows {
		cp := *r
		s.rows[r.ID] = &cp
	}
	return s
}

func (s *memStore) get(id string) *types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (s *memStore) all() []*types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Subscription, 0, len(s.rows))
	for _, r := range s.rows {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) find(match func(*types.Subscription) bool) *types.Subscription {
	for _, r := range s.rows {
		if match(r) {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (s *memStore) FindByUserID(_ context.Context, userID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.find(func(r *types.Subscription) bool { return r.UserID == userID }), nil
}

func (s *memStore) FindByProviderSubscriptionID(_ context.Context, id string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.find(func(r *types.Subscription) bool { return r.ProviderSubscriptionID == id }), nil
}

func (s *memStore) UpsertByProviderSubscriptionID(_ context.Context, sub *types.Subscription) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	s.writes++
	if existing := s.find(func(r *types.Subscription) bool { return r.ProviderSubscriptionID == sub.ProviderSubscriptionID }); existing != nil {
		row := s.rows[existing.ID]
		row.Status = sub.Status
		row.PriceID = sub.PriceID
		row.CurrentPeriodStart = sub.CurrentPeriodStart
		row.CurrentPeriodEnd = sub.CurrentPeriodEnd
		row.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		cp := *row
		return &cp, nil
	}
	if other := s.find(func(r *types.Subscription) bool { return r.UserID == sub.UserID }); other != nil {
		return nil, fmt.Errorf("duplicate user_id %s", sub.UserID)
	}
	s.nextID++
	row := *sub
	row.ID = fmt.Sprintf("row_%d", s.nextID)
	s.rows[row.ID] = &row
	cp := row
	return &cp, nil
}

func (s *memStore) Update(_ context.Context, id string, patch types.SubscriptionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	row, ok := s.rows[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "not found", nil)
	}
	if patch.IsEmpty() {
		return nil
	}
	s.writes++
	updated := patch.Apply(*row)
	s.rows[id] = &updated
	return nil
}

func (s *memStore) filter(match func(*types.Subscription) bool) []*types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Subscription
	for _, r := range s.rows {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) FindAllNonCanceled(context.Context) ([]*types.Subscription, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.filter(func(r *types.Subscription) bool { return r.Status != types.SubStatusCanceled }), nil
}

func (s *memStore) FindExpiredUnprocessedGracePeriods(_ context.Context, now time.Time) ([]*types.Subscription, error) {
	return s.filter(func(r *types.Subscription) bool {
		return r.GracePeriodEndsAt != nil && !r.GracePeriodEndsAt.After(now) &&
			r.DomainsDisabledAt == nil && r.Status == types.SubStatusCanceled
	}), nil
}

func (s *memStore) FindPendingCancellationReminders(_ context.Context, now time.Time, days int) ([]*types.Subscription, error) {
	horizon := now.AddDate(0, 0, days)
	return s.filter(func(r *types.Subscription) bool {
		return r.CancelAtPeriodEnd && r.Status == types.SubStatusActive &&
			!r.CurrentPeriodEnd.After(horizon) && r.CancellationReminderSentAt == nil
	}), nil
}

func (s *memStore) FindPendingReactions(_ context.Context, changedBefore time.Time) ([]*types.Subscription, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.filter(func(r *types.Subscription) bool {
		return !r.UpdatedAt.After(changedBefore) && len(pendingReactions(r)) > 0
	}), nil
}

func (s *memStore) mutate(id string, fn func(*types.Subscription)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "not found", nil)
	}
	s.writes++
	fn(row)
	return nil
}

func (s *memStore) StartGracePeriod(_ context.Context, id string, endsAt time.Time) (bool, error) {
	started := false
	err := s.mutate(id, func(r *types.Subscription) {
		if r.GracePeriodEndsAt == nil {
			r.GracePeriodEndsAt = ptrTime(endsAt)
			started = true
		}
	})
	return started, err
}

func (s *memStore) ClearGracePeriod(_ context.Context, id string) error {
	return s.mutate(id, func(r *types.Subscription) {
		r.GracePeriodEndsAt = nil
		r.DomainsDisabledAt = nil
	})
}

func (s *memStore) MarkDomainsDisabled(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(r *types.Subscription) { r.DomainsDisabledAt = ptrTime(at) })
}

func (s *memStore) MarkCancellationNotified(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(r *types.Subscription) { r.CancellationNotifiedAt = ptrTime(at) })
}

func (s *memStore) MarkCancellationReminderSent(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(r *types.Subscription) { r.CancellationReminderSentAt = ptrTime(at) })
}

func (s *memStore) MarkPastDueNotified(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(r *types.Subscription) { r.PastDueNotifiedAt = ptrTime(at) })
}

func (s *memStore) ClearCancellationMarkers(_ context.Context, id string) error {
	return s.mutate(id, func(r *types.Subscription) {
		r.CancellationNotifiedAt = nil
		r.CancellationReminderSentAt = nil
	})
}

func (s *memStore) ClearPastDueNotified(_ context.Context, id string) error {
	return s.mutate(id, func(r *types.Subscription) { r.PastDueNotifiedAt = nil })
}

var _ SubscriptionStore = (*memStore)(nil)

// --- provider ---

type fakeSource struct {
	subs    map[string]*types.ProviderSubscription
	active  []*types.ProviderSubscription
	getErr  error
	listErr error
	gets    []string
}

func newFakeSource(subs ...*types.ProviderSubscription) *fakeSource {
	f := &fakeSource{subs: make(map[string]*types.ProviderSubscription)}
	for _, s := range subs {
		f.subs[s.ID] = s
	}
	return f
}

func (f *fakeSource) GetSubscription(_ context.Context, id string) (*types.ProviderSubscription, error) {
	f.gets = append(f.gets, id)
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.subs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSource) ListActiveSubscriptions(context.Context) ([]*types.ProviderSubscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.active, nil
}

func remoteSub(id, userID string, status types.SubscriptionStatus) *types.ProviderSubscription {
	return &types.ProviderSubscription{
		ID:                 id,
		CustomerID:         "cus_" + userID,
		Status:             status,
		PriceID:            "price_pro",
		CurrentPeriodStart: ptrTime(testNow),
		CurrentPeriodEnd:   ptrTime(testPeriodEnd),
		Metadata:           map[string]string{types.MetadataUserIDKey: userID},
	}
}

func localSub(id, userID, providerID string, status types.SubscriptionStatus) *types.Subscription {
	return &types.Subscription{
		ID:                     id,
		UserID:                 userID,
		ProviderCustomerID:     "cus_" + userID,
		ProviderSubscriptionID: providerID,
		PriceID:                "price_pro",
		Status:                 status,
		CurrentPeriodStart:     testNow,
		CurrentPeriodEnd:       testPeriodEnd,
	}
}

// --- cache ---

type fakeCache struct {
	mu       sync.Mutex
	data     map[string][]byte
	deletes  []string
	setNXErr error
	delErr   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setNXErr != nil {
		return false, c.setNXErr
	}
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = []byte(value)
	return true, nil
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, keys...)
	if c.delErr != nil {
		return c.delErr
	}
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// --- users, domains, mail, events ---

type fakeUsers struct {
	users map[string]*types.UserIdentity
	err   error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*types.UserIdentity{
		"u1": {ID: "u1", Email: "ada@example.com", FirstName: "Ada"},
		"u2": {ID: "u2", Email: "grace@example.com", FirstName: "Grace"},
	}}
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*types.UserIdentity, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return u, nil
}

type fakeDomains struct {
	disabled []string
	enabled  []string
	err      error
}

func (f *fakeDomains) DisableAllForUser(_ context.Context, userID string, _ time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.disabled = append(f.disabled, userID)
	return 2, nil
}

func (f *fakeDomains) EnableAllForUser(_ context.Context, userID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.enabled = append(f.enabled, userID)
	return 2, nil
}

type sentMail struct {
	to   string
	tmpl types.EmailTemplate
	data email.Data
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to string, tmpl types.EmailTemplate, data email.Data) error {
	if f.err != nil {
		return f.err
	}
	if to == "" {
		return email.ErrNoRecipient
	}
	f.sent = append(f.sent, sentMail{to: to, tmpl: tmpl, data: data})
	return nil
}

type recordingPublisher struct {
	events []types.SubscriptionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt types.SubscriptionEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) kinds() []types.EventKind {
	out := make([]types.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type recordingMetrics struct {
	job    string
	counts map[string]int
}

func (m *recordingMetrics) RecordRun(_ context.Context, job string, counts map[string]int, _ time.Duration) {
	m.job = job
	m.counts = counts
}

func testCatalog() *PlanCatalog {
	return &PlanCatalog{tiers: map[string]types.PlanTier{
		"price_starter": types.PlanStarter,
		"price_pro":     types.PlanPro,
		"price_biz":     types.PlanBusiness,
	}}
}
