package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"qrcloud/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

// mockRows yields one scan function per row.
type mockRows struct {
	rows   []func(dest ...any) error
	idx    int
	closed bool
	errVal error
}

func newMockRows(rows ...func(dest ...any) error) *mockRows {
	return &mockRows{rows: rows, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.rows)
}

func (r *mockRows) Scan(dest ...any) error                       { return r.rows[r.idx](dest...) }
func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// scanSubscriptionInto returns a scan function that writes s in
// subscriptionColumns order.
func scanSubscriptionInto(s types.Subscription) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = s.ID
		*dest[1].(*string) = s.UserID
		*dest[2].(*string) = s.ProviderCustomerID
		*dest[3].(*string) = s.ProviderSubscriptionID
		*dest[4].(*string) = s.PriceID
		*dest[5].(*types.SubscriptionStatus) = s.Status
		*dest[6].(*time.Time) = s.CurrentPeriodStart
		*dest[7].(*time.Time) = s.CurrentPeriodEnd
		*dest[8].(*bool) = s.CancelAtPeriodEnd
		*dest[9].(**time.Time) = s.GracePeriodEndsAt
		*dest[10].(**time.Time) = s.DomainsDisabledAt
		*dest[11].(**time.Time) = s.CancellationNotifiedAt
		*dest[12].(**time.Time) = s.CancellationReminderSentAt
		*dest[13].(**time.Time) = s.PastDueNotifiedAt
		*dest[14].(*time.Time) = s.CreatedAt
		*dest[15].(*time.Time) = s.UpdatedAt
		return nil
	}
}
