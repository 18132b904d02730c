package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	byCode       map[string]*Discount
	getErr       error
	createErr    error
	incrementErr error
	incremented  []string
	created      *Discount
}

func (m *mockRepo) GetByCode(_ context.Context, code string) (*Discount, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	d, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mockRepo) Create(_ context.Context, d *Discount) error {
	m.created = d
	return m.createErr
}

func (m *mockRepo) IncrementUsage(_ context.Context, code string) error {
	m.incremented = append(m.incremented, code)
	return m.incrementErr
}

type mockUsage struct {
	count int
	err   error
}

func (m *mockUsage) CountCustomerUsage(context.Context, string, string) (int, error) {
	return m.count, m.err
}

func ptr[T any](v T) *T { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newDiscount(code string, typ Type, value string) *Discount {
	return &Discount{
		ID:        "d1",
		Name:      code,
		Code:      ptr(code),
		Type:      typ,
		Value:     dec(value),
		AppliesTo: ScopeAll,
		Active:    true,
		StartsAt:  fixedNow.Add(-24 * time.Hour),
	}
}

func newTestService(repo *mockRepo, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(repo, opts...)
}

func TestService_Apply(t *testing.T) {
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)

	tests := []struct {
		name      string
		discount  *Discount
		req       Request
		usage     *mockUsage
		wantAmt   string
		wantFree  bool
		wantErr   error
		wantRejct bool
	}{
		{
			name: "percentage with minimum met",
			discount: func() *Discount {
				d := newDiscount("SAVE10", TypePercentage, "10")
				d.MinimumOrderAmount = dec("20")
				return d
			}(),
			req:     Request{Code: "save10", Subtotal: dec("25.00")},
			wantAmt: "2.5",
		},
		{
			name: "percentage capped",
			discount: func() *Discount {
				d := newDiscount("BIG", TypePercentage, "50")
				d.MaximumDiscountAmount = ptr(dec("20"))
				return d
			}(),
			req:     Request{Code: "BIG", Subtotal: dec("100")},
			wantAmt: "20",
		},
		{
			name:     "percentage rounds half away from zero",
			discount: newDiscount("ODD", TypePercentage, "15"),
			req:      Request{Code: "ODD", Subtotal: dec("0.30")},
			wantAmt:  "0.05",
		},
		{
			name:     "fixed never exceeds subtotal",
			discount: newDiscount("FIVE", TypeFixed, "50"),
			req:      Request{Code: "FIVE", Subtotal: dec("12.34")},
			wantAmt:  "12.34",
		},
		{
			name:     "fixed below subtotal",
			discount: newDiscount("FIVE", TypeFixed, "5"),
			req:      Request{Code: "FIVE", Subtotal: dec("12.34")},
			wantAmt:  "5",
		},
		{
			name:     "free shipping contributes nothing",
			discount: newDiscount("SHIP", TypeFreeShipping, "0"),
			req:      Request{Code: "SHIP", Subtotal: dec("40")},
			wantAmt:  "0",
			wantFree: true,
		},
		{
			name:     "unknown code",
			discount: newDiscount("OTHER", TypeFixed, "5"),
			req:      Request{Code: "NOPE", Subtotal: dec("40")},
			wantErr:  ErrInvalidCoupon,
		},
		{
			name: "inactive",
			discount: func() *Discount {
				d := newDiscount("OFF", TypeFixed, "5")
				d.Active = false
				return d
			}(),
			req:     Request{Code: "OFF", Subtotal: dec("40")},
			wantErr: ErrInvalidCoupon,
		},
		{
			name: "not started",
			discount: func() *Discount {
				d := newDiscount("SOON", TypeFixed, "5")
				d.StartsAt = future
				return d
			}(),
			req:     Request{Code: "SOON", Subtotal: dec("40")},
			wantErr: ErrCouponExpired,
		},
		{
			name: "ended",
			discount: func() *Discount {
				d := newDiscount("OLD", TypeFixed, "5")
				d.EndsAt = &past
				return d
			}(),
			req:     Request{Code: "OLD", Subtotal: dec("40")},
			wantErr: ErrCouponExpired,
		},
		{
			name: "usage limit reached",
			discount: func() *Discount {
				d := newDiscount("USED", TypeFixed, "5")
				d.UsageLimit = ptr(3)
				d.UsageCount = 3
				return d
			}(),
			req:     Request{Code: "USED", Subtotal: dec("40")},
			wantErr: ErrUsageLimitReached,
		},
		{
			name: "customer limit reached",
			discount: func() *Discount {
				d := newDiscount("ONCE", TypeFixed, "5")
				d.PerCustomerLimit = ptr(1)
				return d
			}(),
			req:     Request{Code: "ONCE", Subtotal: dec("40"), CustomerID: ptr("c1")},
			usage:   &mockUsage{count: 1},
			wantErr: ErrCustomerLimitReached,
		},
		{
			name: "customer limit ignored for guests",
			discount: func() *Discount {
				d := newDiscount("ONCE", TypeFixed, "5")
				d.PerCustomerLimit = ptr(1)
				return d
			}(),
			req:     Request{Code: "ONCE", Subtotal: dec("40")},
			usage:   &mockUsage{count: 5},
			wantAmt: "5",
		},
		{
			name: "minimum not met",
			discount: func() *Discount {
				d := newDiscount("MIN", TypeFixed, "5")
				d.MinimumOrderAmount = dec("50")
				return d
			}(),
			req:       Request{Code: "MIN", Subtotal: dec("49.99")},
			wantRejct: true,
		},
		{
			name: "product scope uses matching lines",
			discount: func() *Discount {
				d := newDiscount("SHOES", TypePercentage, "10")
				d.AppliesTo = ScopeSpecificProducts
				d.ApplicableIDs = []string{"p1"}
				return d
			}(),
			req: Request{Code: "SHOES", Subtotal: dec("30"), Items: []Item{
				{ProductID: "p1", Price: dec("10"), Quantity: 2},
				{ProductID: "p2", Price: dec("10"), Quantity: 1},
			}},
			wantAmt: "2",
		},
		{
			name: "category scope without match",
			discount: func() *Discount {
				d := newDiscount("HATS", TypePercentage, "10")
				d.AppliesTo = ScopeSpecificCategories
				d.ApplicableIDs = []string{"hats"}
				return d
			}(),
			req: Request{Code: "HATS", Subtotal: dec("30"), Items: []Item{
				{ProductID: "p1", CategoryID: "shoes", Price: dec("30"), Quantity: 1},
			}},
			wantErr: ErrNotApplicable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{byCode: map[string]*Discount{*tt.discount.Code: tt.discount}}
			var opts []Option
			if tt.usage != nil {
				opts = append(opts, WithUsageCounter(tt.usage))
			}
			svc := newTestService(repo, opts...)

			res, err := svc.Apply(context.Background(), tt.req)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrRejected)
			case tt.wantRejct:
				require.ErrorIs(t, err, ErrRejected)
				var minErr *MinimumNotMetError
				require.True(t, errors.As(err, &minErr))
				assert.Equal(t, "minimum order amount of 50.00 not met", minErr.Error())
			default:
				require.NoError(t, err)
				assert.True(t, dec(tt.wantAmt).Equal(res.Amount), "want %s got %s", tt.wantAmt, res.Amount)
				assert.Equal(t, tt.wantFree, res.FreeShipping)
				assert.Equal(t, tt.discount, res.Discount)
			}
			assert.Empty(t, repo.incremented)
		})
	}
}

func TestService_Apply_RepositoryError(t *testing.T) {
	repo := &mockRepo{getErr: errors.New("connection refused")}
	svc := newTestService(repo)

	_, err := svc.Apply(context.Background(), Request{Code: "X", Subtotal: dec("1")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "lookup discount")
}

func TestAmount_PercentageMatchesRoundedProduct(t *testing.T) {
	subtotals := []string{"0.01", "0.05", "1.15", "19.99", "25.00", "333.33", "1000.05"}
	values := []string{"1", "7.5", "10", "12.5", "33", "100"}

	for _, s := range subtotals {
		for _, v := range values {
			d := &Discount{Type: TypePercentage, Value: dec(v)}
			want := dec(s).Mul(dec(v)).Div(hundred).Round(2)
			got := Amount(d, dec(s))
			assert.True(t, want.Equal(got), "subtotal %s value %s: want %s got %s", s, v, want, got)

			capped := &Discount{Type: TypePercentage, Value: dec(v), MaximumDiscountAmount: ptr(dec("3"))}
			got = Amount(capped, dec(s))
			assert.True(t, decimal.Min(want, dec("3")).Equal(got))
		}
	}
}

func TestService_IncrementUsage(t *testing.T) {
	repo := &mockRepo{}
	svc := newTestService(repo)

	require.NoError(t, svc.IncrementUsage(context.Background(), " save10 "))
	assert.Equal(t, []string{"SAVE10"}, repo.incremented)

	repo.incrementErr = errors.New("boom")
	err := svc.IncrementUsage(context.Background(), "SAVE10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "increment discount usage")
}

func TestService_Create(t *testing.T) {
	t.Run("normalises and stores", func(t *testing.T) {
		repo := &mockRepo{}
		svc := newTestService(repo)

		d, err := svc.Create(context.Background(), &Discount{
			Name:  "Summer",
			Code:  ptr("summer25"),
			Type:  TypePercentage,
			Value: dec("25"),
		})
		require.NoError(t, err)
		assert.Equal(t, "SUMMER25", *d.Code)
		assert.Equal(t, ScopeAll, d.AppliesTo)
		assert.Equal(t, fixedNow, d.StartsAt)
		assert.NotEmpty(t, d.ID)
		assert.Same(t, d, repo.created)
	})

	t.Run("conflict propagates", func(t *testing.T) {
		repo := &mockRepo{createErr: ErrCodeConflict}
		svc := newTestService(repo)

		_, err := svc.Create(context.Background(), &Discount{
			Name: "Dup", Code: ptr("DUP1"), Type: TypeFixed, Value: dec("5"),
		})
		require.ErrorIs(t, err, ErrCodeConflict)
	})

	invalid := []struct {
		name string
		d    *Discount
	}{
		{"missing name", &Discount{Type: TypeFixed, Value: dec("1")}},
		{"unknown type", &Discount{Name: "x", Type: "bogus", Value: dec("1")}},
		{"negative value", &Discount{Name: "x", Type: TypeFixed, Value: dec("-1")}},
		{"percentage over 100", &Discount{Name: "x", Type: TypePercentage, Value: dec("101")}},
		{"zero usage limit", &Discount{Name: "x", Type: TypeFixed, Value: dec("1"), UsageLimit: ptr(0)}},
		{"scope without ids", &Discount{Name: "x", Type: TypeFixed, Value: dec("1"), AppliesTo: ScopeSpecificProducts}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{}
			_, err := newTestService(repo).Create(context.Background(), tt.d)
			require.ErrorIs(t, err, ErrInvalidDiscount)
			assert.Nil(t, repo.created)
		})
	}
}
