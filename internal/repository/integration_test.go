//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kart-commerce/internal/domain/discount"
	"github.com/xenking/kart-commerce/internal/domain/order"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kart",
				"POSTGRES_PASSWORD": "kart",
				"POSTGRES_DB":       "kart",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := NewPool(ctx, PoolConfig{
		URL:              fmt.Sprintf("postgres://kart:kart@%s:%s/kart?sslmode=disable", host, port.Port()),
		StatementTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	_, err = pool.Exec(ctx, `INSERT INTO products (id, name, price, stock_quantity, track_inventory) VALUES
		('p1', 'Widget', 10, 7, TRUE),
		('p2', 'Gadget', 5, 100, FALSE);
		INSERT INTO product_variants (id, product_id, name, stock_quantity) VALUES ('v1', 'p1', 'Widget XL', 2)`)
	require.NoError(t, err)
	return pool
}

func stockOf(t *testing.T, pool *pgxpool.Pool, table, id string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT stock_quantity FROM `+table+` WHERE id = $1`, id).Scan(&n))
	return n
}

func strp(s string) *string { return &s }

func newOrder(id, number string, items ...order.Item) *order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	total := decimal.Zero
	for i := range items {
		items[i].ID = fmt.Sprintf("%s-item-%d", id, i)
		items[i].LineTotal = items[i].Price.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
		total = total.Add(items[i].LineTotal)
	}
	return &order.Order{
		ID:              id,
		Number:          number,
		Email:           "buyer@example.com",
		Status:          order.StatusPending,
		Subtotal:        total,
		Total:           total,
		Currency:        "USD",
		PaymentStatus:   order.PaymentPending,
		Items:           items,
		ShippingAddress: &order.Address{Line1: "1 Main St", City: "Tbilisi", Country: "GE"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestOrderRepository(t *testing.T) {
	pool := startPostgres(t)
	repo := NewOrderRepository(pool)
	ctx := context.Background()
	initial := order.HistoryEntry{Status: order.StatusPending, CreatedAt: time.Now()}

	widget := order.Item{ProductID: strp("p1"), Name: "Widget", Price: decimal.NewFromInt(10), Quantity: 3}
	untracked := order.Item{ProductID: strp("p2"), Name: "Gadget", Price: decimal.NewFromInt(5), Quantity: 500}

	o := newOrder("o1", "ORD-240615-00001", widget, untracked)
	require.NoError(t, repo.Create(ctx, o, initial))
	assert.Equal(t, 4, stockOf(t, pool, "products", "p1"))
	assert.Equal(t, 100, stockOf(t, pool, "products", "p2"))

	got, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-240615-00001", got.Number)
	require.Len(t, got.Items, 2)
	assert.True(t, got.Total.Equal(decimal.NewFromInt(2530)))
	require.NotNil(t, got.ShippingAddress)
	assert.Nil(t, got.BillingAddress)

	t.Run("number collision", func(t *testing.T) {
		err := repo.Create(ctx, newOrder("o2", "ORD-240615-00001"), initial)
		require.ErrorIs(t, err, order.ErrNumberTaken)
	})

	t.Run("insufficient stock rolls back", func(t *testing.T) {
		big := widget
		big.Quantity = 5
		err := repo.Create(ctx, newOrder("o3", "ORD-240615-00003", untracked, big), initial)
		var se *order.InsufficientStockError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "p1", se.ProductID)

		_, err = repo.Get(ctx, "o3")
		require.ErrorIs(t, err, order.ErrNotFound)
		assert.Equal(t, 4, stockOf(t, pool, "products", "p1"))
	})

	t.Run("variant stock", func(t *testing.T) {
		v := order.Item{ProductID: strp("p1"), VariantID: strp("v1"), Name: "Widget XL", Price: decimal.NewFromInt(12), Quantity: 2}
		require.NoError(t, repo.Create(ctx, newOrder("o4", "ORD-240615-00004", v), initial))
		assert.Equal(t, 0, stockOf(t, pool, "product_variants", "v1"))
		assert.Equal(t, 4, stockOf(t, pool, "products", "p1"))

		require.NoError(t, repo.RestoreStock(ctx, []order.Item{v}))
		assert.Equal(t, 2, stockOf(t, pool, "product_variants", "v1"))
	})

	t.Run("conditional transition", func(t *testing.T) {
		change := order.StatusChange{
			OrderID: "o1",
			From:    order.StatusPending,
			To:      order.StatusConfirmed,
			Entry:   order.HistoryEntry{Status: order.StatusConfirmed, Note: strp("paid"), CreatedAt: time.Now()},
		}
		updated, err := repo.TransitionStatus(ctx, change)
		require.NoError(t, err)
		assert.Equal(t, order.StatusConfirmed, updated.Status)

		_, err = repo.TransitionStatus(ctx, change)
		require.ErrorIs(t, err, order.ErrStatusChanged)

		history, err := repo.History(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, order.StatusConfirmed, history[1].Status)
	})

	t.Run("archived blocks transition", func(t *testing.T) {
		_, err := repo.SetArchived(ctx, "o1", true)
		require.NoError(t, err)
		_, err = repo.TransitionStatus(ctx, order.StatusChange{
			OrderID: "o1", From: order.StatusConfirmed, To: order.StatusProcessing,
			Entry: order.HistoryEntry{Status: order.StatusProcessing, CreatedAt: time.Now()},
		})
		require.ErrorIs(t, err, order.ErrStatusChanged)
		_, err = repo.SetArchived(ctx, "o1", false)
		require.NoError(t, err)
	})

	t.Run("payment", func(t *testing.T) {
		updated, err := repo.SetPayment(ctx, "o1", order.PaymentProcessing, "stripe", strp("cs_1"))
		require.NoError(t, err)
		assert.Equal(t, "cs_1", *updated.TransactionID)

		updated, err = repo.SetPayment(ctx, "o1", order.PaymentCompleted, "stripe", nil)
		require.NoError(t, err)
		assert.Equal(t, order.PaymentCompleted, updated.PaymentStatus)
		assert.Equal(t, "cs_1", *updated.TransactionID)

		_, err = repo.SetPayment(ctx, "missing", order.PaymentFailed, "stripe", nil)
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("stats and list", func(t *testing.T) {
		st, err := repo.Stats(ctx, time.Now().UTC().Truncate(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, st.TotalOrders)
		assert.Equal(t, 1, st.ByStatus[order.StatusConfirmed])
		assert.True(t, st.Revenue.Equal(decimal.NewFromInt(2530)), st.Revenue.String())

		list, err := repo.List(ctx, order.ListFilter{Status: order.StatusPending, Limit: 10})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "o4", list[0].ID)
	})
}

func TestDiscountRepository(t *testing.T) {
	pool := startPostgres(t)
	repo := NewDiscountRepository(pool)
	ctx := context.Background()

	limit := 2
	d := &discount.Discount{
		ID:         "d1",
		Name:       "Ten off",
		Code:       strp("SAVE10"),
		Type:       discount.TypePercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: &limit,
		AppliesTo:  discount.ScopeAll,
		Active:     true,
		StartsAt:   time.Now().Add(-time.Hour),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.Create(ctx, d))

	dup := *d
	dup.ID = "d2"
	require.ErrorIs(t, repo.Create(ctx, &dup), discount.ErrCodeConflict)

	require.NoError(t, repo.IncrementUsage(ctx, "SAVE10"))
	got, err := repo.GetByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.Equal(t, 2, *got.UsageLimit)
	assert.Nil(t, got.PerCustomerLimit)
	assert.Empty(t, got.ApplicableIDs)

	_, err = repo.GetByCode(ctx, "NOPE")
	require.ErrorIs(t, err, discount.ErrNotFound)
	require.ErrorIs(t, repo.IncrementUsage(ctx, "NOPE"), discount.ErrNotFound)

	svc := discount.NewService(repo)
	res, err := svc.Apply(ctx, discount.Request{Code: "save10", Subtotal: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("2.5")))

	t.Run("exhausted", func(t *testing.T) {
		require.NoError(t, repo.IncrementUsage(ctx, "SAVE10"))
		require.ErrorIs(t, repo.IncrementUsage(ctx, "SAVE10"), discount.ErrUsageLimitReached)

		got, err := repo.GetByCode(ctx, "SAVE10")
		require.NoError(t, err)
		assert.Equal(t, 2, got.UsageCount)

		_, err = svc.Apply(ctx, discount.Request{Code: "SAVE10", Subtotal: decimal.NewFromInt(25)})
		require.ErrorIs(t, err, discount.ErrUsageLimitReached)
	})
}

func TestZoneRepositoryAndSequence(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO shipping_zones (id, name, country, regions, flat_rate, free_shipping_threshold, is_active) VALUES
		('z1', 'Georgia', 'GE', '{}', 5, 50, TRUE),
		('z2', 'Rest of world', '*', '{}', 15, NULL, TRUE),
		('z3', 'Retired', 'US', '{CA}', 1, NULL, FALSE)`)
	require.NoError(t, err)

	zones, err := NewZoneRepository(pool).ActiveZones(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, "z1", zones[0].ID)
	require.NotNil(t, zones[0].FreeShippingThreshold)
	assert.Nil(t, zones[1].FreeShippingThreshold)

	seq := NewPostgresSequence(pool)
	a, err := seq.Next(ctx)
	require.NoError(t, err)
	b, err := seq.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, a+1, b)
}
