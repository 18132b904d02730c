package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-commerce/internal/domain/order"
)

const orderColumns = `id, order_number, customer_id, email, name, status,
	subtotal, tax_amount, shipping_amount, discount_amount, total, currency,
	payment_method, payment_status, transaction_id, coupon_code, notes, archived,
	created_at, updated_at`

const (
	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	insertOrderItemSQL = `INSERT INTO order_items
		(id, order_id, position, product_id, variant_id, name, sku, price, cost_price, quantity, line_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	insertOrderAddressSQL = `INSERT INTO order_addresses
		(order_id, kind, first_name, last_name, company, line1, line2, city, region, postal_code, country, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	insertHistorySQL = `INSERT INTO order_status_history (order_id, status, note, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	decrementVariantStockSQL = `UPDATE product_variants v
		SET stock_quantity = v.stock_quantity - $2, updated_at = now()
		FROM products p
		WHERE v.id = $1 AND p.id = v.product_id AND p.track_inventory AND v.stock_quantity >= $2`

	decrementProductStockSQL = `UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND track_inventory AND stock_quantity >= $2`

	variantTrackedSQL = `SELECT p.track_inventory FROM product_variants v
		JOIN products p ON p.id = v.product_id WHERE v.id = $1`

	productTrackedSQL = `SELECT track_inventory FROM products WHERE id = $1`

	restoreVariantStockSQL = `UPDATE product_variants v
		SET stock_quantity = v.stock_quantity + $2, updated_at = now()
		FROM products p
		WHERE v.id = $1 AND p.id = v.product_id AND p.track_inventory`

	restoreProductStockSQL = `UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1 AND track_inventory`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrderItemsSQL = `SELECT id, product_id, variant_id, name, sku, price, cost_price, quantity, line_total
		FROM order_items WHERE order_id = $1 ORDER BY position`

	listOrderAddressesSQL = `SELECT kind, first_name, last_name, company, line1, line2, city, region,
		postal_code, country, phone
		FROM order_addresses WHERE order_id = $1`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE archived = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`

	listHistorySQL = `SELECT status, note, actor_id, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY id`

	transitionStatusSQL = `UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2 AND NOT archived
		RETURNING ` + orderColumns

	setArchivedSQL = `UPDATE orders SET archived = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + orderColumns

	setPaymentSQL = `UPDATE orders SET payment_status = $2, payment_method = $3,
		transaction_id = COALESCE($4, transaction_id), updated_at = now()
		WHERE id = $1
		RETURNING ` + orderColumns

	orderStatsSQL = `SELECT
		count(*),
		count(*) FILTER (WHERE created_at >= $1),
		COALESCE(sum(total) FILTER (WHERE status = ANY($2)), 0),
		COALESCE(sum(total) FILTER (WHERE status = ANY($2) AND created_at >= $1), 0)
		FROM orders WHERE NOT archived`

	statusCountsSQL = `SELECT status, count(*) FROM orders WHERE NOT archived GROUP BY status`

	countCustomerUsageSQL = `SELECT count(*) FROM orders
		WHERE customer_id = $1 AND coupon_code = $2 AND status <> 'cancelled'`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order, its lines, addresses and initial history entry
// and decrements stock, all in one transaction. A decrement that would take
// tracked stock below zero aborts the transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, initial order.HistoryEntry) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.Number, o.CustomerID, o.Email, o.Name, string(o.Status),
			o.Subtotal, o.TaxAmount, o.ShippingAmount, o.DiscountAmount, o.Total, o.Currency,
			o.PaymentMethod, string(o.PaymentStatus), o.TransactionID, o.CouponCode, o.Notes, o.Archived,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "orders_order_number_key") {
				return order.ErrNumberTaken
			}
			return fmt.Errorf("inserting order: %w", err)
		}

		for i, it := range o.Items {
			_, err := tx.Exec(ctx, insertOrderItemSQL,
				it.ID, o.ID, i, it.ProductID, it.VariantID, it.Name, it.SKU,
				it.Price, it.CostPrice, it.Quantity, it.LineTotal,
			)
			if err != nil {
				return fmt.Errorf("inserting order item %d: %w", i, err)
			}
		}

		for _, a := range []struct {
			kind order.AddressKind
			addr *order.Address
		}{
			{order.AddressShipping, o.ShippingAddress},
			{order.AddressBilling, o.BillingAddress},
		} {
			if a.addr == nil {
				continue
			}
			if err := insertAddress(ctx, tx, o.ID, a.kind, a.addr); err != nil {
				return err
			}
		}

		if err := insertHistory(ctx, tx, o.ID, initial); err != nil {
			return err
		}

		for _, it := range o.Items {
			if err := decrementStock(ctx, tx, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "create order %s", o.Number)
	}
	return nil
}

func insertAddress(ctx context.Context, q dbtx, orderID string, kind order.AddressKind, a *order.Address) error {
	_, err := q.Exec(ctx, insertOrderAddressSQL,
		orderID, string(kind), a.FirstName, a.LastName, a.Company, a.Line1, a.Line2,
		a.City, a.Region, a.PostalCode, a.Country, a.Phone,
	)
	if err != nil {
		return fmt.Errorf("inserting %s address: %w", kind, err)
	}
	return nil
}

func insertHistory(ctx context.Context, q dbtx, orderID string, e order.HistoryEntry) error {
	_, err := q.Exec(ctx, insertHistorySQL, orderID, string(e.Status), e.Note, e.ActorID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting status history: %w", err)
	}
	return nil
}

// decrementStock conditionally takes the line quantity from the variant, or
// the product when no variant is set. Lines whose product no longer exists
// or does not track inventory are skipped.
func decrementStock(ctx context.Context, q dbtx, it order.Item) error {
	var update, tracked, id string
	stockErr := &order.InsufficientStockError{Requested: it.Quantity}
	switch {
	case it.VariantID != nil:
		update, tracked, id = decrementVariantStockSQL, variantTrackedSQL, *it.VariantID
		stockErr.VariantID = id
		if it.ProductID != nil {
			stockErr.ProductID = *it.ProductID
		}
	case it.ProductID != nil:
		update, tracked, id = decrementProductStockSQL, productTrackedSQL, *it.ProductID
		stockErr.ProductID = id
	default:
		return nil
	}

	tag, err := q.Exec(ctx, update, id, it.Quantity)
	if err != nil {
		return fmt.Errorf("decrementing stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var track bool
	if err := q.QueryRow(ctx, tracked, id).Scan(&track); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("checking inventory tracking of %q: %w", id, err)
	}
	if !track {
		return nil
	}
	return stockErr
}

// Get returns the order with its items and addresses.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	if err := r.loadDetails(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepository) loadDetails(ctx context.Context, o *order.Order) error {
	rows, err := r.pool.Query(ctx, listOrderItemsSQL, o.ID)
	if err != nil {
		return fmt.Errorf("listing items of order %q: %w", o.ID, err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return fmt.Errorf("listing items of order %q: %w", o.ID, err)
	}
	o.Items = items

	rows, err = r.pool.Query(ctx, listOrderAddressesSQL, o.ID)
	if err != nil {
		return fmt.Errorf("listing addresses of order %q: %w", o.ID, err)
	}
	var (
		kind string
		a    order.Address
	)
	_, err = pgx.ForEachRow(rows, []any{
		&kind, &a.FirstName, &a.LastName, &a.Company, &a.Line1, &a.Line2,
		&a.City, &a.Region, &a.PostalCode, &a.Country, &a.Phone,
	}, func() error {
		addr := a
		switch order.AddressKind(kind) {
		case order.AddressShipping:
			o.ShippingAddress = &addr
		case order.AddressBilling:
			o.BillingAddress = &addr
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing addresses of order %q: %w", o.ID, err)
	}
	return nil
}

// List returns orders without their lines, newest first.
func (r *OrderRepository) List(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, f.Archived, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// History returns the status trail in insertion order.
func (r *OrderRepository) History(ctx context.Context, id string) ([]order.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, listHistorySQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing history of order %q: %w", id, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.HistoryEntry, error) {
		var (
			e      order.HistoryEntry
			status string
		)
		err := row.Scan(&status, &e.Note, &e.ActorID, &e.CreatedAt)
		e.Status = order.Status(status)
		return e, err
	})
}

// TransitionStatus updates the status only while the order is still in
// change.From and not archived, and appends the history entry in the same
// transaction.
func (r *OrderRepository) TransitionStatus(ctx context.Context, c order.StatusChange) (*order.Order, error) {
	var updated order.Order
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, transitionStatusSQL, c.OrderID, string(c.From), string(c.To), c.Entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("updating status: %w", err)
		}
		o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrStatusChanged
			}
			return fmt.Errorf("updating status: %w", err)
		}
		updated = o
		return insertHistory(ctx, tx, c.OrderID, c.Entry)
	})
	if err != nil {
		if errors.Is(err, order.ErrStatusChanged) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "transition order %s", c.OrderID)
	}
	if err := r.loadDetails(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// RestoreStock adds every line quantity back in one transaction.
func (r *OrderRepository) RestoreStock(ctx context.Context, items []order.Item) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, it := range items {
			var stmt, id string
			switch {
			case it.VariantID != nil:
				stmt, id = restoreVariantStockSQL, *it.VariantID
			case it.ProductID != nil:
				stmt, id = restoreProductStockSQL, *it.ProductID
			default:
				continue
			}
			if _, err := tx.Exec(ctx, stmt, id, it.Quantity); err != nil {
				return fmt.Errorf("restoring stock of %q: %w", id, err)
			}
		}
		return nil
	})
}

// SetArchived toggles the archived flag.
func (r *OrderRepository) SetArchived(ctx context.Context, id string, archived bool) (*order.Order, error) {
	return r.updateReturning(ctx, id, setArchivedSQL, id, archived)
}

// SetPayment records the payment status and method. A nil transactionID
// keeps the stored one.
func (r *OrderRepository) SetPayment(ctx context.Context, id string, status order.PaymentStatus, method string, transactionID *string) (*order.Order, error) {
	return r.updateReturning(ctx, id, setPaymentSQL, id, string(status), method, transactionID)
}

func (r *OrderRepository) updateReturning(ctx context.Context, id, sql string, args ...any) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("updating order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("updating order %q: %w", id, err)
	}
	if err := r.loadDetails(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Stats aggregates non-archived orders. Orders created at or after dayStart
// count as today's.
func (r *OrderRepository) Stats(ctx context.Context, dayStart time.Time) (*order.Stats, error) {
	revenue := make([]string, 0, len(order.RevenueStatuses()))
	for _, s := range order.RevenueStatuses() {
		revenue = append(revenue, string(s))
	}

	st := &order.Stats{ByStatus: make(map[order.Status]int)}
	var total, today int64
	err := r.pool.QueryRow(ctx, orderStatsSQL, dayStart, revenue).
		Scan(&total, &today, &st.Revenue, &st.TodayRevenue)
	if err != nil {
		return nil, fmt.Errorf("aggregating orders: %w", err)
	}
	st.TotalOrders = int(total)
	st.TodayOrders = int(today)

	rows, err := r.pool.Query(ctx, statusCountsSQL)
	if err != nil {
		return nil, fmt.Errorf("counting orders by status: %w", err)
	}
	var (
		status string
		count  int64
	)
	_, err = pgx.ForEachRow(rows, []any{&status, &count}, func() error {
		st.ByStatus[order.Status(status)] = int(count)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counting orders by status: %w", err)
	}
	return st, nil
}

// CountCustomerUsage implements discount.UsageCounter over historical
// orders.
func (r *OrderRepository) CountCustomerUsage(ctx context.Context, customerID, code string) (int, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, countCustomerUsageSQL, customerID, code).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting coupon %q usage: %w", code, err)
	}
	return int(n), nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o             order.Order
		status        string
		paymentStatus string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.Email, &o.Name, &status,
		&o.Subtotal, &o.TaxAmount, &o.ShippingAmount, &o.DiscountAmount, &o.Total, &o.Currency,
		&o.PaymentMethod, &paymentStatus, &o.TransactionID, &o.CouponCode, &o.Notes, &o.Archived,
		&o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	return o, err
}

func scanItem(row pgx.CollectableRow) (order.Item, error) {
	var (
		it       order.Item
		quantity int32
	)
	err := row.Scan(
		&it.ID, &it.ProductID, &it.VariantID, &it.Name, &it.SKU,
		&it.Price, &it.CostPrice, &quantity, &it.LineTotal,
	)
	it.Quantity = int(quantity)
	return it, err
}
