package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-commerce/internal/domain/discount"
)

const (
	discountColumns = `id, name, code, type, value, minimum_order_amount, maximum_discount_amount,
		usage_limit, usage_count, per_customer_limit, applies_to, applicable_ids, is_active,
		starts_at, ends_at, created_at`

	getDiscountByCodeSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE code = $1`

	insertDiscountSQL = `INSERT INTO discounts (` + discountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	incrementDiscountUsageSQL = `UPDATE discounts SET usage_count = usage_count + 1
		WHERE code = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`
	discountExistsSQL = `SELECT EXISTS(SELECT 1 FROM discounts WHERE code = $1)`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
// Codes are stored normalized.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// GetByCode returns discount.ErrNotFound when no discount carries code.
func (r *DiscountRepository) GetByCode(ctx context.Context, code string) (*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount by code %q: %w", code, err)
	}

	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding discount by code %q: %w", code, err)
	}
	return &d, nil
}

// Create inserts d. A duplicate code yields discount.ErrCodeConflict.
func (r *DiscountRepository) Create(ctx context.Context, d *discount.Discount) error {
	ids := d.ApplicableIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := r.pool.Exec(ctx, insertDiscountSQL,
		d.ID, d.Name, d.Code, string(d.Type), d.Value, d.MinimumOrderAmount, d.MaximumDiscountAmount,
		d.UsageLimit, d.UsageCount, d.PerCustomerLimit, string(d.AppliesTo), ids, d.Active,
		d.StartsAt, d.EndsAt, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "discounts_code_key") {
			return discount.ErrCodeConflict
		}
		return fmt.Errorf("creating discount %q: %w", d.Name, err)
	}
	return nil
}

// IncrementUsage atomically increments the usage counter for code.
func (r *DiscountRepository) IncrementUsage(ctx context.Context, code string) error {
	tag, err := r.pool.Exec(ctx, incrementDiscountUsageSQL, code)
	if err != nil {
		return fmt.Errorf("incrementing usage for discount %q: %w", code, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, discountExistsSQL, code).Scan(&exists); err != nil {
		return fmt.Errorf("checking discount %q: %w", code, err)
	}
	if exists {
		return discount.ErrUsageLimitReached
	}
	return discount.ErrNotFound
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d          discount.Discount
		typ        string
		appliesTo  string
		usageLimit *int32
		usageCount int32
		perCust    *int32
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Code, &typ, &d.Value, &d.MinimumOrderAmount, &d.MaximumDiscountAmount,
		&usageLimit, &usageCount, &perCust, &appliesTo, &d.ApplicableIDs, &d.Active,
		&d.StartsAt, &d.EndsAt, &d.CreatedAt,
	)
	d.Type = discount.Type(typ)
	d.AppliesTo = discount.Scope(appliesTo)
	d.UsageLimit = intPtr(usageLimit)
	d.UsageCount = int(usageCount)
	d.PerCustomerLimit = intPtr(perCust)
	return d, err
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
