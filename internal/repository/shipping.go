package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-commerce/internal/domain/shipping"
)

const listActiveZonesSQL = `SELECT id, name, country, regions, flat_rate, free_shipping_threshold, is_active
	FROM shipping_zones WHERE is_active ORDER BY id`

var _ shipping.ZoneRepository = (*ZoneRepository)(nil)

// ZoneRepository implements shipping.ZoneRepository backed by PostgreSQL.
type ZoneRepository struct {
	pool *pgxpool.Pool
}

// NewZoneRepository returns a ZoneRepository that uses the given pool.
func NewZoneRepository(pool *pgxpool.Pool) *ZoneRepository {
	return &ZoneRepository{pool: pool}
}

// ActiveZones returns every active shipping zone.
func (r *ZoneRepository) ActiveZones(ctx context.Context) ([]shipping.Zone, error) {
	rows, err := r.pool.Query(ctx, listActiveZonesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing shipping zones: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (shipping.Zone, error) {
		var z shipping.Zone
		err := row.Scan(&z.ID, &z.Name, &z.Country, &z.Regions, &z.FlatRate, &z.FreeShippingThreshold, &z.Active)
		return z, err
	})
}
