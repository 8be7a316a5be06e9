package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"storewatch/internal/models"
)

// GetProduct loads the snapshot baseline for a product, or nil when no
// baseline exists yet (first observation).
func (s *Store) GetProduct(ctx context.Context, shop, productID string) (*models.Product, error) {
	var p models.Product
	err := s.db.QueryRow(ctx, `
		SELECT product_id, title, status FROM product_snapshots WHERE shop = $1 AND product_id = $2
	`, shop, productID).Scan(&p.ID, &p.Title, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product snapshot: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT variant_id, title, price, inventory_quantity
		FROM variant_snapshots WHERE shop = $1 AND product_id = $2 ORDER BY variant_id
	`, shop, productID)
	if err != nil {
		return nil, fmt.Errorf("get variant snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v models.Variant
		if err := rows.Scan(&v.ID, &v.Title, &v.Price, &v.InventoryQuantity); err != nil {
			return nil, err
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProduct rewrites the snapshot to the freshly observed state. Parent
// and variant rows move together in one transaction so the baseline never
// mixes two observations.
func (s *Store) UpsertProduct(ctx context.Context, shop string, p models.Product) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO product_snapshots (shop, product_id, title, status, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (shop, product_id) DO UPDATE SET title = $3, status = $4, updated_at = NOW()
	`, shop, p.ID, p.Title, p.Status)
	if err != nil {
		return fmt.Errorf("upsert product snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM variant_snapshots WHERE shop = $1 AND product_id = $2
	`, shop, p.ID); err != nil {
		return fmt.Errorf("clear variant snapshots: %w", err)
	}
	for _, v := range p.Variants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO variant_snapshots (shop, product_id, variant_id, title, price, inventory_quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, shop, p.ID, v.ID, v.Title, v.Price, v.InventoryQuantity); err != nil {
			return fmt.Errorf("insert variant snapshot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// DeleteProduct drops the baseline after a product is removed upstream.
func (s *Store) DeleteProduct(ctx context.Context, shop, productID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM variant_snapshots WHERE shop = $1 AND product_id = $2`, shop, productID); err != nil {
		return fmt.Errorf("delete variant snapshots: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM product_snapshots WHERE shop = $1 AND product_id = $2`, shop, productID); err != nil {
		return fmt.Errorf("delete product snapshot: %w", err)
	}
	return tx.Commit(ctx)
}

// GetScopes returns the last observed app scope list, or nil when none exists.
func (s *Store) GetScopes(ctx context.Context, shop string) ([]string, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT scopes FROM scope_snapshots WHERE shop = $1`, shop).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scope snapshot: %w", err)
	}
	var scopes []string
	if err := json.Unmarshal(raw, &scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	return scopes, nil
}

// UpsertScopes rewrites the scope baseline.
func (s *Store) UpsertScopes(ctx context.Context, shop string, scopes []string) error {
	raw, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO scope_snapshots (shop, scopes, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (shop) DO UPDATE SET scopes = $2, updated_at = NOW()
	`, shop, raw)
	return err
}

// GetSettings loads a shop's alerting settings, or nil when the shop has none.
func (s *Store) GetSettings(ctx context.Context, shop string) (*models.ShopSettings, error) {
	var st models.ShopSettings
	err := s.db.QueryRow(ctx, `
		SELECT shop, tier, alert_url, instant_alerts_enabled, low_stock_threshold, updated_at
		FROM shop_settings WHERE shop = $1
	`, shop).Scan(&st.Shop, &st.Tier, &st.AlertURL, &st.InstantAlertsEnabled, &st.LowStockThreshold, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get shop settings: %w", err)
	}
	return &st, nil
}

// UpsertSettings writes a shop's alerting settings.
func (s *Store) UpsertSettings(ctx context.Context, st models.ShopSettings) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO shop_settings (shop, tier, alert_url, instant_alerts_enabled, low_stock_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (shop) DO UPDATE SET tier = $2, alert_url = $3, instant_alerts_enabled = $4,
			low_stock_threshold = $5, updated_at = $6
	`, st.Shop, st.Tier, st.AlertURL, st.InstantAlertsEnabled, st.LowStockThreshold, st.UpdatedAt)
	return err
}
