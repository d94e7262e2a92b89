package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/adstats/internal/models"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// =============================================
// Entities
// =============================================

func (s *PostgresStore) ListCampaigns(ctx context.Context, tenantID string) ([]*models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, status, external_id, ad_account_id, sellpage_id,
			   budget_type, daily_budget, lifetime_budget
		FROM campaigns WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := make([]*models.Campaign, 0)
	for rows.Next() {
		var c models.Campaign
		var daily, lifetime *float64
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.Name, &c.Status, &c.ExternalID, &c.AdAccountID, &c.SellpageID,
			&c.BudgetType, &daily, &lifetime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		if daily != nil {
			c.DailyBudget = *daily
		}
		if lifetime != nil {
			c.LifetimeBudget = *lifetime
		}
		campaigns = append(campaigns, &c)
	}
	return campaigns, rows.Err()
}

func (s *PostgresStore) ListAdSets(ctx context.Context, tenantID string) ([]*models.AdSet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, campaign_id, name, status, external_id
		FROM ad_sets WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ad sets: %w", err)
	}
	defer rows.Close()

	adSets := make([]*models.AdSet, 0)
	for rows.Next() {
		var a models.AdSet
		if err := rows.Scan(&a.ID, &a.TenantID, &a.CampaignID, &a.Name, &a.Status, &a.ExternalID); err != nil {
			return nil, fmt.Errorf("failed to scan ad set: %w", err)
		}
		adSets = append(adSets, &a)
	}
	return adSets, rows.Err()
}

func (s *PostgresStore) ListAds(ctx context.Context, tenantID string) ([]*models.Ad, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, ad_set_id, name, status, external_id
		FROM ads WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ads: %w", err)
	}
	defer rows.Close()

	ads := make([]*models.Ad, 0)
	for rows.Next() {
		var a models.Ad
		if err := rows.Scan(&a.ID, &a.TenantID, &a.AdSetID, &a.Name, &a.Status, &a.ExternalID); err != nil {
			return nil, fmt.Errorf("failed to scan ad: %w", err)
		}
		ads = append(ads, &a)
	}
	return ads, rows.Err()
}

func (s *PostgresStore) ListAdAccounts(ctx context.Context, tenantID string) ([]*models.AdAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, external_id, channel, encrypted_secret, connection_status
		FROM ad_accounts WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ad accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*models.AdAccount, 0)
	for rows.Next() {
		var a models.AdAccount
		var secret *string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ExternalID, &a.Channel, &secret, &a.ConnectionStatus); err != nil {
			return nil, fmt.Errorf("failed to scan ad account: %w", err)
		}
		if secret != nil {
			a.EncryptedSecret = *secret
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) ListEligibleTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT c.tenant_id
		FROM campaigns c
		JOIN ad_accounts a ON a.id = c.ad_account_id AND a.tenant_id = c.tenant_id
		WHERE c.status IN ('ACTIVE', 'PAUSED') AND a.connection_status = 'ACTIVE'
		ORDER BY c.tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// =============================================
// Raw log
// =============================================

const rawColumns = `id, tenant_id, entity_type, entity_id, external_id, fetched_at, date_start, date_stop,
	spend, impressions, link_clicks, content_views, add_to_cart, checkout_initiated, purchases, purchase_value,
	cpm, ctr, cpc, cost_per_purchase, roas`

func (s *PostgresStore) AppendRaw(ctx context.Context, rows []models.RawStatRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`INSERT INTO raw_stats (`+rawColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			r.ID, r.TenantID, r.EntityType, r.EntityID, r.ExternalID, r.FetchedAt, r.DateStart, r.DateStop,
			r.Spend, r.Impressions, r.LinkClicks, r.ContentViews, r.AddToCart, r.CheckoutInitiated, r.Purchases, r.PurchaseValue,
			r.CPM, r.CTR, r.CPC, r.CostPerPurchase, r.ROAS,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range rows {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("failed to insert raw stat: %w", err)
		}
	}
	return len(rows), nil
}

func (s *PostgresStore) ListRaw(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.RawStatRow, error) {
	query := `SELECT ` + rawColumns + ` FROM raw_stats
		WHERE tenant_id = $1 AND entity_type = $2 AND date_start = $3`
	args := []any{tenantID, level, models.Day(date)}
	if entityIDs != nil {
		query += ` AND entity_id = ANY($4)`
		args = append(args, entityIDs)
	}
	query += ` ORDER BY fetched_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw stats: %w", err)
	}
	defer rows.Close()

	result := make([]models.RawStatRow, 0)
	for rows.Next() {
		var r models.RawStatRow
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.EntityType, &r.EntityID, &r.ExternalID, &r.FetchedAt, &r.DateStart, &r.DateStop,
			&r.Spend, &r.Impressions, &r.LinkClicks, &r.ContentViews, &r.AddToCart, &r.CheckoutInitiated, &r.Purchases, &r.PurchaseValue,
			&r.CPM, &r.CTR, &r.CPC, &r.CostPerPurchase, &r.ROAS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan raw stat: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// =============================================
// Daily summaries
// =============================================

func (s *PostgresStore) UpsertDaily(ctx context.Context, stats []models.DailyStat) (int, error) {
	if len(stats) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, st := range stats {
		batch.Queue(`
			INSERT INTO daily_stats (
				tenant_id, entity_type, entity_id, stat_date,
				spend, impressions, link_clicks, content_views, add_to_cart, checkout_initiated, purchases, purchase_value,
				cpm, ctr, cpc, cost_per_purchase, roas, raw_row_count, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (tenant_id, entity_type, entity_id, stat_date) DO UPDATE SET
				spend = EXCLUDED.spend,
				impressions = EXCLUDED.impressions,
				link_clicks = EXCLUDED.link_clicks,
				content_views = EXCLUDED.content_views,
				add_to_cart = EXCLUDED.add_to_cart,
				checkout_initiated = EXCLUDED.checkout_initiated,
				purchases = EXCLUDED.purchases,
				purchase_value = EXCLUDED.purchase_value,
				cpm = EXCLUDED.cpm,
				ctr = EXCLUDED.ctr,
				cpc = EXCLUDED.cpc,
				cost_per_purchase = EXCLUDED.cost_per_purchase,
				roas = EXCLUDED.roas,
				raw_row_count = EXCLUDED.raw_row_count,
				updated_at = EXCLUDED.updated_at
		`,
			st.TenantID, st.EntityType, st.EntityID, models.Day(st.Date),
			st.Spend, st.Impressions, st.LinkClicks, st.ContentViews, st.AddToCart, st.CheckoutInitiated, st.Purchases, st.PurchaseValue,
			st.CPM, st.CTR, st.CPC, st.CostPerPurchase, st.ROAS, st.RawRowCount, st.UpdatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range stats {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("failed to upsert daily stat: %w", err)
		}
	}
	return len(stats), nil
}

func (s *PostgresStore) ListDaily(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.DailyStat, error) {
	query := `
		SELECT tenant_id, entity_type, entity_id, stat_date,
			   spend, impressions, link_clicks, content_views, add_to_cart, checkout_initiated, purchases, purchase_value,
			   cpm, ctr, cpc, cost_per_purchase, roas, raw_row_count, updated_at
		FROM daily_stats
		WHERE tenant_id = $1 AND entity_type = $2 AND stat_date = $3`
	args := []any{tenantID, level, models.Day(date)}
	if entityIDs != nil {
		query += ` AND entity_id = ANY($4)`
		args = append(args, entityIDs)
	}
	query += ` ORDER BY entity_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily stats: %w", err)
	}
	defer rows.Close()

	result := make([]models.DailyStat, 0)
	for rows.Next() {
		var st models.DailyStat
		if err := rows.Scan(
			&st.TenantID, &st.EntityType, &st.EntityID, &st.Date,
			&st.Spend, &st.Impressions, &st.LinkClicks, &st.ContentViews, &st.AddToCart, &st.CheckoutInitiated, &st.Purchases, &st.PurchaseValue,
			&st.CPM, &st.CTR, &st.CPC, &st.CostPerPurchase, &st.ROAS, &st.RawRowCount, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// =============================================
// Sellpage rollups
// =============================================

func (s *PostgresStore) UpsertSellpageDaily(ctx context.Context, stats []models.SellpageDailyStat) (int, error) {
	if len(stats) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, st := range stats {
		batch.Queue(`
			INSERT INTO sellpage_daily_stats (
				tenant_id, sellpage_id, stat_date, ad_source,
				revenue, orders, ad_spend,
				spend, impressions, link_clicks, content_views, add_to_cart, checkout_initiated, purchases, purchase_value,
				cpm, ctr, cost_per_purchase, roas,
				click_through_rate, click_to_purchase_rate, checkout_to_purchase_rate,
				campaign_count, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
			ON CONFLICT (tenant_id, sellpage_id, stat_date, ad_source) DO UPDATE SET
				revenue = EXCLUDED.revenue,
				orders = EXCLUDED.orders,
				ad_spend = EXCLUDED.ad_spend,
				spend = EXCLUDED.spend,
				impressions = EXCLUDED.impressions,
				link_clicks = EXCLUDED.link_clicks,
				content_views = EXCLUDED.content_views,
				add_to_cart = EXCLUDED.add_to_cart,
				checkout_initiated = EXCLUDED.checkout_initiated,
				purchases = EXCLUDED.purchases,
				purchase_value = EXCLUDED.purchase_value,
				cpm = EXCLUDED.cpm,
				ctr = EXCLUDED.ctr,
				cost_per_purchase = EXCLUDED.cost_per_purchase,
				roas = EXCLUDED.roas,
				click_through_rate = EXCLUDED.click_through_rate,
				click_to_purchase_rate = EXCLUDED.click_to_purchase_rate,
				checkout_to_purchase_rate = EXCLUDED.checkout_to_purchase_rate,
				campaign_count = EXCLUDED.campaign_count,
				updated_at = EXCLUDED.updated_at
		`,
			st.TenantID, st.SellpageID, models.Day(st.Date), st.Channel,
			st.Revenue, st.Orders, st.AdSpend,
			st.Spend, st.Impressions, st.LinkClicks, st.ContentViews, st.AddToCart, st.CheckoutInitiated, st.Purchases, st.PurchaseValue,
			st.CPM, st.CTR, st.CostPerPurchase, st.ROAS,
			st.ClickThroughRate, st.ClickToPurchaseRate, st.CheckoutToPurchaseRate,
			st.CampaignCount, st.UpdatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range stats {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("failed to upsert sellpage stat: %w", err)
		}
	}
	return len(stats), nil
}

func (s *PostgresStore) ListSellpageDaily(ctx context.Context, tenantID string, date time.Time) ([]models.SellpageDailyStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, sellpage_id, stat_date, ad_source,
			   revenue, orders, ad_spend,
			   spend, impressions, link_clicks, content_views, add_to_cart, checkout_initiated, purchases, purchase_value,
			   cpm, ctr, cost_per_purchase, roas,
			   click_through_rate, click_to_purchase_rate, checkout_to_purchase_rate,
			   campaign_count, updated_at
		FROM sellpage_daily_stats
		WHERE tenant_id = $1 AND stat_date = $2
		ORDER BY sellpage_id, ad_source
	`, tenantID, models.Day(date))
	if err != nil {
		return nil, fmt.Errorf("failed to list sellpage stats: %w", err)
	}
	defer rows.Close()

	result := make([]models.SellpageDailyStat, 0)
	for rows.Next() {
		var st models.SellpageDailyStat
		if err := rows.Scan(
			&st.TenantID, &st.SellpageID, &st.Date, &st.Channel,
			&st.Revenue, &st.Orders, &st.AdSpend,
			&st.Spend, &st.Impressions, &st.LinkClicks, &st.ContentViews, &st.AddToCart, &st.CheckoutInitiated, &st.Purchases, &st.PurchaseValue,
			&st.CPM, &st.CTR, &st.CostPerPurchase, &st.ROAS,
			&st.ClickThroughRate, &st.ClickToPurchaseRate, &st.CheckoutToPurchaseRate,
			&st.CampaignCount, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sellpage stat: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// WithRawStore overrides where raw rows are appended and read, keeping every
// other repository on Postgres.
func (s *PostgresStore) WithRawStore(raw RawStatStore) Store {
	return &splitStore{PostgresStore: s, raw: raw}
}

type splitStore struct {
	*PostgresStore
	raw RawStatStore
}

func (s *splitStore) AppendRaw(ctx context.Context, rows []models.RawStatRow) (int, error) {
	return s.raw.AppendRaw(ctx, rows)
}

func (s *splitStore) ListRaw(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.RawStatRow, error) {
	return s.raw.ListRaw(ctx, tenantID, level, entityIDs, date)
}
