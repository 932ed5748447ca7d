package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/database"
	"github.com/javajoker/affiliate-backend/internal/models"
)

const testWebhookSecret = "whsec_test"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.OpenSQLite(dsn, nil)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	t.Cleanup(func() { database.Close(db) })
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, events ...DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	db          *gorm.DB
	publisher   *recordingPublisher
	catalog     *CatalogService
	resolver    *AttributionResolver
	links       *AffiliateLinkService
	ledger      *LedgerService
	stats       *StatsRecorder
	orders      *OrderService
	lifecycle   *CommissionLifecycle
	withdrawals *WithdrawalService
	webhooks    *WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	publisher := &recordingPublisher{}
	ledgerCfg := config.LedgerConfig{
		LockTimeout:      5 * time.Second,
		MaxAppendRetries: 3,
		RetryBackoff:     time.Millisecond,
	}

	catalog := NewCatalogService(db)
	resolver := NewAttributionResolver(db)
	ledger := NewLedgerService(db, NewLocalLocker(ledgerCfg.LockTimeout), publisher, ledgerCfg)
	stats := NewStatsRecorder(db, NewMemoryDeduper(), config.StatsConfig{DedupeWindow: time.Minute, QueueSize: 64})
	lifecycle := NewCommissionLifecycle(db, ledger, publisher)

	return &testEnv{
		db:          db,
		publisher:   publisher,
		catalog:     catalog,
		resolver:    resolver,
		links:       NewAffiliateLinkService(db, catalog),
		ledger:      ledger,
		stats:       stats,
		orders:      NewOrderService(db, catalog, resolver, ledger, stats, publisher),
		lifecycle:   lifecycle,
		withdrawals: NewWithdrawalService(db, ledger, publisher, config.PaymentConfig{MinimumPayout: 100}),
		webhooks:    NewWebhookService(db, ledger, lifecycle, publisher, config.WebhookConfig{Secret: testWebhookSecret}),
	}
}

func (e *testEnv) product(t *testing.T, price, pct int64) *models.Product {
	t.Helper()
	product, err := e.catalog.CreateProduct(context.Background(), &CreateProductRequest{
		VendorID:      uuid.New(),
		Title:         "Test product",
		Price:         price,
		CommissionPct: pct,
	})
	require.NoError(t, err)
	return product
}

func (e *testEnv) link(t *testing.T, product *models.Product, affiliateID uuid.UUID) string {
	t.Helper()
	link, err := e.links.CreateLink(context.Background(), product.VendorID, &CreateAffiliateLinkRequest{
		AffiliateID: affiliateID,
		ProductID:   product.ID,
	})
	require.NoError(t, err)
	return link.Code
}

func (e *testEnv) order(t *testing.T, product *models.Product, code string, quantity int64) *OrderResult {
	t.Helper()
	req := &CreateOrderRequest{
		ProductID:      product.ID,
		CustomerInfo:   map[string]interface{}{"email": "buyer@example.com"},
		Quantity:       quantity,
		IdempotencyKey: "order-" + uuid.NewString(),
	}
	if code != "" {
		req.AffiliateCode = &code
	}
	result, err := e.orders.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	return result
}

// confirmedCommission creates an attributed order and confirms it.
func (e *testEnv) confirmedCommission(t *testing.T, affiliateID uuid.UUID, price, pct int64) *models.CommissionRecord {
	t.Helper()
	product := e.product(t, price, pct)
	result := e.order(t, product, e.link(t, product, affiliateID), 1)
	require.NotNil(t, result.Commission)
	record, err := e.lifecycle.Confirm(context.Background(), result.Order.ID)
	require.NoError(t, err)
	return record
}

func (e *testEnv) balance(t *testing.T, affiliateID uuid.UUID) models.WalletBalance {
	t.Helper()
	balance, err := e.ledger.FreshBalance(context.Background(), affiliateID)
	require.NoError(t, err)
	return balance
}

func (e *testEnv) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := e.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

// requireInvariant checks that the bucket total equals the signed sum of the
// affiliate's entries and that sequences are gapless.
func (e *testEnv) requireInvariant(t *testing.T, affiliateID uuid.UUID) {
	t.Helper()
	entries, err := e.ledger.AllEntries(context.Background(), affiliateID)
	require.NoError(t, err)

	var sum int64
	for i, entry := range entries {
		require.Equal(t, int64(i+1), entry.Sequence)
		sum += entry.NetAmount()
	}
	balance := models.FoldEntries(affiliateID, entries)
	require.Equal(t, sum, balance.Total())
	require.GreaterOrEqual(t, balance.PendingBalance, int64(0))
	require.GreaterOrEqual(t, balance.AvailableBalance, int64(0))

	verification, err := e.ledger.VerifyChain(context.Background(), affiliateID)
	require.NoError(t, err)
	require.True(t, verification.Valid, verification.Reason)
}
