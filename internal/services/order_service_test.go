package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/models"
)

func TestCreateOrderAttributesCommission(t *testing.T) {
	env := newTestEnv(t)
	affiliateID := uuid.New()
	product := env.product(t, 10000, 7)
	code := env.link(t, product, affiliateID)

	result := env.order(t, product, code, 2)

	assert.False(t, result.Duplicate)
	assert.Equal(t, StageCommitted, result.Stage)
	assert.Equal(t, models.OrderStatusPending, result.Order.Status)
	assert.Equal(t, int64(20000), result.Order.TotalAmount)
	require.NotNil(t, result.Order.AffiliateID)
	assert.Equal(t, affiliateID, *result.Order.AffiliateID)

	require.NotNil(t, result.Commission)
	assert.Equal(t, int64(1400), result.Commission.Amount)
	assert.Equal(t, models.CommissionStatePending, result.Commission.State)
	assert.Equal(t, result.Order.ID, result.Commission.OrderID)

	balance := env.balance(t, affiliateID)
	assert.Equal(t, int64(1400), balance.PendingBalance)
	assert.Equal(t, int64(0), balance.AvailableBalance)
	env.requireInvariant(t, affiliateID)
	assert.Equal(t, 1, env.publisher.count(EventOrderCommitted))
}

func TestCreateOrderWithUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	product := env.product(t, 10000, 7)

	result := env.order(t, product, "XYZ123", 1)

	assert.Equal(t, models.OrderStatusPending, result.Order.Status)
	require.NotNil(t, result.Order.AffiliateCode)
	assert.Equal(t, "XYZ123", *result.Order.AffiliateCode)
	assert.Nil(t, result.Order.AffiliateID)
	assert.Nil(t, result.Commission)
	assert.Equal(t, int64(0), env.count(t, &models.CommissionRecord{}, ""))
	assert.Equal(t, int64(0), env.count(t, &models.LedgerEntry{}, ""))
}

func TestCreateOrderWithoutCode(t *testing.T) {
	env := newTestEnv(t)
	product := env.product(t, 500, 10)

	result := env.order(t, product, "", 3)

	assert.Nil(t, result.Order.AffiliateCode)
	assert.Nil(t, result.Order.AffiliateID)
	assert.Nil(t, result.Commission)
	assert.Equal(t, int64(1500), result.Order.TotalAmount)
}

func TestCreateOrderIgnoresUnusableLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.product(t, 1000, 10)
	other := env.product(t, 1000, 10)

	inactive := env.link(t, product, uuid.New())
	_, err := env.links.Deactivate(ctx, product.VendorID, inactive)
	require.NoError(t, err)
	otherProduct := env.link(t, other, uuid.New())

	for _, code := range []string{inactive, otherProduct, "  "} {
		result := env.order(t, product, code, 1)
		assert.Nil(t, result.Commission, code)
		assert.Nil(t, result.Order.AffiliateID, code)
	}
	assert.Equal(t, int64(0), env.count(t, &models.LedgerEntry{}, ""))
}

func TestCreateOrderZeroCommissionSkipsRecord(t *testing.T) {
	env := newTestEnv(t)
	affiliateID := uuid.New()
	product := env.product(t, 99, 1)

	result := env.order(t, product, env.link(t, product, affiliateID), 1)

	require.NotNil(t, result.Order.AffiliateID)
	assert.Nil(t, result.Commission)
	assert.Equal(t, int64(0), env.count(t, &models.CommissionRecord{}, ""))
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.product(t, 1000, 10)
	inactive := env.product(t, 1000, 10)
	_, err := env.catalog.SetActive(ctx, inactive.ID, false)
	require.NoError(t, err)

	cases := []struct {
		name string
		req  CreateOrderRequest
		want error
	}{
		{"missing product", CreateOrderRequest{ProductID: uuid.New(), Quantity: 1}, ErrProductNotFound},
		{"inactive product", CreateOrderRequest{ProductID: inactive.ID, Quantity: 1}, ErrProductInactive},
		{"zero quantity", CreateOrderRequest{ProductID: product.ID, Quantity: 0}, ErrValidation},
		{"short idempotency key", CreateOrderRequest{ProductID: product.ID, Quantity: 1, IdempotencyKey: "abc"}, ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.CustomerInfo = map[string]interface{}{"email": "buyer@example.com"}
			if req.IdempotencyKey == "" {
				req.IdempotencyKey = "key-" + uuid.NewString()
			}
			result, err := env.orders.CreateOrder(ctx, &req)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrValidation)
			require.NotNil(t, result)
			assert.Equal(t, StageRejected, result.Stage)
		})
	}
	assert.Equal(t, int64(0), env.count(t, &models.Order{}, ""))
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	affiliateID := uuid.New()
	product := env.product(t, 10000, 7)
	code := env.link(t, product, affiliateID)

	req := &CreateOrderRequest{
		ProductID:      product.ID,
		AffiliateCode:  &code,
		CustomerInfo:   map[string]interface{}{"email": "buyer@example.com"},
		Quantity:       2,
		IdempotencyKey: "checkout-42-nonce-1",
	}

	first, err := env.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	second, err := env.orders.CreateOrder(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	require.NotNil(t, second.Commission)
	assert.Equal(t, first.Commission.ID, second.Commission.ID)

	assert.Equal(t, int64(1), env.count(t, &models.Order{}, ""))
	assert.Equal(t, int64(1), env.count(t, &models.CommissionRecord{}, ""))
	assert.Equal(t, int64(1400), env.balance(t, affiliateID).PendingBalance)
}

func TestCreateOrderConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	affiliateID := uuid.New()
	product := env.product(t, 10000, 7)
	code := env.link(t, product, affiliateID)

	const submissions = 8
	ids := make([]uuid.UUID, submissions)
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.orders.CreateOrder(context.Background(), &CreateOrderRequest{
				ProductID:      product.ID,
				AffiliateCode:  &code,
				CustomerInfo:   map[string]interface{}{"email": "buyer@example.com"},
				Quantity:       2,
				IdempotencyKey: "same-submission-key",
			})
			if assert.NoError(t, err) {
				ids[i] = result.Order.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int64(1), env.count(t, &models.Order{}, ""))
	assert.Equal(t, int64(1), env.count(t, &models.CommissionRecord{}, ""))
	assert.Equal(t, int64(1), env.count(t, &models.LedgerEntry{}, ""))
	assert.Equal(t, int64(1400), env.balance(t, affiliateID).PendingBalance)
	env.requireInvariant(t, affiliateID)
}

func TestCreateOrderRollsBackWhenLedgerAppendFails(t *testing.T) {
	env := newTestEnv(t)
	affiliateID := uuid.New()
	product := env.product(t, 10000, 7)
	code := env.link(t, product, affiliateID)

	require.NoError(t, env.db.Callback().Create().Before("gorm:create").Register("test:fail_ledger", func(tx *gorm.DB) {
		if tx.Statement.Table == "ledger_entries" {
			tx.AddError(errors.New("disk I/O error"))
		}
	}))

	_, err := env.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		ProductID:      product.ID,
		AffiliateCode:  &code,
		CustomerInfo:   map[string]interface{}{"email": "buyer@example.com"},
		Quantity:       1,
		IdempotencyKey: "rollback-test-key",
	})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	assert.Equal(t, int64(0), env.count(t, &models.Order{}, ""))
	assert.Equal(t, int64(0), env.count(t, &models.CommissionRecord{}, ""))
	assert.Equal(t, int64(0), env.count(t, &models.LedgerEntry{}, ""))
	assert.Equal(t, 0, env.publisher.count(EventOrderCommitted))
}

func TestCreateOrderRecordsConversion(t *testing.T) {
	env := newTestEnv(t)
	product := env.product(t, 1000, 10)
	code := env.link(t, product, uuid.New())

	env.stats.Start()
	env.order(t, product, code, 1)
	env.order(t, product, code, 1)
	env.stats.Stop()

	summary, err := env.stats.Summary(context.Background(), code, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Totals[models.StatEventConversion])
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)
	product := env.product(t, 1000, 10)
	created := env.order(t, product, env.link(t, product, uuid.New()), 1)

	order, err := env.orders.GetOrder(context.Background(), created.Order.ID)
	require.NoError(t, err)
	require.NotNil(t, order.Commission)
	assert.Equal(t, int64(100), order.Commission.Amount)

	_, err = env.orders.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
