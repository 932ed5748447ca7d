package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/database"
	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

const webhookSecret = "whsec_router_test"

// Each request gets its own client address so the shared per-IP limiters
// never trip during a run.
var clientSeq uint32

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

type APITestSuite struct {
	suite.Suite
	db     *gorm.DB
	stats  *services.StatsRecorder
	router *gin.Engine

	adminID     uuid.UUID
	vendorID    uuid.UUID
	affiliateID uuid.UUID
}

func (suite *APITestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
}

func (suite *APITestSuite) SetupTest() {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.OpenSQLite(dsn, nil)
	suite.Require().NoError(err)
	suite.Require().NoError(database.AutoMigrate(db))
	suite.db = db

	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{AllowOrigins: []string{"*"}},
		JWT:         config.JWTConfig{SecretKey: "router-test-secret"},
		Ledger: config.LedgerConfig{
			LockTimeout:      5 * time.Second,
			MaxAppendRetries: 3,
			RetryBackoff:     time.Millisecond,
		},
		Stats:   config.StatsConfig{DedupeWindow: time.Minute, QueueSize: 64},
		Webhook: config.WebhookConfig{Secret: webhookSecret},
		Payment: config.PaymentConfig{MinimumPayout: 100},
	}

	storage, err := services.NewStorageService(config.AWSConfig{})
	suite.Require().NoError(err)

	suite.stats = services.NewStatsRecorder(db, services.NewMemoryDeduper(), cfg.Stats)
	suite.stats.Start()

	suite.router = Initialize(db, cfg, Dependencies{
		Locker:    services.NewLocalLocker(cfg.Ledger.LockTimeout),
		Publisher: services.NoopPublisher{},
		Stats:     suite.stats,
		Storage:   storage,
	})

	suite.adminID = uuid.New()
	suite.vendorID = uuid.New()
	suite.affiliateID = uuid.New()
}

func (suite *APITestSuite) TearDownTest() {
	suite.stats.Stop()
	database.Close(suite.db)
}

func (suite *APITestSuite) token(userID uuid.UUID, userType models.UserType) string {
	token, err := utils.GenerateJWT(userID, string(userType), time.Hour)
	suite.Require().NoError(err)
	return token
}

func (suite *APITestSuite) do(method, path, token string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		suite.Require().NoError(err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	n := atomic.AddUint32(&clientSeq, 1)
	req.RemoteAddr = fmt.Sprintf("10.%d.%d.%d:40000", (n>>16)&0xff, (n>>8)&0xff, n&0xff)

	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)

	var resp envelope
	if w.Body.Len() > 0 {
		suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func (suite *APITestSuite) decode(resp envelope, out interface{}) {
	suite.Require().NoError(json.Unmarshal(resp.Data, out))
}

// seedLink creates a vendor product and a link for the suite's affiliate.
func (suite *APITestSuite) seedLink(price, pct int64) (uuid.UUID, string) {
	vendorToken := suite.token(suite.vendorID, models.UserTypeVendor)

	w, resp := suite.do(http.MethodPost, "/v1/products", vendorToken, gin.H{
		"title": "Field Recorder", "price": price, "commission_pct": pct,
	})
	suite.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var product models.Product
	suite.decode(resp, &product)
	suite.Require().Equal(suite.vendorID, product.VendorID)

	w, resp = suite.do(http.MethodPost, "/v1/affiliate-links", vendorToken, gin.H{
		"affiliate_id": suite.affiliateID, "product_id": product.ID,
	})
	suite.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var link models.AffiliateLink
	suite.decode(resp, &link)
	return product.ID, link.Code
}

type orderResponse struct {
	OrderID    uuid.UUID                `json:"order_id"`
	Status     models.OrderStatus       `json:"status"`
	Duplicate  bool                     `json:"duplicate"`
	Commission *models.CommissionRecord `json:"commission"`
}

func (suite *APITestSuite) placeOrder(productID uuid.UUID, code, key string, quantity int64) (int, orderResponse) {
	body := gin.H{
		"product_id":      productID,
		"customer_info":   gin.H{"email": "buyer@example.com"},
		"quantity":        quantity,
		"idempotency_key": key,
	}
	if code != "" {
		body["affiliate_code"] = code
	}
	w, resp := suite.do(http.MethodPost, "/v1/orders", "", body)
	var out orderResponse
	if resp.Success {
		suite.decode(resp, &out)
	}
	return w.Code, out
}

func (suite *APITestSuite) wallet() models.WalletBalance {
	w, resp := suite.do(http.MethodGet, "/v1/wallet/"+suite.affiliateID.String(), suite.token(suite.affiliateID, models.UserTypeAffiliate), nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var balance models.WalletBalance
	suite.decode(resp, &balance)
	return balance
}

func (suite *APITestSuite) deliver(orderID uuid.UUID, eventType models.DeliveryEventType, secret string) (*httptest.ResponseRecorder, envelope) {
	eventID := "evt_" + uuid.NewString()
	signature := utils.SignHMAC(secret, services.SignaturePayload(orderID, eventType, eventID))
	return suite.do(http.MethodPost, "/v1/webhooks/delivery", "", gin.H{
		"event_id": eventID, "order_id": orderID, "event_type": eventType,
	}, "X-Webhook-Signature", signature)
}

func (suite *APITestSuite) TestHealth() {
	w, _ := suite.do(http.MethodGet, "/health", "", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
}

func (suite *APITestSuite) TestOrderIsIdempotent() {
	productID, code := suite.seedLink(10000, 7)

	status, first := suite.placeOrder(productID, code, "checkout-0001", 2)
	suite.Require().Equal(http.StatusCreated, status)
	assert.False(suite.T(), first.Duplicate)
	assert.Equal(suite.T(), models.OrderStatusPending, first.Status)
	suite.Require().NotNil(first.Commission)
	assert.Equal(suite.T(), int64(1400), first.Commission.Amount)

	status, second := suite.placeOrder(productID, code, "checkout-0001", 2)
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.True(suite.T(), second.Duplicate)
	assert.Equal(suite.T(), first.OrderID, second.OrderID)

	assert.Equal(suite.T(), int64(1400), suite.wallet().PendingBalance)
}

func (suite *APITestSuite) TestOrderWithUnknownCodeStillSucceeds() {
	productID, _ := suite.seedLink(10000, 7)

	status, order := suite.placeOrder(productID, "XYZ123", "checkout-0002", 1)
	suite.Require().Equal(http.StatusCreated, status)
	assert.Nil(suite.T(), order.Commission)
	assert.Equal(suite.T(), int64(0), suite.wallet().PendingBalance)
}

func (suite *APITestSuite) TestOrderValidation() {
	productID, _ := suite.seedLink(10000, 7)

	w, resp := suite.do(http.MethodPost, "/v1/orders", "", gin.H{
		"product_id": productID, "customer_info": gin.H{"email": "x"}, "idempotency_key": "checkout-0003",
	})
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)
	suite.Require().NotNil(resp.Error)
	assert.Equal(suite.T(), "VALIDATION_ERROR", resp.Error.Code)

	status, _ := suite.placeOrder(uuid.New(), "", "checkout-0004", 1)
	assert.Equal(suite.T(), http.StatusBadRequest, status)

	// The key may arrive as a header instead.
	w, _ = suite.do(http.MethodPost, "/v1/orders", "", gin.H{
		"product_id": productID, "customer_info": gin.H{"email": "x"}, "quantity": 1,
	}, "Idempotency-Key", "checkout-0005")
	assert.Equal(suite.T(), http.StatusCreated, w.Code)
}

func (suite *APITestSuite) TestWalletRequiresOwnership() {
	path := "/v1/wallet/" + suite.affiliateID.String()

	w, _ := suite.do(http.MethodGet, path, "", nil)
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)

	w, _ = suite.do(http.MethodGet, path, suite.token(uuid.New(), models.UserTypeAffiliate), nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodGet, path, suite.token(suite.adminID, models.UserTypeAdmin), nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	w, _ = suite.do(http.MethodPost, "/v1/admin/commissions/"+uuid.NewString()+"/confirm", suite.token(suite.affiliateID, models.UserTypeAffiliate), nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)
}

func (suite *APITestSuite) TestDeliveryWebhook() {
	productID, code := suite.seedLink(10000, 7)
	_, order := suite.placeOrder(productID, code, "checkout-0006", 2)

	w, resp := suite.deliver(order.OrderID, models.DeliveryEventDelivered, "not-the-secret")
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)
	suite.Require().NotNil(resp.Error)
	assert.Equal(suite.T(), "INVALID_SIGNATURE", resp.Error.Code)
	assert.Equal(suite.T(), int64(0), suite.wallet().AvailableBalance)

	w, resp = suite.deliver(order.OrderID, models.DeliveryEventDelivered, webhookSecret)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var result services.WebhookResult
	suite.decode(resp, &result)
	assert.False(suite.T(), result.Replayed)
	assert.Equal(suite.T(), models.OrderStatusConfirmed, result.OrderStatus)

	w, resp = suite.deliver(order.OrderID, models.DeliveryEventDelivered, webhookSecret)
	suite.Require().Equal(http.StatusOK, w.Code)
	suite.decode(resp, &result)
	assert.True(suite.T(), result.Replayed)

	balance := suite.wallet()
	assert.Equal(suite.T(), int64(0), balance.PendingBalance)
	assert.Equal(suite.T(), int64(1400), balance.AvailableBalance)

	w, resp = suite.deliver(order.OrderID, models.DeliveryEventCancelled, webhookSecret)
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
	assert.Equal(suite.T(), "INVALID_TRANSITION", resp.Error.Code)
}

func (suite *APITestSuite) TestWithdrawalLifecycle() {
	productID, code := suite.seedLink(10000, 10)
	_, order := suite.placeOrder(productID, code, "checkout-0007", 1)
	adminToken := suite.token(suite.adminID, models.UserTypeAdmin)
	affiliateToken := suite.token(suite.affiliateID, models.UserTypeAffiliate)

	w, _ := suite.do(http.MethodPost, "/v1/admin/commissions/"+order.OrderID.String()+"/confirm", adminToken, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w, resp := suite.do(http.MethodPost, "/v1/withdrawals", affiliateToken, gin.H{"amount": 5000})
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
	assert.Equal(suite.T(), "INSUFFICIENT_BALANCE", resp.Error.Code)

	w, _ = suite.do(http.MethodPost, "/v1/withdrawals", affiliateToken, gin.H{"amount": 50})
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)

	w, _ = suite.do(http.MethodPost, "/v1/withdrawals", affiliateToken, gin.H{
		"affiliate_id": uuid.New(), "amount": 500,
	})
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, resp = suite.do(http.MethodPost, "/v1/withdrawals", affiliateToken, gin.H{"amount": 1000})
	suite.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		WithdrawalID uuid.UUID               `json:"withdrawal_id"`
		Status       models.WithdrawalStatus `json:"status"`
	}
	suite.decode(resp, &created)
	assert.Equal(suite.T(), models.WithdrawalStatusRequested, created.Status)

	w, resp = suite.do(http.MethodPost, "/v1/admin/withdrawals/"+created.WithdrawalID.String()+"/settle", adminToken, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var settled services.SettlementResult
	suite.decode(resp, &settled)
	assert.Equal(suite.T(), models.WithdrawalStatusPaid, settled.Withdrawal.Status)
	assert.Equal(suite.T(), 1, settled.CommissionsPaid)

	balance := suite.wallet()
	assert.Equal(suite.T(), int64(0), balance.AvailableBalance)
	assert.Equal(suite.T(), int64(1000), balance.WithdrawnTotal)

	// Reversing a paid commission needs manual reconciliation.
	w, resp = suite.do(http.MethodPost, "/v1/admin/commissions/"+order.OrderID.String()+"/reverse", adminToken, nil)
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
	assert.Equal(suite.T(), "RECONCILIATION_REQUIRED", resp.Error.Code)
	assert.Equal(suite.T(), int64(1000), suite.wallet().WithdrawnTotal)

	w, _ = suite.do(http.MethodGet, "/v1/wallet/"+suite.affiliateID.String()+"/withdrawals", affiliateToken, nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
}

func (suite *APITestSuite) TestDeliveryWebhookWithoutEventID() {
	productID, code := suite.seedLink(10000, 7)
	_, order := suite.placeOrder(productID, code, "checkout-0011", 2)

	body := gin.H{
		"order_id":   order.OrderID,
		"event_type": models.DeliveryEventDelivered,
		"signature":  utils.SignHMAC(webhookSecret, order.OrderID.String()+".delivered"),
	}
	w, resp := suite.do(http.MethodPost, "/v1/webhooks/delivery", "", body)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var result services.WebhookResult
	suite.decode(resp, &result)
	assert.False(suite.T(), result.Replayed)
	assert.Equal(suite.T(), int64(1400), suite.wallet().AvailableBalance)

	w, resp = suite.do(http.MethodPost, "/v1/webhooks/delivery", "", body)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	suite.decode(resp, &result)
	assert.True(suite.T(), result.Replayed)

	balance := suite.wallet()
	assert.Equal(suite.T(), int64(0), balance.PendingBalance)
	assert.Equal(suite.T(), int64(1400), balance.AvailableBalance)
	assert.Equal(suite.T(), int64(2), balance.EntryCount)
}

func (suite *APITestSuite) TestWithdrawalOnBehalfOfAffiliate() {
	productID, code := suite.seedLink(10000, 10)
	_, order := suite.placeOrder(productID, code, "checkout-0012", 1)
	adminToken := suite.token(suite.adminID, models.UserTypeAdmin)

	w, _ := suite.do(http.MethodPost, "/v1/admin/commissions/"+order.OrderID.String()+"/confirm", adminToken, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w, _ = suite.do(http.MethodPost, "/v1/withdrawals", suite.token(suite.vendorID, models.UserTypeVendor), gin.H{
		"affiliate_id": suite.affiliateID, "amount": 500,
	})
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, resp := suite.do(http.MethodPost, "/v1/withdrawals", adminToken, gin.H{
		"affiliate_id": suite.affiliateID, "amount": 500,
	})
	suite.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		WithdrawalID uuid.UUID          `json:"withdrawal_id"`
		Withdrawal   *models.Withdrawal `json:"withdrawal"`
	}
	suite.decode(resp, &created)
	suite.Require().NotNil(created.Withdrawal)
	assert.Equal(suite.T(), suite.affiliateID, created.Withdrawal.AffiliateID)

	w, _ = suite.do(http.MethodPost, "/v1/withdrawals/"+created.WithdrawalID.String()+"/cancel", adminToken, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	assert.Equal(suite.T(), int64(1000), suite.wallet().AvailableBalance)
}

func (suite *APITestSuite) TestWithdrawalCancel() {
	productID, code := suite.seedLink(10000, 10)
	_, order := suite.placeOrder(productID, code, "checkout-0008", 1)
	adminToken := suite.token(suite.adminID, models.UserTypeAdmin)
	affiliateToken := suite.token(suite.affiliateID, models.UserTypeAffiliate)

	w, _ := suite.do(http.MethodPost, "/v1/admin/commissions/"+order.OrderID.String()+"/confirm", adminToken, nil)
	suite.Require().Equal(http.StatusOK, w.Code)

	w, resp := suite.do(http.MethodPost, "/v1/withdrawals", affiliateToken, gin.H{"amount": 1000})
	suite.Require().Equal(http.StatusCreated, w.Code)
	var created struct {
		WithdrawalID uuid.UUID `json:"withdrawal_id"`
	}
	suite.decode(resp, &created)
	cancelPath := "/v1/withdrawals/" + created.WithdrawalID.String() + "/cancel"

	w, _ = suite.do(http.MethodPost, cancelPath, suite.token(uuid.New(), models.UserTypeAffiliate), nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodPost, cancelPath, affiliateToken, nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	w, _ = suite.do(http.MethodPost, cancelPath, affiliateToken, nil)
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
}

func (suite *APITestSuite) TestLedgerAdminRoutes() {
	productID, code := suite.seedLink(10000, 7)
	suite.placeOrder(productID, code, "checkout-0009", 1)
	adminToken := suite.token(suite.adminID, models.UserTypeAdmin)
	base := "/v1/admin/ledger/" + suite.affiliateID.String()

	w, resp := suite.do(http.MethodGet, base+"/verify", adminToken, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var verification services.ChainVerification
	suite.decode(resp, &verification)
	assert.True(suite.T(), verification.Valid)
	assert.Equal(suite.T(), 1, verification.EntryCount)

	// No bucket configured in tests.
	w, resp = suite.do(http.MethodPost, base+"/export", adminToken, nil)
	assert.Equal(suite.T(), http.StatusNotImplemented, w.Code)
	assert.Equal(suite.T(), "NOT_CONFIGURED", resp.Error.Code)

	w, _ = suite.do(http.MethodGet, "/v1/wallet/"+suite.affiliateID.String()+"/entries?limit=10", suite.token(suite.affiliateID, models.UserTypeAffiliate), nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Equal(suite.T(), "1", w.Header().Get("X-Total-Count"))
}

func (suite *APITestSuite) TestLinkDeactivation() {
	_, code := suite.seedLink(10000, 7)

	w, _ := suite.do(http.MethodDelete, "/v1/affiliate-links/"+code, suite.token(uuid.New(), models.UserTypeVendor), nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodDelete, "/v1/affiliate-links/"+code, suite.token(suite.vendorID, models.UserTypeVendor), nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	w, resp := suite.do(http.MethodGet, "/v1/affiliate-links/"+code, "", nil)
	suite.Require().Equal(http.StatusOK, w.Code)
	var link struct {
		Active bool `json:"active"`
	}
	suite.decode(resp, &link)
	assert.False(suite.T(), link.Active)

	w, _ = suite.do(http.MethodGet, "/v1/affiliate-links/NOPE1234", "", nil)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)
}

func (suite *APITestSuite) TestTrackingAlwaysAccepted() {
	_, code := suite.seedLink(10000, 7)

	w, _ := suite.do(http.MethodPost, "/v1/track/click", "", "not json")
	assert.Equal(suite.T(), http.StatusAccepted, w.Code)

	w, _ = suite.do(http.MethodPost, "/v1/track/click", "", gin.H{"code": "UNKNOWN9"})
	assert.Equal(suite.T(), http.StatusAccepted, w.Code)

	for i := 0; i < 3; i++ {
		w, _ = suite.do(http.MethodPost, "/v1/track/click", "", gin.H{"code": code, "session_id": "visitor-1"})
		assert.Equal(suite.T(), http.StatusAccepted, w.Code)
	}
	suite.do(http.MethodPost, "/v1/track/click", "", gin.H{"code": code, "session_id": "visitor-2"})

	// Stop drains the queue so the counters are final.
	suite.stats.Stop()

	w, resp := suite.do(http.MethodGet, "/v1/stats/"+code, suite.token(suite.affiliateID, models.UserTypeAffiliate), nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var summary services.StatsSummary
	suite.decode(resp, &summary)
	assert.Equal(suite.T(), int64(2), summary.Totals[models.StatEventClick])

	w, _ = suite.do(http.MethodGet, "/v1/stats/"+code, suite.token(uuid.New(), models.UserTypeAffiliate), nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)
}

func (suite *APITestSuite) TestStorageFailureIsRetryable() {
	productID, code := suite.seedLink(10000, 7)
	database.Close(suite.db)

	w, resp := suite.do(http.MethodPost, "/v1/orders", "", gin.H{
		"product_id":      productID,
		"affiliate_code":  code,
		"customer_info":   gin.H{"email": "buyer@example.com"},
		"quantity":        1,
		"idempotency_key": "checkout-0010",
	})
	assert.Equal(suite.T(), http.StatusServiceUnavailable, w.Code)
	suite.Require().NotNil(resp.Error)
	assert.True(suite.T(), resp.Error.Retryable)
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}
