// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/handlers"
	"github.com/javajoker/affiliate-backend/internal/middleware"
	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

// Dependencies are the infrastructure pieces owned by the caller. The router
// builds services on top of them but never starts or stops them.
type Dependencies struct {
	Locker    services.AffiliateLocker
	Publisher services.EventPublisher
	Stats     *services.StatsRecorder
	Storage   *services.StorageService
}

func Initialize(db *gorm.DB, cfg *config.Config, deps Dependencies) *gin.Engine {
	// Initialize services
	catalogService := services.NewCatalogService(db)
	resolver := services.NewAttributionResolver(db)
	ledgerService := services.NewLedgerService(db, deps.Locker, deps.Publisher, cfg.Ledger)
	lifecycle := services.NewCommissionLifecycle(db, ledgerService, deps.Publisher)
	orderService := services.NewOrderService(db, catalogService, resolver, ledgerService, deps.Stats, deps.Publisher)
	withdrawalService := services.NewWithdrawalService(db, ledgerService, deps.Publisher, cfg.Payment)
	webhookService := services.NewWebhookService(db, ledgerService, lifecycle, deps.Publisher, cfg.Webhook)
	linkService := services.NewAffiliateLinkService(db, catalogService)
	exportService := services.NewLedgerExportService(ledgerService, deps.Storage)

	// Initialize handlers
	orderHandler := handlers.NewOrderHandler(orderService)
	walletHandler := handlers.NewWalletHandler(ledgerService)
	withdrawalHandler := handlers.NewWithdrawalHandler(withdrawalService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	linkHandler := handlers.NewAffiliateLinkHandler(linkService, catalogService)
	productHandler := handlers.NewProductHandler(catalogService)
	trackingHandler := handlers.NewTrackingHandler(deps.Stats, linkService)
	adminHandler := handlers.NewAdminHandler(lifecycle, withdrawalService, ledgerService, exportService)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.Server.AllowOrigins))
	r.Use(middleware.AuditLogMiddleware(db))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"version": "1.0.0",
		})
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Tracking sits outside the general limiter so burst traffic from
		// landing pages cannot starve order submission.
		track := v1.Group("/track")
		track.Use(middleware.TrackingRateLimit())
		{
			track.POST("/click", trackingHandler.TrackClick)
		}

		webhooks := v1.Group("/webhooks")
		webhooks.Use(middleware.WebhookRateLimit())
		{
			webhooks.POST("/delivery", webhookHandler.HandleDelivery)
		}

		api := v1.Group("")
		api.Use(middleware.GeneralRateLimit())

		// Orders arrive from the checkout front end and are keyed for
		// idempotency rather than authenticated.
		orders := api.Group("/orders")
		{
			orders.POST("", orderHandler.CreateOrder)
			orders.GET("/:id", middleware.AuthRequired(), middleware.AdminRequired(), orderHandler.GetOrder)
		}

		// Product mirror routes
		products := api.Group("/products")
		{
			products.GET("/:id", productHandler.GetProduct)

			protected := products.Group("")
			protected.Use(middleware.AuthRequired(), middleware.RequireUserType(models.UserTypeVendor))
			{
				protected.POST("", productHandler.CreateProduct)
				protected.PATCH("/:id", productHandler.SetProductActive)
			}
		}

		// Affiliate link routes
		links := api.Group("/affiliate-links")
		{
			links.GET("/:code", linkHandler.GetLink)

			protected := links.Group("")
			protected.Use(middleware.AuthRequired(), middleware.RequireUserType(models.UserTypeVendor))
			{
				protected.POST("", linkHandler.CreateLink)
				protected.DELETE("/:code", linkHandler.DeactivateLink)
			}
		}

		affiliates := api.Group("/affiliates/:affiliate_id")
		affiliates.Use(middleware.AuthRequired(), middleware.SelfOrAdmin("affiliate_id"))
		{
			affiliates.GET("/links", linkHandler.ListLinks)
		}

		// Wallet routes
		wallet := api.Group("/wallet/:affiliate_id")
		wallet.Use(middleware.AuthRequired(), middleware.SelfOrAdmin("affiliate_id"))
		{
			wallet.GET("", walletHandler.GetWallet)
			wallet.GET("/entries", walletHandler.GetEntries)
			wallet.GET("/withdrawals", withdrawalHandler.ListWithdrawals)
		}

		// Admins pass RequireUserType and may act for any affiliate.
		withdrawals := api.Group("/withdrawals")
		withdrawals.Use(middleware.AuthRequired(), middleware.RequireUserType(models.UserTypeAffiliate))
		{
			withdrawals.POST("", withdrawalHandler.RequestWithdrawal)
			withdrawals.POST("/:id/cancel", withdrawalHandler.CancelWithdrawal)
		}

		stats := api.Group("/stats")
		stats.Use(middleware.AuthRequired())
		{
			stats.GET("/:code", trackingHandler.GetStats)
		}

		// Admin routes
		admin := api.Group("/admin")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
		{
			commissions := admin.Group("/commissions")
			{
				commissions.GET("/:order_id", adminHandler.GetCommission)
				commissions.POST("/:order_id/confirm", adminHandler.ConfirmCommission)
				commissions.POST("/:order_id/reverse", adminHandler.ReverseCommission)
			}

			admin.POST("/withdrawals/:id/settle", adminHandler.SettleWithdrawal)

			ledger := admin.Group("/ledger")
			{
				ledger.GET("/:affiliate_id/verify", adminHandler.VerifyLedger)
				ledger.POST("/:affiliate_id/export", adminHandler.ExportLedger)
			}
		}
	}

	return r
}
