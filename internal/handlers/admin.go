// internal/handlers/admin.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

// AdminHandler exposes the operator side of the lifecycle: confirmations and
// reversals outside the webhook flow, payouts and ledger audits.
type AdminHandler struct {
	lifecycle         *services.CommissionLifecycle
	withdrawalService *services.WithdrawalService
	ledgerService     *services.LedgerService
	exportService     *services.LedgerExportService
}

func NewAdminHandler(
	lifecycle *services.CommissionLifecycle,
	withdrawalService *services.WithdrawalService,
	ledgerService *services.LedgerService,
	exportService *services.LedgerExportService,
) *AdminHandler {
	return &AdminHandler{
		lifecycle:         lifecycle,
		withdrawalService: withdrawalService,
		ledgerService:     ledgerService,
		exportService:     exportService,
	}
}

// GET /admin/commissions/:order_id
func (h *AdminHandler) GetCommission(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "order_id")
	if !ok {
		return
	}

	record, err := h.lifecycle.GetByOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, record)
}

// POST /admin/commissions/:order_id/confirm
func (h *AdminHandler) ConfirmCommission(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "order_id")
	if !ok {
		return
	}

	record, err := h.lifecycle.Confirm(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, record)
}

// POST /admin/commissions/:order_id/reverse
func (h *AdminHandler) ReverseCommission(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "order_id")
	if !ok {
		return
	}

	record, err := h.lifecycle.Reverse(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, record)
}

// POST /admin/withdrawals/:id/settle
func (h *AdminHandler) SettleWithdrawal(c *gin.Context) {
	withdrawalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	result, err := h.withdrawalService.Settle(c.Request.Context(), withdrawalID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// GET /admin/ledger/:affiliate_id/verify
func (h *AdminHandler) VerifyLedger(c *gin.Context) {
	affiliateID, ok := parseUUIDParam(c, "affiliate_id")
	if !ok {
		return
	}

	verification, err := h.ledgerService.VerifyChain(c.Request.Context(), affiliateID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, verification)
}

// POST /admin/ledger/:affiliate_id/export
func (h *AdminHandler) ExportLedger(c *gin.Context) {
	affiliateID, ok := parseUUIDParam(c, "affiliate_id")
	if !ok {
		return
	}

	result, err := h.exportService.Export(c.Request.Context(), affiliateID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.CreatedResponse(c, result)
}
