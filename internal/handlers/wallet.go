// internal/handlers/wallet.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

type WalletHandler struct {
	ledgerService *services.LedgerService
}

func NewWalletHandler(ledgerService *services.LedgerService) *WalletHandler {
	return &WalletHandler{ledgerService: ledgerService}
}

// GET /wallet/:affiliate_id
func (h *WalletHandler) GetWallet(c *gin.Context) {
	affiliateID, ok := parseUUIDParam(c, "affiliate_id")
	if !ok {
		return
	}

	balance, err := h.ledgerService.BalanceOf(c.Request.Context(), affiliateID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, balance)
}

// GET /wallet/:affiliate_id/entries
func (h *WalletHandler) GetEntries(c *gin.Context) {
	affiliateID, ok := parseUUIDParam(c, "affiliate_id")
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	entries, total, err := h.ledgerService.Entries(c.Request.Context(), affiliateID, params)
	if err != nil {
		respondError(c, err)
		return
	}

	result := utils.CreatePaginationResult(entries, total, params)
	utils.PaginatedResponse(c, result)
}
