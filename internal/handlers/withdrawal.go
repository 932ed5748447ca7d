// internal/handlers/withdrawal.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/affiliate-backend/internal/middleware"
	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

type WithdrawalHandler struct {
	withdrawalService *services.WithdrawalService
}

func NewWithdrawalHandler(withdrawalService *services.WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawalService: withdrawalService}
}

// POST /withdrawals
func (h *WithdrawalHandler) RequestWithdrawal(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req services.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Affiliates may only withdraw from their own wallet.
	if !middleware.IsAdmin(c) {
		if req.AffiliateID != userID && req.AffiliateID != uuid.Nil {
			utils.ForbiddenResponse(c, "")
			return
		}
		req.AffiliateID = userID
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, "", validationErrors)
		return
	}

	withdrawal, err := h.withdrawalService.Request(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"withdrawal_id": withdrawal.ID,
		"status":        withdrawal.Status,
		"withdrawal":    withdrawal,
	})
}

// POST /withdrawals/:id/cancel
func (h *WithdrawalHandler) CancelWithdrawal(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	withdrawalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	affiliateID := userID
	if middleware.IsAdmin(c) {
		withdrawal, err := h.withdrawalService.Get(ctx, withdrawalID)
		if err != nil {
			respondError(c, err)
			return
		}
		affiliateID = withdrawal.AffiliateID
	}

	withdrawal, err := h.withdrawalService.Cancel(ctx, affiliateID, withdrawalID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, withdrawal)
}

// GET /wallet/:affiliate_id/withdrawals
func (h *WithdrawalHandler) ListWithdrawals(c *gin.Context) {
	affiliateID, ok := parseUUIDParam(c, "affiliate_id")
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	withdrawals, total, err := h.withdrawalService.List(c.Request.Context(), affiliateID, params)
	if err != nil {
		respondError(c, err)
		return
	}

	result := utils.CreatePaginationResult(withdrawals, total, params)
	utils.PaginatedResponse(c, result)
}
