// internal/handlers/webhook.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

const signatureHeader = "X-Webhook-Signature"

type WebhookHandler struct {
	webhookService *services.WebhookService
}

func NewWebhookHandler(webhookService *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService}
}

// POST /webhooks/delivery
func (h *WebhookHandler) HandleDelivery(c *gin.Context) {
	var req services.DeliveryWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if req.Signature == "" {
		req.Signature = c.GetHeader(signatureHeader)
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, "", validationErrors)
		return
	}

	result, err := h.webhookService.HandleDelivery(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	if result.Replayed {
		logrus.WithFields(logrus.Fields{
			"event_id": req.DedupeKey(),
			"order_id": req.OrderID,
		}).Debug("Webhook replay acknowledged")
	}

	utils.SuccessResponse(c, result)
}
