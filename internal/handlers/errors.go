// internal/handlers/errors.go
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

// respondError maps service errors onto the response envelope. Only
// validation, storage and unresolved concurrency failures are retry hints
// for callers; lifecycle misuse is a 409.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		utils.ValidationErrorResponse(c, err.Error(), nil)
	case errors.Is(err, services.ErrNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, services.ErrForbidden):
		utils.ForbiddenResponse(c, err.Error())
	case errors.Is(err, services.ErrInvalidSignature):
		utils.ErrorResponse(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature could not be verified", nil)
	case errors.Is(err, services.ErrReconciliationRequired):
		utils.ConflictResponse(c, "RECONCILIATION_REQUIRED", err.Error())
	case errors.Is(err, services.ErrInvalidTransition):
		utils.ConflictResponse(c, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, services.ErrInsufficientBalance):
		utils.ConflictResponse(c, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, services.ErrStorageNotConfigured):
		utils.ErrorResponse(c, http.StatusNotImplemented, "NOT_CONFIGURED", err.Error(), nil)
	case errors.Is(err, services.ErrStorageUnavailable),
		errors.Is(err, services.ErrConcurrencyConflict),
		errors.Is(err, context.DeadlineExceeded):
		logrus.WithError(err).WithField("path", c.Request.URL.Path).Warn("Retryable failure")
		utils.ServiceUnavailableResponse(c, "Temporarily unavailable, nothing was committed. Retry with the same request.")
	default:
		logrus.WithError(err).WithField("path", c.Request.URL.Path).Error("Unhandled error")
		utils.InternalErrorResponse(c, "")
	}
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDStr, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid user ID", nil)
		return uuid.Nil, false
	}
	return userID, true
}

// bindAndValidate binds JSON and runs struct validation, writing the error
// response itself.
func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return false
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, "", validationErrors)
		return false
	}
	return true
}
