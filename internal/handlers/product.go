// internal/handlers/product.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/affiliate-backend/internal/middleware"
	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

type ProductHandler struct {
	catalogService *services.CatalogService
}

func NewProductHandler(catalogService *services.CatalogService) *ProductHandler {
	return &ProductHandler{catalogService: catalogService}
}

// POST /products
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req services.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Vendors list products under their own id only.
	if !middleware.IsAdmin(c) || req.VendorID == uuid.Nil {
		req.VendorID = userID
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, "", validationErrors)
		return
	}

	product, err := h.catalogService.CreateProduct(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.CreatedResponse(c, product)
}

// GET /products/:id
func (h *ProductHandler) GetProduct(c *gin.Context) {
	productID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	product, err := h.catalogService.GetProduct(c.Request.Context(), productID)
	if err != nil {
		respondProductError(c, err)
		return
	}

	utils.SuccessResponse(c, product)
}

type setProductActiveBody struct {
	Active *bool `json:"active" validate:"required"`
}

// PATCH /products/:id
func (h *ProductHandler) SetProductActive(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	productID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var body setProductActiveBody
	if !bindAndValidate(c, &body) {
		return
	}

	ctx := c.Request.Context()
	product, err := h.catalogService.GetProduct(ctx, productID)
	if err != nil {
		respondProductError(c, err)
		return
	}
	if !middleware.IsAdmin(c) && product.VendorID != userID {
		utils.ForbiddenResponse(c, "")
		return
	}

	product, err = h.catalogService.SetActive(ctx, productID, *body.Active)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, product)
}

// respondProductError answers 404 for a missing product on product routes.
// Order submissions treat the same error as invalid input.
func respondProductError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrProductNotFound) {
		utils.NotFoundResponse(c, "Product")
		return
	}
	respondError(c, err)
}
