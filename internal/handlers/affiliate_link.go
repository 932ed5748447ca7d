// internal/handlers/affiliate_link.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/affiliate-backend/internal/middleware"
	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

type AffiliateLinkHandler struct {
	linkService    *services.AffiliateLinkService
	catalogService *services.CatalogService
}

func NewAffiliateLinkHandler(linkService *services.AffiliateLinkService, catalogService *services.CatalogService) *AffiliateLinkHandler {
	return &AffiliateLinkHandler{
		linkService:    linkService,
		catalogService: catalogService,
	}
}

// POST /links
func (h *AffiliateLinkHandler) CreateLink(c *gin.Context) {
	vendorID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req services.CreateAffiliateLinkRequest
	if !bindAndValidate(c, &req) {
		return
	}

	// Admins issue links on behalf of the owning vendor.
	if middleware.IsAdmin(c) {
		product, err := h.catalogService.GetProduct(c.Request.Context(), req.ProductID)
		if err != nil {
			respondError(c, err)
			return
		}
		vendorID = product.VendorID
	}

	link, err := h.linkService.CreateLink(c.Request.Context(), vendorID, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.CreatedResponse(c, link)
}

// GET /links/:code
func (h *AffiliateLinkHandler) GetLink(c *gin.Context) {
	link, err := h.linkService.GetLink(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"code":       link.Code,
		"product_id": link.ProductID,
		"active":     link.Active,
	})
}

// DELETE /links/:code
func (h *AffiliateLinkHandler) DeactivateLink(c *gin.Context) {
	vendorID, ok := currentUserID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if middleware.IsAdmin(c) {
		link, err := h.linkService.GetLink(ctx, c.Param("code"))
		if err != nil {
			respondError(c, err)
			return
		}
		vendorID = link.VendorID
	}

	link, err := h.linkService.Deactivate(ctx, vendorID, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, link)
}

// GET /affiliates/:affiliate_id/links
func (h *AffiliateLinkHandler) ListLinks(c *gin.Context) {
	affiliateID, ok := parseUUIDParam(c, "affiliate_id")
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	links, total, err := h.linkService.ListByAffiliate(c.Request.Context(), affiliateID, params)
	if err != nil {
		respondError(c, err)
		return
	}

	result := utils.CreatePaginationResult(links, total, params)
	utils.PaginatedResponse(c, result)
}

// canViewLink reports whether the caller is the link's affiliate, its vendor
// or an admin.
func canViewLink(c *gin.Context, link *models.AffiliateLink) bool {
	if middleware.IsAdmin(c) {
		return true
	}
	userIDStr, _ := utils.GetUserIDFromContext(c)
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return false
	}
	return userID == link.AffiliateID || userID == link.VendorID
}
