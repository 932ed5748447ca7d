// internal/handlers/tracking.go
package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/services"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

const (
	defaultStatsDays = 30
	maxStatsDays     = 365
)

type TrackingHandler struct {
	statsRecorder *services.StatsRecorder
	linkService   *services.AffiliateLinkService
}

func NewTrackingHandler(statsRecorder *services.StatsRecorder, linkService *services.AffiliateLinkService) *TrackingHandler {
	return &TrackingHandler{
		statsRecorder: statsRecorder,
		linkService:   linkService,
	}
}

type trackClickBody struct {
	Code      string `json:"code"`
	SessionID string `json:"session_id"`
}

// POST /track/click
//
// Always answers 202. Tracking failures are logged by the recorder and never
// reach the client.
func (h *TrackingHandler) TrackClick(c *gin.Context) {
	var body trackClickBody
	if err := c.ShouldBindJSON(&body); err == nil {
		code := strings.TrimSpace(body.Code)
		if code != "" {
			dedupeKey := body.SessionID
			if dedupeKey == "" {
				dedupeKey = utils.HashString(c.ClientIP() + "|" + c.Request.UserAgent())
			}
			h.statsRecorder.Record(code, models.StatEventClick, dedupeKey)
		}
	}

	utils.AcceptedResponse(c, gin.H{"accepted": true})
}

// GET /stats/:code
func (h *TrackingHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	link, err := h.linkService.GetLink(ctx, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canViewLink(c, link) {
		utils.ForbiddenResponse(c, "")
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(defaultStatsDays)))
	if err != nil || days < 1 || days > maxStatsDays {
		days = defaultStatsDays
	}

	summary, err := h.statsRecorder.Summary(ctx, link.Code, days)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, summary)
}
