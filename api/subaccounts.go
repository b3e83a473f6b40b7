package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/perpwatch/perpwatch/internal/feed"
	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

type createSubaccountRequest struct {
	Address                     string   `json:"address" validate:"required"`
	SubaccountNumber            int      `json:"subaccount_number" validate:"gte=0"`
	Nickname                    string   `json:"nickname" validate:"max=100"`
	LiquidationThresholdPercent *float64 `json:"liquidation_threshold_percent" validate:"omitempty,gt=0,lte=100"`
}

func (s *Server) createSubaccount(c *gin.Context) {
	var req createSubaccountRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	sub := &models.Subaccount{
		UserID:                      userID(c),
		Address:                     req.Address,
		SubaccountNumber:            req.SubaccountNumber,
		Nickname:                    req.Nickname,
		LiquidationThresholdPercent: 10,
		IsActive:                    true,
	}
	if req.LiquidationThresholdPercent != nil {
		sub.LiquidationThresholdPercent = *req.LiquidationThresholdPercent
	}

	if err := s.subaccounts.Create(c.Request.Context(), sub); err != nil {
		s.respondError(c, err)
		return
	}
	if s.monitor != nil {
		s.monitor.AddSubaccount(c.Request.Context(), sub)
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) listSubaccounts(c *gin.Context) {
	subs, err := s.subaccounts.List(c.Request.Context(), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subaccounts": subs})
}

func (s *Server) getSubaccount(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	sub, err := s.subaccounts.GetByID(c.Request.Context(), userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type updateSubaccountRequest struct {
	Nickname                    *string  `json:"nickname" validate:"omitempty,max=100"`
	LiquidationThresholdPercent *float64 `json:"liquidation_threshold_percent" validate:"omitempty,gt=0,lte=100"`
	IsActive                    *bool    `json:"is_active"`
}

func (s *Server) updateSubaccount(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	var req updateSubaccountRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	sub, err := s.subaccounts.GetByID(ctx, userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	wasActive := sub.IsActive
	if req.Nickname != nil {
		sub.Nickname = *req.Nickname
	}
	if req.LiquidationThresholdPercent != nil {
		sub.LiquidationThresholdPercent = *req.LiquidationThresholdPercent
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}

	if err := s.subaccounts.Update(ctx, sub); err != nil {
		s.respondError(c, err)
		return
	}
	if s.monitor != nil && wasActive != sub.IsActive {
		if sub.IsActive {
			s.monitor.AddSubaccount(ctx, sub)
		} else {
			s.monitor.RemoveSubaccount(ctx, sub)
		}
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) deleteSubaccount(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	sub, err := s.subaccounts.GetByID(ctx, userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.subaccounts.Delete(ctx, userID(c), id); err != nil {
		s.respondError(c, err)
		return
	}
	if s.monitor != nil {
		s.monitor.RemoveSubaccount(ctx, sub)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// getSubaccountStatus serves the latest cached risk snapshot. The feed
// refreshes the cache on every indexer update, so this endpoint never calls
// the exchange.
func (s *Server) getSubaccountStatus(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.subaccounts.GetByID(ctx, userID(c), id); err != nil {
		s.respondError(c, err)
		return
	}
	if s.status == nil {
		s.respondError(c, errors.NotFound("status cache unavailable"))
		return
	}

	var snapshot feed.StatusSnapshot
	ok, err := s.status.GetStatus(ctx, id, &snapshot)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		s.respondError(c, errors.NotFound("no status yet for subaccount %s", id))
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
