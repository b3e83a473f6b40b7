package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/perpwatch/perpwatch/internal/store"
	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

func (s *Server) listAlerts(c *gin.Context) {
	filter := store.AlertFilter{}

	if raw := c.Query("subaccount_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.respondError(c, errors.Validation("subaccount_id must be a UUID"))
			return
		}
		filter.SubaccountID = &id
	}
	if raw := c.Query("alert_type"); raw != "" {
		filter.AlertType = &raw
	}
	if raw := c.Query("severity"); raw != "" {
		severity := models.Severity(raw)
		if !severity.Valid() {
			s.respondError(c, errors.Validation("unknown severity %q", raw))
			return
		}
		filter.Severity = &severity
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(c, errors.Validation("limit must be an integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(c, errors.Validation("offset must be an integer"))
			return
		}
		filter.Offset = offset
	}

	alerts, err := s.alerts.List(c.Request.Context(), userID(c), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) deleteAlert(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.alerts.Delete(c.Request.Context(), userID(c), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type bulkDeleteRequest struct {
	IDs []uuid.UUID `json:"ids" validate:"required,min=1"`
}

func (s *Server) bulkDeleteAlerts(c *gin.Context) {
	var req bulkDeleteRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	deleted, err := s.alerts.DeleteBulk(c.Request.Context(), userID(c), req.IDs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
