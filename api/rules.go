package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/perpwatch/perpwatch/internal/alerting"
	"github.com/perpwatch/perpwatch/internal/feed"
	"github.com/perpwatch/perpwatch/internal/store"
	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

type ruleRequest struct {
	Name            string      `json:"name" validate:"required,min=1,max=100"`
	SubaccountID    *uuid.UUID  `json:"subaccount_id"`
	Scope           string      `json:"scope" validate:"required"`
	PositionMarket  *string     `json:"position_market"`
	ConditionType   string      `json:"condition_type" validate:"required"`
	ThresholdValue  float64     `json:"threshold_value"`
	Comparison      string      `json:"comparison" validate:"required"`
	Severity        string      `json:"severity" validate:"required"`
	CustomMessage   *string     `json:"custom_message" validate:"omitempty,max=500"`
	ChannelIDs      []uuid.UUID `json:"channel_ids" validate:"required,min=1"`
	CooldownSeconds *float64    `json:"cooldown_seconds"`
	Enabled         *bool       `json:"enabled"`
}

func (req *ruleRequest) toModel(owner uuid.UUID) *models.AlertRule {
	rule := &models.AlertRule{
		UserID:         owner,
		SubaccountID:   req.SubaccountID,
		Name:           req.Name,
		Scope:          models.Scope(req.Scope),
		PositionMarket: req.PositionMarket,
		ConditionType:  models.ConditionType(req.ConditionType),
		ThresholdValue: req.ThresholdValue,
		Comparison:     models.Comparison(req.Comparison),
		Severity:       models.Severity(req.Severity),
		CustomMessage:  req.CustomMessage,
		ChannelIDs:     models.UUIDList(req.ChannelIDs),
		Enabled:        true,
	}
	if req.CooldownSeconds != nil {
		rule.CooldownSeconds = *req.CooldownSeconds
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	return rule
}

// checkRuleReferences verifies the rule's subaccount and channels belong to
// the caller before anything is persisted.
func (s *Server) checkRuleReferences(c *gin.Context, rule *models.AlertRule) error {
	ctx := c.Request.Context()
	owner := userID(c)

	if rule.SubaccountID != nil {
		if _, err := s.subaccounts.GetByID(ctx, owner, *rule.SubaccountID); err != nil {
			return err
		}
	}
	for _, channelID := range rule.ChannelIDs {
		if _, err := s.channels.GetByID(ctx, owner, channelID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) createRule(c *gin.Context) {
	var req ruleRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	rule := req.toModel(userID(c))
	if err := s.checkRuleReferences(c, rule); err != nil {
		s.respondError(c, err)
		return
	}
	if rule.Description == "" {
		rule.Description = alerting.GenerateRuleDescription(rule)
	}

	if err := s.rules.Create(c.Request.Context(), rule); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) listRules(c *gin.Context) {
	filter := store.ListFilter{
		IncludeArchived: c.Query("include_archived") == "true",
	}
	if raw := c.Query("subaccount_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.respondError(c, errors.Validation("subaccount_id must be a UUID"))
			return
		}
		filter.SubaccountID = &id
	}

	rules, err := s.rules.List(c.Request.Context(), userID(c), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) getRule(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	rule, err := s.rules.GetByID(c.Request.Context(), userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	var req ruleRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	existing, err := s.rules.GetByID(ctx, userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	rule := req.toModel(userID(c))
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	if rule.CooldownSeconds == 0 {
		rule.CooldownSeconds = existing.CooldownSeconds
	}
	if err := s.checkRuleReferences(c, rule); err != nil {
		s.respondError(c, err)
		return
	}
	rule.Description = alerting.GenerateRuleDescription(rule)

	if err := s.rules.Update(ctx, rule); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.rules.Delete(c.Request.Context(), userID(c), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// availablePositions lists the markets the subaccount currently holds, for
// position-scope rule creation.
func (s *Server) availablePositions(c *gin.Context) {
	raw := c.Query("subaccount_id")
	if raw == "" {
		s.respondError(c, errors.Validation("subaccount_id is required"))
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.respondError(c, errors.Validation("subaccount_id must be a UUID"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.subaccounts.GetByID(ctx, userID(c), id); err != nil {
		s.respondError(c, err)
		return
	}

	markets := []string{}
	if s.status != nil {
		var snapshot feed.StatusSnapshot
		ok, err := s.status.GetStatus(ctx, id, &snapshot)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if ok && snapshot.Metrics != nil {
			for market := range snapshot.Metrics.Positions {
				markets = append(markets, market)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"positions": markets})
}
