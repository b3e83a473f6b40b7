package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

type channelRequest struct {
	ChannelType string         `json:"channel_type" validate:"required"`
	Name        string         `json:"name" validate:"required,min=1,max=100"`
	Config      map[string]any `json:"config" validate:"required"`
	Enabled     *bool          `json:"enabled"`
}

func (s *Server) createChannel(c *gin.Context) {
	var req channelRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	ch := &models.NotificationChannel{
		UserID:      userID(c),
		ChannelType: models.ChannelType(req.ChannelType),
		Name:        req.Name,
		Config:      models.JSONMap(req.Config),
		Enabled:     true,
	}
	if req.Enabled != nil {
		ch.Enabled = *req.Enabled
	}

	if err := s.channels.Create(c.Request.Context(), ch); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

func (s *Server) listChannels(c *gin.Context) {
	channels, err := s.channels.List(c.Request.Context(), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (s *Server) getChannel(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	ch, err := s.channels.GetByID(c.Request.Context(), userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) updateChannel(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	var req channelRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	ch, err := s.channels.GetByID(ctx, userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ch.ChannelType = models.ChannelType(req.ChannelType)
	ch.Name = req.Name
	ch.Config = models.JSONMap(req.Config)
	if req.Enabled != nil {
		ch.Enabled = *req.Enabled
	}

	if err := s.channels.Update(ctx, ch); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// deleteChannel refuses while any non-archived rule still references the
// channel; the error carries the exact count.
func (s *Server) deleteChannel(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.channels.Delete(c.Request.Context(), userID(c), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// testChannel pushes a canned notification through the channel's transport
// and records the outcome on the channel.
func (s *Server) testChannel(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	ch, err := s.channels.GetByID(ctx, userID(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if s.tester == nil {
		s.respondError(c, errors.Newf(errors.KindDispatch, "channel testing unavailable"))
		return
	}

	if err := s.tester.TestChannel(ctx, ch); err != nil {
		if recErr := s.channels.RecordDeliveryError(ctx, ch.ID, err.Error()); recErr != nil {
			s.logger.Warn("failed to record channel test error", zap.Error(recErr))
		}
		s.respondError(c, errors.Newf(errors.KindDispatch, "test delivery failed: %v", err))
		return
	}

	if err := s.channels.ClearDeliveryError(ctx, ch.ID); err != nil {
		s.logger.Warn("failed to clear channel error", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
