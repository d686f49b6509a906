package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/events"
)

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg, err := s.cfg.Redacted()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type configUpdate struct {
	Section string      `json:"section" binding:"required"`
	Key     string      `json:"key" binding:"required"`
	Value   interface{} `json:"value"`
}

// handleSetConfigField updates one configuration key. The change is
// validated on a copy before it is applied and saved.
func (s *Server) handleSetConfigField(c *gin.Context) {
	var body configUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candidate, err := s.cfg.Clone()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := candidate.UpdateField(body.Section, body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if result := config.Validate(candidate); !result.IsValid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.UpdateField(body.Section, body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(context.WithoutCancel(c.Request.Context()), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: body.Section,
			Key:     body.Key,
			Value:   body.Value,
		},
	})

	s.logger.Info().Str("section", body.Section).Str("key", body.Key).Msg("configuration updated")

	c.JSON(http.StatusOK, gin.H{
		"status":  "updated",
		"section": body.Section,
		"key":     body.Key,
	})
}
