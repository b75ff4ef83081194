package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ckpay/platform/internal/security"
	"github.com/ckpay/platform/internal/unit"
)

func (s *Server) registerUnitRoutes(units *gin.RouterGroup) {
	units.GET("/config", s.getUnitConfig)
	units.PUT("/config", s.updateUnitConfig)
	units.GET("/tokens", s.listUnitTokens)
	units.POST("/tokens", s.addUnitToken)
	units.PUT("/tokens/:symbol", s.updateUnitToken)
	units.DELETE("/tokens/:symbol", s.removeUnitToken)
	units.POST("/tokens/:symbol/toggle", s.toggleUnitToken)
	units.GET("/webhook", s.webhookStatus)
}

func (s *Server) getUnitConfig(c *gin.Context) {
	u := hostedUnit(c)
	c.JSON(http.StatusOK, gin.H{
		"config":  u.State.Config(),
		"owner":   u.State.Owner(),
		"version": u.State.Version(),
	})
}

func (s *Server) updateUnitConfig(c *gin.Context) {
	u := hostedUnit(c)

	var cfg unit.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a unit configuration"})
		return
	}
	if cfg.WebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_webhook_url", "message": err.Error()})
			return
		}
	}

	if err := u.State.UpdateConfig(caller(c), cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, u.State.Config())
}

func (s *Server) listUnitTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": hostedUnit(c).State.Tokens()})
}

func (s *Server) addUnitToken(c *gin.Context) {
	u := hostedUnit(c)

	var token unit.TokenDescriptor
	if err := c.ShouldBindJSON(&token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a token descriptor"})
		return
	}

	if err := u.State.AddToken(caller(c), token); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

func (s *Server) updateUnitToken(c *gin.Context) {
	u := hostedUnit(c)

	var token unit.TokenDescriptor
	if err := c.ShouldBindJSON(&token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a token descriptor"})
		return
	}

	if err := u.State.UpdateToken(caller(c), c.Param("symbol"), token); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (s *Server) removeUnitToken(c *gin.Context) {
	u := hostedUnit(c)
	if err := u.State.RemoveToken(caller(c), c.Param("symbol")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) toggleUnitToken(c *gin.Context) {
	u := hostedUnit(c)
	active, err := u.State.ToggleToken(caller(c), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

// webhookStatus reports the unit's webhook configuration and last delivery
// outcome. The signing secret is revealed to the unit owner only.
func (s *Server) webhookStatus(c *gin.Context) {
	u := hostedUnit(c)

	resp := gin.H{
		"url":    u.State.Config().WebhookURL,
		"status": u.Webhooks.Status(),
	}
	if u.State.IsOwner(caller(c)) {
		resp["secret"] = u.WebhookSecret()
	}
	c.JSON(http.StatusOK, resp)
}
