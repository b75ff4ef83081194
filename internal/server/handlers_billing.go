package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ckpay/platform/internal/billing"
	"github.com/ckpay/platform/internal/unit"
)

func (s *Server) registerBillingRoutes(units *gin.RouterGroup) {
	units.POST("/plans", s.createPlan)
	units.GET("/plans", s.listPlans)
	units.GET("/plans/:planId", s.getPlan)
	units.PUT("/plans/:planId", s.updatePlan)
	units.DELETE("/plans/:planId", s.deletePlan)
	units.POST("/plans/:planId/toggle", s.togglePlan)
	units.GET("/plans/:planId/subscriptions", s.listPlanSubscriptions)

	units.POST("/subscriptions", s.subscribe)
	units.GET("/subscriptions", s.listSubscriptions)
	units.GET("/subscriptions/:subId", s.getSubscription)
	units.POST("/subscriptions/:subId/cancel", s.cancelSubscription)
	units.POST("/subscriptions/:subId/pause", s.pauseSubscription)
	units.POST("/subscriptions/:subId/resume", s.resumeSubscription)
	units.PUT("/subscriptions/:subId/metadata", s.updateSubscriptionMetadata)
	units.POST("/subscriptions/:subId/process", s.processSubscriptionPayment)
	units.GET("/subscriptions/:subId/payments", s.listSubscriptionPayments)

	units.GET("/billing/stats", s.billingStats)
	units.DELETE("/billing", s.clearBilling)
}

// createPlan handles POST /v1/units/:id/plans (owner only).
func (s *Server) createPlan(c *gin.Context) {
	u := hostedUnit(c)

	var plan billing.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a billing plan"})
		return
	}

	id, err := u.Billing.CreatePlan(c.Request.Context(), caller(c), plan)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// listPlans returns all plans for the owner and only active ones for
// everyone else.
func (s *Server) listPlans(c *gin.Context) {
	u := hostedUnit(c)

	var (
		plans []*billing.Plan
		err   error
	)
	if u.State.IsOwner(caller(c)) {
		plans, err = u.Billing.ListPlans(c.Request.Context())
	} else {
		plans, err = u.Billing.ListActivePlans(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) getPlan(c *gin.Context) {
	plan, err := hostedUnit(c).Billing.GetPlan(c.Request.Context(), c.Param("planId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) updatePlan(c *gin.Context) {
	u := hostedUnit(c)

	var plan billing.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a billing plan"})
		return
	}

	if err := u.Billing.UpdatePlan(c.Request.Context(), caller(c), c.Param("planId"), plan); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) deletePlan(c *gin.Context) {
	u := hostedUnit(c)
	if err := u.Billing.DeletePlan(c.Request.Context(), caller(c), c.Param("planId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) togglePlan(c *gin.Context) {
	u := hostedUnit(c)
	active, err := u.Billing.TogglePlan(c.Request.Context(), caller(c), c.Param("planId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

func (s *Server) listPlanSubscriptions(c *gin.Context) {
	subs, err := hostedUnit(c).Billing.ListPlanSubscriptions(c.Request.Context(), c.Param("planId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// subscribe handles POST /v1/units/:id/subscriptions. The caller becomes the
// subscriber.
func (s *Server) subscribe(c *gin.Context) {
	u := hostedUnit(c)

	var req struct {
		PlanID   string        `json:"planId" binding:"required"`
		Metadata unit.Metadata `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "planId required"})
		return
	}

	id, err := u.Billing.Subscribe(c.Request.Context(), caller(c), req.PlanID, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// listSubscriptions returns every subscription for the owner and the
// caller's own subscriptions for everyone else.
func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := hostedUnit(c).Billing.ListSubscriptions(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := hostedUnit(c).Billing.GetSubscription(c.Request.Context(), c.Param("subId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) cancelSubscription(c *gin.Context) {
	u := hostedUnit(c)

	var req struct {
		Immediately bool `json:"immediately"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed cancel request"})
			return
		}
	}

	if err := u.Billing.Cancel(c.Request.Context(), caller(c), c.Param("subId"), req.Immediately); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "immediately": req.Immediately})
}

func (s *Server) pauseSubscription(c *gin.Context) {
	u := hostedUnit(c)
	if err := u.Billing.Pause(c.Request.Context(), caller(c), c.Param("subId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resumeSubscription(c *gin.Context) {
	u := hostedUnit(c)
	if err := u.Billing.Resume(c.Request.Context(), caller(c), c.Param("subId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

func (s *Server) updateSubscriptionMetadata(c *gin.Context) {
	u := hostedUnit(c)

	var req struct {
		Metadata unit.Metadata `json:"metadata" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "metadata required"})
		return
	}

	if err := u.Billing.UpdateMetadata(c.Request.Context(), caller(c), c.Param("subId"), req.Metadata); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// processSubscriptionPayment handles POST /v1/units/:id/subscriptions/:subId/process.
// It charges the subscription's current period if payment is due.
func (s *Server) processSubscriptionPayment(c *gin.Context) {
	u := hostedUnit(c)

	paymentID, err := u.Billing.ProcessPayment(c.Request.Context(), c.Param("subId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentId": paymentID})
}

func (s *Server) listSubscriptionPayments(c *gin.Context) {
	payments, err := hostedUnit(c).Billing.ListPayments(c.Request.Context(), c.Param("subId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (s *Server) billingStats(c *gin.Context) {
	stats, err := hostedUnit(c).Billing.Stats(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) clearBilling(c *gin.Context) {
	u := hostedUnit(c)
	removed, err := u.Billing.Clear(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
