package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ckpay/platform/internal/coupon"
)

func (s *Server) registerCouponRoutes(units *gin.RouterGroup) {
	units.POST("/coupons", s.createCoupon)
	units.GET("/coupons", s.listCoupons)
	units.GET("/coupons/:couponId", s.getCoupon)
	units.PUT("/coupons/:couponId", s.updateCoupon)
	units.DELETE("/coupons/:couponId", s.deleteCoupon)
	units.POST("/coupons/:couponId/toggle", s.toggleCoupon)
	units.GET("/coupons/:couponId/stats", s.couponStats)
	units.DELETE("/coupons", s.clearCoupons)
}

// createCoupon handles POST /v1/units/:id/coupons (owner only).
func (s *Server) createCoupon(c *gin.Context) {
	u := hostedUnit(c)

	var cpn coupon.Coupon
	if err := c.ShouldBindJSON(&cpn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a coupon"})
		return
	}

	id, err := u.Coupons.Create(c.Request.Context(), caller(c), cpn)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// listCoupons returns all coupons for the owner and only active ones for
// everyone else.
func (s *Server) listCoupons(c *gin.Context) {
	u := hostedUnit(c)

	var (
		coupons []*coupon.Coupon
		err     error
	)
	if u.State.IsOwner(caller(c)) {
		coupons, err = u.Coupons.List(c.Request.Context())
	} else {
		coupons, err = u.Coupons.ListActive(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons})
}

func (s *Server) getCoupon(c *gin.Context) {
	cpn, err := hostedUnit(c).Coupons.Get(c.Request.Context(), c.Param("couponId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cpn)
}

func (s *Server) updateCoupon(c *gin.Context) {
	u := hostedUnit(c)

	var cpn coupon.Coupon
	if err := c.ShouldBindJSON(&cpn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a coupon"})
		return
	}

	if err := u.Coupons.Update(c.Request.Context(), caller(c), c.Param("couponId"), cpn); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) deleteCoupon(c *gin.Context) {
	u := hostedUnit(c)
	if err := u.Coupons.Delete(c.Request.Context(), caller(c), c.Param("couponId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) toggleCoupon(c *gin.Context) {
	u := hostedUnit(c)
	active, err := u.Coupons.Toggle(c.Request.Context(), caller(c), c.Param("couponId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

func (s *Server) couponStats(c *gin.Context) {
	used, usages, err := hostedUnit(c).Coupons.UsageStats(c.Request.Context(), c.Param("couponId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usedCount": used, "usages": usages})
}

func (s *Server) clearCoupons(c *gin.Context) {
	u := hostedUnit(c)
	removed, err := u.Coupons.Clear(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
