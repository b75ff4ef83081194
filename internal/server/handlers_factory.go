package server

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/unit"
)

func (s *Server) registerFactoryRoutes(v1 *gin.RouterGroup) {
	f := v1.Group("/factory")
	f.POST("/units", s.provisionUnit)
	f.GET("/units", s.listActiveUnits)
	f.GET("/units/:id", s.unitInfo)
	f.GET("/units/:id/status", s.unitStatus)
	f.POST("/units/:id/upgrade", s.upgradeUnit)
	f.POST("/units/:id/transfer", s.transferUnit)
	f.DELETE("/units/:id", s.removeUnitRecord)
	f.GET("/owners/:owner/units", s.unitsByOwner)
	f.GET("/tokens/:symbol/units", s.unitsByToken)
	f.GET("/stats", s.factoryStats)
	f.PUT("/package", s.setPackage)
	f.GET("/package", s.packageStatus)
}

// provisionUnit handles POST /v1/factory/units.
func (s *Server) provisionUnit(c *gin.Context) {
	var cfg unit.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a unit configuration"})
		return
	}

	rec, err := s.factory.Provision(c.Request.Context(), caller(c), cfg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) listActiveUnits(c *gin.Context) {
	units, err := s.factory.ActiveUnits(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

func (s *Server) unitInfo(c *gin.Context) {
	rec, err := s.factory.UnitInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) unitStatus(c *gin.Context) {
	status, err := s.factory.UnitStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) upgradeUnit(c *gin.Context) {
	rec, err := s.factory.Upgrade(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) transferUnit(c *gin.Context) {
	var req struct {
		NewOwner string `json:"newOwner" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "newOwner required"})
		return
	}

	err := s.factory.TransferOwnership(c.Request.Context(), caller(c), c.Param("id"), identity.Principal(req.NewOwner))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transferred": true})
}

func (s *Server) removeUnitRecord(c *gin.Context) {
	if err := s.factory.RemoveRecord(c.Request.Context(), caller(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) unitsByOwner(c *gin.Context) {
	units, err := s.factory.UnitsByOwner(c.Request.Context(), identity.Principal(c.Param("owner")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

func (s *Server) unitsByToken(c *gin.Context) {
	units, err := s.factory.FindUnitsByToken(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

func (s *Server) factoryStats(c *gin.Context) {
	stats, err := s.factory.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// setPackage handles PUT /v1/factory/package (admin only). The package blob
// is submitted base64-encoded.
func (s *Server) setPackage(c *gin.Context) {
	var req struct {
		Package string `json:"package" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "package required"})
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.Package)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "package must be base64"})
		return
	}

	if err := s.factory.SetUnitPackage(c.Request.Context(), caller(c), blob); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": true, "sizeBytes": len(blob)})
}

func (s *Server) packageStatus(c *gin.Context) {
	available, size, err := s.factory.PackageStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available, "sizeBytes": size})
}
