package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ckpay/platform/internal/billing"
	"github.com/ckpay/platform/internal/coupon"
	"github.com/ckpay/platform/internal/factory"
	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/ledger"
	"github.com/ckpay/platform/internal/registry"
	"github.com/ckpay/platform/internal/remoteunit"
	"github.com/ckpay/platform/internal/settlement"
	"github.com/ckpay/platform/internal/tenant"
	"github.com/ckpay/platform/internal/unit"
)

// caller extracts the request's principal. An authenticating proxy in front
// of the API is assumed to have verified the X-Principal header; a missing
// header means the anonymous caller.
func caller(c *gin.Context) identity.Principal {
	principal := c.GetHeader("X-Principal")
	if principal == "" {
		return identity.Anonymous
	}
	return identity.Principal(principal)
}

// unitMiddleware resolves the :id route parameter to a hosted unit.
func (s *Server) unitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := s.units.Unit(c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "unit_not_found",
				"message": "no hosted unit with this ID",
			})
			return
		}
		c.Set("unit", u)
		c.Next()
	}
}

func hostedUnit(c *gin.Context) *tenant.Unit {
	return c.MustGet("unit").(*tenant.Unit)
}

var notFoundErrs = []error{
	registry.ErrNotFound,
	registry.ErrNoPackage,
	factory.ErrPackageUnavailable,
	tenant.ErrUnitNotFound,
	unit.ErrTokenNotFound,
	settlement.ErrInvoiceNotFound,
	settlement.ErrTransactionNotFound,
	coupon.ErrNotFound,
	billing.ErrPlanNotFound,
	billing.ErrSubscriptionNotFound,
	billing.ErrPaymentNotFound,
}

var forbiddenErrs = []error{
	unit.ErrNotOwner,
	billing.ErrNotAuthorized,
	factory.ErrNotAdmin,
}

var conflictErrs = []error{
	registry.ErrAlreadyOwned,
	unit.ErrTokenExists,
	coupon.ErrCodeExists,
	settlement.ErrInvoiceAlreadyPaid,
	billing.ErrAlreadySubscribed,
	billing.ErrPlanFull,
	billing.ErrPlanHasSubscriptions,
	billing.ErrAlreadyCancelled,
	factory.ErrUnitLimitReached,
}

func errorsIsAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// respondError maps a service error onto an HTTP status and the standard
// error body. Validation and state errors default to 400.
func respondError(c *gin.Context, err error) {
	var callErr *remoteunit.CallError
	var transferErr *ledger.TransferError

	switch {
	case errors.As(err, &callErr):
		code := http.StatusBadGateway
		if callErr.Reason == remoteunit.ReasonOutOfResources {
			code = http.StatusPaymentRequired
		}
		c.JSON(code, gin.H{"error": "host_error", "message": err.Error()})
	case errors.As(err, &transferErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_error", "message": err.Error()})
	case errors.Is(err, factory.ErrAnonymous):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": err.Error()})
	case errorsIsAny(err, forbiddenErrs):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errorsIsAny(err, notFoundErrs):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errorsIsAny(err, conflictErrs):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	}
}
