package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/metrics"
	"github.com/ckpay/platform/internal/settlement"
	"github.com/ckpay/platform/internal/unit"
)

func (s *Server) registerSettlementRoutes(units *gin.RouterGroup) {
	units.POST("/invoices", s.createInvoice)
	units.POST("/products/:productId/invoices", s.createProductInvoice)
	units.GET("/invoices/:invoiceId", s.getInvoice)
	units.POST("/invoices/:invoiceId/pay", s.payInvoiceLegacy)
	units.POST("/payments", s.processPayment)
	units.GET("/balances", s.allBalances)
	units.GET("/balances/:token", s.tokenBalance)
	units.POST("/withdrawals", s.withdraw)
	units.GET("/transactions", s.transactionHistory)
	units.GET("/transactions/:txId", s.getTransaction)
	units.GET("/analytics", s.analytics)
	units.GET("/analytics/methods", s.methodBreakdown)
}

// createInvoice handles POST /v1/units/:id/invoices.
func (s *Server) createInvoice(c *gin.Context) {
	u := hostedUnit(c)

	var req struct {
		Amount      uint64        `json:"amount" binding:"required"`
		TokenSymbol string        `json:"tokenSymbol" binding:"required"`
		Description string        `json:"description"`
		Metadata    unit.Metadata `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount and tokenSymbol required"})
		return
	}

	inv, err := u.Settlement.CreateInvoice(c.Request.Context(), req.Amount, req.TokenSymbol, req.Description, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.InvoicesCreatedTotal.Inc()
	c.JSON(http.StatusCreated, inv)
}

// createProductInvoice handles POST /v1/units/:id/products/:productId/invoices
// for units wired to a product catalog.
func (s *Server) createProductInvoice(c *gin.Context) {
	u := hostedUnit(c)

	var req struct {
		Quantity uint32        `json:"quantity" binding:"required"`
		Metadata unit.Metadata `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "quantity required"})
		return
	}

	inv, err := u.Settlement.CreateInvoiceForProduct(c.Request.Context(), c.Param("productId"), req.Quantity, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.InvoicesCreatedTotal.Inc()
	c.JSON(http.StatusCreated, inv)
}

func (s *Server) getInvoice(c *gin.Context) {
	inv, err := hostedUnit(c).Settlement.Invoice(c.Request.Context(), c.Param("invoiceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// processPayment handles POST /v1/units/:id/payments. A payment whose ledger
// transfer fails is still a processed payment: the failed transaction is
// recorded and the result returned with 200.
func (s *Server) processPayment(c *gin.Context) {
	u := hostedUnit(c)

	var req settlement.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a payment request"})
		return
	}

	result, err := u.Settlement.ProcessPayment(c.Request.Context(), caller(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) payInvoiceLegacy(c *gin.Context) {
	u := hostedUnit(c)

	tx, err := u.Settlement.ProcessPaymentLegacy(c.Request.Context(), caller(c), c.Param("invoiceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) allBalances(c *gin.Context) {
	balances, err := hostedUnit(c).Settlement.AllBalances(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) tokenBalance(c *gin.Context) {
	balance, err := hostedUnit(c).Settlement.Balance(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": c.Param("token"), "balance": balance})
}

func (s *Server) withdraw(c *gin.Context) {
	u := hostedUnit(c)

	var req struct {
		TokenSymbol string `json:"tokenSymbol" binding:"required"`
		Amount      uint64 `json:"amount" binding:"required"`
		To          string `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tokenSymbol, amount and to required"})
		return
	}

	block, err := u.Settlement.Withdraw(c.Request.Context(), caller(c), req.TokenSymbol, req.Amount, identity.Principal(req.To))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blockIndex": block})
}

func (s *Server) transactionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txs, err := hostedUnit(c).Settlement.History(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "limit": limit, "offset": offset})
}

func (s *Server) getTransaction(c *gin.Context) {
	tx, err := hostedUnit(c).Settlement.Transaction(c.Request.Context(), c.Param("txId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) analytics(c *gin.Context) {
	a, err := hostedUnit(c).Settlement.Analytics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) methodBreakdown(c *gin.Context) {
	breakdown, err := hostedUnit(c).Settlement.MethodBreakdown(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": breakdown})
}
