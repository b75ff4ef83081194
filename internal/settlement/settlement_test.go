package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpay/platform/internal/coupon"
	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/ledger"
	"github.com/ckpay/platform/internal/unit"
)

const (
	owner = identity.Principal("merchant-1")
	payer = identity.Principal("payer-1")

	ckBTCLedger = "mxzaz-hqaaa-aaaar-qaada-cai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *ledger.Memory, *unit.State) {
	t.Helper()
	state := unit.NewState(unit.DefaultConfig(), owner)
	mem := ledger.NewMemory()
	engine := NewEngine(NewMemoryStore(), state, mem, testLogger())
	return engine, mem, state
}

func fundPayer(mem *ledger.Memory, amount uint64) {
	mem.SetBalance(ckBTCLedger, string(payer), amount)
	mem.Approve(ckBTCLedger, string(payer), string(owner), amount)
}

func TestCreateInvoice(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "test order", nil)
	require.NoError(t, err)
	assert.Equal(t, "inv_0", inv.ID)
	assert.Equal(t, owner, inv.Merchant)
	assert.Equal(t, InvoiceCreated, inv.Status)
	require.NotNil(t, inv.ExpiresAt)
	assert.Equal(t, inv.CreatedAt.Add(24*time.Hour), *inv.ExpiresAt)

	_, err = engine.CreateInvoice(ctx, 1000, "DOGE", "bad token", nil)
	assert.ErrorContains(t, err, "not supported or inactive")
}

func TestProcessPayment_Success(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 2000)

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	result, err := engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID:   inv.ID,
		Amount:      1000,
		TokenSymbol: "ckBTC",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), result.AmountPaid)
	assert.Equal(t, uint64(1000), result.FinalAmount)
	assert.Equal(t, uint64(0), result.DiscountApplied)
	require.NotNil(t, result.BlockIndex)

	tx, err := engine.Transaction(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, tx.Status)
	// 250 basis points of 1000.
	assert.Equal(t, uint64(25), tx.MerchantFee)
	assert.Equal(t, MethodTransferFrom, tx.Method)

	original, _ := tx.Metadata.Get("original_amount")
	assert.Equal(t, "1000", original)

	paid, err := engine.Invoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, paid.Status)

	balance, err := engine.Balance(ctx, "ckBTC")
	require.NoError(t, err)
	assert.Equal(t, uint64(975), balance)

	// The transfer covered the amount plus the token fee of 10.
	assert.Equal(t, uint64(2000-1010), mem.Balance(ckBTCLedger, string(payer)))
}

func TestProcessPayment_AlreadyPaidAndExpired(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 5000)

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	req := PaymentRequest{InvoiceID: inv.ID, Amount: 1000, TokenSymbol: "ckBTC"}
	_, err = engine.ProcessPayment(ctx, payer, req)
	require.NoError(t, err)
	_, err = engine.ProcessPayment(ctx, payer, req)
	assert.ErrorIs(t, err, ErrInvoiceAlreadyPaid)

	stale, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "stale", nil)
	require.NoError(t, err)
	engine.WithClock(func() time.Time { return time.Now().Add(25 * time.Hour) })
	_, err = engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID: stale.ID, Amount: 1000, TokenSymbol: "ckBTC",
	})
	assert.ErrorIs(t, err, ErrInvoiceExpired)
}

func TestProcessPayment_TokenMismatch(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	_, err = engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID: inv.ID, Amount: 1000, TokenSymbol: "ICP",
	})
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestProcessPayment_FailedTransferIsAudited(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	// No balance or allowance seeded: the transfer must fail.

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	result, err := engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID: inv.ID, Amount: 1000, TokenSymbol: "ckBTC",
	})
	require.NoError(t, err)
	assert.Nil(t, result.BlockIndex)

	tx, err := engine.Transaction(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, TxFailed, tx.Status)
	assert.NotEmpty(t, tx.FailureReason)

	// The invoice stays payable and no funds were credited.
	unpaid, err := engine.Invoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceCreated, unpaid.Status)
	balance, err := engine.Balance(ctx, "ckBTC")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func newCouponService(t *testing.T, state *unit.State, c coupon.Coupon) *coupon.Service {
	t.Helper()
	svc := coupon.NewService(coupon.NewMemoryStore(), state)
	_, err := svc.Create(context.Background(), owner, c)
	require.NoError(t, err)
	return svc
}

func TestProcessPayment_CouponDiscount(t *testing.T) {
	engine, mem, state := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 5000)

	coupons := newCouponService(t, state, coupon.Coupon{
		Code:        "SAVE10",
		Description: "ten percent off",
		Kind:        coupon.KindPercentage,
		Percent:     10,
		Active:      true,
	})
	engine.WithCoupons(coupons)

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	result, err := engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID:   inv.ID,
		Amount:      1200,
		TokenSymbol: "ckBTC",
		CouponCode:  "save10",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(120), result.DiscountApplied)
	assert.Equal(t, uint64(1080), result.FinalAmount)

	tx, err := engine.Transaction(ctx, result.TransactionID)
	require.NoError(t, err)
	couponID, ok := tx.Metadata.Get("coupon_id")
	assert.True(t, ok)
	assert.Equal(t, "coupon_0", couponID)
}

func TestProcessPayment_InvalidCouponIgnored(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 5000)
	engine.WithCoupons(failingRedeemer{})

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	result, err := engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID:   inv.ID,
		Amount:      1000,
		TokenSymbol: "ckBTC",
		CouponCode:  "BOGUS",
	})
	require.NoError(t, err)
	assert.Zero(t, result.DiscountApplied)
	assert.Equal(t, uint64(1000), result.FinalAmount)
}

func TestProcessPayment_CouponUseSurvivesRejectedPayment(t *testing.T) {
	engine, mem, state := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 5000)

	coupons := newCouponService(t, state, coupon.Coupon{
		Code:        "SAVE10",
		Description: "ten percent off",
		Kind:        coupon.KindPercentage,
		Percent:     10,
		Active:      true,
	})
	engine.WithCoupons(coupons)

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	// 1000 minus 10% falls below the invoice amount.
	_, err = engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID:   inv.ID,
		Amount:      1000,
		TokenSymbol: "ckBTC",
		CouponCode:  "SAVE10",
	})
	assert.ErrorIs(t, err, ErrInsufficientAmount)

	// The coupon use was consumed before the rejection and is not rolled back.
	c, err := coupons.GetByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.UsedCount)
}

func TestProcessPaymentLegacy(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 5000)

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)

	tx, err := engine.ProcessPaymentLegacy(ctx, payer, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, tx.Status)
	assert.Equal(t, uint64(1000), tx.Amount)
}

func TestWithdraw(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 5000)

	inv, err := engine.CreateInvoice(ctx, 1000, "ckBTC", "order", nil)
	require.NoError(t, err)
	_, err = engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID: inv.ID, Amount: 1000, TokenSymbol: "ckBTC",
	})
	require.NoError(t, err)

	_, err = engine.Withdraw(ctx, payer, "ckBTC", 100, "cold-wallet")
	assert.ErrorIs(t, err, unit.ErrNotOwner)

	_, err = engine.Withdraw(ctx, owner, "ckBTC", 10_000, "cold-wallet")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	block, err := engine.Withdraw(ctx, owner, "ckBTC", 900, "cold-wallet")
	require.NoError(t, err)
	assert.NotZero(t, block)

	balance, err := engine.Balance(ctx, "ckBTC")
	require.NoError(t, err)
	assert.Equal(t, uint64(75), balance)
	assert.Equal(t, uint64(900), mem.Balance(ckBTCLedger, "cold-wallet"))
}

func TestAnalyticsAndHistory(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 3000)

	// Two successful payments and one failed one.
	for i, amount := range []uint64{1000, 500, 4000} {
		inv, err := engine.CreateInvoice(ctx, amount, "ckBTC", "order", nil)
		require.NoError(t, err)
		_, err = engine.ProcessPayment(ctx, payer, PaymentRequest{
			InvoiceID: inv.ID, Amount: amount, TokenSymbol: "ckBTC",
		})
		require.NoError(t, err, "payment %d", i)
	}

	a, err := engine.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), a.TotalTransactions)
	assert.InDelta(t, 2.0/3.0, a.SuccessRate, 1e-9)
	assert.Equal(t, uint64(1500), a.TotalVolume["ckBTC"])
	assert.Equal(t, uint64(750), a.AverageAmount["ckBTC"])
	assert.Equal(t, []string{"ckBTC"}, a.TopTokens)

	methods, err := engine.MethodBreakdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), methods["transfer_from"])

	page, err := engine.History(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "tx_0", page[0].ID)
	assert.Equal(t, "tx_1", page[1].ID)

	rest, err := engine.History(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "tx_2", rest[0].ID)
}

func TestHistoryClampsNegativePaging(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 3000)

	for _, amount := range []uint64{1000, 500} {
		inv, err := engine.CreateInvoice(ctx, amount, "ckBTC", "order", nil)
		require.NoError(t, err)
		_, err = engine.ProcessPayment(ctx, payer, PaymentRequest{
			InvoiceID: inv.ID, Amount: amount, TokenSymbol: "ckBTC",
		})
		require.NoError(t, err)
	}

	// Callers pass paging straight from query strings; negative values
	// fall back to the defaults instead of slicing out of range.
	page, err := engine.History(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "tx_0", page[0].ID)

	page, err = engine.History(ctx, -5, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

type staticCatalog map[string]*Product

func (c staticCatalog) Product(_ context.Context, id string) (*Product, error) {
	p, ok := c[id]
	if !ok {
		return nil, errors.New("product not found")
	}
	return p, nil
}

type saleLog struct {
	productID string
	amount    uint64
}

func (s *saleLog) RecordSale(_ context.Context, productID string, amount uint64) {
	s.productID = productID
	s.amount = amount
}

func TestCreateInvoiceForProduct(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	fundPayer(mem, 5000)

	inventory := uint32(10)
	sales := &saleLog{}
	engine.WithCatalog(staticCatalog{
		"product_1": {
			ID:          "product_1",
			Name:        "Widget",
			Price:       300,
			TokenSymbol: "ckBTC",
			Category:    "tools",
			Active:      true,
			Inventory:   &inventory,
		},
		"product_2": {ID: "product_2", Name: "Gone", Price: 100, TokenSymbol: "ckBTC"},
	}, sales)

	_, err := engine.CreateInvoiceForProduct(ctx, "product_1", 0, nil)
	assert.ErrorContains(t, err, "quantity")

	_, err = engine.CreateInvoiceForProduct(ctx, "product_2", 1, nil)
	assert.ErrorIs(t, err, ErrProductUnavailable)

	_, err = engine.CreateInvoiceForProduct(ctx, "product_1", 11, nil)
	assert.ErrorContains(t, err, "insufficient inventory")

	inv, err := engine.CreateInvoiceForProduct(ctx, "product_1", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), inv.Amount)
	assert.Equal(t, "Widget (Qty: 3)", inv.Description)
	qty, _ := inv.Metadata.Get("quantity")
	assert.Equal(t, "3", qty)
	category, _ := inv.Metadata.Get("category")
	assert.Equal(t, "tools", category)

	// Settling the product invoice reports the sale.
	_, err = engine.ProcessPayment(ctx, payer, PaymentRequest{
		InvoiceID: inv.ID, Amount: 900, TokenSymbol: "ckBTC",
	})
	require.NoError(t, err)
	assert.Equal(t, "product_1", sales.productID)
	assert.Equal(t, uint64(900), sales.amount)
}

type failingRedeemer struct{}

func (failingRedeemer) ValidateAndUse(context.Context, identity.Principal, string, uint64, string) (string, uint64, error) {
	return "", 0, errors.New("coupon not found")
}
