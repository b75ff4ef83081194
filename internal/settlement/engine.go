package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/ledger"
	"github.com/ckpay/platform/internal/unit"
)

// Engine settles invoices against an external ledger for one tenant unit.
type Engine struct {
	store   Store
	state   *unit.State
	ledger  ledger.Client
	coupons CouponRedeemer
	catalog ProductCatalog
	sales   SaleRecorder
	sink    EventSink
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a settlement engine bound to a unit's state.
func NewEngine(store Store, state *unit.State, ledgerClient ledger.Client, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		state:  state,
		ledger: ledgerClient,
		logger: logger,
		now:    time.Now,
	}
}

// WithCoupons attaches a coupon redeemer consulted when a payment request
// carries a coupon code.
func (e *Engine) WithCoupons(c CouponRedeemer) *Engine {
	e.coupons = c
	return e
}

// WithCatalog attaches a product catalog for product-backed invoices.
func (e *Engine) WithCatalog(catalog ProductCatalog, sales SaleRecorder) *Engine {
	e.catalog = catalog
	e.sales = sales
	return e
}

// WithEvents attaches a sink for settlement outcomes.
func (e *Engine) WithEvents(sink EventSink) *Engine {
	e.sink = sink
	return e
}

// WithClock overrides the engine clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateInvoice issues an invoice for the given amount in one of the unit's
// active tokens. Invoices expire 24 hours after creation.
func (e *Engine) CreateInvoice(ctx context.Context, amount uint64, tokenSymbol, description string, metadata unit.Metadata) (*Invoice, error) {
	token, ok := e.state.Config().ActiveToken(tokenSymbol)
	if !ok {
		return nil, fmt.Errorf("token not supported or inactive")
	}

	n, err := e.store.NextInvoiceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("next invoice id: %w", err)
	}

	now := e.now()
	expires := now.Add(InvoiceExpiry)
	inv := &Invoice{
		ID:          fmt.Sprintf("inv_%d", n),
		Merchant:    e.state.Owner(),
		Amount:      amount,
		Token:       token,
		Description: description,
		Metadata:    metadata,
		ExpiresAt:   &expires,
		CreatedAt:   now,
		Status:      InvoiceCreated,
	}

	if err := e.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// CreateInvoiceForProduct issues an invoice for a quantity of a catalog
// product, merging product details into the invoice metadata.
func (e *Engine) CreateInvoiceForProduct(ctx context.Context, productID string, quantity uint32, metadata unit.Metadata) (*Invoice, error) {
	if quantity == 0 {
		return nil, fmt.Errorf("quantity must be greater than 0")
	}
	if e.catalog == nil {
		return nil, fmt.Errorf("no product catalog configured")
	}

	product, err := e.catalog.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, ErrProductUnavailable
	}
	if product.Inventory != nil && *product.Inventory < quantity {
		return nil, fmt.Errorf("insufficient inventory: available %d, requested %d", *product.Inventory, quantity)
	}

	enriched := append(unit.Metadata(nil), metadata...)
	enriched = append(enriched,
		unit.Pair{Key: "product_id", Value: product.ID},
		unit.Pair{Key: "product_name", Value: product.Name},
		unit.Pair{Key: "quantity", Value: strconv.FormatUint(uint64(quantity), 10)},
		unit.Pair{Key: "unit_price", Value: strconv.FormatUint(product.Price, 10)},
	)
	if product.Category != "" {
		enriched = append(enriched, unit.Pair{Key: "category", Value: product.Category})
	}

	total := product.Price * uint64(quantity)
	description := fmt.Sprintf("%s (Qty: %d)", product.Name, quantity)
	return e.CreateInvoice(ctx, total, product.TokenSymbol, description, enriched)
}

// ProcessPayment settles an invoice. The transaction record is stored
// whatever the outcome; the invoice, balances, and analytics only change on
// success. A coupon that fails validation is ignored rather than failing
// the payment.
func (e *Engine) ProcessPayment(ctx context.Context, caller identity.Principal, req PaymentRequest) (*PaymentResult, error) {
	inv, err := e.store.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if inv.Status == InvoicePaid {
		return nil, ErrInvoiceAlreadyPaid
	}
	if inv.ExpiresAt != nil && now.After(*inv.ExpiresAt) {
		return nil, ErrInvoiceExpired
	}
	if inv.Token.Symbol != req.TokenSymbol {
		return nil, ErrTokenMismatch
	}

	finalAmount := req.Amount
	var discount uint64
	var couponID string
	if req.CouponCode != "" && e.coupons != nil {
		id, d, err := e.coupons.ValidateAndUse(ctx, caller, req.CouponCode, req.Amount, req.TokenSymbol)
		if err != nil {
			e.logger.Warn("coupon validation failed, proceeding without discount",
				"invoice_id", inv.ID, "error", err)
		} else {
			couponID = id
			discount = d
			if discount > req.Amount {
				finalAmount = 0
			} else {
				finalAmount = req.Amount - discount
			}
		}
	}

	if finalAmount < inv.Amount {
		return nil, ErrInsufficientAmount
	}

	n, err := e.store.NextTransactionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("next transaction id: %w", err)
	}
	txID := fmt.Sprintf("tx_%d", n)

	owner := e.state.Owner()
	merchantFee := finalAmount * uint64(e.state.Config().MerchantFeeBP) / 10000
	netAmount := finalAmount - merchantFee

	status := TxCompleted
	var failureReason string
	var blockIndex *uint64
	block, err := e.ledger.TransferFrom(ctx, inv.Token.LedgerID, string(caller), string(owner), finalAmount+inv.Token.Fee)
	if err != nil {
		e.logger.Warn("ledger transfer failed", "invoice_id", inv.ID, "transaction_id", txID, "error", err)
		status = TxFailed
		failureReason = err.Error()
	} else {
		blockIndex = &block
	}

	metadata := append(unit.Metadata(nil), req.Metadata...)
	if couponID != "" {
		metadata = append(metadata,
			unit.Pair{Key: "coupon_id", Value: couponID},
			unit.Pair{Key: "discount_applied", Value: strconv.FormatUint(discount, 10)},
		)
	}
	metadata = append(metadata,
		unit.Pair{Key: "original_amount", Value: strconv.FormatUint(req.Amount, 10)},
		unit.Pair{Key: "final_amount", Value: strconv.FormatUint(finalAmount, 10)},
	)

	tx := &Transaction{
		ID:            txID,
		From:          caller,
		To:            owner,
		Token:         inv.Token,
		Amount:        finalAmount,
		Fee:           inv.Token.Fee,
		MerchantFee:   merchantFee,
		Timestamp:     now,
		Status:        status,
		FailureReason: failureReason,
		Metadata:      metadata,
		Method:        MethodTransferFrom,
		BlockIndex:    blockIndex,
	}

	if status == TxCompleted {
		inv.Status = InvoicePaid
		if err := e.store.UpdateInvoice(ctx, inv); err != nil {
			return nil, fmt.Errorf("mark invoice paid: %w", err)
		}
		if err := e.store.Credit(ctx, inv.Token.Symbol, netAmount); err != nil {
			return nil, fmt.Errorf("credit balance: %w", err)
		}
		if e.sales != nil {
			if productID, ok := inv.Metadata.Get("product_id"); ok {
				e.sales.RecordSale(ctx, productID, finalAmount)
			}
		}
	}

	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	if e.sink != nil {
		if status == TxCompleted {
			e.sink.PaymentSucceeded(ctx, inv, tx)
		} else {
			e.sink.PaymentFailed(ctx, inv, tx)
		}
	}

	return &PaymentResult{
		TransactionID:   txID,
		AmountPaid:      req.Amount,
		DiscountApplied: discount,
		FinalAmount:     finalAmount,
		BlockIndex:      blockIndex,
		Method:          MethodTransferFrom,
	}, nil
}

// ProcessPaymentLegacy settles an invoice at exactly its face amount with no
// coupon, returning the transaction record.
func (e *Engine) ProcessPaymentLegacy(ctx context.Context, caller identity.Principal, invoiceID string) (*Transaction, error) {
	inv, err := e.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	result, err := e.ProcessPayment(ctx, caller, PaymentRequest{
		InvoiceID:   invoiceID,
		Amount:      inv.Amount,
		TokenSymbol: inv.Token.Symbol,
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTransaction(ctx, result.TransactionID)
}

// Withdraw moves settled funds out of the unit's balance to a destination
// account on the token's ledger. Owner only. Returns the ledger block index.
func (e *Engine) Withdraw(ctx context.Context, caller identity.Principal, tokenSymbol string, amount uint64, to identity.Principal) (uint64, error) {
	if !e.state.IsOwner(caller) {
		return 0, unit.ErrNotOwner
	}
	token, ok := e.state.Config().Token(tokenSymbol)
	if !ok {
		return 0, unit.ErrTokenNotFound
	}

	balance, err := e.store.Balance(ctx, tokenSymbol)
	if err != nil {
		return 0, err
	}
	if balance < amount {
		return 0, ErrInsufficientBalance
	}

	block, err := e.ledger.Transfer(ctx, token.LedgerID, string(e.state.Owner()), string(to), amount)
	if err != nil {
		return 0, fmt.Errorf("ledger transfer: %w", err)
	}

	if err := e.store.Debit(ctx, tokenSymbol, amount); err != nil {
		return 0, err
	}
	if e.sink != nil {
		e.sink.WithdrawalCompleted(ctx, tokenSymbol, amount, to)
	}
	return block, nil
}

// Balance returns the unit's settled balance in one token.
func (e *Engine) Balance(ctx context.Context, tokenSymbol string) (uint64, error) {
	return e.store.Balance(ctx, tokenSymbol)
}

// AllBalances returns every token balance the unit holds.
func (e *Engine) AllBalances(ctx context.Context) (map[string]uint64, error) {
	return e.store.Balances(ctx)
}

// Invoice returns an invoice by id.
func (e *Engine) Invoice(ctx context.Context, id string) (*Invoice, error) {
	return e.store.GetInvoice(ctx, id)
}

// Transaction returns a transaction by id.
func (e *Engine) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// History returns a page of the transaction log in settlement order.
// Negative limit and offset are treated as zero.
func (e *Engine) History(ctx context.Context, limit, offset int) ([]*Transaction, error) {
	all, err := e.store.ListTransactions(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Analytics aggregates settlement outcomes. Only completed transactions
// count toward volume; failed ones count toward the success rate.
func (e *Engine) Analytics(ctx context.Context) (*Analytics, error) {
	all, err := e.store.ListTransactions(ctx)
	if err != nil {
		return nil, err
	}

	a := &Analytics{
		TotalVolume:   make(map[string]uint64),
		AverageAmount: make(map[string]uint64),
	}
	counts := make(map[string]uint64)
	var completed uint64
	for _, tx := range all {
		a.TotalTransactions++
		if tx.Status != TxCompleted {
			continue
		}
		completed++
		a.TotalVolume[tx.Token.Symbol] += tx.Amount
		counts[tx.Token.Symbol]++
	}
	if a.TotalTransactions > 0 {
		a.SuccessRate = float64(completed) / float64(a.TotalTransactions)
	}
	for symbol, volume := range a.TotalVolume {
		a.AverageAmount[symbol] = volume / counts[symbol]
	}

	type tokenVolume struct {
		symbol string
		volume uint64
	}
	ranked := make([]tokenVolume, 0, len(a.TotalVolume))
	for symbol, volume := range a.TotalVolume {
		ranked = append(ranked, tokenVolume{symbol, volume})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].volume != ranked[j].volume {
			return ranked[i].volume > ranked[j].volume
		}
		return ranked[i].symbol < ranked[j].symbol
	})
	for i, tv := range ranked {
		if i == 5 {
			break
		}
		a.TopTokens = append(a.TopTokens, tv.symbol)
	}
	return a, nil
}

// MethodBreakdown counts completed transactions per payment method.
func (e *Engine) MethodBreakdown(ctx context.Context) (map[string]uint64, error) {
	all, err := e.store.ListTransactions(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]uint64)
	for _, tx := range all {
		if tx.Status == TxCompleted {
			result[string(tx.Method)]++
		}
	}
	return result, nil
}
