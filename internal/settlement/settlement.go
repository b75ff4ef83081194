// Package settlement implements the payment engine of a tenant unit:
// invoices, payment processing against an external ledger, merchant
// balances, withdrawals, and payment analytics.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/unit"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvoiceAlreadyPaid  = errors.New("invoice already paid")
	ErrInvoiceExpired      = errors.New("invoice expired")
	ErrTokenMismatch       = errors.New("token mismatch")
	ErrInsufficientAmount  = errors.New("payment amount insufficient after discount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrProductUnavailable  = errors.New("product is not available for purchase")
)

// InvoiceExpiry is how long a freshly created invoice stays payable.
const InvoiceExpiry = 24 * time.Hour

// InvoiceStatus is an invoice's lifecycle state.
type InvoiceStatus string

const (
	InvoiceCreated   InvoiceStatus = "created"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceExpired   InvoiceStatus = "expired"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice is a request for payment issued by the unit's merchant. The token
// descriptor is captured at creation time so later config changes do not
// reprice open invoices.
type Invoice struct {
	ID          string               `json:"id"`
	Merchant    identity.Principal   `json:"merchant"`
	Amount      uint64               `json:"amount"`
	Token       unit.TokenDescriptor `json:"token"`
	Description string               `json:"description"`
	Metadata    unit.Metadata        `json:"metadata,omitempty"`
	ExpiresAt   *time.Time           `json:"expiresAt,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	Status      InvoiceStatus        `json:"status"`
}

// TransactionStatus is the outcome of a settlement attempt.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"
)

// Method is how a payment was settled.
type Method string

const (
	MethodDirect       Method = "direct"
	MethodTransferFrom Method = "transfer_from"
	MethodSubscription Method = "subscription"
)

// Transaction is the audit record of one settlement attempt. Failed attempts
// are stored too; only completed ones mutate invoices and balances.
type Transaction struct {
	ID            string               `json:"id"`
	From          identity.Principal   `json:"from"`
	To            identity.Principal   `json:"to"`
	Token         unit.TokenDescriptor `json:"token"`
	Amount        uint64               `json:"amount"`
	Fee           uint64               `json:"fee"`
	MerchantFee   uint64               `json:"merchantFee"`
	Timestamp     time.Time            `json:"timestamp"`
	Status        TransactionStatus    `json:"status"`
	FailureReason string               `json:"failureReason,omitempty"`
	Metadata      unit.Metadata        `json:"metadata,omitempty"`
	Method        Method               `json:"method"`
	BlockIndex    *uint64              `json:"blockIndex,omitempty"`
}

// PaymentRequest asks the engine to settle an invoice. Amount is what the
// payer offers, which may exceed the invoice amount; a coupon discounts the
// offered amount, never the invoice.
type PaymentRequest struct {
	InvoiceID   string        `json:"invoiceId"`
	Amount      uint64        `json:"amount"`
	TokenSymbol string        `json:"tokenSymbol"`
	CouponCode  string        `json:"couponCode,omitempty"`
	Metadata    unit.Metadata `json:"metadata,omitempty"`
}

// PaymentResult reports the outcome of a settlement attempt. It is returned
// even when the underlying transfer failed; check the transaction status.
type PaymentResult struct {
	TransactionID   string  `json:"transactionId"`
	AmountPaid      uint64  `json:"amountPaid"`
	DiscountApplied uint64  `json:"discountApplied"`
	FinalAmount     uint64  `json:"finalAmount"`
	BlockIndex      *uint64 `json:"blockIndex,omitempty"`
	Method          Method  `json:"method"`
}

// Analytics aggregates settlement outcomes per token.
type Analytics struct {
	TotalTransactions uint64            `json:"totalTransactions"`
	SuccessRate       float64           `json:"successRate"`
	TotalVolume       map[string]uint64 `json:"totalVolume"`
	AverageAmount     map[string]uint64 `json:"averageAmount"`
	TopTokens         []string          `json:"topTokens"`
}

// Store persists invoices, transactions, and balances for one unit.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	ListInvoices(ctx context.Context) ([]*Invoice, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context) ([]*Transaction, error)

	Balance(ctx context.Context, tokenSymbol string) (uint64, error)
	Balances(ctx context.Context) (map[string]uint64, error)
	Credit(ctx context.Context, tokenSymbol string, amount uint64) error
	Debit(ctx context.Context, tokenSymbol string, amount uint64) error

	NextInvoiceID(ctx context.Context) (uint64, error)
	NextTransactionID(ctx context.Context) (uint64, error)
}

// CouponRedeemer validates a coupon code and consumes one use. The returned
// use is not rolled back if the surrounding settlement fails.
type CouponRedeemer interface {
	ValidateAndUse(ctx context.Context, caller identity.Principal, code string, amount uint64, tokenSymbol string) (string, uint64, error)
}

// Product is the slice of an external catalog entry the engine needs to
// issue product invoices.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       uint64
	TokenSymbol string
	Category    string
	Active      bool
	Inventory   *uint32
}

// ProductCatalog resolves product ids for invoice creation.
type ProductCatalog interface {
	Product(ctx context.Context, id string) (*Product, error)
}

// SaleRecorder is notified when a product-backed payment settles.
type SaleRecorder interface {
	RecordSale(ctx context.Context, productID string, amount uint64)
}

// EventSink receives settlement outcomes. All methods are best-effort and
// must not block the payment pipeline.
type EventSink interface {
	PaymentSucceeded(ctx context.Context, inv *Invoice, tx *Transaction)
	PaymentFailed(ctx context.Context, inv *Invoice, tx *Transaction)
	WithdrawalCompleted(ctx context.Context, tokenSymbol string, amount uint64, to identity.Principal)
}
