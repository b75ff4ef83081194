// Package ledger provides the client used to move tokens on external
// ICRC-style ledgers.
//
// The platform never holds funds itself. Settlement pulls the payer's tokens
// into the unit account via an allowance-based TransferFrom; withdrawals push
// funds out of the unit account via Transfer. Each supported token names the
// ledger it settles on by ledger ID.
package ledger

import (
	"context"
	"fmt"
)

// Code classifies a failed transfer.
type Code string

const (
	CodeBadFee                 Code = "bad_fee"
	CodeBadBurn                Code = "bad_burn"
	CodeInsufficientFunds      Code = "insufficient_funds"
	CodeInsufficientAllowance  Code = "insufficient_allowance"
	CodeTooOld                 Code = "too_old"
	CodeCreatedInFuture        Code = "created_in_future"
	CodeDuplicate              Code = "duplicate"
	CodeTemporarilyUnavailable Code = "temporarily_unavailable"
	CodeGeneric                Code = "generic"
)

// TransferError is the typed failure returned by ledger calls. Only the
// fields relevant to the code are populated.
type TransferError struct {
	Code        Code   `json:"code"`
	ExpectedFee uint64 `json:"expectedFee,omitempty"` // bad_fee
	Balance     uint64 `json:"balance,omitempty"`     // insufficient_funds
	Allowance   uint64 `json:"allowance,omitempty"`   // insufficient_allowance
	DuplicateOf uint64 `json:"duplicateOf,omitempty"` // duplicate: block index of the original
	LedgerTime  uint64 `json:"ledgerTime,omitempty"`  // created_in_future
	Message     string `json:"message,omitempty"`     // generic
}

func (e *TransferError) Error() string {
	switch e.Code {
	case CodeBadFee:
		return fmt.Sprintf("ledger: bad fee, expected %d", e.ExpectedFee)
	case CodeBadBurn:
		return "ledger: bad burn"
	case CodeInsufficientFunds:
		return fmt.Sprintf("ledger: insufficient funds, balance %d", e.Balance)
	case CodeInsufficientAllowance:
		return fmt.Sprintf("ledger: insufficient allowance, allowance %d", e.Allowance)
	case CodeTooOld:
		return "ledger: transaction too old"
	case CodeCreatedInFuture:
		return fmt.Sprintf("ledger: created in future, ledger time %d", e.LedgerTime)
	case CodeDuplicate:
		return fmt.Sprintf("ledger: duplicate of block %d", e.DuplicateOf)
	case CodeTemporarilyUnavailable:
		return "ledger: temporarily unavailable"
	default:
		if e.Message != "" {
			return "ledger: " + e.Message
		}
		return "ledger: transfer failed"
	}
}

// Retryable reports whether the failure is worth retrying by the caller.
func (e *TransferError) Retryable() bool {
	return e.Code == CodeTemporarilyUnavailable
}

// Client moves tokens on a ledger identified by ledgerID.
//
// TransferFrom pulls amount from the payer into the unit account using the
// payer's prior approval; Transfer pushes amount from the unit account to the
// recipient. Both return the ledger block index recording the movement.
type Client interface {
	TransferFrom(ctx context.Context, ledgerID, from, to string, amount uint64) (uint64, error)
	Transfer(ctx context.Context, ledgerID, from, to string, amount uint64) (uint64, error)
}
