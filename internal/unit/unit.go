// Package unit defines the per-merchant tenant unit configuration: the token
// set a unit settles in, its merchant fee, and the owner-gated operations
// that manage them.
//
// Amounts throughout the platform are expressed in the token's smallest
// denomination as unsigned integers. The merchant fee is expressed in basis
// points (1 bp = 0.01%), capped at 1000 bp.
package unit

import (
	"errors"
	"fmt"

	"github.com/ckpay/platform/internal/identity"
)

var (
	ErrNotOwner      = errors.New("only the owner can perform this operation")
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExists   = errors.New("token with this symbol or ledger ID already exists")
	ErrLastToken     = errors.New("cannot remove the last supported token")
)

// MaxMerchantFeeBP caps the merchant fee at 10%.
const MaxMerchantFeeBP = 1000

// TokenDescriptor describes one token a unit accepts, including the ledger
// it settles on and that ledger's flat transfer fee.
type TokenDescriptor struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	LedgerID string `json:"ledgerId"`
	Fee      uint64 `json:"fee"`
	LogoURL  string `json:"logoUrl,omitempty"`
	Active   bool   `json:"active"`
}

// Validate checks the descriptor's required fields.
func (t TokenDescriptor) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("token symbol cannot be empty")
	}
	if t.Name == "" {
		return fmt.Errorf("token name cannot be empty")
	}
	if t.LedgerID == "" || identity.Principal(t.LedgerID).IsAnonymous() {
		return fmt.Errorf("token ledger ID cannot be anonymous")
	}
	return nil
}

// Pair is one entry of an ordered key-value metadata list. Order is
// preserved as submitted; keys may repeat.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is an ordered list of key-value pairs.
type Metadata []Pair

// Get returns the value of the first pair with the given key.
func (m Metadata) Get(key string) (string, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Config is a unit's merchant-facing configuration.
type Config struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	SupportedTokens   []TokenDescriptor `json:"supportedTokens"`
	WebhookURL        string            `json:"webhookUrl,omitempty"`
	MerchantFeeBP     uint32            `json:"merchantFeeBp"`
	AutoWithdraw      bool              `json:"autoWithdraw"`
	WithdrawThreshold uint64            `json:"withdrawThreshold,omitempty"`
	CustomSettings    Metadata          `json:"customSettings,omitempty"`
}

// Validate checks the constraints enforced at provisioning time.
func (c Config) Validate() error {
	if c.Name == "" || len(c.Name) > 50 {
		return fmt.Errorf("name must be between 1 and 50 characters")
	}
	if len(c.Description) > 200 {
		return fmt.Errorf("description must be less than 200 characters")
	}
	if len(c.SupportedTokens) == 0 {
		return fmt.Errorf("at least one supported token is required")
	}
	for _, t := range c.SupportedTokens {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if c.MerchantFeeBP > MaxMerchantFeeBP {
		return fmt.Errorf("merchant fee cannot exceed 10%%")
	}
	return nil
}

// Token returns the supported token with the given symbol.
func (c Config) Token(symbol string) (TokenDescriptor, bool) {
	for _, t := range c.SupportedTokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return TokenDescriptor{}, false
}

// ActiveToken returns the supported token with the given symbol only if it
// is active.
func (c Config) ActiveToken(symbol string) (TokenDescriptor, bool) {
	t, ok := c.Token(symbol)
	if !ok || !t.Active {
		return TokenDescriptor{}, false
	}
	return t, true
}

// DefaultConfig is the configuration installed on every freshly provisioned
// unit: a single ckBTC token and a 2.5% merchant fee. The config submitted
// to the factory is validated and recorded but not installed; owners adjust
// their unit after provisioning.
func DefaultConfig() Config {
	return Config{
		Name:        "Default Payment System",
		Description: "Default payment system configuration",
		SupportedTokens: []TokenDescriptor{
			{
				Symbol:   "ckBTC",
				Name:     "Chain Key Bitcoin",
				Decimals: 8,
				LedgerID: "mxzaz-hqaaa-aaaar-qaada-cai",
				Fee:      10,
				Active:   true,
			},
		},
		MerchantFeeBP: 250,
	}
}

// InitArgs is the payload handed to a unit's init hook at install time.
type InitArgs struct {
	Config Config             `json:"config"`
	Owner  identity.Principal `json:"owner"`
}
