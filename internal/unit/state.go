package unit

import (
	"sync"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/storage"
)

// State is a unit's live configuration and ownership. All mutating methods
// are owner-gated; reads return copies.
type State struct {
	mu      sync.RWMutex
	owner   identity.Principal
	config  Config
	version uint64
}

// NewState creates unit state from install-time init args.
func NewState(cfg Config, owner identity.Principal) *State {
	return &State{owner: owner, config: cfg, version: 1}
}

// Owner returns the unit's owner.
func (s *State) Owner() identity.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// Version returns the installed package version.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// BumpVersion records a completed in-place upgrade.
func (s *State) BumpVersion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
}

// Config returns a copy of the unit's configuration.
func (s *State) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyConfig()
}

func (s *State) copyConfig() Config {
	cfg := s.config
	cfg.SupportedTokens = append([]TokenDescriptor(nil), s.config.SupportedTokens...)
	cfg.CustomSettings = append(Metadata(nil), s.config.CustomSettings...)
	return cfg
}

// IsOwner reports whether p is the unit's owner.
func (s *State) IsOwner(p identity.Principal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return p == s.owner && !p.IsAnonymous()
}

// SetOwner replaces the unit's owner. Callers are responsible for the
// authorization check; the factory uses this during ownership transfer.
func (s *State) SetOwner(owner identity.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = owner
}

// UpdateConfig replaces the whole configuration. Owner only.
func (s *State) UpdateConfig(caller identity.Principal, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrNotOwner
	}
	s.config = cfg
	return nil
}

// Tokens returns a copy of the supported token list.
func (s *State) Tokens() []TokenDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TokenDescriptor(nil), s.config.SupportedTokens...)
}

// AddToken appends a new supported token. Owner only; duplicate symbols and
// ledger IDs are rejected.
func (s *State) AddToken(caller identity.Principal, token TokenDescriptor) error {
	if err := token.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrNotOwner
	}
	for _, t := range s.config.SupportedTokens {
		if t.Symbol == token.Symbol || t.LedgerID == token.LedgerID {
			return ErrTokenExists
		}
	}
	s.config.SupportedTokens = append(s.config.SupportedTokens, token)
	return nil
}

// RemoveToken removes a supported token by symbol. Owner only; the last
// token cannot be removed.
func (s *State) RemoveToken(caller identity.Principal, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrNotOwner
	}
	idx := -1
	for i, t := range s.config.SupportedTokens {
		if t.Symbol == symbol {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrTokenNotFound
	}
	if len(s.config.SupportedTokens) == 1 {
		return ErrLastToken
	}
	s.config.SupportedTokens = append(
		s.config.SupportedTokens[:idx],
		s.config.SupportedTokens[idx+1:]...,
	)
	return nil
}

// UpdateToken replaces the token identified by symbol. Owner only; symbol
// and ledger ID changes are checked for conflicts with other tokens.
func (s *State) UpdateToken(caller identity.Principal, symbol string, updated TokenDescriptor) error {
	if err := updated.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrNotOwner
	}
	idx := -1
	for i, t := range s.config.SupportedTokens {
		if t.Symbol == symbol {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrTokenNotFound
	}
	old := s.config.SupportedTokens[idx]
	for i, t := range s.config.SupportedTokens {
		if i == idx {
			continue
		}
		if old.Symbol != updated.Symbol && t.Symbol == updated.Symbol {
			return ErrTokenExists
		}
		if old.LedgerID != updated.LedgerID && t.LedgerID == updated.LedgerID {
			return ErrTokenExists
		}
	}
	s.config.SupportedTokens[idx] = updated
	return nil
}

// ToggleToken flips a token's active flag and returns the new value. Owner
// only.
func (s *State) ToggleToken(caller identity.Principal, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return false, ErrNotOwner
	}
	for i, t := range s.config.SupportedTokens {
		if t.Symbol == symbol {
			s.config.SupportedTokens[i].Active = !t.Active
			return s.config.SupportedTokens[i].Active, nil
		}
	}
	return false, ErrTokenNotFound
}

// Snapshot writes the unit's configuration and ownership into snap under
// their durable regions.
func (s *State) Snapshot(snap storage.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := snap.Put(storage.RegionUnitConfig, s.config); err != nil {
		return err
	}
	return snap.Put(storage.RegionUnitOwner, s.owner)
}

// RestoreState rebuilds unit state from a pre-upgrade snapshot. The package
// version is tracked by the factory registry, not the unit itself; the
// caller assigns the post-upgrade version.
func RestoreState(snap storage.Snapshot, version uint64) (*State, error) {
	s := &State{version: version}
	if _, err := snap.Get(storage.RegionUnitConfig, &s.config); err != nil {
		return nil, err
	}
	if _, err := snap.Get(storage.RegionUnitOwner, &s.owner); err != nil {
		return nil, err
	}
	return s, nil
}
