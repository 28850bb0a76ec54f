// Package keypool holds the immutable set of upstream credentials.
//
// Credentials are loaded once at startup and never mutated; removing a
// credential requires a reload. Runtime usability (quota headroom, health
// status) lives in the quota and health packages, keyed by credential id.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Credential is one upstream account identity with its own quota allocation.
type Credential struct {
	// ID is a stable identifier derived from the secret. It is safe to log.
	ID string
	// Label is the operator-facing name (typically an account email).
	Label string
	// Secret is the upstream API key. Never logged.
	Secret string
	// ScopeID is the upstream project the key belongs to.
	ScopeID string
	// Models lists upstream model ids this credential can reach. Empty means
	// all configured models.
	Models []string
}

// Preview returns the last characters of the secret for display.
func (c Credential) Preview() string {
	if len(c.Secret) <= 6 {
		return "..."
	}
	return "..." + c.Secret[len(c.Secret)-6:]
}

// Supports reports whether the credential can serve the given model.
func (c Credential) Supports(model string) bool {
	if len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Store is the process-lifetime credential set. Read-only after construction,
// so it needs no locking.
type Store struct {
	ordered []Credential
	byID    map[string]Credential
}

// NewStore builds a store from credential records, assigning ids and
// rejecting duplicates.
func NewStore(creds []Credential) (*Store, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}

	s := &Store{byID: make(map[string]Credential, len(creds))}
	for i, cred := range creds {
		cred.Secret = strings.TrimSpace(cred.Secret)
		if cred.Secret == "" {
			return nil, fmt.Errorf("credential %d: secret is required", i)
		}
		if cred.ID == "" {
			cred.ID = CredentialID(cred.Secret)
		}
		if cred.Label == "" {
			cred.Label = "key-" + cred.ID[:6]
		}
		if _, exists := s.byID[cred.ID]; exists {
			return nil, fmt.Errorf("credential %d (%s): duplicate secret", i, cred.Label)
		}
		s.byID[cred.ID] = cred
		s.ordered = append(s.ordered, cred)
	}
	return s, nil
}

// CredentialID derives the stable id for a secret.
func CredentialID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:16]
}

// All returns credentials in load order.
func (s *Store) All() []Credential {
	if s == nil {
		return nil
	}
	out := make([]Credential, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Get returns a credential by id.
func (s *Store) Get(id string) (Credential, bool) {
	if s == nil {
		return Credential{}, false
	}
	cred, ok := s.byID[id]
	return cred, ok
}

// ForModel returns credentials that can serve the given model, in load order.
func (s *Store) ForModel(model string) []Credential {
	if s == nil {
		return nil
	}
	var out []Credential
	for _, cred := range s.ordered {
		if cred.Supports(model) {
			out = append(out, cred)
		}
	}
	return out
}

// Len returns the number of credentials.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}
