package config

import (
	"fmt"
	"sync/atomic"
)

// Credentials is the account snapshot used for a single fetch.
type Credentials struct {
	TeamID  int
	APIKey  string
	Region  string
	BaseURL string
}

// Valid reports whether a fetch may be attempted with these credentials.
func (c Credentials) Valid() bool {
	return c.TeamID > 0 && c.APIKey != "" && (c.Region != "" || c.BaseURL != "")
}

// Host returns the API base URL.
func (c Credentials) Host() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf("https://%s.posthog.com", c.Region)
}

// CredentialStore holds the current credentials and swaps them atomically
// when the config file is reloaded.
type CredentialStore struct {
	v atomic.Pointer[Credentials]
}

// NewCredentialStore creates a store seeded with c.
func NewCredentialStore(c Credentials) *CredentialStore {
	s := &CredentialStore{}
	s.Store(c)
	return s
}

// Credentials returns the current snapshot.
func (s *CredentialStore) Credentials() Credentials {
	if c := s.v.Load(); c != nil {
		return *c
	}
	return Credentials{}
}

// Store replaces the current snapshot.
func (s *CredentialStore) Store(c Credentials) {
	s.v.Store(&c)
}
