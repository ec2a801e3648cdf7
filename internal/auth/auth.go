// Package auth authenticates API callers and scopes them to a tenant.
//
// Every API key belongs to one user and carries the team and/or
// organization that user acts for. Handlers read the tenant from the
// request context; they never trust a tenant id sent in the body.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrNoTenant      = errors.New("API key must be scoped to a team or organization")
)

const keyPrefix = "fr_"

// Principal is the identity an API key acts as.
type Principal struct {
	UserID string `json:"userId"`
	TeamID string `json:"teamId,omitempty"`
	OrgID  string `json:"orgId,omitempty"`
}

// APIKey represents an API key
type APIKey struct {
	ID string `json:"id"`
	// Hash is the SHA-256 of the raw key; the raw key is never stored.
	Hash      string     `json:"-"`
	UserID    string     `json:"userId"`
	TeamID    string     `json:"teamId,omitempty"`
	OrgID     string     `json:"orgId,omitempty"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Principal returns the identity the key acts as.
func (k *APIKey) Principal() Principal {
	return Principal{UserID: k.UserID, TeamID: k.TeamID, OrgID: k.OrgID}
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new API key for p.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, p Principal, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	if p.TeamID == "" && p.OrgID == "" {
		return "", nil, ErrNoTenant
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	now := m.now()
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		UserID:    p.UserID,
		TeamID:    p.TeamID,
		OrgID:     p.OrgID,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey accepts a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// last_used is advisory; a lost write is fine.
	touched := *key
	touched.LastUsed = m.now()
	go func() { _ = m.store.Update(context.Background(), &touched) }()

	return key, nil
}

// ListKeys returns all keys for a user
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes one of the user's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = existing.Revoked || key.Revoked
	return nil
}
