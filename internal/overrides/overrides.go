// Package overrides stores developer-supplied decision logic that replaces
// network fetches for a custom audience, a seller scoring config or an
// outcome selection config.
package overrides

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/redis"
)

// Override is decision logic supplied by a developer. Version is the
// calling-convention version the logic was written for; zero means
// unversioned.
type Override struct {
	Logic          string          `json:"logic"`
	Version        int64           `json:"version,omitempty"`
	TrustedSignals json.RawMessage `json:"trusted_signals,omitempty"`
}

// SelectionKey identifies an outcome selection config.
type SelectionKey struct {
	Seller     string
	ConfigHash string
}

func (k SelectionKey) String() string {
	return k.Seller + "/" + k.ConfigHash
}

// ScoringKey identifies a seller scoring config. TrustedSignals on a
// scoring override replace the config's trusted scoring signals.
type ScoringKey struct {
	Seller     string
	ConfigHash string
}

func (k ScoringKey) String() string {
	return k.Seller + "/" + k.ConfigHash
}

// Store looks overrides up. A miss returns nil without error.
type Store interface {
	BiddingOverride(ctx context.Context, key ads.AudienceKey) (*Override, error)
	ScoringOverride(ctx context.Context, key ScoringKey) (*Override, error)
	SelectionOverride(ctx context.Context, key SelectionKey) (*Override, error)
}

// Writer registers and removes overrides.
type Writer interface {
	SetBidding(ctx context.Context, key ads.AudienceKey, o Override) error
	SetScoring(ctx context.Context, key ScoringKey, o Override) error
	SetSelection(ctx context.Context, key SelectionKey, o Override) error
	RemoveBidding(ctx context.Context, key ads.AudienceKey) error
	RemoveScoring(ctx context.Context, key ScoringKey) error
	RemoveSelection(ctx context.Context, key SelectionKey) error
}

// MemoryStore keeps overrides in process.
type MemoryStore struct {
	mu        sync.RWMutex
	bidding   map[ads.AudienceKey]Override
	scoring   map[ScoringKey]Override
	selection map[SelectionKey]Override
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bidding:   make(map[ads.AudienceKey]Override),
		scoring:   make(map[ScoringKey]Override),
		selection: make(map[SelectionKey]Override),
	}
}

// SetBidding registers an override for an audience.
func (s *MemoryStore) SetBidding(_ context.Context, key ads.AudienceKey, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bidding[key] = o
	return nil
}

// SetScoring registers an override for a seller scoring config.
func (s *MemoryStore) SetScoring(_ context.Context, key ScoringKey, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoring[key] = o
	return nil
}

// SetSelection registers an override for a selection config.
func (s *MemoryStore) SetSelection(_ context.Context, key SelectionKey, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection[key] = o
	return nil
}

// RemoveBidding deletes an audience override.
func (s *MemoryStore) RemoveBidding(_ context.Context, key ads.AudienceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bidding, key)
	return nil
}

// RemoveScoring deletes a scoring config override.
func (s *MemoryStore) RemoveScoring(_ context.Context, key ScoringKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scoring, key)
	return nil
}

// RemoveSelection deletes a selection config override.
func (s *MemoryStore) RemoveSelection(_ context.Context, key SelectionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.selection, key)
	return nil
}

// Reset removes every override.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bidding = make(map[ads.AudienceKey]Override)
	s.scoring = make(map[ScoringKey]Override)
	s.selection = make(map[SelectionKey]Override)
}

func (s *MemoryStore) BiddingOverride(_ context.Context, key ads.AudienceKey) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.bidding[key]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemoryStore) ScoringOverride(_ context.Context, key ScoringKey) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.scoring[key]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemoryStore) SelectionOverride(_ context.Context, key SelectionKey) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.selection[key]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// RedisStore keeps overrides as JSON in one Redis hash per override kind.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store over client. An empty prefix uses "adsel".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "adsel"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) biddingHash() string   { return s.prefix + ":override:bidding" }
func (s *RedisStore) scoringHash() string   { return s.prefix + ":override:scoring" }
func (s *RedisStore) selectionHash() string { return s.prefix + ":override:selection" }

// SetBidding stores an override for an audience.
func (s *RedisStore) SetBidding(ctx context.Context, key ads.AudienceKey, o Override) error {
	return s.set(ctx, s.biddingHash(), key.String(), o)
}

// SetScoring stores an override for a seller scoring config.
func (s *RedisStore) SetScoring(ctx context.Context, key ScoringKey, o Override) error {
	return s.set(ctx, s.scoringHash(), key.String(), o)
}

// SetSelection stores an override for a selection config.
func (s *RedisStore) SetSelection(ctx context.Context, key SelectionKey, o Override) error {
	return s.set(ctx, s.selectionHash(), key.String(), o)
}

// RemoveBidding deletes an audience override.
func (s *RedisStore) RemoveBidding(ctx context.Context, key ads.AudienceKey) error {
	return s.client.HDel(ctx, s.biddingHash(), key.String())
}

// RemoveScoring deletes a scoring config override.
func (s *RedisStore) RemoveScoring(ctx context.Context, key ScoringKey) error {
	return s.client.HDel(ctx, s.scoringHash(), key.String())
}

// RemoveSelection deletes a selection config override.
func (s *RedisStore) RemoveSelection(ctx context.Context, key SelectionKey) error {
	return s.client.HDel(ctx, s.selectionHash(), key.String())
}

func (s *RedisStore) BiddingOverride(ctx context.Context, key ads.AudienceKey) (*Override, error) {
	return s.get(ctx, s.biddingHash(), key.String())
}

func (s *RedisStore) ScoringOverride(ctx context.Context, key ScoringKey) (*Override, error) {
	return s.get(ctx, s.scoringHash(), key.String())
}

func (s *RedisStore) SelectionOverride(ctx context.Context, key SelectionKey) (*Override, error) {
	return s.get(ctx, s.selectionHash(), key.String())
}

func (s *RedisStore) set(ctx context.Context, hash, field string, o Override) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal override: %w", err)
	}
	return s.client.HSet(ctx, hash, field, string(data))
}

func (s *RedisStore) get(ctx context.Context, hash, field string) (*Override, error) {
	raw, found, err := s.client.HGet(ctx, hash, field)
	if err != nil {
		return nil, fmt.Errorf("override lookup %s: %w", field, err)
	}
	if !found {
		return nil, nil
	}
	var o Override
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("override %s is not valid JSON: %w", field, err)
	}
	return &o, nil
}
