// Package histogram stores ad counter events and app-install filtering
// grants consulted by eligibility filtering. The filtering core only reads;
// Record and AllowPackages exist for the host that observes events.
package histogram

import (
	"context"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
)

// Scope selects which events are counted. Buyer scope counts every event
// the buyer recorded for the key; audience scope narrows it to one custom
// audience and is used for win events.
type Scope struct {
	AdCounterKey string
	Buyer        string
	Audience     *ads.AudienceKey
}

// BuyerScope returns a buyer-wide scope.
func BuyerScope(buyer, adCounterKey string) Scope {
	return Scope{AdCounterKey: adCounterKey, Buyer: buyer}
}

// AudienceScope returns a scope narrowed to one custom audience.
func AudienceScope(audience ads.AudienceKey, adCounterKey string) Scope {
	return Scope{AdCounterKey: adCounterKey, Buyer: audience.Buyer, Audience: &audience}
}

type event struct {
	scope     Scope
	eventType ads.EventType
	at        time.Time
}

// MemoryStore keeps events in process. Suitable for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []event
	packages map[string]map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packages: make(map[string]map[string]struct{})}
}

// Record stores one event.
func (s *MemoryStore) Record(_ context.Context, scope Scope, eventType ads.EventType, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{scope: scope, eventType: eventType, at: at})
	return nil
}

// CountEvents counts events of eventType at or after since within scope.
func (s *MemoryStore) CountEvents(_ context.Context, scope Scope, eventType ads.EventType, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.events {
		if e.eventType != eventType || e.at.Before(since) {
			continue
		}
		if e.scope.AdCounterKey != scope.AdCounterKey || e.scope.Buyer != scope.Buyer {
			continue
		}
		if scope.Audience != nil && (e.scope.Audience == nil || *e.scope.Audience != *scope.Audience) {
			continue
		}
		n++
	}
	return n, nil
}

// AllowPackages records packages that are installed and that buyer may
// filter on.
func (s *MemoryStore) AllowPackages(_ context.Context, buyer string, packageNames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.packages[buyer]
	if !ok {
		set = make(map[string]struct{})
		s.packages[buyer] = set
	}
	for _, p := range packageNames {
		set[p] = struct{}{}
	}
	return nil
}

// CanFilterPackage reports whether packageName is installed and buyer may
// filter on it.
func (s *MemoryStore) CanFilterPackage(_ context.Context, buyer, packageName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.packages[buyer][packageName]
	return ok, nil
}
