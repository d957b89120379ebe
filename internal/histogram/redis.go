package histogram

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/redis"
)

const defaultKeyPrefix = "adsel"

// RedisStore keeps one sorted set per (event type, scope, ad counter key)
// scored by event time in milliseconds, and one set of filterable packages
// per buyer.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store over client. An empty prefix uses "adsel".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Record stores one event. Audience-scoped events are also counted in the
// buyer scope.
func (s *RedisStore) Record(ctx context.Context, scope Scope, eventType ads.EventType, at time.Time) error {
	member := uuid.NewString()
	score := float64(at.UnixMilli())

	if err := s.client.ZAdd(ctx, s.eventKey(BuyerScope(scope.Buyer, scope.AdCounterKey), eventType), score, member); err != nil {
		return fmt.Errorf("record %s event: %w", eventType, err)
	}
	if scope.Audience != nil {
		if err := s.client.ZAdd(ctx, s.eventKey(scope, eventType), score, member); err != nil {
			return fmt.Errorf("record %s event: %w", eventType, err)
		}
	}
	return nil
}

// CountEvents counts events of eventType at or after since within scope.
func (s *RedisStore) CountEvents(ctx context.Context, scope Scope, eventType ads.EventType, since time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, s.eventKey(scope, eventType), float64(since.UnixMilli()), math.MaxInt64)
	if err != nil {
		return 0, fmt.Errorf("count %s events: %w", eventType, err)
	}
	return n, nil
}

// AllowPackages records packages that are installed and that buyer may
// filter on.
func (s *RedisStore) AllowPackages(ctx context.Context, buyer string, packageNames ...string) error {
	if len(packageNames) == 0 {
		return nil
	}
	return s.client.SAdd(ctx, s.packageKey(buyer), packageNames...)
}

// CanFilterPackage reports whether packageName is installed and buyer may
// filter on it.
func (s *RedisStore) CanFilterPackage(ctx context.Context, buyer, packageName string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.packageKey(buyer), packageName)
	if err != nil {
		return false, fmt.Errorf("check package %s: %w", packageName, err)
	}
	return ok, nil
}

// eventKey escapes caller supplied parts so a ":" inside a name cannot
// collide with the separators.
func (s *RedisStore) eventKey(scope Scope, eventType ads.EventType) string {
	parts := []string{s.prefix, "hist", eventType.String(), keyPart(scope.Buyer)}
	if scope.Audience != nil {
		parts = append(parts, "ca", keyPart(scope.Audience.Owner), keyPart(scope.Audience.Name))
	}
	parts = append(parts, keyPart(scope.AdCounterKey))
	return strings.Join(parts, ":")
}

func (s *RedisStore) packageKey(buyer string) string {
	return s.prefix + ":appinstall:" + keyPart(buyer)
}

func keyPart(v string) string {
	return url.QueryEscape(v)
}
