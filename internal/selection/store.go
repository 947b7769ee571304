package selection

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// Store persists the set of product identifiers the user intends to purchase
// in the current checkout attempt. One named slot per user holding a JSON
// array of strings; last-writer-wins, no versioning. The slot outlives the
// embedded browser session and is cleared only by cart finalization.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore constructs a selection store.
func NewStore(client *redis.Client, prefix string) *Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = "selection"
	}
	return &Store{client: client, prefix: prefix}
}

// Set replaces the stored selection with the provided product identifiers.
// Identifiers are deduplicated and order is not preserved.
func (s *Store) Set(ctx context.Context, userID string, ids []string) error {
	if s == nil || s.client == nil {
		return errors.New("selection: store not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("selection: user id is required")
	}
	normalized := Normalize(ids)
	if len(normalized) == 0 {
		return s.client.Del(ctx, s.key(userID)).Err()
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(userID), data, 0).Err()
}

// Get returns the stored selection, or an empty slice when none exists.
func (s *Store) Get(ctx context.Context, userID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("selection: store not configured")
	}
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Clear removes the stored selection.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if s == nil || s.client == nil {
		return errors.New("selection: store not configured")
	}
	return s.client.Del(ctx, s.key(userID)).Err()
}

func (s *Store) key(userID string) string {
	return s.prefix + ":" + userID
}

// Normalize trims, deduplicates and sorts product identifiers so the stored
// slot is a canonical set.
func Normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
