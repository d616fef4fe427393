// Package store persists relay state in memcached: per-user conversation
// logs, the broadcast subscriber set, and the latest weather snapshot.
// All values are JSON documents under fixed key prefixes. The store is an
// external collaborator: callers treat write failures as non-fatal and
// the in-memory state stays authoritative within a process.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/ycchou/chatrelay/internal/models"
)

const (
	conversationKeyPrefix = "conv:"
	subscribersKey        = "subscribers"
	snapshotKey           = "weather:current"
)

// kv is the slice of the memcache client the store uses. Narrowed to an
// interface so tests can substitute an in-memory fake.
type kv interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
}

// Store is a memcached-backed document store.
type Store struct {
	client kv
	mc     *memcache.Client // retained for Ping/Close; nil when faked
}

// New creates a Store. addrs is a comma-separated server list
// (e.g. "localhost:11211" or "host1:11211,host2:11211").
func New(addrs string, timeout time.Duration, maxIdleConns int) *Store {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &Store{client: client, mc: client}
}

// newWithKV is the test constructor.
func newWithKV(client kv) *Store {
	return &Store{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func conversationKey(userID string) string {
	return conversationKeyPrefix + userID
}

// History returns the user's conversation turns, oldest first. A missing
// key is an empty history, not an error.
func (s *Store) History(ctx context.Context, userID string) ([]models.ConversationTurn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	item, err := s.client.Get(conversationKey(userID))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	var turns []models.ConversationTurn
	if err := json.Unmarshal(item.Value, &turns); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return turns, nil
}

// AppendTurn appends one turn to the user's conversation log. Concurrent
// appends for the same user can race on the read-modify-write; the relay
// accepts that narrow window rather than coordinating across processes.
func (s *Store) AppendTurn(ctx context.Context, userID string, turn models.ConversationTurn) error {
	turns, err := s.History(ctx, userID)
	if err != nil {
		return err
	}
	turns = append(turns, turn)
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.client.Set(&memcache.Item{Key: conversationKey(userID), Value: raw}); err != nil {
		return fmt.Errorf("set conversation: %w", err)
	}
	return nil
}

// ClearHistory deletes the user's entire conversation log. Deleting an
// absent log is a no-op.
func (s *Store) ClearHistory(ctx context.Context, userID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := s.client.Delete(conversationKey(userID)); err != nil && err != memcache.ErrCacheMiss {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// LoadSubscribers returns the persisted subscriber set. A missing key is
// an empty set.
func (s *Store) LoadSubscribers(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	item, err := s.client.Get(subscribersKey)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscribers: %w", err)
	}
	var users []string
	if err := json.Unmarshal(item.Value, &users); err != nil {
		return nil, fmt.Errorf("decode subscribers: %w", err)
	}
	return users, nil
}

// SaveSubscribers replaces the whole subscriber set (last writer wins).
func (s *Store) SaveSubscribers(ctx context.Context, users []string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("encode subscribers: %w", err)
	}
	if err := s.client.Set(&memcache.Item{Key: subscribersKey, Value: raw}); err != nil {
		return fmt.Errorf("set subscribers: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the persisted weather snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap models.WeatherSnapshot) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(&memcache.Item{Key: snapshotKey, Value: raw}); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted weather snapshot, with ok=false on a
// missing key.
func (s *Store) LoadSnapshot(ctx context.Context) (models.WeatherSnapshot, bool, error) {
	if ctx.Err() != nil {
		return models.WeatherSnapshot{}, false, ctx.Err()
	}
	item, err := s.client.Get(snapshotKey)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return models.WeatherSnapshot{}, false, nil
		}
		return models.WeatherSnapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	var snap models.WeatherSnapshot
	if err := json.Unmarshal(item.Value, &snap); err != nil {
		return models.WeatherSnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Ping checks if memcached is reachable. Used by the health endpoint.
func (s *Store) Ping() error {
	if s.mc == nil {
		return nil
	}
	return s.mc.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *Store) Close() error {
	if s.mc == nil {
		return nil
	}
	return s.mc.Close()
}
