// Package cache keeps game sessions, cached leaderboard pages and
// per-session generation claims in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"trivia_backend/internal/game"
	"trivia_backend/internal/models"
)

const (
	sessionPrefix     = "trivia:session:"
	leaderboardPrefix = "trivia:leaderboard:"
	generatedPrefix   = "trivia:generated:"

	scanCount = 100
)

type Cache struct {
	redis          *redis.Client
	sessionTTL     time.Duration
	leaderboardTTL time.Duration
}

func New(client *redis.Client, sessionTTL, leaderboardTTL time.Duration) *Cache {
	return &Cache{redis: client, sessionTTL: sessionTTL, leaderboardTTL: leaderboardTTL}
}

func sessionKey(token string) string { return sessionPrefix + token }

// LoadSession returns nil, nil when no session exists for token.
func (c *Cache) LoadSession(ctx context.Context, token string) (*game.GameSession, error) {
	val, err := c.redis.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var s game.GameSession
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", token, err)
	}
	return &s, nil
}

func (c *Cache) SaveSession(ctx context.Context, s *game.GameSession) error {
	jsonData, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, sessionKey(s.Token), jsonData, c.sessionTTL).Err()
}

func (c *Cache) DeleteSession(ctx context.Context, token string) error {
	return c.redis.Del(ctx, sessionKey(token)).Err()
}

// LeaderboardKey names the cached page for a filter combination.
func LeaderboardKey(category, difficulty string, limit int) string {
	return fmt.Sprintf("%s%s:%s:%d", leaderboardPrefix, keyPart(category), keyPart(difficulty), limit)
}

func keyPart(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "all"
	}
	return v
}

// GetLeaderboard reports ok=false on a cache miss.
func (c *Cache) GetLeaderboard(ctx context.Context, key string) ([]models.LeaderboardEntry, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var entries []models.LeaderboardEntry
	if err := json.Unmarshal([]byte(val), &entries); err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

func (c *Cache) SetLeaderboard(ctx context.Context, key string, entries []models.LeaderboardEntry) error {
	jsonData, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, jsonData, c.leaderboardTTL).Err()
}

// InvalidateLeaderboards drops every cached leaderboard page. Keys are found
// with SCAN so a large keyspace never blocks the server.
func (c *Cache) InvalidateLeaderboards(ctx context.Context) error {
	var batch []string
	iter := c.redis.Scan(ctx, 0, leaderboardPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanCount {
			if err := c.redis.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	return c.redis.Del(ctx, batch...).Err()
}

// ClaimGeneration marks that token used its question generation. It returns
// false when the claim was already taken.
func (c *Cache) ClaimGeneration(ctx context.Context, token string) (bool, error) {
	return c.redis.SetNX(ctx, generatedPrefix+token, 1, c.sessionTTL).Result()
}

// ReleaseGeneration gives the claim back after a failed generation.
func (c *Cache) ReleaseGeneration(ctx context.Context, token string) error {
	return c.redis.Del(ctx, generatedPrefix+token).Err()
}
