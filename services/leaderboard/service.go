package leaderboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/rediskey"
	"eloits-rewards-engine/services/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "leaderboard_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "leaderboard_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

// Entry is one leaderboard row. Rank is dense: users with equal lifetime
// earnings share a rank and the next distinct total takes the following one.
type Entry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	TotalEarned int64  `json:"totalEarned"`
	Level       int    `json:"level"`
}

// Service serves a cached snapshot of the top earners. The snapshot is
// display-only and never consulted for balance decisions; staleness up to the
// TTL is acceptable.
type Service struct {
	ledger *ledger.Service
	rdb    *redis.Client
	ttl    time.Duration
	size   int

	mu        sync.RWMutex
	snapshot  []Entry
	fetchedAt time.Time
	group     singleflight.Group
}

type ServiceParams struct {
	fx.In
	Ledger *ledger.Service
	Redis  *redis.Client  `optional:"true"`
	Cfg    *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	ttl, size := time.Hour, 100
	if p.Cfg != nil {
		if p.Cfg.Rewards.LeaderboardTTL > 0 {
			ttl = p.Cfg.Rewards.LeaderboardTTL
		}
		if p.Cfg.Rewards.LeaderboardSize > 0 {
			size = p.Cfg.Rewards.LeaderboardSize
		}
	}
	return &Service{ledger: p.Ledger, rdb: p.Redis, ttl: ttl, size: size}
}

// Top returns up to limit entries from the snapshot, refreshing it lazily
// when the TTL has passed. Concurrent refreshes collapse into one query.
func (s *Service) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.size {
		limit = s.size
	}

	if entries, ok := s.cached(); ok {
		cacheHits.Inc()
		return truncate(entries, limit), nil
	}
	cacheMiss.Inc()

	v, err, _ := s.group.Do("top", func() (any, error) {
		if entries, ok := s.cached(); ok {
			return entries, nil
		}
		if entries, ok := s.fromRedis(ctx); ok {
			s.store(entries)
			return entries, nil
		}

		summaries, err := s.ledger.TopEarners(ctx, s.size)
		if err != nil {
			return nil, err
		}
		entries := rank(summaries)

		s.store(entries)
		s.toRedis(ctx, entries)

		zap.L().Debug("leaderboard snapshot refreshed", zap.Int("entries", len(entries)))
		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	return truncate(v.([]Entry), limit), nil
}

// Invalidate drops the snapshot so the next read rebuilds it.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.fetchedAt = time.Time{}
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Del(context.Background(), snapshotKey()).Err(); err != nil {
			zap.L().Warn("failed to drop leaderboard snapshot from redis", zap.Error(err))
		}
	}
}

func (s *Service) store(entries []Entry) {
	s.mu.Lock()
	s.snapshot = entries
	s.fetchedAt = time.Now()
	s.mu.Unlock()
}

// fromRedis serves the snapshot another instance already built. Redis being
// down just means a database rebuild.
func (s *Service) fromRedis(ctx context.Context) ([]Entry, bool) {
	if s.rdb == nil {
		return nil, false
	}

	raw, err := s.rdb.Get(ctx, snapshotKey()).Bytes()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("failed to read leaderboard snapshot from redis", zap.Error(err))
		}
		return nil, false
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func (s *Service) toRedis(ctx context.Context, entries []Entry) {
	if s.rdb == nil {
		return
	}

	raw, err := json.Marshal(entries)
	if err == nil {
		err = s.rdb.Set(ctx, snapshotKey(), raw, s.ttl).Err()
	}
	if err != nil {
		zap.L().Warn("failed to write leaderboard snapshot to redis", zap.Error(err))
	}
}

func snapshotKey() string {
	return rediskey.BuildLeaderboardKey("top")
}

func (s *Service) cached() ([]Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil || time.Since(s.fetchedAt) > s.ttl {
		return nil, false
	}
	return s.snapshot, true
}

func rank(summaries []*ledger.AccountSummary) []Entry {
	entries := make([]Entry, 0, len(summaries))
	currentRank := 0
	var prevTotal int64 = -1
	for _, s := range summaries {
		if s.TotalEarned != prevTotal {
			currentRank++
			prevTotal = s.TotalEarned
		}
		entries = append(entries, Entry{
			Rank:        currentRank,
			UserID:      s.UserID,
			TotalEarned: s.TotalEarned,
			Level:       s.Level,
		})
	}
	return entries
}

func truncate(entries []Entry, limit int) []Entry {
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
