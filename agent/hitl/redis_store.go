package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 用 JSON 值保存请求，并维护按状态与运行 ID 的 ZSET 索引（score 为创建时间）。
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore 创建 Redis 存储。retention > 0 时终态请求在该时长后由 Redis 过期.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, retention time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "handoffd:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "handoff:", ttl: retention}
}

func (s *RedisStore) dataKey(id string) string   { return s.keyPrefix + "data:" + id }
func (s *RedisStore) statusKey(st Status) string { return s.keyPrefix + "status:" + string(st) }
func (s *RedisStore) runKey(runID string) string { return s.keyPrefix + "run:" + runID }
func (s *RedisStore) allKey() string             { return s.keyPrefix + "all" }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Save(ctx context.Context, req *Request) error {
	return s.write(ctx, req, "")
}

func (s *RedisStore) Update(ctx context.Context, req *Request) error {
	old, err := s.Load(ctx, req.ID)
	if err != nil && !errors.Is(err, ErrStoreNotFound) {
		return err
	}
	var prev Status
	if old != nil {
		prev = old.Status
	}
	return s.write(ctx, req, prev)
}

func (s *RedisStore) write(ctx context.Context, req *Request, prev Status) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff request: %w", err)
	}
	var expiry time.Duration
	if req.Status.Terminal() {
		expiry = s.ttl
	}
	score := float64(req.CreatedAt.UnixNano())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(req.ID), data, expiry)
	if prev != "" && prev != req.Status {
		pipe.ZRem(ctx, s.statusKey(prev), req.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(req.Status), redis.Z{Score: score, Member: req.ID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: req.ID})
	if req.RunID != "" {
		pipe.ZAdd(ctx, s.runKey(req.RunID), redis.Z{Score: score, Member: req.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write handoff request: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Request, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handoff request: %w", err)
	}
	return &req, nil
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Request, error) {
	index := s.allKey()
	switch {
	case filter.Status != "":
		index = s.statusKey(filter.Status)
	case filter.RunID != "":
		index = s.runKey(filter.RunID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Request, 0, len(ids))
	var stale []any
	for _, id := range ids {
		req, err := s.Load(ctx, id)
		if errors.Is(err, ErrStoreNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Match(req) {
			out = append(out, req)
		}
	}
	// 数据键已过期的索引成员
	if len(stale) > 0 {
		s.client.ZRem(ctx, index, stale...)
	}
	sortRequests(out)
	return out, nil
}
