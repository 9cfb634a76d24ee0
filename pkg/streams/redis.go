package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client hands out Stream handles backed by a shared Redis connection.
// The caller owns the redis.Client lifecycle.
type Client struct {
	rdb *redis.Client
}

// NewClient wraps an existing Redis connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Stream returns a handle to the named stream. maxLen bounds retention
// with approximate trimming on every append; zero means unbounded.
func (c *Client) Stream(name string, maxLen int64) Stream {
	return &redisStream{rdb: c.rdb, name: name, maxLen: maxLen}
}

type redisStream struct {
	rdb    *redis.Client
	name   string
	maxLen int64
}

func (s *redisStream) Name() string { return s.name }

func (s *redisStream) Add(ctx context.Context, fields map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.name,
		Values: fields,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.name, err)
	}
	return id, nil
}

func (s *redisStream) EnsureGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, s.name, err)
	}
	return nil
}

func (s *redisStream) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", s.name, group, err)
	}
	var msgs []Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			msgs = append(msgs, Message{ID: m.ID, Fields: stringFields(m.Values), Deliveries: 1})
		}
	}
	return msgs, nil
}

func (s *redisStream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.name, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", s.name, group, err)
	}
	return nil
}

func (s *redisStream) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	claimed, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", s.name, group, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	// XAUTOCLAIM does not report delivery counts; fetch them from the
	// pending-entries list so the poison budget survives reclaims.
	deliveries := make(map[string]int64, len(claimed))
	ext, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.name,
		Group:  group,
		Start:  claimed[0].ID,
		End:    claimed[len(claimed)-1].ID,
		Count:  int64(len(claimed)),
	}).Result()
	if err == nil {
		for _, p := range ext {
			deliveries[p.ID] = p.RetryCount
		}
	}
	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		d := deliveries[m.ID]
		if d < 1 {
			d = 1
		}
		msgs = append(msgs, Message{ID: m.ID, Fields: stringFields(m.Values), Deliveries: d})
	}
	return msgs, nil
}

func (s *redisStream) PendingDepth(ctx context.Context, group string) (int64, error) {
	res, err := s.rdb.XPending(ctx, s.name, group).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xpending %s/%s: %w", s.name, group, err)
	}
	return res.Count, nil
}

func (s *redisStream) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", s.name, err)
	}
	return n, nil
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if sv, ok := v.(string); ok {
			fields[k] = sv
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
