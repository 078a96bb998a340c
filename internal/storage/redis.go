package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "courier/pkg/logx"
)

// redisStore keeps the queue as a list of envelope IDs plus one key per
// envelope, and OTP/session records under TTL'd keys so Redis expires
// them natively.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.RedisPrefix)
	if prefix == "" {
		prefix = "courier"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) queueKey() string            { return s.prefix + ":queue" }
func (s *redisStore) envKey(id string) string     { return s.prefix + ":env:" + id }
func (s *redisStore) otpKey(target string) string { return s.prefix + ":otp:" + target }
func (s *redisStore) sessKey(id string) string    { return s.prefix + ":sess:" + id }

func (s *redisStore) LoadQueue(ctx context.Context) ([]EnvelopeRecord, error) {
	ids, err := s.rdb.LRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]EnvelopeRecord, 0, len(ids))
	for _, id := range ids {
		b, err := s.rdb.Get(ctx, s.envKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Orphaned list entry; drop it.
			_ = s.rdb.LRem(ctx, s.queueKey(), 1, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		var e EnvelopeRecord
		if err := json.Unmarshal(b, &e); err != nil {
			s.log.Warn("corrupt envelope record skipped", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) AppendEnvelope(ctx context.Context, e EnvelopeRecord) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.envKey(e.ID), b, 0)
	pipe.RPush(ctx, s.queueKey(), e.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) UpdateEnvelope(ctx context.Context, e EnvelopeRecord) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.envKey(e.ID), b, 0).Err()
}

func (s *redisStore) RemoveEnvelope(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, s.queueKey(), 1, id)
	pipe.Del(ctx, s.envKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) PutOTP(ctx context.Context, r OTPRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ttl := time.Until(r.ExpiresAt)
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.otpKey(r.Target)).Err()
	}
	return s.rdb.Set(ctx, s.otpKey(r.Target), b, ttl).Err()
}

func (s *redisStore) GetOTP(ctx context.Context, target string) (OTPRecord, bool, error) {
	b, err := s.rdb.Get(ctx, s.otpKey(target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return OTPRecord{}, false, nil
	}
	if err != nil {
		return OTPRecord{}, false, err
	}
	var r OTPRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return OTPRecord{}, false, err
	}
	return r, true, nil
}

func (s *redisStore) DeleteOTP(ctx context.Context, target string) error {
	return s.rdb.Del(ctx, s.otpKey(target)).Err()
}

func (s *redisStore) PutSession(ctx context.Context, r SessionRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ttl := time.Until(r.ExpiresAt)
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.sessKey(r.ID)).Err()
	}
	return s.rdb.Set(ctx, s.sessKey(r.ID), b, ttl).Err()
}

func (s *redisStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	b, err := s.rdb.Get(ctx, s.sessKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	var r SessionRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return SessionRecord{}, false, err
	}
	return r, true, nil
}

func (s *redisStore) DeleteSession(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.sessKey(id)).Err()
}

func (s *redisStore) SweepExpired(ctx context.Context, now time.Time) error {
	// OTP and session keys carry native TTLs; nothing to reclaim.
	_ = ctx
	_ = now
	return nil
}
