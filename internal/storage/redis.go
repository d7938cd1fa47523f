package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hperssn/sprinter/internal/domain"
	"github.com/hperssn/sprinter/internal/logger"
)

const draftKeyPrefix = "draft:"

// RedisDraftStore keeps drafts in Redis with an expiry, so abandoned
// sequences do not accumulate.
type RedisDraftStore struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

func NewRedisDraftStore(ctx context.Context, addr string, ttl time.Duration, log *logger.Logger) (*RedisDraftStore, error) {
	if addr == "" {
		return nil, errors.New("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}

	return NewRedisDraftStoreFromClient(rdb, ttl, log), nil
}

func NewRedisDraftStoreFromClient(rdb *goredis.Client, ttl time.Duration, log *logger.Logger) *RedisDraftStore {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisDraftStore{
		log: log.With("service", "RedisDraftStore"),
		rdb: rdb,
		ttl: ttl,
	}
}

func (s *RedisDraftStore) SaveDraft(ctx context.Context, key string, d domain.Draft) error {
	raw, err := encodeDraft(d)
	if err != nil {
		return errors.Wrap(err, "encode draft")
	}
	return errors.Wrap(s.rdb.Set(ctx, draftKeyPrefix+key, raw, s.ttl).Err(), "redis set draft")
}

func (s *RedisDraftStore) LoadDraft(ctx context.Context, key string) (*domain.Draft, error) {
	raw, err := s.rdb.Get(ctx, draftKeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get draft")
	}

	d, err := decodeDraft(raw)
	if err != nil {
		s.log.Warn("discarding undecodable draft", "draft_key", key, "error", err)
		return nil, nil
	}
	return d, nil
}

func (s *RedisDraftStore) ClearDraft(ctx context.Context, key string) error {
	return errors.Wrap(s.rdb.Del(ctx, draftKeyPrefix+key).Err(), "redis del draft")
}

func (s *RedisDraftStore) Close() error {
	return s.rdb.Close()
}
