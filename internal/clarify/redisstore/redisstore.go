// Package redisstore keeps clarification sessions in Redis so any instance can
// answer a clarification opened by another.
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/clarify"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// Store implements clarify.Store. Each session lives under its own key with a
// TTL matching its expiry; a per-user pointer key tracks the user's one open session.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ clarify.Store = (*Store)(nil)

func New(client *redis.Client) *Store {
	return &Store{client: client, prefix: "clarify", now: time.Now}
}

// Conn dials Redis from config and verifies it answers PING.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		DialTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

func (s *Store) sessionKey(k clarify.Key) string {
	sum := sha256.Sum256([]byte(k.Query))
	return fmt.Sprintf("%s:session:%s:%s", s.prefix, k.UserID, hex.EncodeToString(sum[:]))
}

func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, userID)
}

func (s *Store) Put(ctx context.Context, sess *clarify.Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	sk := s.sessionKey(sess.Key)
	uk := s.userKey(sess.Key.UserID)

	txf := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, uk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if prev != "" && prev != sk {
				p.Del(ctx, prev)
			}
			p.Set(ctx, sk, data, ttl)
			p.Set(ctx, uk, sk, ttl)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, uk)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("put session: %w", err)
}

func (s *Store) Take(ctx context.Context, key clarify.Key) (*clarify.Session, error) {
	sk := s.sessionKey(key)
	raw, err := s.client.GetDel(ctx, sk).Result()
	if errors.Is(err, redis.Nil) {
		return nil, clarify.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if sess.ExpiredAt(s.now()) {
		return nil, clarify.ErrNotFound
	}
	return sess, nil
}

func (s *Store) Peek(ctx context.Context, userID string) (*clarify.Session, error) {
	sk, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, clarify.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, sk).Result()
	if errors.Is(err, redis.Nil) {
		return nil, clarify.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *Store) CancelUser(ctx context.Context, userID string) (bool, error) {
	uk := s.userKey(userID)
	sk, err := s.client.GetDel(ctx, uk).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := s.client.Del(ctx, sk).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func decode(raw string) (*clarify.Session, error) {
	var sess clarify.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
