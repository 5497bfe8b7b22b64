package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/sessionkit/core/logger"
	"github.com/dmitrymomot/sessionkit/core/session"
)

var _ session.Backend = (*Store)(nil)

// Record hash fields.
const (
	fieldData      = "data"
	fieldExpiry    = "expiry"
	fieldLastNode  = "last_node"
	fieldLastSaved = "last_saved"
)

// Store keeps each session as a hash at <prefix>session:<id>. Mortal sessions
// are indexed by expiry in the sorted set <prefix>expiry and every id is a
// member of <prefix>ids.
type Store struct {
	client redis.UniversalClient
	prefix string
	node   string
	logger *slog.Logger
}

// New creates a Redis backed session store.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultConfig().KeyPrefix,
		node:   defaultNodeName(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig creates a store from configuration.
func NewFromConfig(cfg Config, client redis.UniversalClient, opts ...Option) *Store {
	return New(client, append([]Option{WithKeyPrefix(cfg.KeyPrefix), WithNodeName(cfg.NodeName)}, opts...)...)
}

func (s *Store) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *Store) expiryKey() string           { return s.prefix + "expiry" }
func (s *Store) idsKey() string              { return s.prefix + "ids" }

func (s *Store) Load(ctx context.Context, id string) (*session.Data, error) {
	raw, err := s.client.HGet(ctx, s.sessionKey(id), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session.UnmarshalData(raw)
}

// Store writes the record and its index entries in one MULTI/EXEC block.
func (s *Store) Store(ctx context.Context, id string, data *session.Data, _ time.Time) error {
	raw, err := session.MarshalData(data)
	if err != nil {
		return err
	}
	expiry := session.ExpiryMillis(data)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(id),
			fieldData, raw,
			fieldExpiry, expiry,
			fieldLastNode, s.node,
			fieldLastSaved, data.LastSaved().UnixMilli(),
		)
		if expiry == 0 {
			pipe.ZRem(ctx, s.expiryKey(), id)
		} else {
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(expiry), Member: id})
		}
		pipe.SAdd(ctx, s.idsKey(), id)
		return nil
	})
	if err != nil {
		return errors.Join(session.ErrUnwritableData, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.sessionKey(id))
		pipe.ZRem(ctx, s.expiryKey(), id)
		pipe.SRem(ctx, s.idsKey(), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	expiry, err := s.client.HGet(ctx, s.sessionKey(id), fieldExpiry).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expiry == 0 || expiry > time.Now().UnixMilli(), nil
}

// CheckExpired fetches the expiry of every candidate in a single round trip.
func (s *Store) CheckExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(candidates))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range candidates {
			cmds[i] = pipe.HGet(ctx, s.sessionKey(id), fieldExpiry)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var expired []string
	for i, cmd := range cmds {
		expiry, err := cmd.Int64()
		switch {
		case errors.Is(err, redis.Nil):
			expired = append(expired, candidates[i])
		case err != nil:
			return nil, err
		case expiry != 0 && expiry <= now.UnixMilli():
			expired = append(expired, candidates[i])
		}
	}
	return expired, nil
}

// Expired returns sessions last written by this node that expired before the given time.
func (s *Store) Expired(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := s.expiredBefore(ctx, before)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.sessionKey(id), fieldLastNode)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var owned []string
	for i, cmd := range cmds {
		if cmd.Val() == s.node {
			owned = append(owned, ids[i])
		}
	}
	return owned, nil
}

// CleanOrphans deletes every session that expired before the given time.
func (s *Store) CleanOrphans(ctx context.Context, before time.Time) error {
	ids, err := s.expiredBefore(ctx, before)
	if err != nil || len(ids) == 0 {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.sessionKey(id))
		}
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.ZRem(ctx, s.expiryKey(), members...)
		pipe.SRem(ctx, s.idsKey(), members...)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "removed orphaned sessions",
		logger.Component("session-redis"),
		logger.Count("sessions", len(ids)))
	return nil
}

func (s *Store) AllSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) expiredBefore(ctx context.Context, before time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
}
