package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"collabtext/internal/ot"
	"collabtext/internal/wire"
)

const (
	contentTTL      = 1 * time.Hour
	participantsTTL = 24 * time.Hour
	dirtyKey        = "docs:dirty"
	commitRetries   = 16
)

// Redis is a Backend shared by every server instance pointing at the same
// Redis. Commits run as WATCH/MULTI transactions over the content and
// version keys, and the PUBLISH of the operation frame is part of the same
// MULTI, so every instance sees operations in commit order.
type Redis struct {
	rdb    *redis.Client
	loader Loader
}

// NewRedis returns a backend over rdb. loader, if non-nil, fills cache
// misses.
func NewRedis(rdb *redis.Client, loader Loader) *Redis {
	return &Redis{rdb: rdb, loader: loader}
}

// ConnectRedis dials addr and checks it answers.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 0})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// read returns the cached content and version, going to the loader when the
// content key has expired or was never set.
func (r *Redis) read(ctx context.Context, c mgetter, key DocKey) (string, int64, bool, error) {
	vals, err := c.MGet(ctx, key.contentKey(), key.versionKey()).Result()
	if err != nil {
		return "", 0, false, err
	}
	var version int64
	if s, ok := vals[1].(string); ok {
		if version, err = strconv.ParseInt(s, 10, 64); err != nil {
			return "", 0, false, fmt.Errorf("bad version for %s: %w", key, err)
		}
	}
	if s, ok := vals[0].(string); ok {
		return s, version, true, nil
	}
	content, err := load(ctx, r.loader, key)
	return content, version, false, err
}

func (r *Redis) Snapshot(ctx context.Context, key DocKey) (Snapshot, error) {
	content, version, cached, err := r.read(ctx, r.rdb, key)
	if err != nil {
		return Snapshot{}, err
	}
	if !cached {
		// Warm the cache; a concurrent commit wins if it got there first.
		if err := r.rdb.SetNX(ctx, key.contentKey(), content, contentTTL).Err(); err != nil {
			return Snapshot{}, err
		}
	}
	return Snapshot{Content: content, Version: version}, nil
}

func (r *Redis) Commit(ctx context.Context, key DocKey, origin string, edit EditFunc) (Commit, error) {
	var out Commit
	txf := func(tx *redis.Tx) error {
		current, version, _, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		op, err := edit(current)
		if err != nil {
			return err
		}
		next, err := ot.Apply(current, op)
		if err != nil {
			return err
		}
		version++
		payload, err := wire.Encode(wire.Operation(op, key.Document, origin, version))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key.contentKey(), next, contentTTL)
			// The version outlives the content so a reload from Postgres
			// never restarts numbering under connected clients.
			p.Set(ctx, key.versionKey(), version, 0)
			p.HSet(ctx, dirtyKey, key.String(), version)
			p.Publish(ctx, key.Channel(), payload)
			return nil
		})
		if err != nil {
			return err
		}
		out = Commit{Operation: op, Version: version, Content: next}
		return nil
	}

	for i := 0; i < commitRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key.contentKey(), key.versionKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Commit{}, err
		}
		return out, nil
	}
	return Commit{}, fmt.Errorf("%w: %s", ErrContended, key)
}

func (r *Redis) Publish(ctx context.Context, channel string, msg []byte) error {
	return r.rdb.Publish(ctx, channel, msg).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	// Wait for the confirmation so nothing published after we return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %v: %w", channels, err)
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, subscriptionBuffer), done: make(chan struct{})}
	go s.relay()
	return s, nil
}

func (r *Redis) Join(ctx context.Context, key DocKey, participant string) (int, error) {
	var card *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key.participantsKey(), participant)
		p.Expire(ctx, key.participantsKey(), participantsTTL)
		card = p.SCard(ctx, key.participantsKey())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (r *Redis) Leave(ctx context.Context, key DocKey, participant string) (int, error) {
	var card *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, key.participantsKey(), participant)
		card = p.SCard(ctx, key.participantsKey())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (r *Redis) Dirty(ctx context.Context) ([]DocKey, error) {
	fields, err := r.rdb.HKeys(ctx, dirtyKey).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]DocKey, 0, len(fields))
	for _, f := range fields {
		k, err := ParseDocKey(f)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// MarkClean drops key from the dirty set unless it was committed again
// after version.
func (r *Redis) MarkClean(ctx context.Context, key DocKey, version int64) error {
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, dirtyKey, key.String()).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if v != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, dirtyKey, key.String())
			return nil
		})
		return err
	}, dirtyKey)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone committed meanwhile; leave it dirty for the next pass.
		return nil
	}
	return err
}

// mgetter is satisfied by both *redis.Client and *redis.Tx.
type mgetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) relay() {
	defer close(s.ch)
	for m := range s.ps.Channel() {
		select {
		case s.ch <- []byte(m.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
