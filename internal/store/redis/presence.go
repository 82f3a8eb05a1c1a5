// Package redisstore mirrors presence transitions into Redis so that other
// processes can observe who is online on this relay.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/presence-relay/backend/internal/model/presence"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects and pings Redis.
func Dial(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

// Key returns the presence key for username: im:presence:<user>.
func Key(username string) string { return "im:presence:" + username }

// Update is one presence transition to mirror.
type Update struct {
	Record  presence.Record
	Offline bool
}

// Source lists the users currently online. The session registry implements it.
type Source interface {
	UniquePresenceList() []presence.Record
}

// PresenceMirror applies updates in order from a single worker. When a source
// is set the worker also rewrites every online user's key at half the TTL, so
// keys only expire for users this process stopped tracking.
type PresenceMirror struct {
	client *redis.Client
	source Source
	ttl    time.Duration
	queue  chan Update
	log    *zap.Logger
}

// NewPresenceMirror builds a mirror with a bounded queue. source may be nil.
func NewPresenceMirror(client *redis.Client, source Source, ttl time.Duration, queueSize int, log *zap.Logger) *PresenceMirror {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceMirror{
		client: client,
		source: source,
		ttl:    ttl,
		queue:  make(chan Update, queueSize),
		log:    log,
	}
}

// Publish enqueues u without blocking. It returns false when the queue is full.
func (m *PresenceMirror) Publish(u Update) bool {
	select {
	case m.queue <- u:
		return true
	default:
		m.log.Warn("presence mirror queue full, dropping update", zap.String("username", u.Record.Username))
		return false
	}
}

// Run drains the queue until ctx is done.
func (m *PresenceMirror) Run(ctx context.Context) error {
	var refresh <-chan time.Time
	if m.source != nil {
		ticker := time.NewTicker(m.ttl / 2)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh:
			if err := m.Refresh(ctx); err != nil {
				m.log.Warn("presence mirror refresh failed", zap.Error(err))
			}
		case u := <-m.queue:
			if err := m.Apply(ctx, u); err != nil {
				m.log.Warn("presence mirror write failed", zap.String("username", u.Record.Username), zap.Error(err))
			}
		}
	}
}

// Apply writes a single update synchronously.
func (m *PresenceMirror) Apply(ctx context.Context, u Update) error {
	key := Key(u.Record.Username)
	if u.Offline {
		return errors.Wrap(m.client.Del(ctx, key).Err(), "delete presence")
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		m.write(ctx, pipe, u.Record)
		return nil
	})
	return errors.Wrap(err, "write presence")
}

// Refresh rewrites the key of every user the source reports online and
// restarts its TTL.
func (m *PresenceMirror) Refresh(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	records := m.source.UniquePresenceList()
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			m.write(ctx, pipe, rec)
		}
		return nil
	})
	return errors.Wrap(err, "refresh presence")
}

func (m *PresenceMirror) write(ctx context.Context, pipe redis.Pipeliner, rec presence.Record) {
	key := Key(rec.Username)
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":       string(rec.Status),
		"connections":  strconv.Itoa(rec.Connections),
		"lastSeen":     rec.LastSeen.UTC().Format(time.RFC3339Nano),
		"customStatus": rec.CustomStatus,
	})
	pipe.Expire(ctx, key, m.ttl)
}
