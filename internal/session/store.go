package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("karol.internal.session")

// DefaultTTL bounds how long a phone keeps its remote chat id. Conversations
// idle past this window start a fresh chat with the conversational backend.
const DefaultTTL = 720 * time.Hour

const lockStripes = 64

// Store maps a channel identity (phone) to the remote chat id assigned by the
// conversational-AI backend, backed by Redis so multi-turn context survives
// restarts. Get-or-create is serialized per phone so concurrent first turns
// from the same sender cannot race two chat ids into existence.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
	locks [lockStripes]sync.Mutex
}

// NewStore builds a session store. A non-positive ttl falls back to DefaultTTL.
func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	if redisClient == nil {
		panic("session: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{redis: redisClient, ttl: ttl}
}

// GetOrCreate returns the chat id for phone, invoking create exactly once per
// phone when no id exists yet. N concurrent calls for a new phone yield one
// created id and N reads of it.
func (s *Store) GetOrCreate(ctx context.Context, phone string, create func(ctx context.Context) (string, error)) (string, error) {
	ctx, span := tracer.Start(ctx, "session.get_or_create")
	defer span.End()
	span.SetAttributes(attribute.String("karol.phone_hash", hashTag(phone)))

	key := chatKey(phone)

	// Fast path: the common multi-turn case needs no lock.
	chatID, err := s.redis.Get(ctx, key).Result()
	if err == nil {
		return chatID, nil
	}
	if err != redis.Nil {
		span.RecordError(err)
		return "", fmt.Errorf("session: failed to load chat id: %w", err)
	}

	lock := &s.locks[stripeFor(phone)]
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: another pipeline run may have created the
	// chat while this one waited.
	chatID, err = s.redis.Get(ctx, key).Result()
	if err == nil {
		return chatID, nil
	}
	if err != redis.Nil {
		span.RecordError(err)
		return "", fmt.Errorf("session: failed to load chat id: %w", err)
	}

	chatID, err = create(ctx)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("session: chat creation failed: %w", err)
	}

	// SetNX keeps the first writer authoritative even across processes.
	created, err := s.redis.SetNX(ctx, key, chatID, s.ttl).Result()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("session: failed to persist chat id: %w", err)
	}
	if !created {
		existing, err := s.redis.Get(ctx, key).Result()
		if err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("session: failed to re-load chat id: %w", err)
		}
		return existing, nil
	}
	return chatID, nil
}

// Remember overwrites the chat id for phone and resets its TTL.
func (s *Store) Remember(ctx context.Context, phone, chatID string) error {
	if err := s.redis.Set(ctx, chatKey(phone), chatID, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: failed to remember chat id: %w", err)
	}
	return nil
}

// Forget drops the chat id for phone, forcing a fresh chat on the next turn.
func (s *Store) Forget(ctx context.Context, phone string) error {
	if err := s.redis.Del(ctx, chatKey(phone)).Err(); err != nil {
		return fmt.Errorf("session: failed to forget chat id: %w", err)
	}
	return nil
}

func chatKey(phone string) string {
	return fmt.Sprintf("karol:chat:%s", phone)
}

func stripeFor(phone string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(phone))
	return h.Sum32() % lockStripes
}

// hashTag keeps phone numbers out of trace attributes.
func hashTag(phone string) string {
	h := fnv.New32a()
	h.Write([]byte(phone))
	return fmt.Sprintf("%08x", h.Sum32())
}
