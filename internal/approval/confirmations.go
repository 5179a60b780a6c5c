package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultConfirmationTTL bounds how long an ad hoc confirmation can be answered.
const DefaultConfirmationTTL = 10 * time.Minute

// Confirmation is an action the model asked the user to approve mid-conversation.
type Confirmation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ChatID    string    `json:"chat_id"`
	Channel   string    `json:"channel"`
	Action    string    `json:"action"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfirmationStore records confirmations until they are answered or expire.
type ConfirmationStore interface {
	// Create assigns an ID and stores c.
	Create(ctx context.Context, c Confirmation) (string, error)
	// Take consumes the confirmation. ok is false when it was already
	// resolved or has expired.
	Take(ctx context.Context, id string) (c Confirmation, ok bool, err error)
	Close() error
}

// MemoryConfirmations keeps confirmations in process memory.
type MemoryConfirmations struct {
	store *TTLStore[Confirmation]
}

// NewMemoryConfirmations creates an in-memory store.
func NewMemoryConfirmations(ttl time.Duration) *MemoryConfirmations {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &MemoryConfirmations{store: NewTTLStore[Confirmation](ttl)}
}

// Create implements ConfirmationStore.
func (m *MemoryConfirmations) Create(ctx context.Context, c Confirmation) (string, error) {
	c.ID = newConfirmationID()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.store.Put(c.ID, c)
	return c.ID, nil
}

// Take implements ConfirmationStore.
func (m *MemoryConfirmations) Take(ctx context.Context, id string) (Confirmation, bool, error) {
	c, ok := m.store.Take(id)
	return c, ok, nil
}

// Close implements ConfirmationStore.
func (m *MemoryConfirmations) Close() error {
	m.store.Close()
	return nil
}

// RedisConfirmations shares confirmations between gateway replicas.
// Expiry uses Redis key TTLs and consumption uses GETDEL.
type RedisConfirmations struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisConfirmations connects to addr and verifies the connection.
func NewRedisConfirmations(ctx context.Context, addr string, ttl time.Duration) (*RedisConfirmations, error) {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisConfirmations{client: client, ttl: ttl, prefix: "capclaw:confirm:"}, nil
}

// Create implements ConfirmationStore.
func (r *RedisConfirmations) Create(ctx context.Context, c Confirmation) (string, error) {
	c.ID = newConfirmationID()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, r.prefix+c.ID, data, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("store confirmation: %w", err)
	}
	return c.ID, nil
}

// Take implements ConfirmationStore.
func (r *RedisConfirmations) Take(ctx context.Context, id string) (Confirmation, bool, error) {
	data, err := r.client.GetDel(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Confirmation{}, false, nil
	}
	if err != nil {
		return Confirmation{}, false, fmt.Errorf("take confirmation: %w", err)
	}
	var c Confirmation
	if err := json.Unmarshal(data, &c); err != nil {
		return Confirmation{}, false, fmt.Errorf("decode confirmation: %w", err)
	}
	return c, true, nil
}

// Close implements ConfirmationStore.
func (r *RedisConfirmations) Close() error {
	return r.client.Close()
}

func newConfirmationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
