package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/av-fleet/internal/models"
)

var ErrBufferFull = errors.New("handoff buffer full")

// Buffer is a FIFO of deferred handoffs per target region. The head is
// peeked, processed, and only then popped, so a crash mid-drain never
// loses an entry.
type Buffer interface {
	Enqueue(ctx context.Context, e models.BufferEntry) error
	Peek(ctx context.Context, target string) (*models.BufferEntry, error)
	Pop(ctx context.Context, target string) error
	// UpdateHead rewrites the head entry in place (attempt counting).
	UpdateHead(ctx context.Context, target string, e models.BufferEntry) error
	Len(ctx context.Context, target string) (int, error)
}

// MemoryBuffer is process-local. Buffered handoffs are lost if the
// coordinator crashes; deployments that care configure Redis instead.
type MemoryBuffer struct {
	mu     sync.Mutex
	queues map[string][]models.BufferEntry
	max    int
}

func NewMemoryBuffer(maxPerRegion int) *MemoryBuffer {
	return &MemoryBuffer{queues: make(map[string][]models.BufferEntry), max: maxPerRegion}
}

func (b *MemoryBuffer) Enqueue(ctx context.Context, e models.BufferEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.queues[e.Target]) >= b.max {
		return ErrBufferFull
	}
	b.queues[e.Target] = append(b.queues[e.Target], e)
	return nil
}

func (b *MemoryBuffer) Peek(ctx context.Context, target string) (*models.BufferEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[target]
	if len(q) == 0 {
		return nil, nil
	}
	e := q[0]
	return &e, nil
}

func (b *MemoryBuffer) Pop(ctx context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[target]
	if len(q) == 0 {
		return nil
	}
	b.queues[target] = q[1:]
	return nil
}

func (b *MemoryBuffer) UpdateHead(ctx context.Context, target string, e models.BufferEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[target]
	if len(q) == 0 {
		return errors.New("empty buffer")
	}
	q[0] = e
	return nil
}

func (b *MemoryBuffer) Len(ctx context.Context, target string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[target]), nil
}

// RedisBuffer keeps one Redis list per target region, so buffered
// handoffs survive a coordinator restart.
type RedisBuffer struct {
	client *redis.Client
	max    int64
}

func NewRedisBuffer(addr, password string, maxPerRegion int) *RedisBuffer {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisBuffer{client: c, max: int64(maxPerRegion)}
}

func bufferKey(target string) string { return "handoff:buffer:" + target }

func (b *RedisBuffer) Enqueue(ctx context.Context, e models.BufferEntry) error {
	key := bufferKey(e.Target)
	if b.max > 0 {
		n, err := b.client.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n >= b.max {
			return ErrBufferFull
		}
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.RPush(ctx, key, payload).Err()
}

func (b *RedisBuffer) Peek(ctx context.Context, target string) (*models.BufferEntry, error) {
	raw, err := b.client.LIndex(ctx, bufferKey(target), 0).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e models.BufferEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("corrupt buffer entry for %s: %w", target, err)
	}
	return &e, nil
}

func (b *RedisBuffer) Pop(ctx context.Context, target string) error {
	err := b.client.LPop(ctx, bufferKey(target)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (b *RedisBuffer) UpdateHead(ctx context.Context, target string, e models.BufferEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.LSet(ctx, bufferKey(target), 0, payload).Err()
}

func (b *RedisBuffer) Len(ctx context.Context, target string) (int, error) {
	n, err := b.client.LLen(ctx, bufferKey(target)).Result()
	return int(n), err
}

func (b *RedisBuffer) Close() error { return b.client.Close() }
