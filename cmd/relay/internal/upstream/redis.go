package upstream

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/poscalfx/price-relay/pkg/models"
)

const (
	KeyPrefix     = models.SnapshotKeyPrefix
	ChannelPrefix = models.UpdateChannelPrefix
)

// Compile-time check to ensure RedisSource implements Source
var _ Source = (*RedisSource)(nil)

// RedisSource subscribes to the per-symbol channels the processor publishes on. Each
// symbol gets its own PubSub so it can be torn down independently.
type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (r *RedisSource) Name() string { return "redis" }

// Dial subscribes and waits for the confirmation before replaying the stored snapshot,
// so nothing published in between is lost.
func (r *RedisSource) Dial(ctx context.Context, symbol, channel string) (Stream, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	s := &pubsubStream{ps: ps}

	stored, err := r.client.Get(ctx, models.SnapshotKey(symbol)).Bytes()
	switch {
	case err == nil:
		s.pending = stored
	case errors.Is(err, redis.Nil):
	default:
		ps.Close()
		return nil, err
	}

	return s, nil
}

func (r *RedisSource) Parse(symbol string, payload []byte) (models.PriceSnapshot, error) {
	return parseRow(symbol, payload)
}

func (r *RedisSource) Close() error {
	return r.client.Close()
}

type pubsubStream struct {
	ps      *redis.PubSub
	pending []byte
}

func (s *pubsubStream) Next(ctx context.Context) ([]byte, error) {
	if s.pending != nil {
		b := s.pending
		s.pending = nil
		return b, nil
	}

	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *pubsubStream) Close() error {
	return s.ps.Close()
}
