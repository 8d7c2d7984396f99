package generator

import (
	"context"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"
)

// for deterministic testing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// for deterministic values
type Rand interface {
	Intn(n int) int
	Float64() float64
}

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaDialer interface {
	DialContext(ctx context.Context, network, address string) (KafkaConn, error)
}

type KafkaConn interface {
	Controller() (kafka.Broker, error)
	Close() error
	CreateTopics(topics ...kafka.TopicConfig) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

type RealRand struct{ *rand.Rand }

func NewRealRand() RealRand { return RealRand{rand.New(rand.NewSource(time.Now().UnixNano()))} }

func (r RealRand) Intn(n int) int   { return r.Rand.Intn(n) }
func (r RealRand) Float64() float64 { return r.Rand.Float64() }

var _ KafkaConn = (*kafka.Conn)(nil)

// KafkaDialerFunc adapts a *kafka.Dialer: its connections already satisfy KafkaConn.
type KafkaDialerFunc func(ctx context.Context, network, address string) (*kafka.Conn, error)

func (f KafkaDialerFunc) DialContext(ctx context.Context, network, address string) (KafkaConn, error) {
	conn, err := f(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
