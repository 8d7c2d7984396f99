package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/pkg/models"
)

var errStreamClosed = errors.New("stream closed")

// Listener is the subset of *pq.Listener the change feed needs.
type Listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

var _ Source = (*PostgresSource)(nil)

// PostgresSource is the database change-feed: a single shared LISTEN connection, one
// channel per symbol, NOTIFY payloads carrying price_cache rows.
//
// LISTEN and UNLISTEN run in order on one goroutine and never under mu, so a stalled
// database connection only delays dials, which give up at their deadline.
type PostgresSource struct {
	listener Listener
	logger   *zap.Logger

	mu       sync.Mutex
	channels map[string]*channelState
	ops      []listenOp
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

type channelState struct {
	streams map[*notifyStream]struct{}
	ready   chan struct{} // closed once LISTEN has returned
	err     error
}

// listenOp is a queued LISTEN (state set) or UNLISTEN (state nil).
type listenOp struct {
	channel string
	state   *channelState
}

// NewPostgresListener opens the shared pq listener with reconnect logging.
func NewPostgresListener(dsn string, logger *zap.Logger) *pq.Listener {
	return pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("Postgres change feed connected")
		case pq.ListenerEventDisconnected:
			logger.Warn("Postgres change feed disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info("Postgres change feed reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("Postgres change feed connection attempt failed", zap.Error(err))
		}
	})
}

func NewPostgresSource(listener Listener, logger *zap.Logger) *PostgresSource {
	s := &PostgresSource{
		listener: listener,
		logger:   logger,
		channels: make(map[string]*channelState),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.route()
	go s.runOps()
	return s
}

func (s *PostgresSource) Name() string { return "postgres" }

// Dial registers the stream and queues LISTEN when it is the first one on channel. It
// returns once LISTEN succeeded, failed, or ctx expired.
func (s *PostgresSource) Dial(ctx context.Context, _, channel string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, errStreamClosed
	default:
	}

	cs := s.channels[channel]
	if cs == nil {
		cs = &channelState{
			streams: make(map[*notifyStream]struct{}),
			ready:   make(chan struct{}),
		}
		s.channels[channel] = cs
		s.enqueueLocked(listenOp{channel: channel, state: cs})
	}

	st := &notifyStream{
		source:  s,
		channel: channel,
		state:   cs,
		ch:      make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	cs.streams[st] = struct{}{}
	s.mu.Unlock()

	select {
	case <-cs.ready:
		if cs.err != nil {
			_ = st.Close()
			return nil, cs.err
		}
		return st, nil
	case <-ctx.Done():
		_ = st.Close()
		return nil, ctx.Err()
	case <-s.done:
		_ = st.Close()
		return nil, errStreamClosed
	}
}

func (s *PostgresSource) Parse(symbol string, payload []byte) (models.PriceSnapshot, error) {
	return parseRow(symbol, payload)
}

// Close stops routing and closes the shared listener.
func (s *PostgresSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	return err
}

func (s *PostgresSource) route() {
	notify := s.listener.NotificationChannel()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-notify:
			if !ok {
				return
			}
			if n == nil {
				// Sent after a reconnect; notifications may have been missed.
				s.logger.Debug("Postgres change feed resynchronised")
				continue
			}
			s.deliver(n.Channel, []byte(n.Extra))
		}
	}
}

func (s *PostgresSource) deliver(channel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.channels[channel]
	if cs == nil {
		return
	}
	for st := range cs.streams {
		select {
		case st.ch <- payload:
		default:
			s.logger.Warn("Change feed stream full, dropping row", zap.String("channel", channel))
		}
	}
}

// release drops st and queues UNLISTEN when it was the last stream on its channel.
func (s *PostgresSource) release(st *notifyStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := st.state
	if _, ok := cs.streams[st]; !ok {
		return
	}
	delete(cs.streams, st)
	if len(cs.streams) > 0 || s.channels[st.channel] != cs {
		return
	}
	select {
	case <-cs.ready:
	default:
		// LISTEN still pending: listen cleans up if nobody joined by then.
		return
	}
	s.dropLocked(st.channel)
}

// dropLocked forgets channel and queues UNLISTEN.
func (s *PostgresSource) dropLocked(channel string) {
	delete(s.channels, channel)
	select {
	case <-s.done:
		return
	default:
	}
	s.enqueueLocked(listenOp{channel: channel})
}

func (s *PostgresSource) enqueueLocked(op listenOp) {
	s.ops = append(s.ops, op)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PostgresSource) runOps() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.ops) == 0 {
				s.mu.Unlock()
				break
			}
			op := s.ops[0]
			s.ops = s.ops[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}

			if op.state != nil {
				s.listen(op)
			} else {
				s.unlisten(op.channel)
			}
		}
	}
}

func (s *PostgresSource) listen(op listenOp) {
	err := s.listener.Listen(op.channel)
	if errors.Is(err, pq.ErrChannelAlreadyOpen) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("listen %s: %w", op.channel, err)
		s.logger.Warn("Change feed LISTEN failed", zap.String("channel", op.channel), zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	op.state.err = err
	close(op.state.ready)
	if s.channels[op.channel] != op.state {
		return
	}
	switch {
	case err != nil:
		delete(s.channels, op.channel)
	case len(op.state.streams) == 0:
		s.dropLocked(op.channel)
	}
}

func (s *PostgresSource) unlisten(channel string) {
	if err := s.listener.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		s.logger.Warn("Change feed UNLISTEN failed", zap.String("channel", channel), zap.Error(err))
	}
}

type notifyStream struct {
	source  *PostgresSource
	channel string
	state   *channelState
	ch      chan []byte
	closed  chan struct{}
	once    sync.Once
}

func (st *notifyStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-st.ch:
		return b, nil
	case <-st.closed:
		return nil, errStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *notifyStream) Close() error {
	st.once.Do(func() {
		close(st.closed)
		st.source.release(st)
	})
	return nil
}
