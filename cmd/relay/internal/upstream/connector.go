package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/pkg/models"
)

var (
	ErrConnectorClosed = errors.New("connector closed")

	errSuperseded = errors.New("connection superseded")
)

// Source opens vendor connections and understands their payloads.
type Source interface {
	Name() string
	// Dial opens one upstream stream for symbol. It must honour ctx for the handshake.
	Dial(ctx context.Context, symbol, channel string) (Stream, error)
	Parse(symbol string, payload []byte) (models.PriceSnapshot, error)
	// Close releases resources shared by all streams.
	Close() error
}

// Stream is a single open upstream subscription.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	default:
		return "closed"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ConnInfo is a point-in-time view of one upstream connection.
type ConnInfo struct {
	Symbol     string    `json:"symbol"`
	Channel    string    `json:"channel"`
	Status     Status    `json:"status"`
	OpenedAt   time.Time `json:"opened_at"`
	Generation uint64    `json:"generation"`
}

type Options struct {
	ConnectTimeout  time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxRetryElapsed time.Duration // 0 retries while interest remains
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		MaxRetryElapsed: 2 * time.Minute,
	}
}

type conn struct {
	symbol   string
	channel  string
	gen      uint64
	cancel   context.CancelFunc
	status   Status
	openedAt time.Time
	notified bool
}

// Connector owns at most one upstream connection per symbol.
type Connector struct {
	source Source
	table  SymbolTable
	opts   Options
	logger *zap.Logger

	onPrice       func(p models.PriceSnapshot, current func() bool)
	onUnavailable func(symbol string, err error)

	mu     sync.Mutex
	conns  map[string]*conn
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

func NewConnector(source Source, table SymbolTable, opts Options, logger *zap.Logger) *Connector {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}

	return &Connector{
		source:        source,
		table:         table,
		opts:          opts,
		logger:        logger.With(zap.String("source", source.Name())),
		onPrice:       func(models.PriceSnapshot, func() bool) {},
		onUnavailable: func(string, error) {},
		conns:         make(map[string]*conn),
	}
}

// Bind sets the callbacks for parsed prices and failed connects. Call before the first
// EnsureConnected. onPrice receives a current func which must be checked under whatever
// lock serialises the receiver's Teardown calls; ticks for which it reports false are
// from a torn-down generation.
func (c *Connector) Bind(onPrice func(p models.PriceSnapshot, current func() bool), onUnavailable func(symbol string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPrice = onPrice
	c.onUnavailable = onUnavailable
}

func (c *Connector) Supports(symbol string) bool {
	_, ok := c.table.Channel(symbol)
	return ok
}

// EnsureConnected starts a connection for symbol unless one exists. It never blocks on
// the network: dialing happens on the connection's own goroutine.
func (c *Connector) EnsureConnected(symbol string) error {
	channel, ok := c.table.Channel(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectorClosed
	}
	if _, ok := c.conns[symbol]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	uc := &conn{
		symbol:  symbol,
		channel: channel,
		gen:     c.gen,
		cancel:  cancel,
		status:  StatusConnecting,
	}
	c.conns[symbol] = uc

	c.logger.Info("Opening upstream", zap.String("symbol", symbol), zap.String("channel", channel), zap.Uint64("gen", uc.gen))

	c.wg.Add(1)
	go c.run(ctx, uc)
	return nil
}

// Teardown closes the connection for symbol if there is one.
func (c *Connector) Teardown(symbol string) {
	c.mu.Lock()
	uc, ok := c.conns[symbol]
	if ok {
		delete(c.conns, symbol)
		uc.status = StatusClosing
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info("Closing upstream", zap.String("symbol", symbol), zap.Uint64("gen", uc.gen))
		uc.cancel()
	}
}

// Conns lists the live connections.
func (c *Connector) Conns() []ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ConnInfo, 0, len(c.conns))
	for _, uc := range c.conns {
		out = append(out, ConnInfo{
			Symbol:     uc.symbol,
			Channel:    uc.channel,
			Status:     uc.status,
			OpenedAt:   uc.openedAt,
			Generation: uc.gen,
		})
	}
	return out
}

// Close tears down every connection, waits for their goroutines (bounded by ctx) and
// closes the source.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*conn)
	for _, uc := range conns {
		uc.status = StatusClosing
		uc.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for upstream goroutines: %w", ctx.Err())
	}

	return errors.Join(waitErr, c.source.Close())
}

func (c *Connector) run(ctx context.Context, uc *conn) {
	defer c.wg.Done()
	defer c.finish(uc)

	policy := c.newBackoff()
	for {
		delivered, err := c.session(ctx, uc)
		if ctx.Err() != nil || errors.Is(err, errSuperseded) {
			return
		}
		if delivered {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Warn("Giving up on upstream until the next subscribe", zap.String("symbol", uc.symbol), zap.Error(err))
			c.notifyUnavailable(uc, err)
			return
		}

		c.logger.Warn("Upstream connection lost, retrying", zap.String("symbol", uc.symbol), zap.Duration("backoff", wait), zap.Error(err))
		c.setStatus(uc, StatusConnecting)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and pumps messages until the stream fails. delivered reports
// whether at least one price made it through.
func (c *Connector) session(ctx context.Context, uc *conn) (delivered bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	stream, err := c.source.Dial(dialCtx, uc.symbol, uc.channel)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			c.notifyUnavailable(uc, err)
		}
		return false, fmt.Errorf("dial %s: %w", uc.channel, err)
	}

	// Teardown cancels ctx; closing the stream unblocks a pending Next.
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer func() {
		if stop() {
			_ = stream.Close()
		}
	}()

	c.markOpen(uc)
	c.logger.Info("Upstream open", zap.String("symbol", uc.symbol), zap.Uint64("gen", uc.gen))

	for {
		payload, err := stream.Next(ctx)
		if err != nil {
			return delivered, err
		}

		snap, err := c.source.Parse(uc.symbol, payload)
		if err != nil {
			c.logger.Warn("Dropping unparseable upstream message", zap.String("symbol", uc.symbol), zap.Error(err))
			continue
		}
		if !c.emit(uc, snap) {
			return delivered, errSuperseded
		}
		delivered = true
	}
}

// emit hands snap to the price callback unless uc has been superseded.
func (c *Connector) emit(uc *conn, snap models.PriceSnapshot) bool {
	if !c.current(uc) {
		return false
	}
	c.mu.Lock()
	onPrice := c.onPrice
	c.mu.Unlock()
	onPrice(snap, func() bool { return c.current(uc) })
	return true
}

// current reports whether uc is still the live connection for its symbol.
func (c *Connector) current(uc *conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.conns[uc.symbol]
	return ok && cur == uc && uc.status != StatusClosing
}

// notifyUnavailable reports the first failure of an outage only.
func (c *Connector) notifyUnavailable(uc *conn, err error) {
	c.mu.Lock()
	if uc.notified {
		c.mu.Unlock()
		return
	}
	uc.notified = true
	onUnavailable := c.onUnavailable
	c.mu.Unlock()

	c.logger.Warn("Upstream unavailable", zap.String("symbol", uc.symbol), zap.Error(err))
	onUnavailable(uc.symbol, err)
}

func (c *Connector) markOpen(uc *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uc.openedAt = time.Now()
	uc.notified = false
	if uc.status == StatusConnecting {
		uc.status = StatusOpen
	}
}

func (c *Connector) setStatus(uc *conn, s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uc.status != StatusClosing {
		uc.status = s
	}
}

// finish drops the map entry if it still belongs to this generation, so a later
// EnsureConnected can re-open.
func (c *Connector) finish(uc *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.conns[uc.symbol]; ok && cur == uc {
		delete(c.conns, uc.symbol)
	}
	uc.status = StatusClosed
	uc.cancel()
}

func (c *Connector) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = c.opts.MaxRetryElapsed
	b.Reset()
	return b
}
