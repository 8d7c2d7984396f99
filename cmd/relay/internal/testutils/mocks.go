package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/poscalfx/price-relay/cmd/relay/internal/protocol"
	"github.com/poscalfx/price-relay/cmd/relay/internal/upstream"
	"github.com/poscalfx/price-relay/pkg/models"
)

// MockSession simulates a connected downstream client
type MockSession struct {
	IDVal    string
	CodecVal protocol.Codec
	Messages []string
	Closed   bool
	SendErr  error // when set, every Send fails with it
	Mu       sync.Mutex
}

func NewMockSession(id string) *MockSession {
	return &MockSession{IDVal: id, CodecVal: protocol.RelayCodec{}}
}

func NewMockGatewaySession(id string) *MockSession {
	return &MockSession{IDVal: id, CodecVal: protocol.GatewayCodec{}}
}

func (m *MockSession) ID() string            { return m.IDVal }
func (m *MockSession) Codec() protocol.Codec { return m.CodecVal }

func (m *MockSession) Send(msg []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Messages = append(m.Messages, string(msg))
	return nil
}

func (m *MockSession) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

// Decoded returns every message decoded as a generic JSON object.
func (m *MockSession) Decoded() []map[string]interface{} {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	out := make([]map[string]interface{}, 0, len(m.Messages))
	for _, raw := range m.Messages {
		var v map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Count returns how many messages carry the given "type" (relay) or "event" (gateway).
func (m *MockSession) Count(kind string) int {
	n := 0
	for _, msg := range m.Decoded() {
		if msg["type"] == kind || msg["event"] == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent decoded message, or nil.
func (m *MockSession) Last() map[string]interface{} {
	all := m.Decoded()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (m *MockSession) Reset() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Messages = nil
}

// MockUpstream simulates the connector
type MockUpstream struct {
	Supported   map[string]bool
	Open        map[string]bool
	Opens       map[string]int // fresh connections per symbol
	EnsureCalls int
	Teardowns   map[string]int
	Mu          sync.Mutex

	onPrice       func(models.PriceSnapshot, func() bool)
	onUnavailable func(string, error)
}

func NewMockUpstream(symbols ...string) *MockUpstream {
	m := &MockUpstream{
		Supported: make(map[string]bool),
		Open:      make(map[string]bool),
		Opens:     make(map[string]int),
		Teardowns: make(map[string]int),
	}
	for _, s := range symbols {
		m.Supported[s] = true
	}
	return m
}

func (m *MockUpstream) Bind(onPrice func(models.PriceSnapshot, func() bool), onUnavailable func(string, error)) {
	m.onPrice = onPrice
	m.onUnavailable = onUnavailable
}

func (m *MockUpstream) Supports(symbol string) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Supported[symbol]
}

func (m *MockUpstream) EnsureConnected(symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.EnsureCalls++
	if !m.Supported[symbol] {
		return errors.New("unsupported")
	}
	if !m.Open[symbol] {
		m.Open[symbol] = true
		m.Opens[symbol]++
	}
	return nil
}

func (m *MockUpstream) Teardown(symbol string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Open[symbol] {
		delete(m.Open, symbol)
		m.Teardowns[symbol]++
	}
}

func (m *MockUpstream) IsOpen(symbol string) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Open[symbol]
}

func (m *MockUpstream) OpenCount(symbol string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Opens[symbol]
}

// Emit pushes a tick as if it came from the feed.
func (m *MockUpstream) Emit(p models.PriceSnapshot) {
	m.onPrice(p, func() bool { return true })
}

// EmitSuperseded pushes a tick from a connection that has since been torn down.
func (m *MockUpstream) EmitSuperseded(p models.PriceSnapshot) {
	m.onPrice(p, func() bool { return false })
}

// Fail reports the symbol as unavailable.
func (m *MockUpstream) Fail(symbol string, err error) { m.onUnavailable(symbol, err) }

// FakeSource is an in-memory upstream.Source. Payloads are models.PriceSnapshot JSON.
type FakeSource struct {
	DialErr error
	Block   bool // Dial waits for ctx to expire

	Mu      sync.Mutex
	Dials   map[string]int
	Streams map[string][]*FakeStream
	Closed  bool
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		Dials:   make(map[string]int),
		Streams: make(map[string][]*FakeStream),
	}
}

func (f *FakeSource) Name() string { return "fake" }

var _ upstream.Source = (*FakeSource)(nil)

func (f *FakeSource) Dial(ctx context.Context, symbol, _ string) (upstream.Stream, error) {
	f.Mu.Lock()
	f.Dials[symbol]++
	dialErr, block := f.DialErr, f.Block
	f.Mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if dialErr != nil {
		return nil, dialErr
	}

	s := &FakeStream{ch: make(chan []byte, 16), done: make(chan struct{})}
	f.Mu.Lock()
	f.Streams[symbol] = append(f.Streams[symbol], s)
	f.Mu.Unlock()
	return s, nil
}

func (f *FakeSource) Parse(symbol string, payload []byte) (models.PriceSnapshot, error) {
	var p models.PriceSnapshot
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, err
	}
	p.Symbol = symbol
	return p, nil
}

func (f *FakeSource) Close() error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Closed = true
	return nil
}

func (f *FakeSource) DialCount(symbol string) int {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.Dials[symbol]
}

// Latest returns the newest stream opened for symbol.
func (f *FakeSource) Latest(symbol string) *FakeStream {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	streams := f.Streams[symbol]
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

type FakeStream struct {
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (s *FakeStream) Push(payload []byte) { s.ch <- payload }

// Drop simulates the vendor closing the connection.
func (s *FakeStream) Drop() { s.Close() }

func (s *FakeStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.ch:
		return b, nil
	case <-s.done:
		return nil, errors.New("stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *FakeStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *FakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
