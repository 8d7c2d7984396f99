package hub_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/relay/internal/hub"
	"github.com/poscalfx/price-relay/cmd/relay/internal/protocol"
	"github.com/poscalfx/price-relay/cmd/relay/internal/testutils"
)

func TestFanout_DeliversToInterestedSessions(t *testing.T) {
	for _, name := range []string{"filtered", "group"} {
		t.Run(name, func(t *testing.T) {
			fanout, err := hub.FanoutByName(name)
			if err != nil {
				t.Fatalf("FanoutByName: %v", err)
			}
			up := testutils.NewMockUpstream(supported...)
			h := hub.NewHub(up, fanout, zap.NewNop())

			a := testutils.NewMockSession("a")
			b := testutils.NewMockSession("b")
			c := testutils.NewMockSession("c")
			g := testutils.NewMockGatewaySession("g")
			h.Join(a, true)
			h.Join(b, true)
			h.Join(c, true)
			h.Join(g, false)
			subscribe(h, a, "EUR/USD")
			subscribe(h, b, "BTC/USD")
			h.HandleGateway(g, protocol.GatewayRequest{Event: protocol.EventSubscribe, Data: "EUR/USD"})
			for _, s := range []*testutils.MockSession{a, b, c, g} {
				s.Reset()
			}

			up.Emit(tick("EUR/USD", 1.0850, time.Now()))

			if a.Count("update") != 1 {
				t.Errorf("a subscribed to EUR/USD and should get the update")
			}
			if b.Count("update") != 0 {
				t.Errorf("b subscribed to BTC/USD only, got %v", b.Messages)
			}
			if c.Count("update") != 1 {
				t.Errorf("c has no filter and should get every update")
			}
			if g.Count("price_update") != 1 {
				t.Errorf("gateway session should get a price_update event, got %v", g.Messages)
			}
		})
	}
}

func TestFanout_UnknownName(t *testing.T) {
	if _, err := hub.FanoutByName("broadcast"); err == nil {
		t.Error("Expected an error for an unknown fanout")
	}
}

func TestFanout_EncodesOncePerCodec(t *testing.T) {
	h, up := setup()
	a := testutils.NewMockSession("a")
	b := testutils.NewMockSession("b")
	h.Join(a, true)
	h.Join(b, true)
	a.Reset()
	b.Reset()

	up.Emit(tick("GBP/USD", 1.27, time.Now()))

	if len(a.Messages) != 1 || len(b.Messages) != 1 || a.Messages[0] != b.Messages[0] {
		t.Errorf("Sessions sharing a codec should receive identical frames: %v / %v", a.Messages, b.Messages)
	}
}
