package hub

import "fmt"

// Fanout picks the recipients of an update for symbol. It runs with the hub lock held
// and must only read hub state.
type Fanout func(h *Hub, symbol string, visit func(Session))

// FilteredFanout walks every session and checks its filter.
func FilteredFanout(h *Hub, symbol string, visit func(Session)) {
	for s, st := range h.sessions {
		if st.wildcard {
			visit(s)
			continue
		}
		if _, ok := st.symbols[symbol]; ok {
			visit(s)
		}
	}
}

// GroupFanout sends to the symbol's member group plus the unfiltered sessions.
func GroupFanout(h *Hub, symbol string, visit func(Session)) {
	for s := range h.subscribers[symbol] {
		visit(s)
	}
	for s := range h.wildcards {
		visit(s)
	}
}

func FanoutByName(name string) (Fanout, error) {
	switch name {
	case "filtered":
		return FilteredFanout, nil
	case "group":
		return GroupFanout, nil
	default:
		return nil, fmt.Errorf("unknown fanout %q", name)
	}
}
