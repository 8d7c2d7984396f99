package upstream

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrUnsupportedSymbol = errors.New("symbol not supported")

// SymbolTable maps an internal symbol ("EUR/USD") to the channel the upstream knows it by.
type SymbolTable map[string]string

// BinanceSymbols lists the USDT-quoted ticker streams used as forex proxies.
var BinanceSymbols = SymbolTable{
	"EUR/USD": "EURUSDT",
	"GBP/USD": "GBPUSDT",
	"USD/JPY": "USDTJPY",
	"AUD/USD": "AUDUSDT",
	"USD/CAD": "USDTCAD",
	"USD/CHF": "USDTCHF",
	"NZD/USD": "NZDUSDT",
	"EUR/GBP": "EURGBP",
	"EUR/JPY": "EURJPY",
	"GBP/JPY": "GBPJPY",
	"BTC/USD": "BTCUSDT",
	"ETH/USD": "ETHUSDT",
}

func (t SymbolTable) Channel(symbol string) (string, bool) {
	ch, ok := t[symbol]
	return ch, ok
}

// Symbols returns the supported symbols in lexical order.
func (t SymbolTable) Symbols() []string {
	out := make([]string, 0, len(t))
	for sym := range t {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// PrefixedTable builds a table whose channels are prefix+symbol, the layout used by
// the redis and postgres feeds.
func PrefixedTable(prefix string, symbols []string) SymbolTable {
	t := make(SymbolTable, len(symbols))
	for _, sym := range symbols {
		t[sym] = prefix + sym
	}
	return t
}

// LoadSymbolTable reads a YAML mapping of symbol to channel, e.g.
//
//	EUR/USD: EURUSDT
//	GBP/USD: GBPUSDT
func LoadSymbolTable(path string) (SymbolTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}

	var t SymbolTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse symbols file %s: %w", path, err)
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("symbols file %s is empty", path)
	}
	return t, nil
}
