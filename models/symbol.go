package models

// Pair holds the base and quote currency codes extracted from an
// exchange-native symbol.
type Pair struct {
	BaseID  string
	QuoteID string
}

// SymbolInfo is one row of the symbol_exchange table.
type SymbolInfo struct {
	Exchange string
	BaseID   string
	QuoteID  string
	Symbol   string
}

// SymbolMap maps exchange-native symbols to their currency pair, as
// returned by symbol-universe discovery.
type SymbolMap map[string]Pair

// Symbols returns the map keys in unspecified order.
func (m SymbolMap) Symbols() []string {
	out := make([]string, 0, len(m))
	for sym := range m {
		out = append(out, sym)
	}
	return out
}
