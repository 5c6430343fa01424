// Package symbol normalizes futures symbols to the exchange-native form
// ("BTCUSDT") used throughout the orchestrator.
package symbol

import (
	"strings"
)

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Exchange() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Parse accepts "BTC/USDT", "BTC/USDT:USDT", "btcusdt" and "BTC_USDT".
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "_", "-"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			base := strings.TrimSpace(parts[0])
			quote := strings.TrimSpace(parts[1])
			if base == "" || quote == "" {
				return Symbol{}
			}
			return Symbol{Base: base, Quote: quote}
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}
	return Symbol{}
}

// Normalize returns the exchange form, or the upper-cased input when it
// cannot be split into base and quote.
func Normalize(s string) string {
	if out := Parse(s).Exchange(); out != "" {
		return out
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

// Allowlist is a normalized symbol set. An empty allowlist permits nothing.
type Allowlist map[string]struct{}

func NewAllowlist(symbols []string) Allowlist {
	list := NormalizeList(symbols)
	out := make(Allowlist, len(list))
	for _, s := range list {
		out[s] = struct{}{}
	}
	return out
}

func (a Allowlist) Contains(s string) bool {
	if len(a) == 0 {
		return false
	}
	_, ok := a[Normalize(s)]
	return ok
}

func (a Allowlist) Symbols() []string {
	out := make([]string, 0, len(a))
	for s := range a {
		out = append(out, s)
	}
	return out
}
