// Package symbol converts between the internal "BASE/QUOTE" instrument
// form used in signals and the concatenated form exchanges expect.
package symbol

import "strings"

type Symbol struct {
	Base  string
	Quote string
}

// Internal renders "BASE/QUOTE".
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Exchange renders the concatenated form, e.g. "ETHUSDT".
func (s Symbol) Exchange() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}

// Parse accepts both forms, plus settlement suffixes like "ETH/USDT:USDT".
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// ToExchange maps any accepted form to the exchange form. Inputs that do
// not parse are passed through upper-cased with separators stripped, so
// non-crypto instruments like XAUUSD survive.
func ToExchange(s string) string {
	if sym := Parse(s); sym.Base != "" {
		return sym.Exchange()
	}
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "/", ""))
}

// Normalize maps any accepted form to the internal form, or returns the
// trimmed upper-case input when it does not parse.
func Normalize(s string) string {
	if sym := Parse(s); sym.Base != "" {
		return sym.Internal()
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
