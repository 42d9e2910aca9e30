package symbols

import (
	"fmt"
	"regexp"

	"bookflow/models"
)

// DefaultQuoteFilter keeps pairs quoted in BTC, ETH or USDC.
const DefaultQuoteFilter = "(BTC|ETH|USDC)$"

// Filter selects the pairs the engine follows. An explicit pair list wins
// over the quote expression.
type Filter struct {
	quote    *regexp.Regexp
	explicit []models.TradingPair
}

// NewFilter compiles quoteExpr. Entries of pairs are normalised with
// models.NormalizePair; invalid entries are rejected.
func NewFilter(quoteExpr string, pairs []string) (*Filter, error) {
	if quoteExpr == "" {
		quoteExpr = DefaultQuoteFilter
	}
	re, err := regexp.Compile(quoteExpr)
	if err != nil {
		return nil, fmt.Errorf("compile quote filter %q: %w", quoteExpr, err)
	}

	f := &Filter{quote: re}
	seen := make(map[models.TradingPair]struct{}, len(pairs))
	for _, raw := range pairs {
		p := models.NormalizePair(raw)
		if !p.Valid() {
			return nil, fmt.Errorf("invalid pair %q", raw)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		f.explicit = append(f.explicit, p)
	}
	return f, nil
}

// Explicit reports whether the filter carries a fixed pair list.
func (f *Filter) Explicit() bool { return len(f.explicit) > 0 }

// Match reports whether p passes the quote expression.
func (f *Filter) Match(p models.TradingPair) bool {
	return f.quote.MatchString(p.String())
}

// Apply filters ranked markets, keeping their order. With an explicit list the
// markets are ignored and the list is returned as configured.
func (f *Filter) Apply(markets []models.Market) []models.TradingPair {
	if f.Explicit() {
		out := make([]models.TradingPair, len(f.explicit))
		copy(out, f.explicit)
		return out
	}
	out := make([]models.TradingPair, 0, len(markets))
	for _, m := range markets {
		if f.Match(m.Pair) {
			out = append(out, m.Pair)
		}
	}
	return out
}
