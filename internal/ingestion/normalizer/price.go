package normalizer

import (
	"sort"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

// prices builds one tuple per reported currency with a positive total,
// ordered by the configured preference. Codes missing from the currency map
// are dropped.
func (n *Normalizer) prices(p *payload) []ingestion.Price {
	out := make([]ingestion.Price, 0, len(p.Price.V))
	for code, rp := range p.Price.V {
		cur, ok := n.cfg.Currencies[code]
		if !ok {
			continue
		}
		total := parseFloat(rp.PriceTotal.String(), 0)
		if total <= 0 {
			continue
		}
		out = append(out, ingestion.Price{
			Currency: cur,
			Total:    total,
			PerArea:  max(0, parseFloat(rp.PriceSquare.String(), 0)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := n.currencyRank(out[i].Currency), n.currencyRank(out[j].Currency)
		if ri != rj {
			return ri < rj
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

func (n *Normalizer) currencyRank(cur string) int {
	if r, ok := n.rank[cur]; ok {
		return r
	}
	return len(n.rank)
}

// amounts derives the two denormalized amounts. The primary amount is always
// in the primary currency and the secondary in the secondary currency; a
// missing one is converted from the most preferred tuple with the fixed
// exchange rates (units of primary currency per unit of the other).
func (n *Normalizer) amounts(prices []ingestion.Price) (primary, secondary float64) {
	if len(prices) == 0 {
		return 0, 0
	}
	byCurrency := make(map[string]float64, len(prices))
	for _, pr := range prices {
		byCurrency[pr.Currency] = pr.Total
	}

	if v, ok := byCurrency[n.cfg.PrimaryCurrency]; ok {
		primary = v
	} else {
		primary = n.toPrimary(prices[0].Currency, prices[0].Total)
	}

	if v, ok := byCurrency[n.cfg.SecondaryCurrency]; ok {
		secondary = v
	} else if rate := n.rate(n.cfg.SecondaryCurrency); rate > 0 {
		secondary = primary / rate
	}
	return round2(primary), round2(secondary)
}

func (n *Normalizer) toPrimary(cur string, amount float64) float64 {
	rate := n.rate(cur)
	if rate <= 0 {
		return amount
	}
	return amount * rate
}

func (n *Normalizer) rate(cur string) float64 {
	if cur == n.cfg.PrimaryCurrency {
		return 1
	}
	return n.cfg.ExchangeRates[cur]
}
