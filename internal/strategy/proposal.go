package strategy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"mmbot/internal/models"
)

// Proposal — эфемерный набор кандидатов на постановку; живёт один тик,
// каждая стадия конвейера правит его на месте.
type Proposal struct {
	Buys  []models.PriceSize
	Sells []models.PriceSize
}

func (p *Proposal) String() string {
	var b strings.Builder
	b.WriteString("buys: [")
	for i, o := range p.Buys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s@%s", o.Size, o.Price)
	}
	b.WriteString("] sells: [")
	for i, o := range p.Sells {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s@%s", o.Size, o.Price)
	}
	b.WriteString("]")
	return b.String()
}

func (p *Proposal) allPricesSorted() []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, len(p.Buys)+len(p.Sells))
	for _, o := range p.Buys {
		prices = append(prices, o.Price)
	}
	for _, o := range p.Sells {
		prices = append(prices, o.Price)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	return prices
}

// createBaseProposal выбирает ровно один режим на тик: ручные override-ордера,
// многоуровневую лесенку от оптимальных цен или одиночную пару bid+ask.
func (s *Strategy) createBaseProposal(midPrice decimal.Decimal) *Proposal {
	p := &Proposal{}

	if len(s.cfg.OrderOverride) > 0 {
		hundred := decimal.NewFromInt(100)
		for _, o := range s.cfg.OrderOverride {
			factor := o.SpreadPct.Div(hundred)
			var price decimal.Decimal
			if strings.EqualFold(o.Side, "buy") {
				price = midPrice.Mul(decimal.NewFromInt(1).Sub(factor))
			} else {
				price = midPrice.Mul(decimal.NewFromInt(1).Add(factor))
			}
			price = s.ex.QuantizePrice(s.tctx, price)
			size := s.ex.QuantizeAmount(s.tctx, o.Size)
			if price.Sign() <= 0 || size.Sign() <= 0 {
				continue
			}
			if strings.EqualFold(o.Side, "buy") {
				p.Buys = append(p.Buys, models.PriceSize{Price: price, Size: size})
			} else {
				p.Sells = append(p.Sells, models.PriceSize{Price: price, Size: size})
			}
		}
		return p
	}

	optimalBid := s.model.OptimalBid()
	optimalAsk := s.model.OptimalAsk()
	size := s.ex.QuantizeAmount(s.tctx, s.cfg.OrderAmount)
	if size.Sign() <= 0 {
		return p
	}

	if s.cfg.OrderLevels > 1 {
		levelStep := s.model.OptimalSpread().
			Div(decimal.NewFromInt(2)).
			Div(decimal.NewFromInt(100)).
			Mul(s.cfg.LevelDistances)
		for level := 0; level < s.cfg.OrderLevels; level++ {
			offset := levelStep.Mul(decimal.NewFromInt(int64(level)))
			bid := s.ex.QuantizePrice(s.tctx, optimalBid.Sub(offset))
			ask := s.ex.QuantizePrice(s.tctx, optimalAsk.Add(offset))
			if bid.Sign() > 0 {
				p.Buys = append(p.Buys, models.PriceSize{Price: bid, Size: size})
			}
			if ask.Sign() > 0 {
				p.Sells = append(p.Sells, models.PriceSize{Price: ask, Size: size})
			}
		}
		return p
	}

	bid := s.ex.QuantizePrice(s.tctx, optimalBid)
	ask := s.ex.QuantizePrice(s.tctx, optimalAsk)
	if bid.Sign() > 0 {
		p.Buys = append(p.Buys, models.PriceSize{Price: bid, Size: size})
	}
	if ask.Sign() > 0 {
		p.Sells = append(p.Sells, models.PriceSize{Price: ask, Size: size})
	}
	return p
}
