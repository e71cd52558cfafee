package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"mmbot/internal/models"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// applyOrderAmountEtaTransformation экспоненциально ужимает объём на той
// стороне, которая усугубила бы перекос запасов. При ручных override-ордерах
// не применяется.
func (s *Strategy) applyOrderAmountEtaTransformation(p *Proposal, q float64) {
	eta := s.cfg.OrderAmountShapeEta.InexactFloat64()
	if eta <= 0 || q == 0 {
		return
	}
	factor := decimal.NewFromFloat(math.Exp(-eta * math.Abs(q)))
	if q > 0 {
		for i := range p.Buys {
			p.Buys[i].Size = s.ex.QuantizeAmount(s.tctx, p.Buys[i].Size.Mul(factor))
		}
	} else {
		for i := range p.Sells {
			p.Sells[i].Size = s.ex.QuantizeAmount(s.tctx, p.Sells[i].Size.Mul(factor))
		}
	}
	p.Buys = dropZeroSizes(p.Buys)
	p.Sells = dropZeroSizes(p.Sells)
}

func (s *Strategy) applyPriceBand(p *Proposal, midPrice decimal.Decimal) {
	if s.cfg.PriceCeiling.Sign() > 0 && midPrice.GreaterThanOrEqual(s.cfg.PriceCeiling) {
		p.Buys = nil
	}
	if s.cfg.PriceFloor.Sign() > 0 && midPrice.LessThanOrEqual(s.cfg.PriceFloor) {
		p.Sells = nil
	}
}

// applyOrderOptimization подтягивает одиночный ордер вплотную к цене-за-объём
// противоположной стороны книги; при нескольких уровнях не вмешиваемся.
func (s *Strategy) applyOrderOptimization(p *Proposal) {
	if s.cfg.OrderLevels > 1 {
		return
	}

	var ownBuySize, ownSellSize decimal.Decimal
	for _, order := range s.activeNonHangingOrders() {
		if order.IsBuy() {
			ownBuySize = order.Quantity
		} else {
			ownSellSize = order.Quantity
		}
	}

	if len(p.Buys) == 1 {
		topBid, err := s.ex.GetPriceForVolume(s.tctx, false, s.cfg.BidOptimizationDepth.Add(ownBuySize))
		if err == nil && topBid.Sign() > 0 {
			quantum := s.ex.PriceQuantum(s.tctx, topBid)
			priceAboveBid := topBid.Div(quantum).Ceil().Add(one).Mul(quantum)
			if priceAboveBid.LessThan(p.Buys[0].Price) {
				p.Buys[0].Price = s.ex.QuantizePrice(s.tctx, priceAboveBid)
			}
		}
	}

	if len(p.Sells) == 1 {
		topAsk, err := s.ex.GetPriceForVolume(s.tctx, true, s.cfg.AskOptimizationDepth.Add(ownSellSize))
		if err == nil && topAsk.Sign() > 0 {
			quantum := s.ex.PriceQuantum(s.tctx, topAsk)
			priceBelowAsk := topAsk.Div(quantum).Floor().Sub(one).Mul(quantum)
			if priceBelowAsk.GreaterThan(p.Sells[0].Price) {
				p.Sells[0].Price = s.ex.QuantizePrice(s.tctx, priceBelowAsk)
			}
		}
	}
}

// applyAddTransactionCosts сдвигает цены на ожидаемую мейкерскую комиссию.
func (s *Strategy) applyAddTransactionCosts(p *Proposal) {
	for i := range p.Buys {
		fee := s.ex.GetFee(s.tctx.BaseAsset, s.tctx.QuoteAsset, models.OrderTypeLimit, models.OrderSideBuy, p.Buys[i].Size, p.Buys[i].Price)
		price := p.Buys[i].Price.Mul(one.Sub(fee.Percent))
		p.Buys[i].Price = s.ex.QuantizePrice(s.tctx, price)
	}
	for i := range p.Sells {
		fee := s.ex.GetFee(s.tctx.BaseAsset, s.tctx.QuoteAsset, models.OrderTypeLimit, models.OrderSideSell, p.Sells[i].Size, p.Sells[i].Price)
		price := p.Sells[i].Price.Mul(one.Add(fee.Percent))
		p.Sells[i].Price = s.ex.QuantizePrice(s.tctx, price)
	}
}

// applyBudgetConstraint идёт по покупкам, затем по продажам, накапливая
// требуемый баланс; когда доступного не хватает, объём урезается или
// обнуляется, нулевые строки выбрасываются.
func (s *Strategy) applyBudgetConstraint(p *Proposal) {
	quoteLeft := s.ex.GetAvailableBalance(s.tctx.QuoteAsset)
	for i := range p.Buys {
		notional := p.Buys[i].Price.Mul(p.Buys[i].Size)
		if notional.LessThanOrEqual(quoteLeft) {
			quoteLeft = quoteLeft.Sub(notional)
			continue
		}
		if quoteLeft.Sign() > 0 && p.Buys[i].Price.Sign() > 0 {
			size := s.ex.QuantizeAmount(s.tctx, quoteLeft.Div(p.Buys[i].Price))
			if size.Mul(p.Buys[i].Price).GreaterThan(quoteLeft) {
				size = decimal.Zero
			}
			p.Buys[i].Size = size
			quoteLeft = quoteLeft.Sub(size.Mul(p.Buys[i].Price))
		} else {
			p.Buys[i].Size = decimal.Zero
		}
	}

	baseLeft := s.ex.GetAvailableBalance(s.tctx.BaseAsset)
	for i := range p.Sells {
		if p.Sells[i].Size.LessThanOrEqual(baseLeft) {
			baseLeft = baseLeft.Sub(p.Sells[i].Size)
			continue
		}
		if baseLeft.Sign() > 0 {
			size := s.ex.QuantizeAmount(s.tctx, baseLeft)
			p.Sells[i].Size = size
			baseLeft = baseLeft.Sub(size)
		} else {
			p.Sells[i].Size = decimal.Zero
		}
	}

	p.Buys = dropZeroSizes(p.Buys)
	p.Sells = dropZeroSizes(p.Sells)
}

// filterOutTakers выбрасывает всё, что пересекло бы книгу и снялось тейкером.
func (s *Strategy) filterOutTakers(p *Proposal) {
	if topAsk, err := s.ex.QueryPrice(s.tctx, true); err == nil && topAsk.Sign() > 0 {
		kept := p.Buys[:0]
		for _, buy := range p.Buys {
			if buy.Price.LessThan(topAsk) {
				kept = append(kept, buy)
			}
		}
		p.Buys = kept
	}
	if topBid, err := s.ex.QueryPrice(s.tctx, false); err == nil && topBid.Sign() > 0 {
		kept := p.Sells[:0]
		for _, sell := range p.Sells {
			if sell.Price.GreaterThan(topBid) {
				kept = append(kept, sell)
			}
		}
		p.Sells = kept
	}
}

func dropZeroSizes(orders []models.PriceSize) []models.PriceSize {
	kept := orders[:0]
	for _, o := range orders {
		if o.Size.Sign() > 0 {
			kept = append(kept, o)
		}
	}
	return kept
}
