package aggregator

import (
	"github.com/btcdatapipe/pipeline/internal/domain"
)

// buildTradeFeatures implements §4.8's trade formulas. The taker side is
// the aggressor: is_buyer_maker=true means the maker was the buyer, so
// the taker sold -> sell volume; is_buyer_maker=false -> buy volume.
func buildTradeFeatures(trades []domain.Trade, spanSeconds float64) map[string]interface{} {
	n := len(trades)
	prices := make([]float64, n)
	var totalVolume, pv, buyVolume, sellVolume float64
	for i, tr := range trades {
		p := toFloat(tr.Price)
		q := toFloat(tr.Qty)
		prices[i] = p
		totalVolume += q
		pv += p * q
		if tr.IsBuyerMaker {
			sellVolume += q
		} else {
			buyVolume += q
		}
	}

	vwap := mean(prices)
	if totalVolume > 0 {
		vwap = pv / totalVolume
	}

	lo, hi := minMax(prices)
	latest := prices[n-1]
	first := prices[0]
	priceChange := latest - first
	pricePct := 0.0
	if first != 0 {
		pricePct = priceChange / first * 100
	}

	imbalance := 0.0
	if totalVolume > 0 {
		imbalance = (buyVolume - sellVolume) / totalVolume
	}

	tradesPerSec := 0.0
	if spanSeconds > 0 {
		tradesPerSec = float64(n) / spanSeconds
	}

	return map[string]interface{}{
		"price":             finite(latest),
		"volume":            finite(totalVolume),
		"vwap":              finite(vwap),
		"price_change":      finite(priceChange),
		"price_change_pct":  finite(pricePct),
		"min_price":         finite(lo),
		"max_price":         finite(hi),
		"avg_price":         finite(mean(prices)),
		"stdev_price":       finite(stdev(prices)),
		"trade_count":       n,
		"trades_per_sec":    finite(tradesPerSec),
		"buy_volume":        finite(buyVolume),
		"sell_volume":       finite(sellVolume),
		"volume_imbalance":  finite(imbalance),
		"avg_trade_size":    finite(totalVolume / float64(n)),
	}
}

// buildBBAFeatures implements §4.8's bestBidAsk formulas.
func buildBBAFeatures(quotes []domain.BestBidAsk) map[string]interface{} {
	n := len(quotes)
	spreads := make([]float64, n)
	var sumBidSz, sumAskSz float64
	for i, q := range quotes {
		bid := toFloat(q.BidPx)
		ask := toFloat(q.AskPx)
		spreads[i] = ask - bid
		sumBidSz += toFloat(q.BidSz)
		sumAskSz += toFloat(q.AskSz)
	}
	latest := quotes[n-1]
	latestBid := toFloat(latest.BidPx)
	latestAsk := toFloat(latest.AskPx)
	latestMid := (latestBid + latestAsk) / 2
	latestSpread := latestAsk - latestBid

	first := quotes[0]
	firstMid := (toFloat(first.BidPx) + toFloat(first.AskPx)) / 2
	midChange := latestMid - firstMid
	midPct := 0.0
	if firstMid != 0 {
		midPct = midChange / firstMid * 100
	}

	sizeImbalance := 0.0
	if sumBidSz+sumAskSz > 0 {
		sizeImbalance = (sumBidSz - sumAskSz) / (sumBidSz + sumAskSz)
	}

	lo, hi := minMax(spreads)

	return map[string]interface{}{
		"bid":              finite(latestBid),
		"ask":              finite(latestAsk),
		"spread":           finite(latestSpread),
		"mid":              finite(latestMid),
		"mean_spread":      finite(mean(spreads)),
		"stdev_spread":     finite(stdev(spreads)),
		"min_spread":       finite(lo),
		"max_spread":       finite(hi),
		"mean_bid_size":    finite(sumBidSz / float64(n)),
		"mean_ask_size":    finite(sumAskSz / float64(n)),
		"size_imbalance":   finite(sizeImbalance),
		"mid_change":       finite(midChange),
		"mid_change_pct":   finite(midPct),
	}
}

const depthLevels = 5

// buildDepthFeatures implements §4.8's depth formulas from the latest
// snapshot in the window.
func buildDepthFeatures(snapshots []domain.DepthSnapshot) map[string]interface{} {
	latest := snapshots[len(snapshots)-1]

	var bestBid, bestBidSz, bestAsk, bestAskSz float64
	if len(latest.Bids) > 0 {
		bestBid = toFloat(latest.Bids[0].Price)
		bestBidSz = toFloat(latest.Bids[0].Qty)
	}
	if len(latest.Asks) > 0 {
		bestAsk = toFloat(latest.Asks[0].Price)
		bestAskSz = toFloat(latest.Asks[0].Qty)
	}
	mid := (bestBid + bestAsk) / 2
	spread := bestAsk - bestBid
	spreadPct := 0.0
	if mid != 0 {
		spreadPct = spread / mid * 100
	}

	bidDepth, bidWeighted := topLevels(latest.Bids, depthLevels)
	askDepth, askWeighted := topLevels(latest.Asks, depthLevels)

	depthImbalance := 0.0
	if bidDepth+askDepth > 0 {
		depthImbalance = (bidDepth - askDepth) / (bidDepth + askDepth)
	}

	return map[string]interface{}{
		"best_bid":          finite(bestBid),
		"best_bid_size":     finite(bestBidSz),
		"best_ask":          finite(bestAsk),
		"best_ask_size":     finite(bestAskSz),
		"spread":            finite(spread),
		"spread_pct_of_mid": finite(spreadPct),
		"mid":               finite(mid),
		"bid_depth_top5":    finite(bidDepth),
		"ask_depth_top5":    finite(askDepth),
		"depth_imbalance":   finite(depthImbalance),
		"bid_weighted_price": finite(bidWeighted),
		"ask_weighted_price": finite(askWeighted),
		"total_levels":      len(latest.Bids) + len(latest.Asks),
	}
}

// topLevels sums quantity and computes the quantity-weighted price over
// up to n levels.
func topLevels(levels []domain.PriceLevel, n int) (totalQty, weightedPrice float64) {
	if len(levels) < n {
		n = len(levels)
	}
	var pv float64
	for i := 0; i < n; i++ {
		p := toFloat(levels[i].Price)
		q := toFloat(levels[i].Qty)
		totalQty += q
		pv += p * q
	}
	if totalQty > 0 {
		weightedPrice = pv / totalQty
	}
	return
}

func toFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}
