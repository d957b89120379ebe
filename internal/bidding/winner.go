package bidding

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
)

// pickWinner returns the strictly greatest positive bid, keeping the first
// seen on ties. It returns the number of discarded bids alongside.
func pickWinner(bids []ads.AdWithBid) (*ads.AdWithBid, int) {
	var (
		winner    *ads.AdWithBid
		best      decimal.Decimal
		discarded int
	)
	for i := range bids {
		b := bids[i].Bid
		if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 {
			discarded++
			continue
		}
		price := decimal.NewFromFloat(b)
		if winner == nil || price.GreaterThan(best) {
			winner = &bids[i]
			best = price
		}
	}
	if winner == nil {
		return nil, discarded
	}
	out := *winner
	return &out, discarded
}
