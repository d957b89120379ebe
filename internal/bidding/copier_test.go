package bidding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
)

func TestRenderURICopier(t *testing.T) {
	input := []ads.CandidateAd{
		{RenderURI: "https://a", AdCounterKeys: []string{"x"}},
		{RenderURI: "https://b"},
		{RenderURI: "https://a", AdCounterKeys: []string{"ignored"}},
	}
	bids := []ads.AdWithBid{
		{Ad: ads.CandidateAd{RenderURI: "https://a"}, Bid: 1},
		{Ad: ads.CandidateAd{RenderURI: "https://b"}, Bid: 2},
		{Ad: ads.CandidateAd{RenderURI: "https://unknown"}, Bid: 3},
	}

	out := RenderURICopier{}.Copy(input, bids)
	assert.Equal(t, []string{"x"}, out[0].Ad.AdCounterKeys)
	assert.Nil(t, out[1].Ad.AdCounterKeys)
	assert.Nil(t, out[2].Ad.AdCounterKeys)
	// input bids are not mutated
	assert.Nil(t, bids[0].Ad.AdCounterKeys)
}

func TestNoOpCopier(t *testing.T) {
	bids := []ads.AdWithBid{{Ad: ads.CandidateAd{RenderURI: "https://a"}, Bid: 1}}
	out := NewCopier(false).Copy([]ads.CandidateAd{{RenderURI: "https://a", AdCounterKeys: []string{"x"}}}, bids)
	assert.Nil(t, out[0].Ad.AdCounterKeys)
}
