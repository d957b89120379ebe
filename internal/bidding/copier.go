package bidding

import "github.com/StreetsDigital/thenexusengine/adselection/internal/ads"

// AdCounterKeyCopier post-processes script output bids.
type AdCounterKeyCopier interface {
	Copy(input []ads.CandidateAd, bids []ads.AdWithBid) []ads.AdWithBid
}

// NoOpCopier leaves bids without counter keys.
type NoOpCopier struct{}

func (NoOpCopier) Copy(_ []ads.CandidateAd, bids []ads.AdWithBid) []ads.AdWithBid {
	return bids
}

// RenderURICopier re-attaches counter keys from the input ad with the same
// render URI.
type RenderURICopier struct{}

func (RenderURICopier) Copy(input []ads.CandidateAd, bids []ads.AdWithBid) []ads.AdWithBid {
	keys := make(map[string][]string, len(input))
	for _, ad := range input {
		if _, ok := keys[ad.RenderURI]; !ok && len(ad.AdCounterKeys) > 0 {
			keys[ad.RenderURI] = ad.AdCounterKeys
		}
	}
	if len(keys) == 0 {
		return bids
	}

	out := make([]ads.AdWithBid, len(bids))
	for i, b := range bids {
		out[i] = b
		if k, ok := keys[b.Ad.RenderURI]; ok {
			out[i].Ad.AdCounterKeys = append([]string(nil), k...)
		}
	}
	return out
}

// NewCopier returns the copier for the enabled flag.
func NewCopier(enabled bool) AdCounterKeyCopier {
	if enabled {
		return RenderURICopier{}
	}
	return NoOpCopier{}
}
