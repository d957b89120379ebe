package bidding

import (
	"context"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/version"
)

// BidRunner runs generateBid in the sandbox. *sandbox.Engine implements it.
type BidRunner interface {
	RunBidding(ctx context.Context, logic string, in sandbox.BiddingInput) ([]ads.AdWithBid, error)
	RunBiddingV3(ctx context.Context, logic string, in sandbox.BiddingInput) ([]ads.AdWithBid, error)
}

// Convention is how bidding logic is called. It is chosen once per round
// from the resolved script version.
type Convention interface {
	Name() string
	Bid(ctx context.Context, runner BidRunner, logic string, in sandbox.BiddingInput) ([]ads.AdWithBid, error)
}

// PerAd calls generateBid once for each ad.
type PerAd struct{}

func (PerAd) Name() string { return version.PerAd.String() }

func (PerAd) Bid(ctx context.Context, runner BidRunner, logic string, in sandbox.BiddingInput) ([]ads.AdWithBid, error) {
	return runner.RunBidding(ctx, logic, in)
}

// WholeAudience hands the whole audience to generateBid in one call.
type WholeAudience struct{}

func (WholeAudience) Name() string { return version.WholeAudience.String() }

func (WholeAudience) Bid(ctx context.Context, runner BidRunner, logic string, in sandbox.BiddingInput) ([]ads.AdWithBid, error) {
	return runner.RunBiddingV3(ctx, logic, in)
}

func conventionFor(resolved, minAudienceAware int64) Convention {
	if version.ConventionFor(resolved, minAudienceAware) == version.WholeAudience {
		return WholeAudience{}
	}
	return PerAd{}
}
