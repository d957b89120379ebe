package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/bidding"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/filter"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/histogram"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/scoring"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
)

// mockBidder bids a fixed amount per audience name.
type mockBidder struct {
	mu       sync.Mutex
	bids     map[string]float64
	errs     map[string]error
	delay    time.Duration
	seen     []string
	buyerSig map[string]string
}

func (m *mockBidder) GenerateBids(ctx context.Context, req bidding.Request) (*bidding.Result, error) {
	m.mu.Lock()
	m.seen = append(m.seen, req.Audience.Name)
	if m.buyerSig == nil {
		m.buyerSig = map[string]string{}
	}
	m.buyerSig[req.Audience.Name] = string(req.PerBuyerSignals)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := m.errs[req.Audience.Name]; err != nil {
		return nil, err
	}
	bid, ok := m.bids[req.Audience.Name]
	if !ok || bid <= 0 {
		return nil, nil
	}
	return &bidding.Result{
		Bid:         ads.AdWithBid{Ad: req.Audience.Ads[0], Bid: bid},
		BiddingInfo: ads.CustomAudienceBiddingInfo{BiddingLogicURI: req.Audience.BiddingLogicURI, Signals: req.Audience.Signals()},
	}, nil
}

// bidScorer scores every candidate with its bid times a factor.
type bidScorer struct {
	factor     float64
	err        error
	candidates []sandbox.ScoringCandidate
	cfg        scoring.SellerConfig
}

func (s *bidScorer) ScoreAds(_ context.Context, candidates []sandbox.ScoringCandidate, cfg scoring.SellerConfig, _ json.RawMessage) ([]float64, error) {
	s.candidates = candidates
	s.cfg = cfg
	if s.err != nil {
		return nil, s.err
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = c.Bid.Bid * s.factor
	}
	return scores, nil
}

func ca(name string) ads.CustomAudience {
	return ads.CustomAudience{
		Owner:           "com.example.app",
		Buyer:           "buyer-" + name + ".example",
		Name:            name,
		BiddingLogicURI: "https://buyer-" + name + ".example/bid.js",
		Ads:             []ads.CandidateAd{{RenderURI: "https://buyer-" + name + ".example/ad"}},
	}
}

func newTestRunner(f EligibilityFilter, b AudienceBidder, s AdScorer) *Runner {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.MaxConcurrency = 4
	return New(f, b, s, cfg, nil)
}

func TestRunPicksHighestScore(t *testing.T) {
	bidder := &mockBidder{bids: map[string]float64{"a": 1, "b": 3, "c": 2}}
	scorer := &bidScorer{factor: 1}
	r := newTestRunner(nil, bidder, scorer)
	defer r.Close()

	res, err := r.Run(context.Background(), &Request{
		Seller:          scoring.SellerConfig{Seller: "seller.example", DecisionLogicURI: "https://seller.example/score.js"},
		CustomAudiences: []ads.CustomAudience{ca("a"), ca("b"), ca("c")},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Winner)
	assert.NotEmpty(t, res.RoundID)
	assert.Equal(t, 3.0, res.Winner.Score)
	assert.Equal(t, "buyer-b.example", res.Winner.Buyer)
	require.NotNil(t, res.Winner.Audience)
	assert.Equal(t, "b", res.Winner.Audience.Name)
	assert.Equal(t, "https://buyer-b.example/bid.js", res.Winner.BiddingInfo.BiddingLogicURI)
	require.Len(t, res.PerAudience, 3)
	assert.Equal(t, "a", res.PerAudience[0].Audience.Name)
	assert.Len(t, scorer.candidates, 3)
	assert.Contains(t, string(scorer.cfg.AuctionConfig), `"custom_audience_buyers":["buyer-a.example","buyer-b.example","buyer-c.example"]`)
}

func TestRunIsolatesAudienceFailures(t *testing.T) {
	bidder := &mockBidder{
		bids: map[string]float64{"a": 1, "b": 5},
		errs: map[string]error{"b": &errortypes.MissingLogic{Message: "Error fetching bidding js logic"}},
	}
	r := newTestRunner(nil, bidder, &bidScorer{factor: 1})
	defer r.Close()

	res, err := r.Run(context.Background(), &Request{CustomAudiences: []ads.CustomAudience{ca("a"), ca("b")}})
	require.NoError(t, err)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "a", res.Winner.Audience.Name)
	assert.Equal(t, []string{"Error fetching bidding js logic"}, res.Errors["com.example.app/buyer-b.example/b"])
	var missing *errortypes.MissingLogic
	assert.ErrorAs(t, res.PerAudience[1].Err, &missing)
}

func TestRunIncludesContextualAds(t *testing.T) {
	bidder := &mockBidder{bids: map[string]float64{"a": 1}}
	scorer := &bidScorer{factor: 1}
	r := newTestRunner(nil, bidder, scorer)
	defer r.Close()

	res, err := r.Run(context.Background(), &Request{
		CustomAudiences: []ads.CustomAudience{ca("a")},
		ContextualAds: []ads.ContextualAds{{
			Buyer: "ctx.example",
			Ads: []ads.AdWithBid{
				{Ad: ads.CandidateAd{RenderURI: "https://ctx.example/1"}, Bid: 4},
				{Ad: ads.CandidateAd{RenderURI: "https://ctx.example/2"}, Bid: 0},
			},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, scorer.candidates, 2)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "ctx.example", res.Winner.Buyer)
	assert.Nil(t, res.Winner.Audience)
	assert.Nil(t, res.Winner.BiddingInfo)
}

func TestRunNoPositiveScore(t *testing.T) {
	r := newTestRunner(nil, &mockBidder{bids: map[string]float64{"a": 1}}, &bidScorer{factor: -1})
	defer r.Close()

	res, err := r.Run(context.Background(), &Request{CustomAudiences: []ads.CustomAudience{ca("a")}})
	require.NoError(t, err)
	assert.Nil(t, res.Winner)
}

func TestRunNoCandidatesSkipsScoring(t *testing.T) {
	scorer := &bidScorer{factor: 1}
	r := newTestRunner(nil, &mockBidder{}, scorer)
	defer r.Close()

	res, err := r.Run(context.Background(), &Request{CustomAudiences: []ads.CustomAudience{ca("a")}})
	require.NoError(t, err)
	assert.Nil(t, res.Winner)
	assert.Nil(t, scorer.candidates)
}

func TestRunScoringFailure(t *testing.T) {
	r := newTestRunner(nil, &mockBidder{bids: map[string]float64{"a": 1}}, &bidScorer{err: errors.New("boom")})
	defer r.Close()

	res, err := r.Run(context.Background(), &Request{CustomAudiences: []ads.CustomAudience{ca("a")}})
	require.Error(t, err)
	assert.Equal(t, []string{"boom"}, res.Errors["scoring"])
}

func TestRunPassesPerBuyerSignals(t *testing.T) {
	bidder := &mockBidder{}
	r := newTestRunner(nil, bidder, &bidScorer{factor: 1})
	defer r.Close()

	_, err := r.Run(context.Background(), &Request{
		CustomAudiences: []ads.CustomAudience{ca("a"), ca("b")},
		PerBuyerSignals: map[string]json.RawMessage{"buyer-a.example": json.RawMessage(`{"x":1}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, bidder.buyerSig["a"])
	assert.Equal(t, "", bidder.buyerSig["b"])
}

func TestRunAppliesEligibilityFilter(t *testing.T) {
	store := histogram.NewMemoryStore()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	capped := ca("capped")
	capped.Ads[0].AdCounterKeys = []string{"k"}
	capped.Ads[0].Filters = &ads.AdFilters{FrequencyCap: &ads.FrequencyCapFilters{
		Impression: []ads.KeyedFrequencyCap{{AdCounterKey: "k", MaxCount: 1, IntervalSeconds: 3600}},
	}}
	require.NoError(t, store.Record(context.Background(), histogram.BuyerScope(capped.Buyer, "k"), ads.EventImpression, mock.Now().Add(-time.Minute)))

	bidder := &mockBidder{bids: map[string]float64{"capped": 10, "open": 1}}
	f := filter.New(store, store, mock, filter.DefaultConfig(), nil)
	r := newTestRunner(f, bidder, &bidScorer{factor: 1})
	defer r.Close()

	res, err := r.Run(context.Background(), &Request{CustomAudiences: []ads.CustomAudience{capped, ca("open")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"open"}, bidder.seen)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "open", res.Winner.Audience.Name)
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(nil, &mockBidder{bids: map[string]float64{"a": 1}, delay: time.Second}, &bidScorer{factor: 1})
	defer r.Close()

	_, err := r.Run(context.Background(), &Request{
		CustomAudiences: []ads.CustomAudience{ca("a")},
		Timeout:         20 * time.Millisecond,
	})
	var deadline *errortypes.DeadlineExceeded
	require.ErrorAs(t, err, &deadline)
	assert.Equal(t, "auction timed out", deadline.Message)
}

func TestPickHighest(t *testing.T) {
	assert.Equal(t, 2, pickHighest([]float64{1, 0, 3, 3, -1}))
	assert.Equal(t, -1, pickHighest([]float64{0, -2}))
	assert.Equal(t, -1, pickHighest(nil))
}
