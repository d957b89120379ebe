// Package auction runs a full on-device auction: eligibility filtering,
// per-audience bidding in parallel, then seller scoring of the survivors.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/bidding"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/scoring"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// EligibilityFilter drops ads that may not take part.
type EligibilityFilter interface {
	FilterAudiences(ctx context.Context, audiences []ads.CustomAudience) ([]ads.CustomAudience, error)
	FilterContextualAds(ctx context.Context, contextual ads.ContextualAds) (ads.ContextualAds, error)
}

// AudienceBidder runs one audience's bidding round.
type AudienceBidder interface {
	GenerateBids(ctx context.Context, req bidding.Request) (*bidding.Result, error)
}

// AdScorer scores bids with seller logic.
type AdScorer interface {
	ScoreAds(ctx context.Context, candidates []sandbox.ScoringCandidate, cfg scoring.SellerConfig, contextualSignals json.RawMessage) ([]float64, error)
}

// Config holds auction configuration
type Config struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	QueueSize      int           `yaml:"queue_size"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxConcurrency: 16,
		QueueSize:      256,
	}
}

// Request contains auction parameters. TrustedBiddingSignals maps a trusted
// bidding URI to its key-value blob; PerBuyerSignals is keyed by buyer.
type Request struct {
	Seller                scoring.SellerConfig
	AuctionSignals        json.RawMessage
	PerBuyerSignals       map[string]json.RawMessage
	ContextualSignals     json.RawMessage
	TrustedBiddingSignals map[string]json.RawMessage
	CustomAudiences       []ads.CustomAudience
	ContextualAds         []ads.ContextualAds
	Timeout               time.Duration
}

// AudienceResult is the outcome of one audience's bidding round
type AudienceResult struct {
	Audience ads.AudienceKey
	Bid      *bidding.Result
	Err      error
	Latency  time.Duration
}

// Winner is the ad that won the auction. Audience and BiddingInfo are set
// for custom audience winners only.
type Winner struct {
	Ad          ads.AdWithBid
	Score       float64
	Buyer       string
	Audience    *ads.AudienceKey
	BiddingInfo *ads.CustomAudienceBiddingInfo
}

// Result contains auction results
type Result struct {
	RoundID     string
	Winner      *Winner
	PerAudience []AudienceResult
	Errors      map[string][]string
	Latency     time.Duration
}

// AddError records errors against key.
func (r *Result) AddError(key string, errs ...string) {
	r.Errors[key] = append(r.Errors[key], errs...)
}

// Runner orchestrates the auction process
type Runner struct {
	filter   EligibilityFilter
	bidder   AudienceBidder
	scorer   AdScorer
	pool     *pond.WorkerPool
	config   Config
	recorder metrics.Recorder
}

// New creates a runner. A nil filter lets every ad through.
func New(filter EligibilityFilter, bidder AudienceBidder, scorer AdScorer, config Config, recorder metrics.Recorder) *Runner {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	return &Runner{
		filter:   filter,
		bidder:   bidder,
		scorer:   scorer,
		pool:     pond.New(config.MaxConcurrency, config.QueueSize),
		config:   config,
		recorder: recorder,
	}
}

// Close waits for running bidding rounds and stops the worker pool
func (r *Runner) Close() {
	r.pool.StopAndWait()
}

// candidate is a scoring candidate with its provenance.
type candidate struct {
	scoring  sandbox.ScoringCandidate
	buyer    string
	audience *AudienceResult
}

// Run executes one auction.
func (r *Runner) Run(ctx context.Context, req *Request) (*Result, error) {
	startTime := time.Now()
	result := &Result{
		RoundID: uuid.NewString(),
		Errors:  make(map[string][]string),
	}
	ctx = logger.WithRoundID(ctx, result.RoundID)
	log := logger.FromContext(ctx)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	audiences, contextual, err := r.filterEligible(ctx, req)
	if err != nil {
		return result, err
	}

	result.PerAudience = r.runBidding(ctx, req, audiences)

	candidates := make([]candidate, 0, len(result.PerAudience))
	for i := range result.PerAudience {
		ar := &result.PerAudience[i]
		if ar.Err != nil {
			result.AddError(ar.Audience.String(), ar.Err.Error())
			continue
		}
		if ar.Bid == nil {
			continue
		}
		signals := ar.Bid.BiddingInfo.Signals
		candidates = append(candidates, candidate{
			scoring:  sandbox.ScoringCandidate{Bid: ar.Bid.Bid, Signals: &signals},
			buyer:    ar.Audience.Buyer,
			audience: ar,
		})
	}
	for _, c := range contextual {
		for _, bid := range c.Ads {
			if bid.Bid > 0 {
				candidates = append(candidates, candidate{scoring: sandbox.ScoringCandidate{Bid: bid}, buyer: c.Buyer})
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return result, r.deadline(err)
	}
	if len(candidates) == 0 {
		result.Latency = time.Since(startTime)
		log.Debug().Int("audiences", len(audiences)).Msg("auction has no candidates")
		return result, nil
	}

	scoringCands := make([]sandbox.ScoringCandidate, len(candidates))
	for i, c := range candidates {
		scoringCands[i] = c.scoring
	}
	sellerCfg := req.Seller
	if len(sellerCfg.AuctionConfig) == 0 {
		sellerCfg.AuctionConfig = auctionConfigJSON(req)
	}
	scores, err := r.scorer.ScoreAds(ctx, scoringCands, sellerCfg, req.ContextualSignals)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, r.deadline(ctxErr)
		}
		result.AddError("scoring", err.Error())
		return result, err
	}
	if len(scores) != len(candidates) {
		err := &errortypes.MalformedScriptResult{Message: fmt.Sprintf("expected %d scores, got %d", len(candidates), len(scores))}
		return result, err
	}

	if idx := pickHighest(scores); idx >= 0 {
		c := candidates[idx]
		winner := &Winner{Ad: c.scoring.Bid, Score: scores[idx], Buyer: c.buyer}
		if c.audience != nil {
			key := c.audience.Audience
			info := c.audience.Bid.BiddingInfo
			winner.Audience = &key
			winner.BiddingInfo = &info
		}
		result.Winner = winner
	}

	result.Latency = time.Since(startTime)
	r.recorder.RecordStage(metrics.StageAuction, result.Latency)
	evt := log.Debug().Int("candidates", len(candidates)).Dur("latency", result.Latency)
	if result.Winner != nil {
		evt = evt.Str("buyer", result.Winner.Buyer).Float64("score", result.Winner.Score)
	}
	evt.Msg("auction complete")
	return result, nil
}

func (r *Runner) deadline(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		r.recorder.RecordTimeout(metrics.StageAuction)
		return &errortypes.DeadlineExceeded{Message: "auction timed out", Cause: cause}
	}
	return cause
}

func (r *Runner) filterEligible(ctx context.Context, req *Request) ([]ads.CustomAudience, []ads.ContextualAds, error) {
	if r.filter == nil {
		return req.CustomAudiences, req.ContextualAds, nil
	}
	start := time.Now()
	defer func() { r.recorder.RecordStage(metrics.StageFilter, time.Since(start)) }()

	audiences, err := r.filter.FilterAudiences(ctx, req.CustomAudiences)
	if err != nil {
		return nil, nil, fmt.Errorf("filter custom audiences: %w", err)
	}
	contextual := make([]ads.ContextualAds, 0, len(req.ContextualAds))
	for _, c := range req.ContextualAds {
		filtered, err := r.filter.FilterContextualAds(ctx, c)
		if err != nil {
			return nil, nil, fmt.Errorf("filter contextual ads for %s: %w", c.Buyer, err)
		}
		if len(filtered.Ads) > 0 {
			contextual = append(contextual, filtered)
		}
	}
	return audiences, contextual, nil
}

// runBidding runs every audience's bidding round on the worker pool. One
// audience failing leaves the others untouched.
func (r *Runner) runBidding(ctx context.Context, req *Request, audiences []ads.CustomAudience) []AudienceResult {
	results := make([]AudienceResult, len(audiences))
	group := r.pool.Group()
	for i := range audiences {
		i := i
		ca := audiences[i]
		group.Submit(func() {
			start := time.Now()
			res, err := r.bidder.GenerateBids(ctx, bidding.Request{
				Audience:          ca,
				TrustedSignals:    req.TrustedBiddingSignals,
				AuctionSignals:    req.AuctionSignals,
				PerBuyerSignals:   req.PerBuyerSignals[ca.Buyer],
				ContextualSignals: req.ContextualSignals,
			})
			results[i] = AudienceResult{
				Audience: ca.Key(),
				Bid:      res,
				Err:      err,
				Latency:  time.Since(start),
			}
		})
	}
	group.Wait()
	return results
}

// pickHighest returns the index of the strictly highest positive score,
// first seen on ties, or -1.
func pickHighest(scores []float64) int {
	best := -1
	var bestScore decimal.Decimal
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
			continue
		}
		d := decimal.NewFromFloat(s)
		if best < 0 || d.GreaterThan(bestScore) {
			best = i
			bestScore = d
		}
	}
	return best
}

func auctionConfigJSON(req *Request) json.RawMessage {
	buyers := make([]string, 0, len(req.CustomAudiences))
	seen := make(map[string]bool)
	for _, ca := range req.CustomAudiences {
		if !seen[ca.Buyer] {
			seen[ca.Buyer] = true
			buyers = append(buyers, ca.Buyer)
		}
	}
	data, err := json.Marshal(struct {
		Seller               string                     `json:"seller"`
		DecisionLogicURI     string                     `json:"decision_logic_uri"`
		CustomAudienceBuyers []string                   `json:"custom_audience_buyers"`
		AdSelectionSignals   json.RawMessage            `json:"ad_selection_signals,omitempty"`
		SellerSignals        json.RawMessage            `json:"seller_signals,omitempty"`
		PerBuyerSignals      map[string]json.RawMessage `json:"per_buyer_signals,omitempty"`
	}{
		Seller:               req.Seller.Seller,
		DecisionLogicURI:     req.Seller.DecisionLogicURI,
		CustomAudienceBuyers: buyers,
		AdSelectionSignals:   req.AuctionSignals,
		SellerSignals:        req.Seller.SellerSignals,
		PerBuyerSignals:      req.PerBuyerSignals,
	})
	if err != nil {
		return nil
	}
	return data
}
