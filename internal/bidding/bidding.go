// Package bidding runs a buyer's bidding logic for one custom audience and
// picks the audience's winning bid.
package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/fetcher"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/version"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

const timedOutMessage = "bidding timed out"

// Bidding outcome labels
const (
	OutcomeWin   = "win"
	OutcomeNoBid = "no_bid"
)

// LogicResolver resolves bidding logic. *fetcher.Fetcher implements it.
type LogicResolver interface {
	Resolve(ctx context.Context, req fetcher.Request) (fetcher.Script, error)
}

// OverrideSource looks up developer overrides for an audience.
type OverrideSource interface {
	BiddingOverride(ctx context.Context, key ads.AudienceKey) (*overrides.Override, error)
}

// Config holds bidding configuration
type Config struct {
	Timeout                 time.Duration `yaml:"timeout"`
	RequestedVersion        int64         `yaml:"requested_version"`
	MinAudienceAwareVersion int64         `yaml:"min_audience_aware_version"`
	CopyAdCounterKeys       bool          `yaml:"copy_ad_counter_keys"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Timeout:                 5 * time.Second,
		RequestedVersion:        version.AudienceAware,
		MinAudienceAwareVersion: version.AudienceAware,
		CopyAdCounterKeys:       false,
	}
}

// Request is the input of one audience's bidding round. TrustedSignals maps
// a trusted bidding URI to its key-value blob.
type Request struct {
	Audience          ads.CustomAudience
	TrustedSignals    map[string]json.RawMessage
	AuctionSignals    json.RawMessage
	PerBuyerSignals   json.RawMessage
	ContextualSignals json.RawMessage
}

// Result is the audience's winning bid and the logic that produced it.
type Result struct {
	Bid         ads.AdWithBid
	BiddingInfo ads.CustomAudienceBiddingInfo
	Convention  string
}

// Generator runs bidding rounds. It is safe for concurrent use; rounds
// share no mutable state.
type Generator struct {
	resolver  LogicResolver
	runner    BidRunner
	overrides OverrideSource
	copier    AdCounterKeyCopier
	config    Config
	recorder  metrics.Recorder
	tracer    trace.Tracer
}

// New creates a generator. overrideSource may be nil when developer
// overrides are disabled.
func New(resolver LogicResolver, runner BidRunner, overrideSource OverrideSource, config Config, recorder metrics.Recorder) *Generator {
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	return &Generator{
		resolver:  resolver,
		runner:    runner,
		overrides: overrideSource,
		copier:    NewCopier(config.CopyAdCounterKeys),
		config:    config,
		recorder:  recorder,
		tracer:    otel.Tracer("adselection.bidding"),
	}
}

type outcome struct {
	result *Result
	err    error
}

// GenerateBids runs the bidding round for one audience. A nil result with a
// nil error means no ad bid above zero, or the audience has no ads.
func (g *Generator) GenerateBids(ctx context.Context, req Request) (*Result, error) {
	ca := req.Audience
	log := logger.Bidding(ctx, ca.Buyer, ca.Name)
	if len(ca.Ads) == 0 {
		log.Debug().Msg("audience has no ads, skipping bidding")
		g.recorder.RecordBiddingOutcome(OutcomeNoBid)
		return nil, nil
	}

	ctx, span := g.tracer.Start(ctx, "bidding.generate_bids", trace.WithAttributes(
		attribute.String("buyer", ca.Buyer),
		attribute.String("audience", ca.Name),
		attribute.Int("ads", len(ca.Ads)),
	))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := g.generate(ctx, req)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		// a failure racing the deadline is reported as the timeout
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out = outcome{err: g.timedOut(ctx.Err())}
		}
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = g.timedOut(ctx.Err())
		}
	}
	g.recorder.RecordStage(metrics.StageBidding, time.Since(start))

	switch {
	case out.err != nil:
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		g.recorder.RecordBiddingOutcome(errortypes.Kind(out.err))
		log.Debug().Err(out.err).Msg("bidding failed")
	case out.result == nil:
		g.recorder.RecordBiddingOutcome(OutcomeNoBid)
		log.Debug().Msg("no positive bid")
	default:
		span.SetAttributes(attribute.Float64("bid", out.result.Bid.Bid))
		g.recorder.RecordBiddingOutcome(OutcomeWin)
		log.Debug().
			Float64("bid", out.result.Bid.Bid).
			Str("render_uri", out.result.Bid.Ad.RenderURI).
			Str("convention", out.result.Convention).
			Msg("audience bid selected")
	}
	return out.result, out.err
}

func (g *Generator) timedOut(cause error) error {
	g.recorder.RecordTimeout(metrics.StageBidding)
	return &errortypes.DeadlineExceeded{Message: timedOutMessage, Cause: cause}
}

func (g *Generator) generate(ctx context.Context, req Request) (*Result, error) {
	ca := req.Audience
	log := logger.Bidding(ctx, ca.Buyer, ca.Name)

	override, err := g.lookupOverride(ctx, ca.Key())
	if err != nil {
		return nil, err
	}

	script, err := g.resolveLogic(ctx, ca, override)
	if err != nil {
		return nil, err
	}
	convention := conventionFor(script.Version, g.config.MinAudienceAwareVersion)

	signalsStart := time.Now()
	signals, err := trustedSignals(ca, req.TrustedSignals, override)
	g.recorder.RecordStage(metrics.StageTrustedSignals, time.Since(signalsStart))
	if err != nil {
		return nil, err
	}

	bids, err := g.runScript(ctx, convention, script.Text, sandbox.BiddingInput{
		Audience:              ca,
		Ads:                   ca.Ads,
		AuctionSignals:        req.AuctionSignals,
		PerBuyerSignals:       req.PerBuyerSignals,
		TrustedBiddingSignals: signals,
		ContextualSignals:     req.ContextualSignals,
	})
	if err != nil {
		return nil, err
	}
	bids = g.copier.Copy(ca.Ads, bids)

	winner, discarded := pickWinner(bids)
	if discarded > 0 {
		log.Warn().Int("discarded", discarded).Int("bids", len(bids)).Msg("dropped non-positive bids")
	}
	if winner == nil {
		return nil, nil
	}
	return &Result{
		Bid: *winner,
		BiddingInfo: ads.CustomAudienceBiddingInfo{
			BiddingLogicURI:      ca.BiddingLogicURI,
			BuyerDecisionLogicJS: script.Text,
			LogicVersion:         script.Version,
			Signals:              ca.Signals(),
		},
		Convention: convention.Name(),
	}, nil
}

func (g *Generator) lookupOverride(ctx context.Context, key ads.AudienceKey) (*overrides.Override, error) {
	if g.overrides == nil {
		return nil, nil
	}
	o, err := g.overrides.BiddingOverride(ctx, key)
	if err != nil {
		return nil, &errortypes.MissingLogic{Message: "Error fetching bidding js logic", Cause: err}
	}
	return o, nil
}

func (g *Generator) resolveLogic(ctx context.Context, ca ads.CustomAudience, override *overrides.Override) (fetcher.Script, error) {
	ctx, span := g.tracer.Start(ctx, "bidding.resolve_logic")
	defer span.End()

	start := time.Now()
	script, err := g.resolver.Resolve(ctx, fetcher.Request{
		Kind:             fetcher.BiddingLogic,
		URI:              ca.BiddingLogicURI,
		RequestedVersion: g.config.RequestedVersion,
		Override: func(context.Context) (*overrides.Override, error) {
			return override, nil
		},
	})
	g.recorder.RecordStage(metrics.StageFetchLogic, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fetcher.Script{}, err
	}
	span.SetAttributes(
		attribute.String("source", string(script.Source)),
		attribute.Int64("version", script.Version),
	)
	return script, nil
}

func (g *Generator) runScript(ctx context.Context, convention Convention, logic string, in sandbox.BiddingInput) ([]ads.AdWithBid, error) {
	ctx, span := g.tracer.Start(ctx, "bidding.run_script", trace.WithAttributes(
		attribute.String("convention", convention.Name()),
	))
	defer span.End()

	bids, err := convention.Bid(ctx, g.runner, logic, in)
	if err != nil {
		err = sandbox.RoundError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s generateBid: %w", convention.Name(), err)
	}
	span.SetAttributes(attribute.Int("bids", len(bids)))
	return bids, nil
}
