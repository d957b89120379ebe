// Package scoring runs the seller's scoreAd over the bids of one auction.
package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/fetcher"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
)

const fetchFailedMessage = "Error fetching scoring decision logic"

// LogicResolver resolves scoring logic. *fetcher.Fetcher implements it.
type LogicResolver interface {
	Resolve(ctx context.Context, req fetcher.Request) (fetcher.Script, error)
}

// ScoreRunner runs scoreAd in the sandbox. *sandbox.Engine implements it.
type ScoreRunner interface {
	RunScoring(ctx context.Context, logic string, in sandbox.ScoringInput) ([]float64, error)
}

// OverrideSource looks up developer overrides for a seller config.
type OverrideSource interface {
	ScoringOverride(ctx context.Context, key overrides.ScoringKey) (*overrides.Override, error)
}

// SellerConfig is the seller side of an auction. AuctionConfig is handed to
// scoreAd as the ad selection config.
type SellerConfig struct {
	Seller                string          `json:"seller"`
	DecisionLogicURI      string          `json:"decision_logic_uri"`
	SellerSignals         json.RawMessage `json:"seller_signals,omitempty"`
	TrustedScoringSignals json.RawMessage `json:"trusted_scoring_signals,omitempty"`
	AuctionConfig         json.RawMessage `json:"-"`
}

// Hash is the SHA-256 of the canonical JSON form of the seller fields.
// Dev overrides are keyed by it.
func (c SellerConfig) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		data = []byte(c.Seller + "|" + c.DecisionLogicURI)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key returns the override key for the config.
func (c SellerConfig) Key() overrides.ScoringKey {
	return overrides.ScoringKey{Seller: c.Seller, ConfigHash: c.Hash()}
}

// Scorer scores bids with seller logic.
type Scorer struct {
	resolver  LogicResolver
	runner    ScoreRunner
	overrides OverrideSource
	recorder  metrics.Recorder
	tracer    trace.Tracer
}

// New creates a scorer. overrideSource may be nil when developer overrides
// are disabled.
func New(resolver LogicResolver, runner ScoreRunner, overrideSource OverrideSource, recorder metrics.Recorder) *Scorer {
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	return &Scorer{
		resolver:  resolver,
		runner:    runner,
		overrides: overrideSource,
		recorder:  recorder,
		tracer:    otel.Tracer("adselection.scoring"),
	}
}

// ScoreAds returns one score per candidate, in order.
func (s *Scorer) ScoreAds(ctx context.Context, candidates []sandbox.ScoringCandidate, cfg SellerConfig, contextualSignals json.RawMessage) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, span := s.tracer.Start(ctx, "scoring.score_ads", trace.WithAttributes(
		attribute.String("seller", cfg.Seller),
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.recorder.RecordStage(metrics.StageScoring, time.Since(start)) }()

	override, err := s.lookupOverride(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	script, err := s.resolver.Resolve(ctx, fetcher.Request{
		Kind: fetcher.ScoringLogic,
		URI:  cfg.DecisionLogicURI,
		Override: func(context.Context) (*overrides.Override, error) {
			return override, nil
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	trustedSignals := cfg.TrustedScoringSignals
	if script.Source == fetcher.SourceOverride && override != nil && len(override.TrustedSignals) > 0 {
		trustedSignals = override.TrustedSignals
	}

	scores, err := s.runner.RunScoring(ctx, script.Text, sandbox.ScoringInput{
		Candidates:            candidates,
		AuctionConfig:         cfg.AuctionConfig,
		SellerSignals:         cfg.SellerSignals,
		TrustedScoringSignals: trustedSignals,
		ContextualSignals:     contextualSignals,
	})
	if err != nil {
		err = sandbox.RoundError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scoreAd: %w", err)
	}
	return scores, nil
}

func (s *Scorer) lookupOverride(ctx context.Context, cfg SellerConfig) (*overrides.Override, error) {
	if s.overrides == nil {
		return nil, nil
	}
	o, err := s.overrides.ScoringOverride(ctx, cfg.Key())
	if err != nil {
		return nil, &errortypes.MissingLogic{Message: fetchFailedMessage, Cause: err}
	}
	return o, nil
}
