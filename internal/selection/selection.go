// Package selection runs outcome selection: a seller script picks one of
// several already computed auction outcomes, or none.
package selection

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/fetcher"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

const (
	timedOutMessage         = "selection timed out"
	invalidSelectionMessage = "Outcome selection must return a valid ad selection id"
)

// Selection outcome labels
const (
	OutcomeSelected = "selected"
	OutcomeNone     = "none"
)

// LogicResolver resolves selection logic. *fetcher.Fetcher implements it.
type LogicResolver interface {
	Resolve(ctx context.Context, req fetcher.Request) (fetcher.Script, error)
}

// SelectionRunner runs selectOutcome in the sandbox. *sandbox.Engine
// implements it.
type SelectionRunner interface {
	RunSelection(ctx context.Context, logic string, outcomes []ads.AdSelectionOutcome, selectionSignals json.RawMessage) (*int64, error)
}

// OverrideSource looks up developer overrides for a selection config.
type OverrideSource interface {
	SelectionOverride(ctx context.Context, key overrides.SelectionKey) (*overrides.Override, error)
}

// Options holds orchestrator configuration
type Options struct {
	Timeout           time.Duration `yaml:"timeout"`
	AllowInsecureHTTP bool          `yaml:"allow_insecure_http"`
}

// DefaultOptions returns default configuration
func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Second,
	}
}

// Orchestrator runs selection rounds.
type Orchestrator struct {
	resolver  LogicResolver
	runner    SelectionRunner
	overrides OverrideSource
	options   Options
	recorder  metrics.Recorder
	tracer    trace.Tracer
}

// New creates an orchestrator. overrideSource may be nil when developer
// overrides are disabled.
func New(resolver LogicResolver, runner SelectionRunner, overrideSource OverrideSource, options Options, recorder metrics.Recorder) *Orchestrator {
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	return &Orchestrator{
		resolver:  resolver,
		runner:    runner,
		overrides: overrideSource,
		options:   options,
		recorder:  recorder,
		tracer:    otel.Tracer("adselection.selection"),
	}
}

// SelectOutcome returns the outcome chosen by the seller's selection logic,
// or nil when the logic chose none.
func (o *Orchestrator) SelectOutcome(ctx context.Context, outcomes []ads.AdSelectionOutcome, cfg Config) (*ads.AdSelectionOutcome, error) {
	round, err := o.Run(ctx, outcomes, cfg)
	if err != nil || round.Outcome == nil {
		return nil, err
	}
	for i := range outcomes {
		if outcomes[i].ID == *round.Outcome {
			selected := outcomes[i]
			return &selected, nil
		}
	}
	return nil, nil
}

type result struct {
	id  *int64
	err error
}

// Run executes one selection round and returns its record. Config
// validation failures return before the round starts.
func (o *Orchestrator) Run(ctx context.Context, outcomes []ads.AdSelectionOutcome, cfg Config) (*Round, error) {
	if err := cfg.Validate(outcomes, o.options.AllowInsecureHTTP); err != nil {
		return nil, err
	}
	participants, err := cfg.participants(outcomes)
	if err != nil {
		return nil, err
	}

	round := newRound(uuid.NewString())
	ctx = logger.WithRoundID(ctx, round.ID)
	log := logger.Selection(ctx)

	ctx, span := o.tracer.Start(ctx, "selection.select_outcome", trace.WithAttributes(
		attribute.String("round_id", round.ID),
		attribute.String("seller", cfg.Seller),
		attribute.Int("outcomes", len(participants)),
	))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.options.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		id, err := o.run(ctx, round, participants, cfg)
		done <- result{id: id, err: err}
	}()

	var res result
	select {
	case res = <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = result{err: o.timedOut(ctx.Err())}
		}
	case <-ctx.Done():
		res = result{err: ctx.Err()}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.err = o.timedOut(ctx.Err())
		}
	}
	o.recorder.RecordStage(metrics.StageSelection, time.Since(start))

	if res.err != nil {
		round.advance(StateFailed)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		o.recorder.RecordSelectionOutcome(errortypes.Kind(res.err))
		log.Debug().Err(res.err).Strs("states", stateNames(round.History())).Msg("selection failed")
		return round, res.err
	}

	round.Outcome = res.id
	round.advance(StateDone)
	if res.id == nil {
		o.recorder.RecordSelectionOutcome(OutcomeNone)
		log.Debug().Msg("selection chose no outcome")
	} else {
		o.recorder.RecordSelectionOutcome(OutcomeSelected)
		span.SetAttributes(attribute.Int64("selected", *res.id))
		log.Debug().Int64("selected", *res.id).Msg("outcome selected")
	}
	return round, nil
}

func (o *Orchestrator) timedOut(cause error) error {
	o.recorder.RecordTimeout(metrics.StageSelection)
	return &errortypes.DeadlineExceeded{Message: timedOutMessage, Cause: cause}
}

func (o *Orchestrator) run(ctx context.Context, round *Round, outcomes []ads.AdSelectionOutcome, cfg Config) (*int64, error) {
	fetchStart := time.Now()
	script, err := o.resolver.Resolve(ctx, fetcher.Request{
		Kind: fetcher.SelectionLogic,
		URI:  cfg.SelectionLogicURI,
		Override: func(ctx context.Context) (*overrides.Override, error) {
			if o.overrides == nil {
				return nil, nil
			}
			return o.overrides.SelectionOverride(ctx, overrides.SelectionKey{Seller: cfg.Seller, ConfigHash: cfg.Hash()})
		},
	})
	o.recorder.RecordStage(metrics.StageFetchLogic, time.Since(fetchStart))
	if err != nil {
		return nil, err
	}

	if !round.advance(StateExecuting) {
		return nil, ctx.Err()
	}
	id, err := o.runner.RunSelection(ctx, script.Text, outcomes, cfg.SelectionSignals)
	if err != nil {
		return nil, sandbox.RoundError(ctx, err)
	}

	if !round.advance(StateValidating) {
		return nil, ctx.Err()
	}
	if id == nil {
		return nil, nil
	}
	for _, outcome := range outcomes {
		if outcome.ID == *id {
			return id, nil
		}
	}
	return nil, &errortypes.InvalidSelection{Message: invalidSelectionMessage, Selected: *id}
}

func stateNames(states []State) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return names
}
