package selection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/fetcher"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
)

// templateEvaluator stands in for the script runtime by reproducing the
// behavior of the prebuilt selection templates.
type templateEvaluator struct {
	t     *testing.T
	calls int32
}

var floorKey = regexp.MustCompile(`selection_signals\.([A-Za-z0-9_]+) == undefined`)

func (e *templateEvaluator) Evaluate(_ context.Context, req sandbox.EvalRequest) (string, error) {
	atomic.AddInt32(&e.calls, 1)
	args := map[string]gjson.Result{}
	for _, a := range req.Args {
		args[a.Name] = gjson.Parse(a.JSON)
	}
	outcomes := args[sandbox.OutcomesArg].Array()
	signals := args[sandbox.SelectionSignalsArg]

	var winner string
	switch {
	case strings.Contains(req.Script, "max_bid"):
		best := 0.0
		for _, o := range outcomes {
			if o.Get("bid").Float() > best {
				best = o.Get("bid").Float()
				winner = o.Raw
			}
		}
	case strings.Contains(req.Script, "outcome_1p"):
		m := floorKey.FindStringSubmatch(req.Script)
		if !assert.NotNil(e.t, m, "floor key not substituted") {
			return `{"status":-1,"results":[]}`, nil
		}
		floor := signals.Get(m[1])
		if len(outcomes) != 1 || !floor.Exists() {
			return `{"status":-1,"results":[]}`, nil
		}
		if outcomes[0].Get("bid").Float() > floor.Float() {
			winner = outcomes[0].Raw
		}
	default:
		return "", &sandbox.ExecutionError{Function: sandbox.SelectOutcomeFunction, Err: sandbox.ErrFunctionNotFound}
	}
	if winner == "" {
		winner = "null"
	}
	return `{"status":0,"results":[` + winner + `]}`, nil
}

type fakeRunner struct {
	id    *int64
	err   error
	delay time.Duration
}

func (f *fakeRunner) RunSelection(ctx context.Context, _ string, _ []ads.AdSelectionOutcome, _ json.RawMessage) (*int64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.id, f.err
}

type staticResolver struct {
	block bool
	calls int32
}

func (r *staticResolver) Resolve(ctx context.Context, req fetcher.Request) (fetcher.Script, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.block {
		<-ctx.Done()
		return fetcher.Script{}, ctx.Err()
	}
	return fetcher.Script{Text: "function selectOutcome() {}", Source: fetcher.SourceNetwork}, nil
}

func idPtr(id int64) *int64 { return &id }

func testOptions() Options {
	return Options{Timeout: time.Second}
}

func prebuiltFetcher() *fetcher.Fetcher {
	cfg := fetcher.DefaultConfig()
	cfg.PrebuiltEnabled = true
	return fetcher.New(nil, cfg, nil)
}

func outcomesWithBids(bids ...float64) []ads.AdSelectionOutcome {
	out := make([]ads.AdSelectionOutcome, len(bids))
	for i, b := range bids {
		out[i] = ads.AdSelectionOutcome{ID: int64(100 + i), Bid: b}
	}
	return out
}

func TestSelectOutcomePickHighest(t *testing.T) {
	engine := sandbox.NewEngine(&templateEvaluator{t: t}, 0)
	o := New(prebuiltFetcher(), engine, nil, testOptions(), nil)

	selected, err := o.SelectOutcome(context.Background(), outcomesWithBids(10, 11, 12), Config{
		Seller:            "seller.example",
		SelectionLogicURI: "ad-selection-prebuilt://ad-selection-from-outcomes/pick-highest/",
	})
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, int64(102), selected.ID)
	assert.Equal(t, 12.0, selected.Bid)
}

func TestSelectOutcomeWaterfallBelowFloor(t *testing.T) {
	engine := sandbox.NewEngine(&templateEvaluator{t: t}, 0)
	o := New(prebuiltFetcher(), engine, nil, testOptions(), nil)

	round, err := o.Run(context.Background(), outcomesWithBids(10), Config{
		Seller:            "seller.example",
		SelectionSignals:  json.RawMessage(`{"bid_floor":11}`),
		SelectionLogicURI: "ad-selection-prebuilt://ad-selection-from-outcomes/waterfall-mediation-truncation/?bidFloor=bid_floor",
	})
	require.NoError(t, err)
	assert.Nil(t, round.Outcome)
	assert.Equal(t, StateDone, round.State())
}

func TestSelectOutcomeWaterfallAboveFloor(t *testing.T) {
	engine := sandbox.NewEngine(&templateEvaluator{t: t}, 0)
	o := New(prebuiltFetcher(), engine, nil, testOptions(), nil)

	selected, err := o.SelectOutcome(context.Background(), outcomesWithBids(12), Config{
		Seller:            "seller.example",
		SelectionSignals:  json.RawMessage(`{"bid_floor":11}`),
		SelectionLogicURI: "ad-selection-prebuilt://ad-selection-from-outcomes/waterfall-mediation-truncation/?bidFloor=bid_floor",
	})
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, int64(100), selected.ID)
}

func TestRunStateHistory(t *testing.T) {
	o := New(&staticResolver{}, &fakeRunner{id: idPtr(101)}, nil, testOptions(), nil)

	round, err := o.Run(context.Background(), outcomesWithBids(1, 2), Config{
		Seller:            "seller.example",
		SelectionLogicURI: "https://seller.example/select.js",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, round.ID)
	assert.Equal(t, []State{StateFetching, StateExecuting, StateValidating, StateDone}, round.History())
	assert.Equal(t, int64(101), *round.Outcome)
}

func TestRunRejectsUnknownSelection(t *testing.T) {
	o := New(&staticResolver{}, &fakeRunner{id: idPtr(999)}, nil, testOptions(), nil)

	round, err := o.Run(context.Background(), outcomesWithBids(1, 2), Config{
		Seller:            "seller.example",
		SelectionLogicURI: "https://seller.example/select.js",
	})
	var invalid *errortypes.InvalidSelection
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "Outcome selection must return a valid ad selection id", invalid.Message)
	assert.Equal(t, int64(999), invalid.Selected)
	assert.Equal(t, StateFailed, round.State())
	assert.Equal(t, []State{StateFetching, StateExecuting, StateValidating, StateFailed}, round.History())
}

func TestRunSandboxFailures(t *testing.T) {
	cfg := Config{Seller: "seller.example", SelectionLogicURI: "https://seller.example/select.js"}

	_, err := New(&staticResolver{}, &fakeRunner{err: &sandbox.MalformedResultError{Function: "selectOutcome", Reason: "bad id"}}, nil, testOptions(), nil).
		Run(context.Background(), outcomesWithBids(1), cfg)
	var malformed *errortypes.MalformedScriptResult
	assert.ErrorAs(t, err, &malformed)

	round, err := New(&staticResolver{}, &fakeRunner{err: sandbox.ErrFunctionNotFound}, nil, testOptions(), nil).
		Run(context.Background(), outcomesWithBids(1), cfg)
	var failed *errortypes.SandboxExecutionFailed
	assert.ErrorAs(t, err, &failed)
	assert.Equal(t, []State{StateFetching, StateExecuting, StateFailed}, round.History())
}

func TestRunMissingLogic(t *testing.T) {
	cfg := fetcher.DefaultConfig()
	cfg.PrebuiltEnabled = false
	o := New(fetcher.New(nil, cfg, nil), &fakeRunner{}, nil, testOptions(), nil)

	round, err := o.Run(context.Background(), outcomesWithBids(1), Config{
		Seller:            "seller.example",
		SelectionLogicURI: "ad-selection-prebuilt://ad-selection-from-outcomes/pick-highest/",
	})
	var missing *errortypes.MissingLogic
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "Error fetching outcome selection decision logic", missing.Message)
	assert.Equal(t, []State{StateFetching, StateFailed}, round.History())
}

func TestRunTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	cfg := Config{Seller: "seller.example", SelectionLogicURI: "https://seller.example/select.js"}

	round, err := New(&staticResolver{block: true}, &fakeRunner{}, nil, opts, nil).
		Run(context.Background(), outcomesWithBids(1), cfg)
	var deadline *errortypes.DeadlineExceeded
	require.ErrorAs(t, err, &deadline)
	assert.Equal(t, "selection timed out", deadline.Message)
	assert.Equal(t, StateFailed, round.State())

	_, err = New(&staticResolver{}, &fakeRunner{id: idPtr(100), delay: time.Second}, nil, opts, nil).
		Run(context.Background(), outcomesWithBids(1), cfg)
	assert.ErrorAs(t, err, &deadline)
}

func TestRunSandboxClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	opts := testOptions()
	opts.Timeout = 2 * time.Second
	engine := sandbox.NewEngine(sandbox.NewRemoteEvaluator(server.URL, 50*time.Millisecond), 0)
	cfg := Config{Seller: "seller.example", SelectionLogicURI: "https://seller.example/select.js"}

	round, err := New(&staticResolver{}, engine, nil, opts, nil).Run(context.Background(), outcomesWithBids(1), cfg)
	var failed *errortypes.SandboxExecutionFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, errortypes.SandboxExecutionFailedErrorCode, errortypes.ReadCode(err))
	assert.Equal(t, []State{StateFetching, StateExecuting, StateFailed}, round.History())
}

func TestRunUsesDevOverride(t *testing.T) {
	cfg := Config{
		Seller:            "seller.example",
		SelectionLogicURI: "https://seller.example/select.js",
		SelectionSignals:  json.RawMessage(`{"a": 1}`),
	}
	store := overrides.NewMemoryStore()
	require.NoError(t, store.SetSelection(context.Background(), overrides.SelectionKey{Seller: cfg.Seller, ConfigHash: cfg.Hash()}, overrides.Override{
		Logic: `function selectOutcome(outcomes, selection_signals) { let max_bid = 0; }`,
	}))

	fcfg := fetcher.DefaultConfig()
	fcfg.DevOverridesEnabled = true
	evaluator := &templateEvaluator{t: t}
	o := New(fetcher.New(nil, fcfg, nil), sandbox.NewEngine(evaluator, 0), store, testOptions(), nil)

	selected, err := o.SelectOutcome(context.Background(), outcomesWithBids(3, 4), cfg)
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, int64(101), selected.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&evaluator.calls))
}

func TestRunValidation(t *testing.T) {
	resolver := &staticResolver{}
	o := New(resolver, &fakeRunner{}, nil, testOptions(), nil)

	tests := []struct {
		name     string
		outcomes []ads.AdSelectionOutcome
		cfg      Config
	}{
		{"no seller", outcomesWithBids(1), Config{SelectionLogicURI: "https://seller.example/s.js"}},
		{"no outcomes", nil, Config{Seller: "seller.example", SelectionLogicURI: "https://seller.example/s.js"}},
		{"no uri", outcomesWithBids(1), Config{Seller: "seller.example"}},
		{"http", outcomesWithBids(1), Config{Seller: "seller.example", SelectionLogicURI: "http://seller.example/s.js"}},
		{"host mismatch", outcomesWithBids(1), Config{Seller: "seller.example", SelectionLogicURI: "https://evil.example/s.js"}},
		{"unknown id", outcomesWithBids(1), Config{Seller: "seller.example", OutcomeIDs: []int64{7}, SelectionLogicURI: "https://seller.example/s.js"}},
		{"bad signals", outcomesWithBids(1), Config{Seller: "seller.example", SelectionSignals: json.RawMessage(`{`), SelectionLogicURI: "https://seller.example/s.js"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			round, err := o.Run(context.Background(), tt.outcomes, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, round)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&resolver.calls))
}

func TestConfigHash(t *testing.T) {
	a := Config{Seller: "s", SelectionLogicURI: "https://s/x", SelectionSignals: json.RawMessage(`{"a": 1}`)}
	b := Config{Seller: "s", SelectionLogicURI: "https://s/x", SelectionSignals: json.RawMessage(`{"a":1}`)}
	c := Config{Seller: "s", SelectionLogicURI: "https://s/y"}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.Hash(), 64)
}

func TestParticipantsFollowOutcomeIDs(t *testing.T) {
	cfg := Config{OutcomeIDs: []int64{102, 100}}
	got, err := cfg.participants(outcomesWithBids(1, 2, 3))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(102), got[0].ID)
	assert.Equal(t, int64(100), got[1].ID)
}
