package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
)

type recordingEvaluator struct {
	result string
	err    error
	reqs   []EvalRequest
}

func (r *recordingEvaluator) Evaluate(_ context.Context, req EvalRequest) (string, error) {
	r.reqs = append(r.reqs, req)
	return r.result, r.err
}

func (r *recordingEvaluator) arg(t *testing.T, name string) string {
	t.Helper()
	require.Len(t, r.reqs, 1)
	for _, a := range r.reqs[0].Args {
		if a.Name == name {
			return a.JSON
		}
	}
	t.Fatalf("argument %s not passed", name)
	return ""
}

func testAudience() ads.CustomAudience {
	return ads.CustomAudience{
		Owner:              "com.example.app",
		Buyer:              "buyer.example",
		Name:               "shoes",
		UserBiddingSignals: json.RawMessage(`{"size":42}`),
		BiddingLogicURI:    "https://buyer.example/bid.js",
		Ads: []ads.CandidateAd{
			{RenderURI: "https://buyer.example/ad/1", Metadata: json.RawMessage(`{"result":1}`), AdCounterKeys: []string{"k1"}},
			{RenderURI: "https://buyer.example/ad/2"},
		},
	}
}

func TestRunBiddingWrapsLogicAndParsesBids(t *testing.T) {
	eval := &recordingEvaluator{result: `{"status":0,"results":[
		{"status":0,"ad":{"render_uri":"https://buyer.example/ad/1","metadata":{"result":1}},"bid":1.5},
		{"status":0,"ad":{"render_uri":"https://buyer.example/ad/2"},"bid":0}]}`}
	engine := NewEngine(eval, 1<<20)
	ca := testAudience()

	bids, err := engine.RunBidding(context.Background(), "function generateBid() {}", BiddingInput{
		Audience:       ca,
		Ads:            ca.Ads,
		AuctionSignals: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, 1.5, bids[0].Bid)
	assert.Equal(t, "https://buyer.example/ad/1", bids[0].Ad.RenderURI)
	assert.JSONEq(t, `{"result":1}`, string(bids[0].Ad.Metadata))
	assert.Nil(t, bids[1].Ad.Metadata)

	req := eval.reqs[0]
	assert.Equal(t, EntryPoint, req.EntryPoint)
	assert.Equal(t, int64(1<<20), req.MaxHeapBytes)
	assert.True(t, strings.HasPrefix(req.Script, "function generateBid() {}\n"))
	assert.Contains(t, req.Script, "generateBid(ad, __rb_auction_signals, __rb_per_buyer_signals, __rb_trusted_bidding_signals, __rb_contextual_signals, __rb_custom_audience_bidding_signals)")
	assert.Equal(t, AdsArg, req.Args[0].Name)

	// counter keys never reach the script
	assert.NotContains(t, eval.arg(t, AdsArg), "k1")
	assert.JSONEq(t, `{"a":1}`, eval.arg(t, AuctionSignalsArg))
	assert.JSONEq(t, `{}`, eval.arg(t, PerBuyerSignalsArg))
	assert.Contains(t, eval.arg(t, CustomAudienceBiddingSignalsArg), `"name":"shoes"`)
}

func TestRunBiddingKeepsBidsBeforeFailedAd(t *testing.T) {
	eval := &recordingEvaluator{result: `{"status":1,"results":[
		{"status":0,"ad":{"render_uri":"https://buyer.example/ad/1"},"bid":2}]}`}
	ca := testAudience()

	bids, err := NewEngine(eval, 0).RunBidding(context.Background(), "", BiddingInput{Audience: ca, Ads: ca.Ads})
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, 2.0, bids[0].Bid)
}

func TestRunBiddingMalformed(t *testing.T) {
	ca := testAudience()
	tests := []struct {
		name   string
		result string
	}{
		{"not json", `nope`},
		{"no status", `{"results":[]}`},
		{"results not array", `{"status":0,"results":5}`},
		{"string bid", `{"status":0,"results":[{"status":0,"ad":{"render_uri":"x"},"bid":"1"}]}`},
		{"missing ad", `{"status":0,"results":[{"status":0,"bid":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(&recordingEvaluator{result: tt.result}, 0).
				RunBidding(context.Background(), "", BiddingInput{Audience: ca, Ads: ca.Ads})
			var malformedErr *MalformedResultError
			require.ErrorAs(t, err, &malformedErr)
			assert.Equal(t, GenerateBidFunction, malformedErr.Function)
		})
	}
}

func TestRunBiddingRejectsInvalidSignals(t *testing.T) {
	ca := testAudience()
	eval := &recordingEvaluator{}
	_, err := NewEngine(eval, 0).RunBidding(context.Background(), "", BiddingInput{
		Audience:        ca,
		Ads:             ca.Ads,
		PerBuyerSignals: json.RawMessage(`{bad`),
	})
	require.Error(t, err)
	assert.Empty(t, eval.reqs)
}

func TestRunBiddingEvaluatorErrors(t *testing.T) {
	ca := testAudience()
	in := BiddingInput{Audience: ca, Ads: ca.Ads}

	_, err := NewEngine(&recordingEvaluator{err: ErrFunctionNotFound}, 0).RunBidding(context.Background(), "", in)
	assert.ErrorIs(t, err, ErrFunctionNotFound)

	_, err = NewEngine(&recordingEvaluator{err: context.DeadlineExceeded}, 0).RunBidding(context.Background(), "", in)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var clientTimeout *ExecutionError
	assert.ErrorAs(t, err, &clientTimeout)

	_, err = NewEngine(&recordingEvaluator{err: errors.New("heap exhausted")}, 0).RunBidding(context.Background(), "", in)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, GenerateBidFunction, execErr.Function)
	assert.Contains(t, err.Error(), "heap exhausted")
}

func TestRunBiddingV3(t *testing.T) {
	eval := &recordingEvaluator{result: `{"status":0,"results":[{"ad":{"render_uri":"https://buyer.example/ad/2"},"bid":3.25}]}`}
	ca := testAudience()

	bids, err := NewEngine(eval, 0).RunBiddingV3(context.Background(), "function generateBid(ca) {}", BiddingInput{Audience: ca, Ads: ca.Ads})
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, 3.25, bids[0].Bid)

	req := eval.reqs[0]
	assert.Equal(t, CustomAudienceArg, req.Args[0].Name)
	assert.Contains(t, req.Script, "generateBid(__rb_custom_audience, __rb_auction_signals")
	assert.Contains(t, req.Script, "'render' in script_result")

	audience := eval.arg(t, CustomAudienceArg)
	assert.Contains(t, audience, `"userBiddingSignals":{"size":42}`)
	assert.Contains(t, audience, `"render_uri":"https://buyer.example/ad/2"`)
}

func TestRunBiddingV3MissingRender(t *testing.T) {
	ca := testAudience()
	_, err := NewEngine(&recordingEvaluator{result: `{"status":-1,"results":null}`}, 0).
		RunBiddingV3(context.Background(), "", BiddingInput{Audience: ca, Ads: ca.Ads})
	var malformedErr *MalformedResultError
	assert.ErrorAs(t, err, &malformedErr)
}

func TestRunScoring(t *testing.T) {
	eval := &recordingEvaluator{result: `{"status":0,"results":[{"status":0,"score":4},{"status":0,"score":0.5}]}`}
	signals := testAudience().Signals()
	candidates := []ScoringCandidate{
		{Bid: ads.AdWithBid{Ad: ads.CandidateAd{RenderURI: "https://a/1"}, Bid: 4}, Signals: &signals},
		{Bid: ads.AdWithBid{Ad: ads.CandidateAd{RenderURI: "https://b/1"}, Bid: 0.5}},
	}

	scores, err := NewEngine(eval, 0).RunScoring(context.Background(), "function scoreAd() {}", ScoringInput{
		Candidates:    candidates,
		SellerSignals: json.RawMessage(`{"floor":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 0.5}, scores)

	req := eval.reqs[0]
	assert.Contains(t, req.Script, "scoreAd(ad.ad, ad.bid, __rb_ad_selection_config, __rb_seller_signals, __rb_trusted_scoring_signals, __rb_contextual_signals, __rb_user_signals, ad.custom_audience_signals)")
	list := eval.arg(t, AdsArg)
	assert.Contains(t, list, `"custom_audience_signals":{}`)
	assert.Contains(t, list, `"bid":0.5`)
}

func TestRunScoringCountMismatch(t *testing.T) {
	eval := &recordingEvaluator{result: `{"status":2,"results":[{"status":0,"score":4}]}`}
	candidates := []ScoringCandidate{{Bid: ads.AdWithBid{Bid: 4}}, {Bid: ads.AdWithBid{Bid: 1}}}

	_, err := NewEngine(eval, 0).RunScoring(context.Background(), "", ScoringInput{Candidates: candidates})
	var malformedErr *MalformedResultError
	require.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, ScoreAdFunction, malformedErr.Function)
}

func TestRunSelection(t *testing.T) {
	outcomes := []ads.AdSelectionOutcome{{ID: 9007199254740993, Bid: 10}, {ID: 2, Bid: 11}}

	eval := &recordingEvaluator{result: `{"status":0,"results":[{"id":"9007199254740993","bid":10}]}`}
	id, err := NewEngine(eval, 0).RunSelection(context.Background(), "function selectOutcome() {}", outcomes, json.RawMessage(`{"bidFloor":1}`))
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(9007199254740993), *id)

	req := eval.reqs[0]
	assert.Contains(t, req.Script, "selectOutcome(__rb_outcomes, selection_signals)")
	assert.Contains(t, eval.arg(t, OutcomesArg), `"id":"9007199254740993"`)
	assert.JSONEq(t, `{"bidFloor":1}`, eval.arg(t, SelectionSignalsArg))
}

func TestRunSelectionNoWinner(t *testing.T) {
	eval := &recordingEvaluator{result: `{"status":0,"results":[null]}`}
	id, err := NewEngine(eval, 0).RunSelection(context.Background(), "", []ads.AdSelectionOutcome{{ID: 1, Bid: 1}}, nil)
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestRunSelectionMalformed(t *testing.T) {
	tests := []struct {
		name   string
		result string
	}{
		{"failed status", `{"status":-1,"results":[]}`},
		{"two results", `{"status":0,"results":[{"id":"1"},{"id":"2"}]}`},
		{"bad id", `{"status":0,"results":[{"id":"abc"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(&recordingEvaluator{result: tt.result}, 0).
				RunSelection(context.Background(), "", []ads.AdSelectionOutcome{{ID: 1, Bid: 1}}, nil)
			var malformedErr *MalformedResultError
			require.ErrorAs(t, err, &malformedErr)
			assert.Equal(t, SelectOutcomeFunction, malformedErr.Function)
		})
	}
}

func TestParseResultNullResults(t *testing.T) {
	res, err := ParseResult("f", `{"status":-1,"results":null}`)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.Status)
	assert.Empty(t, res.Results)
}

func TestRoundError(t *testing.T) {
	live := context.Background()
	expired, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, RoundError(live, nil))
	assert.Same(t, context.Canceled, RoundError(expired, context.Canceled))

	clientTimeout := fmt.Errorf("call sandbox service: %w", context.DeadlineExceeded)
	var failed *errortypes.SandboxExecutionFailed
	require.ErrorAs(t, RoundError(live, clientTimeout), &failed)
	assert.ErrorIs(t, RoundError(live, clientTimeout), context.DeadlineExceeded)

	var malformedErr *errortypes.MalformedScriptResult
	assert.ErrorAs(t, RoundError(live, malformed(ScoreAdFunction, "bad")), &malformedErr)
}
