package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// BiddingInput carries the arguments of a generateBid call.
type BiddingInput struct {
	Audience              ads.CustomAudience
	Ads                   []ads.CandidateAd
	AuctionSignals        json.RawMessage
	PerBuyerSignals       json.RawMessage
	TrustedBiddingSignals json.RawMessage
	ContextualSignals     json.RawMessage
}

// ScoringCandidate is one bid offered to the seller's scoreAd.
type ScoringCandidate struct {
	Bid     ads.AdWithBid
	Signals *ads.CustomAudienceSignals
}

// ScoringInput carries the arguments of a scoreAd run.
type ScoringInput struct {
	Candidates            []ScoringCandidate
	AuctionConfig         json.RawMessage
	SellerSignals         json.RawMessage
	TrustedScoringSignals json.RawMessage
	ContextualSignals     json.RawMessage
	UserSignals           json.RawMessage
}

// Result is the parsed return value of the entry point.
type Result struct {
	Status  int64
	Results []gjson.Result
}

// Engine wraps decision logic and runs it on an Evaluator.
type Engine struct {
	evaluator    Evaluator
	maxHeapBytes int64
}

// NewEngine creates an engine. maxHeapBytes of zero leaves the limit to the
// evaluator.
func NewEngine(evaluator Evaluator, maxHeapBytes int64) *Engine {
	return &Engine{evaluator: evaluator, maxHeapBytes: maxHeapBytes}
}

// RunBidding calls generateBid(ad, ...) once per ad inside a single sandbox
// call. Iteration stops at the first non-zero status; bids computed before
// it are returned.
func (e *Engine) RunBidding(ctx context.Context, logic string, in BiddingInput) ([]ads.AdWithBid, error) {
	adsJSON, err := adList(in.Ads)
	if err != nil {
		return nil, err
	}
	caSignals, err := json.Marshal(in.Audience.Signals())
	if err != nil {
		return nil, fmt.Errorf("marshal custom audience signals: %w", err)
	}
	others, err := arguments(
		namedJSON{AuctionSignalsArg, in.AuctionSignals},
		namedJSON{PerBuyerSignalsArg, in.PerBuyerSignals},
		namedJSON{TrustedBiddingSignalsArg, in.TrustedBiddingSignals},
		namedJSON{ContextualSignalsArg, in.ContextualSignals},
		namedJSON{CustomAudienceBiddingSignalsArg, caSignals},
	)
	if err != nil {
		return nil, err
	}

	args := append([]Argument{{Name: AdsArg, JSON: adsJSON}}, others...)
	script := compose(logic, iterativeWrapper, args, callExpr(GenerateBidFunction, []string{adVar}, others))
	res, err := e.run(ctx, GenerateBidFunction, script, args)
	if err != nil {
		return nil, err
	}

	bids, err := parseBids(GenerateBidFunction, res.Results)
	if err != nil {
		return nil, err
	}
	if res.Status != 0 {
		log := logger.Sandbox()
		log.Warn().
			Int64("status", res.Status).
			Int("ads", len(in.Ads)).
			Int("bids", len(bids)).
			Msg("generateBid stopped early, keeping earlier bids")
	}
	return bids, nil
}

// RunBiddingV3 calls generateBid(custom_audience, ...) once with the whole
// audience. The script returns one {ad, bid, render} record.
func (e *Engine) RunBiddingV3(ctx context.Context, logic string, in BiddingInput) ([]ads.AdWithBid, error) {
	audience, err := audienceRecord(in.Audience, in.Ads)
	if err != nil {
		return nil, err
	}
	others, err := arguments(
		namedJSON{AuctionSignalsArg, in.AuctionSignals},
		namedJSON{PerBuyerSignalsArg, in.PerBuyerSignals},
		namedJSON{TrustedBiddingSignalsArg, in.TrustedBiddingSignals},
		namedJSON{ContextualSignalsArg, in.ContextualSignals},
	)
	if err != nil {
		return nil, err
	}

	args := append([]Argument{{Name: CustomAudienceArg, JSON: audience}}, others...)
	script := compose(logic, audienceWrapper, args, callExpr(GenerateBidFunction, nil, args))
	res, err := e.run(ctx, GenerateBidFunction, script, args)
	if err != nil {
		return nil, err
	}
	if res.Status != 0 {
		return nil, malformed(GenerateBidFunction, "result must contain ad, bid and render")
	}
	return parseBids(GenerateBidFunction, res.Results)
}

// RunScoring calls scoreAd for every candidate inside one sandbox call and
// returns one score per candidate, in order.
func (e *Engine) RunScoring(ctx context.Context, logic string, in ScoringInput) ([]float64, error) {
	list := `[]`
	for _, c := range in.Candidates {
		ad, err := adRecord(c.Bid.Ad)
		if err != nil {
			return nil, err
		}
		item, _ := sjson.SetRaw(`{}`, "ad", ad)
		item, _ = sjson.Set(item, "bid", c.Bid.Bid)
		signals := []byte(`{}`)
		if c.Signals != nil {
			if signals, err = json.Marshal(c.Signals); err != nil {
				return nil, fmt.Errorf("marshal custom audience signals: %w", err)
			}
		}
		item, _ = sjson.SetRaw(item, "custom_audience_signals", string(signals))
		if list, err = sjson.SetRaw(list, "-1", item); err != nil {
			return nil, fmt.Errorf("build scoring candidates: %w", err)
		}
	}

	others, err := arguments(
		namedJSON{AuctionConfigArg, in.AuctionConfig},
		namedJSON{SellerSignalsArg, in.SellerSignals},
		namedJSON{TrustedScoringSignalsArg, in.TrustedScoringSignals},
		namedJSON{ContextualSignalsArg, in.ContextualSignals},
		namedJSON{UserSignalsArg, in.UserSignals},
	)
	if err != nil {
		return nil, err
	}

	args := append([]Argument{{Name: AdsArg, JSON: list}}, others...)
	perAd := append(append([]Argument{}, others...), Argument{Name: adVar + ".custom_audience_signals"})
	call := callExpr(ScoreAdFunction, []string{adVar + ".ad", adVar + ".bid"}, perAd)
	script := compose(logic, iterativeWrapper, args, call)
	res, err := e.run(ctx, ScoreAdFunction, script, args)
	if err != nil {
		return nil, err
	}
	if res.Status != 0 || len(res.Results) != len(in.Candidates) {
		return nil, malformed(ScoreAdFunction, "expected %d scores, got %d with status %d",
			len(in.Candidates), len(res.Results), res.Status)
	}

	scores := make([]float64, len(res.Results))
	for i, r := range res.Results {
		score := r.Get("score")
		if score.Type != gjson.Number {
			return nil, malformed(ScoreAdFunction, "score %d is not a number", i)
		}
		scores[i] = score.Float()
	}
	return scores, nil
}

// RunSelection calls selectOutcome(outcomes, selection_signals) and returns
// the selected id, or nil when the script selected nothing.
func (e *Engine) RunSelection(ctx context.Context, logic string, outcomes []ads.AdSelectionOutcome, selectionSignals json.RawMessage) (*int64, error) {
	list := `[]`
	for _, o := range outcomes {
		// ids travel as strings so 64-bit values survive JS numbers
		item, _ := sjson.Set(`{}`, "id", strconv.FormatInt(o.ID, 10))
		item, _ = sjson.Set(item, "bid", o.Bid)
		if o.RenderURI != "" {
			item, _ = sjson.Set(item, "render_uri", o.RenderURI)
		}
		var err error
		if list, err = sjson.SetRaw(list, "-1", item); err != nil {
			return nil, fmt.Errorf("build outcomes: %w", err)
		}
	}
	others, err := arguments(namedJSON{SelectionSignalsArg, selectionSignals})
	if err != nil {
		return nil, err
	}

	args := append([]Argument{{Name: OutcomesArg, JSON: list}}, others...)
	script := compose(logic, batchWrapper, args, callExpr(SelectOutcomeFunction, nil, args))
	res, err := e.run(ctx, SelectOutcomeFunction, script, args)
	if err != nil {
		return nil, err
	}
	if res.Status != 0 || len(res.Results) != 1 {
		return nil, malformed(SelectOutcomeFunction, "script failed with status '%d' or returned %d results", res.Status, len(res.Results))
	}

	selected := res.Results[0]
	if selected.Type == gjson.Null {
		return nil, nil
	}
	id, err := strconv.ParseInt(selected.Get("id").String(), 10, 64)
	if err != nil {
		return nil, malformed(SelectOutcomeFunction, "result id is invalid: %s", selected.Raw)
	}
	return &id, nil
}

func (e *Engine) run(ctx context.Context, function, script string, args []Argument) (*Result, error) {
	raw, err := e.evaluator.Evaluate(ctx, EvalRequest{
		Script:       script,
		EntryPoint:   EntryPoint,
		Args:         args,
		MaxHeapBytes: e.maxHeapBytes,
	})
	if err != nil {
		var execErr *ExecutionError
		switch {
		case ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
			return nil, err
		case errors.Is(err, ErrFunctionNotFound), errors.As(err, &execErr):
			return nil, err
		}
		return nil, &ExecutionError{Function: function, Err: err}
	}
	return ParseResult(function, raw)
}

// ParseResult parses the {status, results} object returned by every wrapper.
func ParseResult(function, raw string) (*Result, error) {
	if !gjson.Valid(raw) {
		return nil, malformed(function, "result is not valid JSON")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return nil, malformed(function, "result is not an object")
	}
	status := parsed.Get("status")
	if status.Type != gjson.Number {
		return nil, malformed(function, "missing status")
	}
	res := &Result{Status: status.Int()}
	results := parsed.Get("results")
	switch {
	case results.IsArray():
		res.Results = results.Array()
	case results.Type == gjson.Null:
	default:
		return nil, malformed(function, "results is not an array")
	}
	return res, nil
}

func parseBids(function string, results []gjson.Result) ([]ads.AdWithBid, error) {
	bids := make([]ads.AdWithBid, 0, len(results))
	for i, r := range results {
		bid := r.Get("bid")
		if bid.Type != gjson.Number {
			return nil, malformed(function, "bid %d is not a number", i)
		}
		ad := r.Get("ad")
		if !ad.IsObject() {
			return nil, malformed(function, "ad %d is not an object", i)
		}
		candidate := ads.CandidateAd{RenderURI: ad.Get("render_uri").String()}
		if meta := ad.Get("metadata"); meta.Exists() && meta.Type != gjson.Null {
			candidate.Metadata = json.RawMessage(meta.Raw)
		}
		bids = append(bids, ads.AdWithBid{Ad: candidate, Bid: bid.Float()})
	}
	return bids, nil
}

// adRecord is the script-visible form of an ad. Counter keys and filters
// stay on the host.
func adRecord(ad ads.CandidateAd) (string, error) {
	out, err := sjson.Set(`{}`, "render_uri", ad.RenderURI)
	if err != nil {
		return "", err
	}
	meta, err := rawOrEmpty("metadata", ad.Metadata)
	if err != nil {
		return "", err
	}
	return sjson.SetRaw(out, "metadata", meta)
}

func adList(candidates []ads.CandidateAd) (string, error) {
	list := `[]`
	for _, ad := range candidates {
		rec, err := adRecord(ad)
		if err != nil {
			return "", err
		}
		if list, err = sjson.SetRaw(list, "-1", rec); err != nil {
			return "", fmt.Errorf("build ads: %w", err)
		}
	}
	return list, nil
}

func audienceRecord(ca ads.CustomAudience, candidates []ads.CandidateAd) (string, error) {
	list, err := adList(candidates)
	if err != nil {
		return "", err
	}
	userSignals, err := rawOrEmpty("user_bidding_signals", ca.UserBiddingSignals)
	if err != nil {
		return "", err
	}
	out, _ := sjson.Set(`{}`, "owner", ca.Owner)
	out, _ = sjson.Set(out, "buyer", ca.Buyer)
	out, _ = sjson.Set(out, "name", ca.Name)
	out, _ = sjson.SetRaw(out, "userBiddingSignals", userSignals)
	return sjson.SetRaw(out, "ads", list)
}

type namedJSON struct {
	name string
	raw  []byte
}

// arguments validates raw values and binds them to parameter names. Empty
// values become {}.
func arguments(in ...namedJSON) ([]Argument, error) {
	args := make([]Argument, 0, len(in))
	for _, n := range in {
		value, err := rawOrEmpty(n.name, n.raw)
		if err != nil {
			return nil, err
		}
		args = append(args, Argument{Name: n.name, JSON: value})
	}
	return args, nil
}

func rawOrEmpty(name string, raw []byte) (string, error) {
	if len(raw) == 0 {
		return `{}`, nil
	}
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("argument %s is not valid JSON", name)
	}
	return string(raw), nil
}
