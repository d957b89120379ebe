package sandbox

import (
	"fmt"
	"strings"
)

// Function names called inside decision logic.
const (
	GenerateBidFunction   = "generateBid"
	ScoreAdFunction       = "scoreAd"
	SelectOutcomeFunction = "selectOutcome"
)

// Wrapper parameter names.
const (
	AdsArg                          = "__rb_ads"
	AuctionSignalsArg               = "__rb_auction_signals"
	PerBuyerSignalsArg              = "__rb_per_buyer_signals"
	TrustedBiddingSignalsArg        = "__rb_trusted_bidding_signals"
	ContextualSignalsArg            = "__rb_contextual_signals"
	CustomAudienceBiddingSignalsArg = "__rb_custom_audience_bidding_signals"
	CustomAudienceArg               = "__rb_custom_audience"
	AuctionConfigArg                = "__rb_ad_selection_config"
	SellerSignalsArg                = "__rb_seller_signals"
	TrustedScoringSignalsArg        = "__rb_trusted_scoring_signals"
	UserSignalsArg                  = "__rb_user_signals"
	OutcomesArg                     = "__rb_outcomes"
	SelectionSignalsArg             = "selection_signals"

	adVar = "ad"
)

// iterativeWrapper calls the per-ad expression for each element of __rb_ads
// and stops at the first result whose status is missing or non-zero.
const iterativeWrapper = `function ` + EntryPoint + `(%s) {
  let status = 0;
  const results = [];
  for (const ` + adVar + ` of ` + AdsArg + `) {
    const script_result = %s;
    if (script_result === Object(script_result) && 'status' in script_result) {
      status = script_result.status;
    } else {
      status = -1;
    }
    if (status != 0) break;
    results.push(script_result);
  }
  return {'status': status, 'results': results};
};`

// batchWrapper calls the expression once and requires status and result.
const batchWrapper = `function ` + EntryPoint + `(%s) {
  let status = 0;
  const results = [];
  const script_result = %s;
  if (script_result === Object(script_result) && 'status' in script_result && 'result' in script_result) {
    status = script_result.status;
    results.push(script_result.result);
  } else {
    status = -1;
  }
  return {'status': status, 'results': results};
};`

// audienceWrapper calls generateBid once with the whole audience and
// requires ad, bid and render.
const audienceWrapper = `function ` + EntryPoint + `(%s) {
  let status = 0;
  let results = null;
  const script_result = %s;
  if (script_result === Object(script_result) && 'ad' in script_result && 'bid' in script_result && 'render' in script_result) {
    results = [{'ad': script_result.ad, 'bid': script_result.bid}];
  } else {
    status = -1;
  }
  return {'status': status, 'results': results};
};`

func argNames(args []Argument) []string {
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.Name
	}
	return names
}

// compose appends a wrapper to the decision logic.
func compose(logic, wrapper string, args []Argument, call string) string {
	return logic + "\n" + fmt.Sprintf(wrapper, strings.Join(argNames(args), ", "), call)
}

// callExpr renders fn(first, rest...) where rest are the parameter names of
// args.
func callExpr(fn string, first []string, args []Argument) string {
	params := append(append([]string{}, first...), argNames(args)...)
	return fn + "(" + strings.Join(params, ", ") + ")"
}
