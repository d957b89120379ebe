package prebuilt

const (
	// Scheme is the reserved URI scheme for locally generated logic.
	Scheme = "ad-selection-prebuilt"

	// UseCaseAdSelection holds seller scoring templates.
	UseCaseAdSelection = "ad-selection"
	// UseCaseAdSelectionFromOutcomes holds outcome selection templates.
	UseCaseAdSelectionFromOutcomes = "ad-selection-from-outcomes"

	HighestBidWins               = "highest-bid-wins"
	WaterfallMediationTruncation = "waterfall-mediation-truncation"
	PickHighest                  = "pick-highest"
)

const highestBidWinsJS = `function scoreAd(ad, bid, auction_config, seller_signals, trusted_scoring_signals, contextual_signal, user_signal, custom_audience_signal) {
    return {'status': 0, 'score': bid };
}
function reportResult(ad_selection_config, render_uri, bid, contextual_signals) {
    return {'status': 0, 'results': {'signals_for_buyer': '{"signals_for_buyer" : 1}', 'reporting_uri': '${reportingUrl}' } };
}`

const waterfallMediationTruncationJS = `function selectOutcome(outcomes, selection_signals) {
    if (outcomes.length != 1 || selection_signals.${bidFloor} == undefined) return null;

    const outcome_1p = outcomes[0];
    return {'status': 0, 'result': (outcome_1p.bid > selection_signals.${bidFloor}) ? outcome_1p : null};
}`

const pickHighestJS = `function selectOutcome(outcomes, selection_signals) {
    let max_bid = 0;
    let winner_outcome = null;
    for (let outcome of outcomes) {
        if (outcome.bid > max_bid) {
            max_bid = outcome.bid;
            winner_outcome = outcome;
        }
    }
    return {'status': 0, 'result': winner_outcome};
}`

func defaultRegistry() map[string]map[string]string {
	return map[string]map[string]string{
		UseCaseAdSelection: {
			HighestBidWins: highestBidWinsJS,
		},
		UseCaseAdSelectionFromOutcomes: {
			WaterfallMediationTruncation: waterfallMediationTruncationJS,
			PickHighest:                  pickHighestJS,
		},
	}
}
