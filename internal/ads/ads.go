// Package ads defines the value types exchanged by the bidding, filtering and
// outcome selection pipeline. All values are created per round and treated as
// immutable once built.
package ads

import (
	"encoding/json"
	"time"
)

// CandidateAd is a single ad that may take part in an auction.
type CandidateAd struct {
	RenderURI     string          `json:"render_uri"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	AdCounterKeys []string        `json:"ad_counter_keys,omitempty"`
	Filters       *AdFilters      `json:"ad_filters,omitempty"`
}

// AdWithBid pairs an ad with the bid computed for it.
type AdWithBid struct {
	Ad  CandidateAd `json:"ad"`
	Bid float64     `json:"bid"`
}

// TrustedBiddingData declares where an audience's trusted bidding signals
// come from and which keys it reads.
type TrustedBiddingData struct {
	URI  string   `json:"uri"`
	Keys []string `json:"keys,omitempty"`
}

// CustomAudience is a buyer-owned group of candidate ads sharing bidding
// logic and a trusted signals source.
type CustomAudience struct {
	Owner              string             `json:"owner"`
	Buyer              string             `json:"buyer"`
	Name               string             `json:"name"`
	ActivationTime     time.Time          `json:"activation_time"`
	ExpirationTime     time.Time          `json:"expiration_time"`
	UserBiddingSignals json.RawMessage    `json:"user_bidding_signals,omitempty"`
	BiddingLogicURI    string             `json:"bidding_logic_uri"`
	TrustedBidding     TrustedBiddingData `json:"trusted_bidding_data"`
	Ads                []CandidateAd      `json:"ads"`
}

// Key identifies the audience for overrides and win-scoped frequency caps.
func (ca CustomAudience) Key() AudienceKey {
	return AudienceKey{Owner: ca.Owner, Buyer: ca.Buyer, Name: ca.Name}
}

// Signals derives the signals record handed to bidding scripts.
func (ca CustomAudience) Signals() CustomAudienceSignals {
	return CustomAudienceSignals{
		Owner:              ca.Owner,
		Buyer:              ca.Buyer,
		Name:               ca.Name,
		ActivationTime:     ca.ActivationTime,
		ExpirationTime:     ca.ExpirationTime,
		UserBiddingSignals: ca.UserBiddingSignals,
	}
}

// WithAds returns a copy of the audience holding only the given ads.
func (ca CustomAudience) WithAds(candidates []CandidateAd) CustomAudience {
	ca.Ads = candidates
	return ca
}

// AudienceKey is the (owner, buyer, name) identity of a custom audience.
type AudienceKey struct {
	Owner string `json:"owner"`
	Buyer string `json:"buyer"`
	Name  string `json:"name"`
}

// String renders the key as owner/buyer/name.
func (k AudienceKey) String() string {
	return k.Owner + "/" + k.Buyer + "/" + k.Name
}

// CustomAudienceSignals is the audience data exposed to bidding scripts.
type CustomAudienceSignals struct {
	Owner              string          `json:"owner"`
	Buyer              string          `json:"buyer"`
	Name               string          `json:"name"`
	ActivationTime     time.Time       `json:"activation_time"`
	ExpirationTime     time.Time       `json:"expiration_time"`
	UserBiddingSignals json.RawMessage `json:"user_bidding_signals,omitempty"`
}

// CustomAudienceBiddingInfo records the logic used to bid for one audience
// so a winning bid can be attributed to the script version that produced it.
type CustomAudienceBiddingInfo struct {
	BiddingLogicURI      string                `json:"bidding_logic_uri"`
	BuyerDecisionLogicJS string                `json:"-"`
	LogicVersion         int64                 `json:"logic_version"`
	Signals              CustomAudienceSignals `json:"custom_audience_signals"`
}

// ContextualAds are buyer ads delivered with the auction request itself.
// They already carry bids and are not tied to a persisted audience.
type ContextualAds struct {
	Buyer            string      `json:"buyer"`
	DecisionLogicURI string      `json:"decision_logic_uri"`
	Ads              []AdWithBid `json:"ads"`
}

// AdSelectionOutcome is the unit exchanged during outcome selection.
type AdSelectionOutcome struct {
	ID        int64   `json:"ad_selection_id"`
	Bid       float64 `json:"bid"`
	RenderURI string  `json:"render_uri"`
}
