// Package endpoints provides HTTP endpoint handlers
package endpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/auction"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/scoring"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// AuctionRunner runs auctions. *auction.Runner implements it.
type AuctionRunner interface {
	Run(ctx context.Context, req *auction.Request) (*auction.Result, error)
}

// AuctionHandler handles /v1/auction requests
type AuctionHandler struct {
	runner AuctionRunner
}

// NewAuctionHandler creates a new auction handler
func NewAuctionHandler(runner AuctionRunner) *AuctionHandler {
	return &AuctionHandler{runner: runner}
}

type auctionRequest struct {
	Seller                string                     `json:"seller"`
	DecisionLogicURI      string                     `json:"decision_logic_uri"`
	SellerSignals         json.RawMessage            `json:"seller_signals,omitempty"`
	TrustedScoringSignals json.RawMessage            `json:"trusted_scoring_signals,omitempty"`
	AuctionSignals        json.RawMessage            `json:"auction_signals,omitempty"`
	PerBuyerSignals       map[string]json.RawMessage `json:"per_buyer_signals,omitempty"`
	ContextualSignals     json.RawMessage            `json:"contextual_signals,omitempty"`
	TrustedBiddingSignals map[string]json.RawMessage `json:"trusted_bidding_signals,omitempty"`
	CustomAudiences       []ads.CustomAudience       `json:"custom_audiences,omitempty"`
	ContextualAds         []ads.ContextualAds        `json:"contextual_ads,omitempty"`
	TimeoutMillis         int64                      `json:"timeout_ms,omitempty"`
}

type winnerResponse struct {
	RenderURI   string                         `json:"render_uri"`
	Metadata    json.RawMessage                `json:"metadata,omitempty"`
	Bid         float64                        `json:"bid"`
	Score       float64                        `json:"score"`
	Buyer       string                         `json:"buyer"`
	Audience    *ads.AudienceKey               `json:"custom_audience,omitempty"`
	BiddingInfo *ads.CustomAudienceBiddingInfo `json:"bidding_info,omitempty"`
}

type audienceDebug struct {
	Audience  string   `json:"custom_audience"`
	Bid       *float64 `json:"bid,omitempty"`
	Error     string   `json:"error,omitempty"`
	LatencyMS int64    `json:"latency_ms"`
}

type auctionResponse struct {
	RoundID   string              `json:"round_id"`
	Winner    *winnerResponse     `json:"winner"`
	Errors    map[string][]string `json:"errors,omitempty"`
	LatencyMS int64               `json:"latency_ms"`
	Audiences []audienceDebug     `json:"audiences,omitempty"`
}

// ServeHTTP handles the auction request
func (h *AuctionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body auctionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validateAuctionRequest(&body); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	result, err := h.runner.Run(ctx, &auction.Request{
		Seller: scoring.SellerConfig{
			Seller:                body.Seller,
			DecisionLogicURI:      body.DecisionLogicURI,
			SellerSignals:         body.SellerSignals,
			TrustedScoringSignals: body.TrustedScoringSignals,
		},
		AuctionSignals:        body.AuctionSignals,
		PerBuyerSignals:       body.PerBuyerSignals,
		ContextualSignals:     body.ContextualSignals,
		TrustedBiddingSignals: body.TrustedBiddingSignals,
		CustomAudiences:       body.CustomAudiences,
		ContextualAds:         body.ContextualAds,
		Timeout:               time.Duration(body.TimeoutMillis) * time.Millisecond,
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("seller", body.Seller).Msg("auction failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, buildAuctionResponse(result, r.URL.Query().Get("debug") == "1"))
}

// validateAuctionRequest validates the auction request
func validateAuctionRequest(req *auctionRequest) error {
	if req.Seller == "" {
		return fieldError("seller", "required")
	}
	if req.DecisionLogicURI == "" {
		return fieldError("decision_logic_uri", "required")
	}
	if len(req.CustomAudiences) == 0 && len(req.ContextualAds) == 0 {
		return fieldError("custom_audiences|contextual_ads", "at least one source of ads required")
	}
	for i, ca := range req.CustomAudiences {
		if ca.Buyer == "" || ca.Name == "" {
			return &ValidationError{Field: "custom_audiences[].buyer|name", Message: "required", Index: i}
		}
	}
	if req.TimeoutMillis < 0 {
		return fieldError("timeout_ms", "must not be negative")
	}
	return nil
}

// buildAuctionResponse flattens the result; debug adds per-audience detail
func buildAuctionResponse(result *auction.Result, debug bool) *auctionResponse {
	resp := &auctionResponse{
		RoundID:   result.RoundID,
		LatencyMS: result.Latency.Milliseconds(),
	}
	if len(result.Errors) > 0 {
		resp.Errors = result.Errors
	}
	if w := result.Winner; w != nil {
		resp.Winner = &winnerResponse{
			RenderURI:   w.Ad.Ad.RenderURI,
			Metadata:    w.Ad.Ad.Metadata,
			Bid:         w.Ad.Bid,
			Score:       w.Score,
			Buyer:       w.Buyer,
			Audience:    w.Audience,
			BiddingInfo: w.BiddingInfo,
		}
	}
	if debug {
		for _, ar := range result.PerAudience {
			d := audienceDebug{Audience: ar.Audience.String(), LatencyMS: ar.Latency.Milliseconds()}
			if ar.Bid != nil {
				bid := ar.Bid.Bid.Bid
				d.Bid = &bid
			}
			if ar.Err != nil {
				d.Error = ar.Err.Error()
			}
			resp.Audiences = append(resp.Audiences, d)
		}
	}
	return resp
}
