package endpoints

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/scoring"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/selection"
)

// OverridesHandler lets developers register logic that replaces network
// fetches. It is only routed when developer overrides are enabled.
type OverridesHandler struct {
	store overrides.Writer
}

// NewOverridesHandler creates a new overrides handler
func NewOverridesHandler(store overrides.Writer) *OverridesHandler {
	return &OverridesHandler{store: store}
}

type biddingOverrideRequest struct {
	Audience ads.AudienceKey    `json:"custom_audience"`
	Override overrides.Override `json:"override"`
}

type scoringOverrideRequest struct {
	Config   scoring.SellerConfig `json:"config"`
	Override overrides.Override   `json:"override"`
}

type selectionOverrideRequest struct {
	Config   selection.Config   `json:"config"`
	Override overrides.Override `json:"override"`
}

// SetBidding handles PUT /v1/overrides/bidding
func (h *OverridesHandler) SetBidding(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body biddingOverrideRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validateAudienceKey(body.Audience); err != nil {
		writeError(w, err)
		return
	}
	if body.Override.Logic == "" {
		writeError(w, fieldError("override.logic", "required"))
		return
	}
	if err := h.store.SetBidding(r.Context(), body.Audience, body.Override); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveBidding handles DELETE /v1/overrides/bidding
func (h *OverridesHandler) RemoveBidding(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body biddingOverrideRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validateAudienceKey(body.Audience); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.RemoveBidding(r.Context(), body.Audience); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetScoring handles PUT /v1/overrides/scoring. The override applies to
// auctions whose seller fields match the given config exactly.
func (h *OverridesHandler) SetScoring(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body scoringOverrideRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Config.Seller == "" {
		writeError(w, fieldError("config.seller", "required"))
		return
	}
	if body.Override.Logic == "" {
		writeError(w, fieldError("override.logic", "required"))
		return
	}
	key := body.Config.Key()
	if err := h.store.SetScoring(r.Context(), key, body.Override); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"config_hash": key.ConfigHash})
}

// RemoveScoring handles DELETE /v1/overrides/scoring
func (h *OverridesHandler) RemoveScoring(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body scoringOverrideRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.RemoveScoring(r.Context(), body.Config.Key()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetSelection handles PUT /v1/overrides/selection. The override applies
// to the exact config given, matched by its hash.
func (h *OverridesHandler) SetSelection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body selectionOverrideRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Config.Seller == "" {
		writeError(w, fieldError("config.seller", "required"))
		return
	}
	if body.Override.Logic == "" {
		writeError(w, fieldError("override.logic", "required"))
		return
	}
	key := overrides.SelectionKey{Seller: body.Config.Seller, ConfigHash: body.Config.Hash()}
	if err := h.store.SetSelection(r.Context(), key, body.Override); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"config_hash": key.ConfigHash})
}

// RemoveSelection handles DELETE /v1/overrides/selection
func (h *OverridesHandler) RemoveSelection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body selectionOverrideRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	key := overrides.SelectionKey{Seller: body.Config.Seller, ConfigHash: body.Config.Hash()}
	if err := h.store.RemoveSelection(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateAudienceKey(k ads.AudienceKey) error {
	if k.Owner == "" || k.Buyer == "" || k.Name == "" {
		return fieldError("custom_audience", "owner, buyer and name required")
	}
	return nil
}
