package endpoints

import (
	"context"
	"net/http"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/selection"
)

// OutcomeSelector runs outcome selection rounds. *selection.Orchestrator
// implements it.
type OutcomeSelector interface {
	Run(ctx context.Context, outcomes []ads.AdSelectionOutcome, cfg selection.Config) (*selection.Round, error)
}

// SelectionHandler handles /v1/outcomes/select requests
type SelectionHandler struct {
	selector OutcomeSelector
}

// NewSelectionHandler creates a new selection handler
func NewSelectionHandler(selector OutcomeSelector) *SelectionHandler {
	return &SelectionHandler{selector: selector}
}

type selectionRequest struct {
	Outcomes []ads.AdSelectionOutcome `json:"outcomes"`
	Config   selection.Config         `json:"config"`
}

type selectionResponse struct {
	RoundID string                  `json:"round_id"`
	Outcome *ads.AdSelectionOutcome `json:"outcome"`
	States  []string                `json:"states,omitempty"`
}

// ServeHTTP handles the selection request
func (h *SelectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body selectionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	round, err := h.selector.Run(r.Context(), body.Outcomes, body.Config)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := selectionResponse{RoundID: round.ID}
	if round.Outcome != nil {
		for i := range body.Outcomes {
			if body.Outcomes[i].ID == *round.Outcome {
				resp.Outcome = &body.Outcomes[i]
				break
			}
		}
	}
	if r.URL.Query().Get("debug") == "1" {
		for _, s := range round.History() {
			resp.States = append(resp.States, s.String())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
