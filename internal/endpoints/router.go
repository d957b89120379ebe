package endpoints

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Handlers are the routed endpoints. Optional handlers are left nil to
// keep their routes unregistered.
type Handlers struct {
	Auction   http.Handler
	Selection http.Handler
	Events    http.Handler
	Status    http.Handler
	Prebuilt  http.Handler
	Metrics   http.Handler
	Overrides *OverridesHandler
	// AdminAuth wraps the override routes
	AdminAuth func(http.Handler) http.Handler
}

// NewRouter registers every route
func NewRouter(h Handlers) *httprouter.Router {
	router := httprouter.New()
	router.HandleMethodNotAllowed = true

	if h.Auction != nil {
		router.Handler(http.MethodPost, "/v1/auction", h.Auction)
	}
	if h.Selection != nil {
		router.Handler(http.MethodPost, "/v1/outcomes/select", h.Selection)
	}
	if h.Events != nil {
		router.Handler(http.MethodPost, "/v1/events", h.Events)
	}
	if h.Status != nil {
		router.Handler(http.MethodGet, "/status", h.Status)
	}
	if h.Prebuilt != nil {
		router.Handler(http.MethodGet, "/info/prebuilt", h.Prebuilt)
	}
	if h.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", h.Metrics)
	}
	if h.Overrides != nil {
		guard := h.AdminAuth
		if guard == nil {
			guard = func(next http.Handler) http.Handler { return next }
		}
		handle := func(method, path string, fn httprouter.Handle) {
			router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
				guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					fn(w, r, ps)
				})).ServeHTTP(w, r)
			})
		}
		handle(http.MethodPut, "/v1/overrides/bidding", h.Overrides.SetBidding)
		handle(http.MethodDelete, "/v1/overrides/bidding", h.Overrides.RemoveBidding)
		handle(http.MethodPut, "/v1/overrides/scoring", h.Overrides.SetScoring)
		handle(http.MethodDelete, "/v1/overrides/scoring", h.Overrides.RemoveScoring)
		handle(http.MethodPut, "/v1/overrides/selection", h.Overrides.SetSelection)
		handle(http.MethodDelete, "/v1/overrides/selection", h.Overrides.RemoveSelection)
	}
	return router
}
