package endpoints

import (
	"net/http"
	"time"
)

// StatusHandler handles /status requests
type StatusHandler struct{}

// NewStatusHandler creates a new status handler
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{}
}

// ServeHTTP handles status requests
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// TemplateLister lists prebuilt templates per use case
type TemplateLister interface {
	Enabled() bool
	Templates() map[string][]string
}

// PrebuiltInfoHandler handles /info/prebuilt requests
type PrebuiltInfoHandler struct {
	templates TemplateLister
}

// NewPrebuiltInfoHandler creates a handler listing prebuilt templates
func NewPrebuiltInfoHandler(templates TemplateLister) *PrebuiltInfoHandler {
	return &PrebuiltInfoHandler{templates: templates}
}

// ServeHTTP lists templates, or none when prebuilt logic is disabled
func (h *PrebuiltInfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"enabled": h.templates.Enabled()}
	if h.templates.Enabled() {
		resp["use_cases"] = h.templates.Templates()
	}
	writeJSON(w, http.StatusOK, resp)
}
