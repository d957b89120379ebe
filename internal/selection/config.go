package selection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/prebuilt"
)

// ErrInvalidConfig is wrapped by every config validation failure.
var ErrInvalidConfig = errors.New("invalid outcome selection config")

// Config describes one outcome selection request.
type Config struct {
	Seller            string          `json:"seller"`
	OutcomeIDs        []int64         `json:"ad_selection_ids,omitempty"`
	SelectionSignals  json.RawMessage `json:"selection_signals,omitempty"`
	SelectionLogicURI string          `json:"selection_logic_uri"`
}

// Validate checks the config against the outcomes it will run on. Unless
// allowInsecure is set the logic URI must be prebuilt or HTTPS on the
// seller's host.
func (c Config) Validate(outcomes []ads.AdSelectionOutcome, allowInsecure bool) error {
	if strings.TrimSpace(c.Seller) == "" {
		return fmt.Errorf("%w: seller is empty", ErrInvalidConfig)
	}
	if len(outcomes) == 0 {
		return fmt.Errorf("%w: no outcomes", ErrInvalidConfig)
	}
	if c.SelectionLogicURI == "" {
		return fmt.Errorf("%w: selection logic uri is empty", ErrInvalidConfig)
	}
	if len(c.SelectionSignals) > 0 && !json.Valid(c.SelectionSignals) {
		return fmt.Errorf("%w: selection signals are not valid JSON", ErrInvalidConfig)
	}
	if prebuilt.IsPrebuilt(c.SelectionLogicURI) {
		return nil
	}

	u, err := url.Parse(c.SelectionLogicURI)
	if err != nil {
		return fmt.Errorf("%w: selection logic uri: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "https" && !(allowInsecure && u.Scheme == "http") {
		return fmt.Errorf("%w: selection logic uri must use https", ErrInvalidConfig)
	}
	if !strings.EqualFold(u.Hostname(), c.Seller) {
		return fmt.Errorf("%w: selection logic host %q does not match seller %q", ErrInvalidConfig, u.Hostname(), c.Seller)
	}
	return nil
}

// Hash is the SHA-256 of the canonical JSON form of the config. Dev
// overrides are keyed by it.
func (c Config) Hash() string {
	// RawMessage fields are compacted by Marshal
	data, err := json.Marshal(c)
	if err != nil {
		data = []byte(c.Seller + "|" + c.SelectionLogicURI)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// participants returns the outcomes taking part in selection: all of them,
// or those named by OutcomeIDs in that order.
func (c Config) participants(outcomes []ads.AdSelectionOutcome) ([]ads.AdSelectionOutcome, error) {
	if len(c.OutcomeIDs) == 0 {
		return outcomes, nil
	}
	byID := make(map[int64]ads.AdSelectionOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.ID] = o
	}
	out := make([]ads.AdSelectionOutcome, 0, len(c.OutcomeIDs))
	for _, id := range c.OutcomeIDs {
		o, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown ad selection id %d", ErrInvalidConfig, id)
		}
		out = append(out, o)
	}
	return out, nil
}
