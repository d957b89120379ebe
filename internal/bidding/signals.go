package bidding

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
)

const missingTrustedSignalsMessage = "Error fetching trusted bidding signals"

var emptySignals = json.RawMessage(`{}`)

// trustedSignals builds the signals object for one audience from the blob
// keyed by its trusted bidding URI. Only declared keys present in the blob
// are kept.
func trustedSignals(ca ads.CustomAudience, byBaseURI map[string]json.RawMessage, override *overrides.Override) (json.RawMessage, error) {
	if override != nil && len(override.TrustedSignals) > 0 {
		return override.TrustedSignals, nil
	}
	if len(ca.TrustedBidding.Keys) == 0 {
		return emptySignals, nil
	}

	blob, ok := byBaseURI[ca.TrustedBidding.URI]
	if !ok {
		return nil, &errortypes.MissingTrustedSignals{Message: missingTrustedSignalsMessage}
	}
	if !gjson.ValidBytes(blob) {
		return nil, &errortypes.MissingTrustedSignals{
			Message: fmt.Sprintf("%s: signals for %s are not valid JSON", missingTrustedSignalsMessage, ca.TrustedBidding.URI),
		}
	}

	parsed := gjson.ParseBytes(blob)
	selected := make(map[string]json.RawMessage, len(ca.TrustedBidding.Keys))
	for _, key := range ca.TrustedBidding.Keys {
		if v := parsed.Get(gjson.Escape(key)); v.Exists() {
			selected[key] = json.RawMessage(v.Raw)
		}
	}
	out, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("marshal trusted signals: %w", err)
	}
	return out, nil
}
