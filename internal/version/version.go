// Package version implements the script version negotiation carried on
// decision logic fetches. A request names the calling convention it can run
// and the server echoes the one it actually served.
package version

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// PayloadType identifies which script a version refers to.
type PayloadType int

const (
	// BuyerBiddingLogic is the buyer generateBid script.
	BuyerBiddingLogic PayloadType = 1
)

const (
	// Unversioned is the version of scripts predating negotiation.
	Unversioned int64 = 0
	// AudienceAware is the first bidding logic version that receives the
	// whole custom audience and understands the negotiation header.
	AudienceAware int64 = 3

	headerPrefix = "X_FLEDGE_"
)

var payloadHeaderNames = map[PayloadType]string{
	BuyerBiddingLogic: "BUYER_BIDDING_LOGIC_VERSION",
}

// HeaderName returns the header carrying the version for payload type p.
func HeaderName(p PayloadType) string {
	name, ok := payloadHeaderNames[p]
	if !ok {
		return ""
	}
	return headerPrefix + name
}

// RequestHeaders returns the headers to attach to a fetch asking for version
// requested. Versions older than AudienceAware predate negotiation and send
// no header.
func RequestHeaders(p PayloadType, requested int64) http.Header {
	h := http.Header{}
	name := HeaderName(p)
	if name == "" || requested < AudienceAware {
		return h
	}
	h.Set(name, strconv.FormatInt(requested, 10))
	return h
}

// ServedVersion reads the version echoed by the server. A missing header
// means Unversioned. Non-numeric values are logged and skipped.
func ServedVersion(p PayloadType, headers http.Header) int64 {
	name := HeaderName(p)
	if name == "" {
		return Unversioned
	}
	for _, v := range headers.Values(name) {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log := logger.Fetcher()
			log.Warn().
				Str("header", name).
				Str("value", v).
				Msg("skipping non-numeric script version header")
			continue
		}
		return parsed
	}
	return Unversioned
}

// CheckServed fails when the server answered with a newer convention than
// was asked for.
func CheckServed(requested, served int64) error {
	if served > requested {
		return &errortypes.IncompatibleVersion{
			Requested: requested,
			Served:    served,
			Message:   fmt.Sprintf("Requested js version is %d while the returned version is %d", requested, served),
		}
	}
	return nil
}

// Negotiate reads the served version from headers and checks it against the
// requested one.
func Negotiate(p PayloadType, requested int64, headers http.Header) (int64, error) {
	served := ServedVersion(p, headers)
	if err := CheckServed(requested, served); err != nil {
		return 0, err
	}
	return served, nil
}

// Convention is the way a bidding script is called.
type Convention int

const (
	// PerAd invokes generateBid once per ad with per-ad arguments.
	PerAd Convention = iota
	// WholeAudience invokes generateBid with the whole custom audience.
	WholeAudience
)

func (c Convention) String() string {
	if c == WholeAudience {
		return "whole_audience"
	}
	return "per_ad"
}

// ConventionFor picks the calling convention for a resolved version.
func ConventionFor(resolved, minAudienceAware int64) Convention {
	if resolved >= minAudienceAware {
		return WholeAudience
	}
	return PerAd
}
