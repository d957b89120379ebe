// Package filter removes ads that fail app-install or frequency-cap
// predicates before bidding and scoring.
package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/histogram"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// EventCounter reads the ad counter histogram.
type EventCounter interface {
	CountEvents(ctx context.Context, scope histogram.Scope, eventType ads.EventType, since time.Time) (int64, error)
}

// PackageAuthorizer reports whether a package is installed and the buyer may
// filter on it.
type PackageAuthorizer interface {
	CanFilterPackage(ctx context.Context, buyer, packageName string) (bool, error)
}

// Config toggles the individual predicates.
type Config struct {
	Enabled             bool `yaml:"enabled"`
	FrequencyCapEnabled bool `yaml:"frequency_cap_enabled"`
	AppInstallEnabled   bool `yaml:"app_install_enabled"`
}

// DefaultConfig enables all filtering.
func DefaultConfig() Config {
	return Config{Enabled: true, FrequencyCapEnabled: true, AppInstallEnabled: true}
}

// Filter applies eligibility predicates.
type Filter struct {
	counter  EventCounter
	apps     PackageAuthorizer
	clock    clock.Clock
	config   Config
	recorder metrics.Recorder
}

// New creates a filter. A nil clock uses the wall clock and a nil recorder
// discards metrics.
func New(counter EventCounter, apps PackageAuthorizer, clk clock.Clock, config Config, recorder metrics.Recorder) *Filter {
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	return &Filter{
		counter:  counter,
		apps:     apps,
		clock:    clk,
		config:   config,
		recorder: recorder,
	}
}

// pass holds the state of one filtering pass. now is read once so every
// window in the pass is measured against the same instant.
type pass struct {
	f                 *Filter
	now               time.Time
	appInstallDrops   int
	frequencyCapDrops int
}

func (f *Filter) newPass() *pass {
	return &pass{f: f, now: f.clock.Now()}
}

func (p *pass) record() {
	p.f.recorder.RecordFilteredAds("app_install", p.appInstallDrops)
	p.f.recorder.RecordFilteredAds("frequency_cap", p.frequencyCapDrops)
}

// FilterAudiences filters every audience's ads, dropping audiences left
// with no ads. Win caps apply in this path.
func (f *Filter) FilterAudiences(ctx context.Context, audiences []ads.CustomAudience) ([]ads.CustomAudience, error) {
	if !f.config.Enabled {
		return audiences, nil
	}

	p := f.newPass()
	defer p.record()

	out := make([]ads.CustomAudience, 0, len(audiences))
	for _, ca := range audiences {
		key := ca.Key()
		kept := make([]ads.CandidateAd, 0, len(ca.Ads))
		for _, ad := range ca.Ads {
			ok, err := p.eligible(ctx, ad, ca.Buyer, &key)
			if err != nil {
				return nil, fmt.Errorf("filter audience %s: %w", key, err)
			}
			if ok {
				kept = append(kept, ad)
			}
		}
		if len(kept) == 0 {
			log := logger.Filter()
			log.Debug().
				Str("audience", key.String()).
				Msg("audience dropped, no eligible ads")
			continue
		}
		out = append(out, ca.WithAds(kept))
	}
	return out, nil
}

// FilterContextualAds filters ads supplied with the request. Win caps are
// audience scoped and do not apply here.
func (f *Filter) FilterContextualAds(ctx context.Context, contextual ads.ContextualAds) (ads.ContextualAds, error) {
	if !f.config.Enabled {
		return contextual, nil
	}

	p := f.newPass()
	defer p.record()

	kept := make([]ads.AdWithBid, 0, len(contextual.Ads))
	for _, bid := range contextual.Ads {
		ok, err := p.eligible(ctx, bid.Ad, contextual.Buyer, nil)
		if err != nil {
			return ads.ContextualAds{}, fmt.Errorf("filter contextual ads for %s: %w", contextual.Buyer, err)
		}
		if ok {
			kept = append(kept, bid)
		}
	}
	contextual.Ads = kept
	return contextual, nil
}

// eligible evaluates one ad. audience is nil in the contextual path.
func (p *pass) eligible(ctx context.Context, ad ads.CandidateAd, buyer string, audience *ads.AudienceKey) (bool, error) {
	if ad.Filters.IsEmpty() {
		return true, nil
	}

	if p.f.config.AppInstallEnabled && !ad.Filters.AppInstall.IsEmpty() {
		blocked, err := p.appInstalled(ctx, ad.Filters.AppInstall, buyer)
		if err != nil {
			return false, err
		}
		if blocked {
			p.appInstallDrops++
			return false, nil
		}
	}

	if p.f.config.FrequencyCapEnabled && !ad.Filters.FrequencyCap.IsEmpty() {
		capped, err := p.frequencyCapped(ctx, ad.Filters.FrequencyCap, buyer, audience)
		if err != nil {
			return false, err
		}
		if capped {
			p.frequencyCapDrops++
			return false, nil
		}
	}

	return true, nil
}

// appInstalled stops at the first package the buyer may filter on.
func (p *pass) appInstalled(ctx context.Context, filter *ads.AppInstallFilter, buyer string) (bool, error) {
	for _, pkg := range filter.PackageNames {
		ok, err := p.f.apps.CanFilterPackage(ctx, buyer, pkg)
		if err != nil {
			return false, fmt.Errorf("app install check: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// frequencyCapped stops at the first exceeded cap.
func (p *pass) frequencyCapped(ctx context.Context, filters *ads.FrequencyCapFilters, buyer string, audience *ads.AudienceKey) (bool, error) {
	for _, rule := range filters.Rules(audience != nil) {
		scope := histogram.BuyerScope(buyer, rule.Cap.AdCounterKey)
		if rule.EventType == ads.EventWin {
			scope = histogram.AudienceScope(*audience, rule.Cap.AdCounterKey)
		}

		count, err := p.f.counter.CountEvents(ctx, scope, rule.EventType, p.now.Add(-rule.Cap.Interval()))
		if err != nil {
			return false, fmt.Errorf("frequency cap check: %w", err)
		}
		if count >= int64(rule.Cap.MaxCount) {
			return true, nil
		}
	}
	return false, nil
}
