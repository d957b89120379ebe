// Package fetcher resolves decision logic for bidding, scoring and outcome
// selection. A developer override wins over a prebuilt template, which wins
// over a network fetch.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/prebuilt"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/version"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// Kind is the role of the script being resolved.
type Kind int

const (
	BiddingLogic Kind = iota
	ScoringLogic
	SelectionLogic
)

func (k Kind) String() string {
	switch k {
	case BiddingLogic:
		return "bidding"
	case ScoringLogic:
		return "scoring"
	case SelectionLogic:
		return "selection"
	}
	return "unknown"
}

func (k Kind) failureMessage() string {
	switch k {
	case ScoringLogic:
		return "Error fetching scoring decision logic"
	case SelectionLogic:
		return "Error fetching outcome selection decision logic"
	}
	return "Error fetching bidding js logic"
}

// Source records where a script came from.
type Source string

const (
	SourceOverride Source = "override"
	SourcePrebuilt Source = "prebuilt"
	SourceNetwork  Source = "network"
)

// OverrideLookup returns the developer override for the caller's key, or
// nil when there is none.
type OverrideLookup func(ctx context.Context) (*overrides.Override, error)

// Request describes one resolution.
type Request struct {
	Kind             Kind
	URI              string
	RequestedVersion int64
	Override         OverrideLookup
}

// Script is resolved decision logic.
type Script struct {
	Text    string
	Version int64
	Source  Source
}

// Config holds fetcher configuration
type Config struct {
	DevOverridesEnabled bool          `yaml:"dev_overrides_enabled"`
	PrebuiltEnabled     bool          `yaml:"prebuilt_enabled"`
	AllowInsecureHTTP   bool          `yaml:"allow_insecure_http"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxResponseBytes    int64         `yaml:"max_response_bytes"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		DevOverridesEnabled: false,
		PrebuiltEnabled:     true,
		AllowInsecureHTTP:   false,
		Timeout:             2 * time.Second,
		MaxResponseBytes:    DefaultMaxResponseSize,
	}
}

// Fetcher resolves scripts
type Fetcher struct {
	transport Transport
	prebuilt  *prebuilt.Generator
	config    Config
	recorder  metrics.Recorder
	group     singleflight.Group
}

// New creates a fetcher. A nil transport uses an HTTPTransport built from
// config and a nil recorder discards metrics.
func New(transport Transport, config Config, recorder metrics.Recorder) *Fetcher {
	if transport == nil {
		transport = NewHTTPTransport(nil, config.Timeout, config.MaxResponseBytes)
	}
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	return &Fetcher{
		transport: transport,
		prebuilt:  prebuilt.NewGenerator(config.PrebuiltEnabled),
		config:    config,
		recorder:  recorder,
	}
}

// Resolve returns the script for req.
func (f *Fetcher) Resolve(ctx context.Context, req Request) (Script, error) {
	script, err := f.resolve(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	f.recorder.RecordScriptFetch(string(script.Source), status)
	return script, err
}

func (f *Fetcher) resolve(ctx context.Context, req Request) (Script, error) {
	log := logger.Fetcher()

	if f.config.DevOverridesEnabled && req.Override != nil {
		o, err := req.Override(ctx)
		if err != nil {
			return Script{Source: SourceOverride}, &errortypes.MissingLogic{Message: req.Kind.failureMessage(), Cause: err}
		}
		if o != nil && o.Logic != "" {
			log.Debug().Str("kind", req.Kind.String()).Int64("version", o.Version).Msg("using developer override")
			return Script{Text: o.Logic, Version: o.Version, Source: SourceOverride}, nil
		}
	}

	if prebuilt.IsPrebuilt(req.URI) {
		js, err := f.prebuilt.Generate(req.URI)
		if err != nil {
			return Script{Source: SourcePrebuilt}, &errortypes.MissingLogic{Message: req.Kind.failureMessage(), Cause: err}
		}
		log.Debug().Str("kind", req.Kind.String()).Str("uri", req.URI).Msg("generated prebuilt logic")
		return Script{Text: js, Version: version.Unversioned, Source: SourcePrebuilt}, nil
	}

	script, err := f.fetchShared(ctx, req)
	script.Source = SourceNetwork
	return script, err
}

// fetchShared collapses identical concurrent fetches. The shared fetch runs
// detached from any single caller's cancellation and bounded by the
// configured timeout; each caller still stops waiting at its own deadline.
func (f *Fetcher) fetchShared(ctx context.Context, req Request) (Script, error) {
	key := req.Kind.String() + "|" + strconv.FormatInt(req.RequestedVersion, 10) + "|" + req.URI

	ch := f.group.DoChan(key, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if f.config.Timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, f.config.Timeout)
			defer cancel()
		}
		return f.fetch(fetchCtx, req)
	})

	select {
	case <-ctx.Done():
		return Script{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Script{}, res.Err
		}
		return res.Val.(Script), nil
	}
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (Script, error) {
	fail := func(cause error) (Script, error) {
		return Script{}, &errortypes.MissingLogic{Message: req.Kind.failureMessage(), Cause: cause}
	}

	if err := f.checkURI(req.URI); err != nil {
		return fail(err)
	}

	reqData := &RequestData{URI: req.URI}
	if req.Kind == BiddingLogic {
		reqData.Headers = version.RequestHeaders(version.BuyerBiddingLogic, req.RequestedVersion)
	}

	resp, err := f.transport.Do(ctx, reqData)
	if err != nil {
		return fail(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Errorf("server returned status %d", resp.StatusCode))
	}
	if len(resp.Body) == 0 {
		return fail(errors.New("empty response body"))
	}

	served := version.Unversioned
	if req.Kind == BiddingLogic {
		served, err = version.Negotiate(version.BuyerBiddingLogic, req.RequestedVersion, resp.Headers)
		if err != nil {
			return Script{}, err
		}
	}

	log := logger.Fetcher()
	log.Debug().
		Str("kind", req.Kind.String()).
		Str("uri", req.URI).
		Int64("served_version", served).
		Int("bytes", len(resp.Body)).
		Msg("fetched decision logic")

	return Script{Text: string(resp.Body), Version: served}, nil
}

func (f *Fetcher) checkURI(raw string) error {
	if raw == "" {
		return errors.New("no decision logic uri")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid decision logic uri: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "https" || (scheme == "http" && f.config.AllowInsecureHTTP) {
		return nil
	}
	return fmt.Errorf("unsupported decision logic uri scheme %q", u.Scheme)
}
