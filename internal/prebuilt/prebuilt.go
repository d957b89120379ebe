// Package prebuilt generates decision logic from locally registered
// templates addressed by ad-selection-prebuilt URIs, e.g.
//
//	ad-selection-prebuilt://ad-selection-from-outcomes/waterfall-mediation-truncation/?bidFloor=bid_floor
package prebuilt

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrDisabled        = errors.New("prebuilt logic is disabled")
	ErrUnknownUseCase  = errors.New("unknown prebuilt use case")
	ErrUnknownTemplate = errors.New("unknown prebuilt template")
	ErrMissingParam    = errors.New("missing prebuilt template parameter")
	ErrInvalidParam    = errors.New("invalid prebuilt template parameter")
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// identifier bounds values substituted outside string literals.
var identifier = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Generator expands prebuilt templates. It holds no mutable state, so
// repeated expansions of the same input yield the same text.
type Generator struct {
	enabled  bool
	registry map[string]map[string]string
}

// NewGenerator creates a generator over the built-in registry.
func NewGenerator(enabled bool) *Generator {
	return &Generator{
		enabled:  enabled,
		registry: defaultRegistry(),
	}
}

// Enabled reports whether prebuilt URIs may be expanded.
func (g *Generator) Enabled() bool {
	return g.enabled
}

// IsPrebuilt reports whether uri uses the prebuilt scheme.
func IsPrebuilt(uri string) bool {
	return strings.HasPrefix(strings.ToLower(uri), Scheme+"://")
}

// Generate parses a prebuilt URI and expands the template it names with the
// URI's query parameters.
func (g *Generator) Generate(uri string) (string, error) {
	if !g.enabled {
		return "", ErrDisabled
	}
	useCase, template, params, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	return g.Expand(useCase, template, params)
}

// Expand substitutes every ${name} placeholder in the template. Any
// placeholder without a parameter fails the expansion.
func (g *Generator) Expand(useCase, template string, params map[string]string) (string, error) {
	templates, ok := g.registry[useCase]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownUseCase, useCase)
	}
	js, ok := templates[template]
	if !ok {
		return "", fmt.Errorf("%w: %q in use case %q", ErrUnknownTemplate, template, useCase)
	}

	var missing []string
	for _, m := range placeholder.FindAllStringSubmatchIndex(js, -1) {
		name := js[m[2]:m[3]]
		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !safeValue(value, quoted(js, m[0], m[1])) {
			return "", fmt.Errorf("%w: %q", ErrInvalidParam, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, strings.Join(dedupe(missing), ", "))
	}

	return placeholder.ReplaceAllStringFunc(js, func(m string) string {
		return params[placeholder.FindStringSubmatch(m)[1]]
	}), nil
}

// ParseURI splits scheme://use-case/template/?k=v into its parts.
func ParseURI(uri string) (useCase, template string, params map[string]string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", nil, fmt.Errorf("invalid prebuilt uri: %w", err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return "", "", nil, fmt.Errorf("invalid prebuilt uri scheme %q", u.Scheme)
	}
	useCase = u.Host
	template = strings.Trim(u.Path, "/")
	if useCase == "" || template == "" || strings.Contains(template, "/") {
		return "", "", nil, fmt.Errorf("invalid prebuilt uri %q", uri)
	}

	params = make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return useCase, template, params, nil
}

// Templates lists registered template names per use case.
func (g *Generator) Templates() map[string][]string {
	out := make(map[string][]string, len(g.registry))
	for useCase, templates := range g.registry {
		names := make([]string, 0, len(templates))
		for name := range templates {
			names = append(names, name)
		}
		sort.Strings(names)
		out[useCase] = names
	}
	return out
}

// quoted reports whether the placeholder at js[start:end] sits alone inside
// a single-quoted string literal.
func quoted(js string, start, end int) bool {
	return start > 0 && end < len(js) && js[start-1] == '\'' && js[end] == '\''
}

// safeValue screens a parameter value. Inside a string literal it must not
// close the literal or break the line; anywhere else it must be a plain
// identifier or number.
func safeValue(value string, inString bool) bool {
	if inString {
		return !strings.ContainsAny(value, "'\"`\\\n\r")
	}
	return identifier.MatchString(value)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
