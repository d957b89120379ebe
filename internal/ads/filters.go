package ads

import (
	"fmt"
	"time"
)

// EventType is an event recorded against ad counter keys.
type EventType int

const (
	EventWin EventType = iota
	EventImpression
	EventView
	EventClick
)

func (e EventType) String() string {
	switch e {
	case EventWin:
		return "win"
	case EventImpression:
		return "impression"
	case EventView:
		return "view"
	case EventClick:
		return "click"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEventType parses the string form produced by String.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "win":
		return EventWin, nil
	case "impression":
		return EventImpression, nil
	case "view":
		return EventView, nil
	case "click":
		return EventClick, nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// AdFilters are the eligibility predicates attached to an ad.
type AdFilters struct {
	AppInstall   *AppInstallFilter    `json:"app_install,omitempty"`
	FrequencyCap *FrequencyCapFilters `json:"frequency_cap,omitempty"`
}

// IsEmpty reports whether no predicate needs evaluating.
func (f *AdFilters) IsEmpty() bool {
	return f == nil || (f.AppInstall.IsEmpty() && f.FrequencyCap.IsEmpty())
}

// AppInstallFilter excludes an ad when any listed package is installed and
// the buyer is allowed to filter on it.
type AppInstallFilter struct {
	PackageNames []string `json:"package_names"`
}

// IsEmpty reports whether the filter lists no packages.
func (f *AppInstallFilter) IsEmpty() bool {
	return f == nil || len(f.PackageNames) == 0
}

// KeyedFrequencyCap limits how many events may be recorded for an ad counter
// key within a trailing window before the ad becomes ineligible.
type KeyedFrequencyCap struct {
	AdCounterKey    string `json:"ad_counter_key"`
	MaxCount        int    `json:"max_count"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

// Interval returns the trailing window as a duration.
func (c KeyedFrequencyCap) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// FrequencyCapFilters groups keyed caps by the event type they count.
type FrequencyCapFilters struct {
	Win        []KeyedFrequencyCap `json:"win,omitempty"`
	Impression []KeyedFrequencyCap `json:"impression,omitempty"`
	View       []KeyedFrequencyCap `json:"view,omitempty"`
	Click      []KeyedFrequencyCap `json:"click,omitempty"`
}

// IsEmpty reports whether there are no caps of any type.
func (f *FrequencyCapFilters) IsEmpty() bool {
	return f == nil || len(f.Win)+len(f.Impression)+len(f.View)+len(f.Click) == 0
}

// FrequencyCapRule is one cap bound to the event type it counts.
type FrequencyCapRule struct {
	EventType EventType
	Cap       KeyedFrequencyCap
}

// Rules flattens the filters into rules. Win caps come first; they are
// skipped when includeWin is false.
func (f *FrequencyCapFilters) Rules(includeWin bool) []FrequencyCapRule {
	if f == nil {
		return nil
	}
	var rules []FrequencyCapRule
	add := func(t EventType, caps []KeyedFrequencyCap) {
		for _, c := range caps {
			rules = append(rules, FrequencyCapRule{EventType: t, Cap: c})
		}
	}
	if includeWin {
		add(EventWin, f.Win)
	}
	add(EventImpression, f.Impression)
	add(EventView, f.View)
	add(EventClick, f.Click)
	return rules
}
