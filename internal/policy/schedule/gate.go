// Package schedule decides whether a source may run at a given UTC hour.
package schedule

import (
	"time"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// Decision is the gate outcome.
type Decision int

// Gate outcomes.
const (
	Proceed Decision = iota
	SkipDisabled
	SkipOutsideWindow
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case SkipDisabled:
		return "skip_disabled"
	case SkipOutsideWindow:
		return "skip_outside_window"
	default:
		return "unknown"
	}
}

// Proceeds reports whether the pipeline should continue.
func (d Decision) Proceeds() bool { return d == Proceed }

// Evaluate applies cfg at the given UTC hour. A nil cfg always proceeds.
// The window only applies when both bounds are set; start <= end means
// [start, end), otherwise the window wraps midnight.
func Evaluate(cfg *crawler.ScheduleConfig, hour int) Decision {
	if cfg == nil {
		return Proceed
	}
	if !cfg.Enabled {
		return SkipDisabled
	}
	if cfg.AllowedStartHourUTC == nil || cfg.AllowedEndHourUTC == nil {
		return Proceed
	}
	if InWindow(*cfg.AllowedStartHourUTC, *cfg.AllowedEndHourUTC, hour) {
		return Proceed
	}
	return SkipOutsideWindow
}

// EvaluateAt is Evaluate using the UTC hour of now.
func EvaluateAt(cfg *crawler.ScheduleConfig, now time.Time) Decision {
	return Evaluate(cfg, now.UTC().Hour())
}

// InWindow tests hour membership in the half-open window [start, end).
func InWindow(start, end, hour int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
