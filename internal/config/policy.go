package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// Policy defaults.
const (
	DefaultTimezone       = "UTC"
	DefaultTermStart      = "2025-09-01"
	DefaultTermEnd        = "2026-06-30"
	DefaultThreshold      = 0.6
	DefaultRescheduleStep = 15 * time.Minute
	DefaultSearchHorizon  = 24 * time.Hour
)

// Policy holds the scheduling rules, read from a YAML file.
type Policy struct {
	// Timezone is the IANA zone events are scheduled in.
	Timezone string `yaml:"timezone"`

	// TermStart and TermEnd are the first and last day of the term
	// (YYYY-MM-DD). Events must fall within them.
	TermStart string `yaml:"term_start"`
	TermEnd   string `yaml:"term_end"`

	// Compatible lists event type pairs allowed to overlap,
	// e.g. [study, class].
	Compatible [][2]string `yaml:"compatible"`

	// RescheduleStep is the granularity of reschedule suggestions and
	// SearchHorizon how far they may move an event.
	RescheduleStep time.Duration `yaml:"reschedule_step"`
	SearchHorizon  time.Duration `yaml:"search_horizon"`

	// ConfidenceThreshold is the interpreter confidence below which a
	// change needs confirmation.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// Subjects and Locations are the vocabulary the interpreter matches.
	Subjects  []string `yaml:"subjects"`
	Locations []string `yaml:"locations"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p := &Policy{}
	p.Normalize()
	return p
}

// Normalize fills in missing values with defaults.
func (p *Policy) Normalize() {
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	if p.TermStart == "" {
		p.TermStart = DefaultTermStart
	}
	if p.TermEnd == "" {
		p.TermEnd = DefaultTermEnd
	}
	if p.RescheduleStep <= 0 {
		p.RescheduleStep = DefaultRescheduleStep
	}
	if p.SearchHorizon <= 0 {
		p.SearchHorizon = DefaultSearchHorizon
	}
	if p.ConfidenceThreshold <= 0 || p.ConfidenceThreshold > 1 {
		p.ConfidenceThreshold = DefaultThreshold
	}
	if p.Compatible == nil {
		p.Compatible = [][2]string{}
	}
}

// Validate checks that the policy can be used.
func (p *Policy) Validate() error {
	if _, err := p.Location(); err != nil {
		return err
	}
	if _, err := p.Term(); err != nil {
		return err
	}
	for _, pair := range p.Compatible {
		for _, t := range pair {
			if model.ParseEventType(t) == model.EventTypeOther && t != string(model.EventTypeOther) {
				return fmt.Errorf("compatible: unknown event type %q", t)
			}
		}
	}
	return nil
}

// Location returns the policy time zone.
func (p *Policy) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// Term returns the term window. The end is exclusive: midnight after the
// last day.
func (p *Policy) Term() (model.TimeRange, error) {
	loc, err := p.Location()
	if err != nil {
		return model.TimeRange{}, err
	}
	start, err := time.ParseInLocation(time.DateOnly, p.TermStart, loc)
	if err != nil {
		return model.TimeRange{}, fmt.Errorf("term_start: %w", err)
	}
	last, err := time.ParseInLocation(time.DateOnly, p.TermEnd, loc)
	if err != nil {
		return model.TimeRange{}, fmt.Errorf("term_end: %w", err)
	}
	if last.Before(start) {
		return model.TimeRange{}, fmt.Errorf("term_end %s is before term_start %s", p.TermEnd, p.TermStart)
	}
	return model.TimeRange{Start: start, End: last.AddDate(0, 0, 1)}, nil
}

// CompatiblePairs returns the compatible type pairs.
func (p *Policy) CompatiblePairs() [][2]model.EventType {
	out := make([][2]model.EventType, 0, len(p.Compatible))
	for _, pair := range p.Compatible {
		out = append(out, [2]model.EventType{model.ParseEventType(pair[0]), model.ParseEventType(pair[1])})
	}
	return out
}

// LoadPolicy reads a policy file. A missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return &p, nil
}
