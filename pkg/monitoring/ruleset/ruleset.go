/*
Copyright 2025 MedTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ruleset loads and validates the versioned monitoring ruleset
// that drives calendar expansion.
//
// The ruleset is a JSON document keyed by drug category. Each category
// block declares the baseline tests, an optional weekly repetition, dated
// milestones with per-drug exceptions, and recurring cadence blocks. The
// ruleset is the polymorphism: category-specific behavior beyond it
// (clozapine FBC override, HDAT add-on, ECG indication) lives in the rule
// evaluator as tagged post-processing.
//
// Business Requirements:
// - BR-MON-001: Rule-driven monitoring calendar per medication order
// - BR-MON-005: Versioned rulesets; newest by creation timestamp wins
package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// Ruleset is the parsed, immutable monitoring configuration.
type Ruleset struct {
	Version    string                   `json:"version,omitempty"`
	Categories map[string]CategoryRules `json:"categories"`
}

// CategoryRules declares the schedule blocks for one drug category.
type CategoryRules struct {
	Baseline   []string     `json:"baseline,omitempty"`
	Weekly     *WeeklyBlock `json:"weekly,omitempty"`
	Milestones []Milestone  `json:"milestones,omitempty"`
	Annual     *TestsBlock  `json:"annual,omitempty"`

	// Recurring cadence blocks. First offsets and step sizes are fixed by
	// the expansion algorithm: every_3_months starts at month 15,
	// every_4_6_months at month 16 (step 5), every_6_months at month 18.
	Every3Months  *TestsBlock `json:"every_3_months,omitempty"`
	Every46Months *TestsBlock `json:"every_4_6_months,omitempty"`
	Every6Months  *TestsBlock `json:"every_6_months,omitempty"`
}

// WeeklyBlock repeats a test set weekly for the first weeks of treatment.
type WeeklyBlock struct {
	Count         int      `json:"count"`
	IntervalWeeks int      `json:"interval_weeks"`
	Tests         []string `json:"tests"`
}

// Milestone is a dated point after start at which tests become due.
type Milestone struct {
	Months     int                           `json:"months"`
	Tests      []string                      `json:"tests"`
	Exceptions map[string]MilestoneException `json:"exceptions,omitempty"`
}

// MilestoneException strips tests from a milestone for a specific drug
// (matched on lower-cased drug name).
type MilestoneException struct {
	RemoveTests []string `json:"remove_tests,omitempty"`
}

// TestsBlock is a bare test list for annual and recurring blocks.
type TestsBlock struct {
	Tests []string `json:"tests"`
}

// Category returns the rules for a drug category, or a CONFIGURATION_ERROR
// when the category is absent.
func (r *Ruleset) Category(category monitoring.DrugCategory) (*CategoryRules, error) {
	rules, ok := r.Categories[string(category)]
	if !ok {
		return nil, errkind.New(errkind.Configuration, "no rules defined for category %s", category)
	}
	return &rules, nil
}

// Validate checks structural soundness of the parsed document.
func (r *Ruleset) Validate() error {
	if len(r.Categories) == 0 {
		return errkind.New(errkind.Configuration, "ruleset declares no categories")
	}
	for name, rules := range r.Categories {
		if rules.Weekly != nil {
			if rules.Weekly.Count < 0 {
				return errkind.New(errkind.Configuration, "category %s: weekly count must be >= 0", name)
			}
			if rules.Weekly.IntervalWeeks <= 0 {
				return errkind.New(errkind.Configuration, "category %s: weekly interval_weeks must be >= 1", name)
			}
		}
		for i, m := range rules.Milestones {
			if m.Months <= 0 {
				return errkind.New(errkind.Configuration, "category %s: milestones[%d] months must be >= 1", name, i)
			}
			if len(m.Tests) == 0 {
				return errkind.New(errkind.Configuration, "category %s: milestones[%d] has no tests", name, i)
			}
		}
	}
	return nil
}

// Parse decodes and validates a ruleset JSON document.
func Parse(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err, "failed to parse ruleset document")
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadFile reads and parses a ruleset from disk.
func LoadFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err, "failed to read ruleset file %s", path)
	}
	return Parse(data)
}

// StoredRuleset is a persisted, versioned ruleset document.
type StoredRuleset struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Version       string          `json:"version" db:"version"`
	EffectiveFrom monitoring.Date `json:"effective_from" db:"effective_from"`
	Document      json.RawMessage `json:"document" db:"document"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	CreatedBy     string          `json:"created_by,omitempty" db:"created_by"`
}

// Parse decodes the stored document.
func (s *StoredRuleset) Parse() (*Ruleset, error) {
	rs, err := Parse(s.Document)
	if err != nil {
		return nil, fmt.Errorf("stored ruleset %s: %w", s.Version, err)
	}
	return rs, nil
}
