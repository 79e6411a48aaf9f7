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

// Package thresholds classifies monitoring event values against
// operator-configured reference thresholds.
//
// Evaluation order is fixed: coded interpretation pass first (any hit is
// critical), then numeric extraction, unit-scoped threshold selection
// with specificity tie-break, and bound comparison in the order
// low_critical, low_warning, high_critical, high_warning.
//
// Business Requirements:
// - BR-MON-040: Deterministic classification with reason codes
// - BR-MON-041: Scoping facets match-or-null; specificity wins ties
package thresholds

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/medtrack/psymon/pkg/monitoring"
)

// numericRe extracts a signed decimal with an optional trailing unit
// token from a free-text result value.
var numericRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([a-zA-Z%µ/]+)?`)

// Source loads the enabled thresholds for a monitoring type.
type Source interface {
	ListEnabled(ctx context.Context, monitoringType string) ([]monitoring.ReferenceThreshold, error)
}

// Evaluation is the outcome of classifying one event.
type Evaluation struct {
	Flag         monitoring.AbnormalFlag
	ReasonCode   string
	ThresholdID  *uuid.UUID
	NumericValue *float64
	Unit         string
}

// Evaluator classifies events against reference thresholds.
type Evaluator struct {
	source Source
	logger logr.Logger
}

// NewEvaluator constructs a threshold evaluator.
func NewEvaluator(source Source, logger logr.Logger) *Evaluator {
	return &Evaluator{source: source, logger: logger}
}

// EvaluateEvent classifies an event value for a patient.
func (e *Evaluator) EvaluateEvent(ctx context.Context, event *monitoring.MonitoringEvent, patient *monitoring.Patient) (*Evaluation, error) {
	candidates, err := e.source.ListEnabled(ctx, event.TestType)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Evaluation{Flag: monitoring.FlagUnknown, ReasonCode: "NO_THRESHOLDS"}, nil
	}

	if coded := evaluateCoded(event, candidates); coded != nil {
		return coded, nil
	}

	numericValue, parsedUnit := parseNumericValue(event.Value)
	unit := event.Unit
	if unit == "" {
		unit = parsedUnit
	}
	if numericValue == nil {
		return &Evaluation{Flag: monitoring.FlagUnknown, ReasonCode: "NON_NUMERIC_VALUE", Unit: unit}, nil
	}

	unitNorm := normalizeUnit(unit)
	threshold := selectNumericThreshold(candidates, patient, event, unitNorm)
	if threshold == nil {
		return &Evaluation{
			Flag:         monitoring.FlagUnknown,
			ReasonCode:   "UNIT_MISMATCH",
			NumericValue: numericValue,
			Unit:         unitNorm,
		}, nil
	}

	flag, reason := compareNumeric(threshold, *numericValue)
	return &Evaluation{
		Flag:         flag,
		ReasonCode:   reason,
		ThresholdID:  &threshold.ID,
		NumericValue: numericValue,
		Unit:         unitNorm,
	}, nil
}

// ApplyEvaluation writes the classification onto the event. Review is
// required exactly when the flag is a warning or critical breach.
func ApplyEvaluation(event *monitoring.MonitoringEvent, eval *Evaluation) {
	event.AbnormalFlag = eval.Flag
	event.AbnormalReasonCode = eval.ReasonCode
	if eval.Unit != "" && event.Unit == "" {
		event.Unit = eval.Unit
	}
	if eval.Flag == monitoring.FlagOutsideWarning || eval.Flag == monitoring.FlagOutsideCritical {
		event.ReviewedStatus = monitoring.ReviewPending
	} else {
		event.ReviewedStatus = monitoring.ReviewNone
		event.ReviewedBy = ""
		event.ReviewedAt = nil
	}
}

// evaluateCoded returns a critical evaluation when the event's coded
// interpretation appears in any CODED threshold's abnormal set. Coded
// hits are always critical.
func evaluateCoded(event *monitoring.MonitoringEvent, candidates []monitoring.ReferenceThreshold) *Evaluation {
	interpretation := strings.TrimSpace(event.Interpretation)
	if interpretation == "" {
		return nil
	}
	interpretationUpper := strings.ToUpper(interpretation)
	for i := range candidates {
		threshold := &candidates[i]
		if threshold.ComparatorType != monitoring.ComparatorCoded {
			continue
		}
		for _, coded := range threshold.CodedAbnormalValues {
			if strings.ToUpper(coded) == interpretationUpper {
				return &Evaluation{
					Flag:        monitoring.FlagOutsideCritical,
					ReasonCode:  "CODED_ABNORMAL",
					ThresholdID: &threshold.ID,
				}
			}
		}
	}
	return nil
}

// parseNumericValue extracts the first numeric token and any trailing
// unit from a result value string.
func parseNumericValue(value string) (*float64, string) {
	if value == "" {
		return nil, ""
	}
	match := numericRe.FindStringSubmatch(value)
	if match == nil {
		return nil, ""
	}
	numeric, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return nil, ""
	}
	return &numeric, match[2]
}

// normalizeUnit strips whitespace; case is preserved (mmol/L and mg/dL
// are distinct units, not case variants).
func normalizeUnit(unit string) string {
	return strings.ReplaceAll(strings.TrimSpace(unit), " ", "")
}

// selectNumericThreshold picks the best NUMERIC threshold for the event:
// unit must match after normalization, scoping facets must match or be
// unset, and the most specific candidate wins (sex +2, age band +1,
// source system +2). Sort is stable so equal scores keep input order.
func selectNumericThreshold(candidates []monitoring.ReferenceThreshold, patient *monitoring.Patient, event *monitoring.MonitoringEvent, unitNorm string) *monitoring.ReferenceThreshold {
	var matched []*monitoring.ReferenceThreshold
	for i := range candidates {
		threshold := &candidates[i]
		if threshold.ComparatorType != monitoring.ComparatorNumeric {
			continue
		}
		if normalizeUnit(threshold.Unit) != unitNorm {
			continue
		}
		if threshold.Sex != "" && threshold.Sex != patient.Sex {
			continue
		}
		if threshold.AgeBand != "" && threshold.AgeBand != patient.AgeBand {
			continue
		}
		if threshold.SourceSystemScope != "" && threshold.SourceSystemScope != event.SourceSystem {
			continue
		}
		matched = append(matched, threshold)
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return specificity(matched[i]) > specificity(matched[j])
	})
	return matched[0]
}

func specificity(t *monitoring.ReferenceThreshold) int {
	score := 0
	if t.Sex != "" {
		score += 2
	}
	if t.AgeBand != "" {
		score += 1
	}
	if t.SourceSystemScope != "" {
		score += 2
	}
	return score
}

// compareNumeric checks the four bounds in fixed order; first match wins.
func compareNumeric(threshold *monitoring.ReferenceThreshold, value float64) (monitoring.AbnormalFlag, string) {
	if !threshold.HasBounds() {
		return monitoring.FlagUnknown, "NO_LIMITS"
	}
	if threshold.LowCritical != nil && value < *threshold.LowCritical {
		return monitoring.FlagOutsideCritical, "LOW_CRITICAL"
	}
	if threshold.LowWarning != nil && value < *threshold.LowWarning {
		return monitoring.FlagOutsideWarning, "LOW_WARNING"
	}
	if threshold.HighCritical != nil && value > *threshold.HighCritical {
		return monitoring.FlagOutsideCritical, "HIGH_CRITICAL"
	}
	if threshold.HighWarning != nil && value > *threshold.HighWarning {
		return monitoring.FlagOutsideWarning, "HIGH_WARNING"
	}
	return monitoring.FlagNormal, ""
}
