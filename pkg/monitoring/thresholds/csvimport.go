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

package thresholds

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// csvHeader is the required column layout for threshold import files.
var csvHeader = []string{
	"monitoring_type", "unit", "comparator_type", "sex", "age_band",
	"source_system_scope", "low_critical", "low_warning", "high_warning",
	"high_critical", "coded_abnormal_values", "enabled", "version",
}

const (
	importWorkers  = 4
	maxRowErrors   = 50
	importQueueCap = 64
)

// Store persists imported thresholds. Upsert keys on the scoping tuple
// (monitoring_type, unit, comparator_type, sex, age_band,
// source_system_scope).
type Store interface {
	Upsert(ctx context.Context, threshold *monitoring.ReferenceThreshold) error
}

// RowError is one rejected CSV row.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// ImportResult summarizes a CSV import.
type ImportResult struct {
	Imported  int        `json:"imported"`
	Rejected  int        `json:"rejected"`
	RowErrors []RowError `json:"row_errors,omitempty"`
}

// Importer loads reference thresholds from operator-supplied CSV files.
// Rows are validated and upserted by a small worker pool; row-level
// failures are collected (capped) rather than aborting the whole file.
type Importer struct {
	store  Store
	logger logr.Logger
}

// NewImporter constructs a CSV threshold importer.
func NewImporter(s Store, logger logr.Logger) *Importer {
	return &Importer{store: s, logger: logger}
}

type indexedRow struct {
	line   int
	record []string
}

// Import reads a threshold CSV and upserts each valid row. A malformed
// header is a validation error; malformed rows are reported per-row in
// the result.
func (imp *Importer) Import(ctx context.Context, r io.Reader, updatedBy string) (*ImportResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "failed to read CSV header")
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	result := &ImportResult{}
	var mu sync.Mutex
	addRowError := func(line int, rowErr error) {
		mu.Lock()
		defer mu.Unlock()
		result.Rejected++
		if len(result.RowErrors) < maxRowErrors {
			result.RowErrors = append(result.RowErrors, RowError{Line: line, Err: rowErr.Error()})
		}
	}

	rows := make(chan indexedRow, importQueueCap)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < importWorkers; i++ {
		g.Go(func() error {
			for row := range rows {
				threshold, parseErr := parseRow(row.record)
				if parseErr != nil {
					addRowError(row.line, parseErr)
					continue
				}
				threshold.UpdatedBy = updatedBy
				if err := imp.store.Upsert(gctx, threshold); err != nil {
					// Storage failures abort the import; they are not
					// data problems the operator can fix in the file.
					return err
				}
				mu.Lock()
				result.Imported++
				mu.Unlock()
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(rows)
		line := 1
		for {
			record, readErr := reader.Read()
			if readErr == io.EOF {
				return nil
			}
			line++
			if readErr != nil {
				addRowError(line, readErr)
				continue
			}
			select {
			case rows <- indexedRow{line: line, record: record}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	imp.logger.Info("Imported reference thresholds",
		"imported", result.Imported,
		"rejected", result.Rejected,
		"updated_by", updatedBy,
	)
	return result, nil
}

func validateHeader(header []string) error {
	if len(header) != len(csvHeader) {
		return errkind.New(errkind.Validation, "expected %d CSV columns, got %d", len(csvHeader), len(header))
	}
	for i, want := range csvHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != want {
			return errkind.New(errkind.Validation, "unexpected CSV column %d: got %q, want %q", i+1, header[i], want)
		}
	}
	return nil
}

// parseRow converts one CSV record into a threshold, validating the
// comparator-specific requirements.
func parseRow(record []string) (*monitoring.ReferenceThreshold, error) {
	if len(record) != len(csvHeader) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(csvHeader), len(record))
	}

	monitoringType := strings.TrimSpace(record[0])
	if monitoringType == "" {
		return nil, fmt.Errorf("monitoring_type is required")
	}

	comparator := monitoring.ComparatorType(strings.ToLower(strings.TrimSpace(record[2])))
	if comparator != monitoring.ComparatorNumeric && comparator != monitoring.ComparatorCoded {
		return nil, fmt.Errorf("comparator_type must be numeric or coded, got %q", record[2])
	}

	threshold := &monitoring.ReferenceThreshold{
		ID:                uuid.New(),
		MonitoringType:    monitoringType,
		Unit:              strings.TrimSpace(record[1]),
		ComparatorType:    comparator,
		Sex:               strings.TrimSpace(record[3]),
		AgeBand:           strings.TrimSpace(record[4]),
		SourceSystemScope: strings.TrimSpace(record[5]),
		Version:           strings.TrimSpace(record[12]),
	}

	var err error
	if threshold.LowCritical, err = parseBound("low_critical", record[6]); err != nil {
		return nil, err
	}
	if threshold.LowWarning, err = parseBound("low_warning", record[7]); err != nil {
		return nil, err
	}
	if threshold.HighWarning, err = parseBound("high_warning", record[8]); err != nil {
		return nil, err
	}
	if threshold.HighCritical, err = parseBound("high_critical", record[9]); err != nil {
		return nil, err
	}

	threshold.CodedAbnormalValues, err = parseCodedValues(record[10])
	if err != nil {
		return nil, err
	}

	enabled := strings.ToLower(strings.TrimSpace(record[11]))
	switch enabled {
	case "", "true", "1", "yes":
		threshold.Enabled = true
	case "false", "0", "no":
		threshold.Enabled = false
	default:
		return nil, fmt.Errorf("enabled must be a boolean, got %q", record[11])
	}

	switch comparator {
	case monitoring.ComparatorNumeric:
		if !threshold.HasBounds() {
			return nil, fmt.Errorf("numeric threshold requires at least one bound")
		}
		if err := validateBoundOrder(threshold); err != nil {
			return nil, err
		}
	case monitoring.ComparatorCoded:
		if len(threshold.CodedAbnormalValues) == 0 {
			return nil, fmt.Errorf("coded threshold requires coded_abnormal_values")
		}
	}
	return threshold, nil
}

func parseBound(name, raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s is not numeric: %q", name, raw)
	}
	return &v, nil
}

// parseCodedValues accepts either a JSON string array or a
// semicolon-delimited list.
func parseCodedValues(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var values []string
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("coded_abnormal_values is not a JSON array: %w", err)
		}
		return values, nil
	}
	var values []string
	for _, part := range strings.Split(raw, ";") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values, nil
}

// validateBoundOrder enforces low_critical <= low_warning <=
// high_warning <= high_critical for the bounds present.
func validateBoundOrder(t *monitoring.ReferenceThreshold) error {
	ordered := []struct {
		name  string
		value *float64
	}{
		{"low_critical", t.LowCritical},
		{"low_warning", t.LowWarning},
		{"high_warning", t.HighWarning},
		{"high_critical", t.HighCritical},
	}
	var prevName string
	var prev *float64
	for _, b := range ordered {
		if b.value == nil {
			continue
		}
		if prev != nil && *b.value < *prev {
			return fmt.Errorf("%s (%v) must be >= %s (%v)", b.name, *b.value, prevName, *prev)
		}
		prevName, prev = b.name, b.value
	}
	return nil
}
