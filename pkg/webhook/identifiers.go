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

package webhook

import (
	"fmt"
	"regexp"
	"sort"
)

// identifierPatterns match values that look like personal identifiers.
// An anonymised deployment carries pseudonyms only, so any of these in
// an ingestion payload is a data-protection incident, not a warning.
var identifierPatterns = map[string]*regexp.Regexp{
	"nhs_number": regexp.MustCompile(`\b\d{10}\b`),
	"dob":        regexp.MustCompile(`\b\d{2}[/-]\d{2}[/-]\d{4}\b`),
	"email":      regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	"phone":      regexp.MustCompile(`\b(?:\+44|0)\d{9,10}\b`),
	"postcode":   regexp.MustCompile(`(?i)\b[A-Z]{1,2}\d{1,2}[A-Z]?\s?\d[A-Z]{2}\b`),
	"mrn":        regexp.MustCompile(`(?i)\bMRN[0-9A-Za-z]{4,}\b`),
}

// IdentifierMatch locates an identifier-like value inside a payload.
type IdentifierMatch struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
}

// FindIdentifierMatches names every identifier pattern the value
// resembles, sorted for stable reporting.
func FindIdentifierMatches(value string) []string {
	if value == "" {
		return nil
	}
	var hits []string
	for name, pattern := range identifierPatterns {
		if pattern.MatchString(value) {
			hits = append(hits, name)
		}
	}
	sort.Strings(hits)
	return hits
}

// ScanForIdentifiers walks a decoded JSON payload and reports every
// string value resembling a personal identifier, with its path.
func ScanForIdentifiers(payload interface{}) []IdentifierMatch {
	var matches []IdentifierMatch
	scanValue(payload, "", &matches)
	return matches
}

func scanValue(value interface{}, path string, matches *[]IdentifierMatch) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			scanValue(v[k], child, matches)
		}
	case []interface{}:
		for i, item := range v {
			scanValue(item, fmt.Sprintf("%s[%d]", path, i), matches)
		}
	case string:
		for _, name := range FindIdentifierMatches(v) {
			*matches = append(*matches, IdentifierMatch{Path: path, Pattern: name})
		}
	}
}
