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

package monitoring

import "strings"

// NormalizeTestType canonicalizes a test type for comparison.
func NormalizeTestType(testType string) string {
	return strings.ToLower(strings.TrimSpace(testType))
}

// MatchesTestType reports whether a task test type and an event test type
// refer to the same obligation. Matching is exact after normalization,
// with one deliberate exception: glucose and HbA1c results satisfy each
// other, since labs report glycaemic monitoring under either name.
func MatchesTestType(taskType, eventType string) bool {
	taskNorm := NormalizeTestType(taskType)
	eventNorm := NormalizeTestType(eventType)
	if taskNorm == eventNorm {
		return true
	}
	if strings.Contains(taskNorm, "glucose") || strings.Contains(taskNorm, "hba1c") {
		if strings.Contains(eventNorm, "glucose") || strings.Contains(eventNorm, "hba1c") {
			return true
		}
	}
	return false
}
