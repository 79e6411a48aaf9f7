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

package thresholds_test

import (
	"context"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/thresholds"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

const importHeader = "monitoring_type,unit,comparator_type,sex,age_band,source_system_scope,low_critical,low_warning,high_warning,high_critical,coded_abnormal_values,enabled,version\n"

type fakeStore struct {
	mu       sync.Mutex
	upserted []*monitoring.ReferenceThreshold
	failWith error
}

func (f *fakeStore) Upsert(_ context.Context, t *monitoring.ReferenceThreshold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.upserted = append(f.upserted, t)
	return nil
}

func (f *fakeStore) byType(monitoringType string) *monitoring.ReferenceThreshold {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.upserted {
		if t.MonitoringType == monitoringType {
			return t
		}
	}
	return nil
}

var _ = Describe("Importer", func() {
	var (
		store    *fakeStore
		importer *thresholds.Importer
	)

	BeforeEach(func() {
		store = &fakeStore{}
		importer = thresholds.NewImporter(store, logr.Discard())
	})

	It("imports valid numeric and coded rows", func() {
		csv := importHeader +
			"Fasting glucose/HbA1c,mmol/L,numeric,,,,2.5,3.5,7.0,11.0,,true,v2\n" +
			"ECG,,coded,,,,,,,,ABNORMAL;BORDERLINE,true,v2\n"
		result, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Imported).To(Equal(2))
		Expect(result.Rejected).To(BeZero())

		glucose := store.byType("Fasting glucose/HbA1c")
		Expect(glucose).NotTo(BeNil())
		Expect(*glucose.HighCritical).To(Equal(11.0))
		Expect(glucose.UpdatedBy).To(Equal("ops.admin"))

		ecg := store.byType("ECG")
		Expect(ecg).NotTo(BeNil())
		Expect(ecg.CodedAbnormalValues).To(Equal([]string{"ABNORMAL", "BORDERLINE"}))
	})

	It("accepts a JSON array for coded values", func() {
		csv := importHeader + `ECG,,coded,,,,,,,,"[""ABNORMAL"",""INCONCLUSIVE""]",true,v1` + "\n"
		result, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Imported).To(Equal(1))
		Expect(store.byType("ECG").CodedAbnormalValues).To(Equal([]string{"ABNORMAL", "INCONCLUSIVE"}))
	})

	It("rejects a malformed header outright", func() {
		csv := "monitoring_type,unit,comparator\nFBC,,numeric\n"
		_, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).To(HaveOccurred())
		Expect(errkind.KindOf(err)).To(Equal(errkind.Validation))
	})

	It("collects row-level failures without aborting the file", func() {
		csv := importHeader +
			"Fasting glucose/HbA1c,mmol/L,numeric,,,,2.5,3.5,7.0,11.0,,true,v2\n" +
			",mmol/L,numeric,,,,2.5,,,,,true,v2\n" + // missing type
			"Prolactin,mIU/L,lexical,,,,,,,400,,true,v2\n" + // bad comparator
			"Prolactin,mIU/L,numeric,,,,,,,,,true,v2\n" // no bounds
		result, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Imported).To(Equal(1))
		Expect(result.Rejected).To(Equal(3))
		Expect(result.RowErrors).To(HaveLen(3))
	})

	It("rejects rows whose bounds are out of order", func() {
		csv := importHeader + "Prolactin,mIU/L,numeric,,,,100,50,,,,true,v1\n"
		result, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Imported).To(BeZero())
		Expect(result.Rejected).To(Equal(1))
		Expect(result.RowErrors[0].Err).To(ContainSubstring("low_warning"))
	})

	It("rejects coded rows without coded values", func() {
		csv := importHeader + "ECG,,coded,,,,,,,,,true,v1\n"
		result, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Rejected).To(Equal(1))
	})

	It("defaults enabled to true when blank", func() {
		csv := importHeader + "Prolactin,mIU/L,numeric,,,,,,400,,,,v1\n"
		result, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Imported).To(Equal(1))
		Expect(store.byType("Prolactin").Enabled).To(BeTrue())
	})

	It("aborts the whole import on storage failure", func() {
		store.failWith = errkind.New(errkind.DependencyUnavailable, "db down")
		csv := importHeader + "Prolactin,mIU/L,numeric,,,,,,400,,,true,v1\n"
		_, err := importer.Import(context.Background(), strings.NewReader(csv), "ops.admin")
		Expect(err).To(HaveOccurred())
		Expect(errkind.KindOf(err)).To(Equal(errkind.DependencyUnavailable))
	})
})
