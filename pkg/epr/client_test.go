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

package epr_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/medtrack/psymon/pkg/epr"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

var _ = Describe("Client", func() {
	newClient := func(server *httptest.Server, apiKey string) *epr.Client {
		client, err := epr.NewClient(epr.Config{BaseURL: server.URL, APIKey: apiKey}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		return client
	}

	It("requires a base URL", func() {
		_, err := epr.NewClient(epr.Config{}, logr.Discard())
		Expect(errkind.KindOf(err)).To(Equal(errkind.Configuration))
	})

	Describe("FetchPatient", func() {
		It("unwraps a FHIR bundle", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/Patient"))
				Expect(r.URL.Query().Get("identifier")).To(Equal("P-0001"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient","id":"abc"}}]}`))
			}))
			defer server.Close()

			patient, err := newClient(server, "").FetchPatient(context.Background(), "P-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(patient["id"]).To(Equal("abc"))
		})

		It("accepts a bare resource", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"abc"}`))
			}))
			defer server.Close()

			patient, err := newClient(server, "").FetchPatient(context.Background(), "P-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(patient["id"]).To(Equal("abc"))
		})

		It("maps an empty bundle to NOT_FOUND", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"resourceType":"Bundle","entry":[]}`))
			}))
			defer server.Close()

			_, err := newClient(server, "").FetchPatient(context.Background(), "P-0001")
			Expect(errkind.KindOf(err)).To(Equal(errkind.NotFound))
		})

		It("maps an upstream 404 to NOT_FOUND", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}))
			defer server.Close()

			_, err := newClient(server, "").FetchPatient(context.Background(), "P-0001")
			Expect(errkind.KindOf(err)).To(Equal(errkind.NotFound))
		})

		It("classifies server errors as dependency failures", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			_, err := newClient(server, "").FetchPatient(context.Background(), "P-0001")
			Expect(errkind.KindOf(err)).To(Equal(errkind.DependencyUnavailable))
		})
	})

	Describe("FetchObservations", func() {
		It("unwraps bundle entries into a list", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/Observation"))
				_, _ = w.Write([]byte(`{"entry":[{"resource":{"id":"o1"}},{"resource":{"id":"o2"}}]}`))
			}))
			defer server.Close()

			observations, err := newClient(server, "").FetchObservations(context.Background(), "P-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(observations).To(HaveLen(2))
			Expect(observations[0]["id"]).To(Equal("o1"))
		})
	})

	Describe("authorization", func() {
		It("sends a bearer key on the Authorization header", func() {
			var auth, apiKey string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				auth = r.Header.Get("Authorization")
				apiKey = r.Header.Get("X-API-Key")
				_, _ = w.Write([]byte(`{"id":"abc"}`))
			}))
			defer server.Close()

			_, err := newClient(server, "Bearer token123").FetchPatient(context.Background(), "P-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(auth).To(Equal("Bearer token123"))
			Expect(apiKey).To(BeEmpty())
		})

		It("sends a plain key on X-API-Key", func() {
			var apiKey string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				apiKey = r.Header.Get("X-API-Key")
				_, _ = w.Write([]byte(`{"id":"abc"}`))
			}))
			defer server.Close()

			_, err := newClient(server, "secret-key").FetchPatient(context.Background(), "P-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(apiKey).To(Equal("secret-key"))
		})
	})

	Describe("circuit breaker", func() {
		It("opens after consecutive failures and stops hitting the upstream", func() {
			var hits atomic.Int64
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			client := newClient(server, "")
			for i := 0; i < 8; i++ {
				_, err := client.FetchPatient(context.Background(), "P-0001")
				Expect(errkind.KindOf(err)).To(Equal(errkind.DependencyUnavailable))
			}
			// Breaker trips at five consecutive failures; later calls fail
			// fast without reaching the server.
			Expect(hits.Load()).To(Equal(int64(5)))
		})
	})
})
