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

// Package epr is the read-only client for the upstream electronic
// patient record's FHIR-style API. All calls run behind a circuit
// breaker: an EPR outage degrades on-demand fetches to
// DEPENDENCY_UNAVAILABLE without hammering the upstream.
package epr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// Resource is an untyped FHIR resource.
type Resource map[string]interface{}

// Config holds the EPR connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client fetches patient, observation and medication resources.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  logr.Logger
}

// NewClient constructs an EPR client.
func NewClient(cfg Config, logger logr.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errkind.New(errkind.Configuration, "EPR base URL is not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "epr-client",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// FetchPatient looks a patient up by identifier. A missing patient is a
// NOT_FOUND error, not an outage.
func (c *Client) FetchPatient(ctx context.Context, identifier string) (Resource, error) {
	data, err := c.get(ctx, "/Patient", url.Values{"identifier": {identifier}})
	if err != nil {
		return nil, err
	}
	resource := unwrapSingle(data)
	if resource == nil {
		return nil, errkind.New(errkind.NotFound, "no EPR patient with identifier %s", identifier)
	}
	return resource, nil
}

// FetchObservations returns a patient's observation resources.
func (c *Client) FetchObservations(ctx context.Context, patientID string) ([]Resource, error) {
	data, err := c.get(ctx, "/Observation", url.Values{"patient": {patientID}})
	if err != nil {
		return nil, err
	}
	return unwrapList(data), nil
}

// FetchMedications returns a patient's medication request resources.
func (c *Client) FetchMedications(ctx context.Context, patientID string) ([]Resource, error) {
	data, err := c.get(ctx, "/MedicationRequest", url.Values{"patient": {patientID}})
	if err != nil {
		return nil, err
	}
	return unwrapList(data), nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (interface{}, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("EPR returned %d for %s: %s", resp.StatusCode, path, body)
		}

		var data interface{}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return nil, fmt.Errorf("failed to decode EPR response for %s: %w", path, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.DependencyUnavailable, err, "EPR request %s failed", path)
	}
	return result, nil
}

// authorize sets the auth header: a "Bearer " key goes to Authorization,
// anything else to X-API-Key.
func (c *Client) authorize(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	if strings.HasPrefix(c.apiKey, "Bearer ") {
		req.Header.Set("Authorization", c.apiKey)
	} else {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// unwrapSingle extracts the first resource from a bare resource, list,
// or FHIR bundle.
func unwrapSingle(data interface{}) Resource {
	switch v := data.(type) {
	case nil:
		return nil
	case []interface{}:
		if len(v) == 0 {
			return nil
		}
		if r, ok := v[0].(map[string]interface{}); ok {
			return r
		}
		return nil
	case map[string]interface{}:
		entries, ok := v["entry"].([]interface{})
		if !ok {
			return Resource(v)
		}
		if len(entries) == 0 {
			return nil
		}
		entry, ok := entries[0].(map[string]interface{})
		if !ok {
			return nil
		}
		if r, ok := entry["resource"].(map[string]interface{}); ok {
			return r
		}
		return Resource(entry)
	default:
		return nil
	}
}

// unwrapList extracts every resource from a bare resource, list, or
// FHIR bundle.
func unwrapList(data interface{}) []Resource {
	switch v := data.(type) {
	case nil:
		return nil
	case []interface{}:
		var out []Resource
		for _, item := range v {
			if r, ok := item.(map[string]interface{}); ok {
				out = append(out, Resource(r))
			}
		}
		return out
	case map[string]interface{}:
		entries, ok := v["entry"].([]interface{})
		if !ok {
			return []Resource{Resource(v)}
		}
		var out []Resource
		for _, item := range entries {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if r, ok := entry["resource"].(map[string]interface{}); ok {
				out = append(out, Resource(r))
			} else {
				out = append(out, Resource(entry))
			}
		}
		return out
	default:
		return nil
	}
}
