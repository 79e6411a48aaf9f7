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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/medtrack/psymon/pkg/config"
	"github.com/medtrack/psymon/pkg/shared/errkind"
)

var _ = Describe("Load", func() {
	writeFile := func(content string) string {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	const minimal = `
database:
  dsn: postgres://localhost/psymon
`

	It("carries the documented defaults under a minimal file", func() {
		cfg, err := config.Load(writeFile(minimal))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Service.Name).To(Equal("monitoring-orchestrator"))
		Expect(cfg.Service.OpsAddr).To(Equal(":9090"))
		Expect(cfg.Monitoring.TaskWindowDays).To(Equal(14))
		Expect(cfg.Monitoring.EscalationThresholdDays).To(Equal(30))
		Expect(cfg.Monitoring.SchedulingHorizonYears).To(Equal(5))
		Expect(cfg.Webhook.TimestampTolerance).To(Equal(10 * time.Minute))
		Expect(cfg.Webhook.IdempotencyTTL).To(Equal(24 * time.Hour))
		Expect(cfg.Webhook.RateLimitMaxPerHour).To(Equal(int64(100)))
		Expect(cfg.Webhook.RateLimitBurst).To(Equal(int64(20)))
		Expect(cfg.Webhook.AllowIdentifiers).To(BeFalse())
		Expect(cfg.Notify.InAppEnabled).To(BeTrue())
		Expect(cfg.Notify.TeamInboxID).To(Equal("TEAM_INBOX"))
		Expect(cfg.Notify.TeamLeadInboxID).To(Equal("TEAM_LEAD_INBOX"))
		Expect(cfg.EPR.Mode).To(Equal("OFF"))
		Expect(cfg.Sweep.Interval).To(Equal(24 * time.Hour))
		Expect(cfg.Logging.Level).To(Equal("info"))
	})

	It("overlays file values on the defaults", func() {
		cfg, err := config.Load(writeFile(minimal + `
service:
  name: monitoring-orchestrator
  ops_addr: ":8088"
monitoring:
  task_window_days: 7
  escalation_threshold_days: 30
  scheduling_horizon_years: 5
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Service.OpsAddr).To(Equal(":8088"))
		Expect(cfg.Monitoring.TaskWindowDays).To(Equal(7))
		// Untouched sections keep their defaults.
		Expect(cfg.Webhook.RateLimitMaxPerHour).To(Equal(int64(100)))
	})

	It("turns off in-app notifications and turns on identifiers from the file", func() {
		cfg, err := config.Load(writeFile(minimal + `
webhook:
  allow_identifiers: true
notifications:
  in_app_notifications_enabled: false
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Webhook.AllowIdentifiers).To(BeTrue())
		Expect(cfg.Notify.InAppEnabled).To(BeFalse())
		// Inbox defaults survive a partial notifications section.
		Expect(cfg.Notify.TeamInboxID).To(Equal("TEAM_INBOX"))
	})

	It("lets the environment override secrets", func() {
		GinkgoT().Setenv("DATABASE_DSN", "postgres://env/override")
		GinkgoT().Setenv("WEBHOOK_SECRET", "env-secret")

		cfg, err := config.Load(writeFile(minimal))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Database.DSN).To(Equal("postgres://env/override"))
		Expect(cfg.Webhook.Secret).To(Equal("env-secret"))
	})

	It("fails on a missing file", func() {
		_, err := config.Load("/does/not/exist.yaml")
		Expect(errkind.KindOf(err)).To(Equal(errkind.Configuration))
	})

	It("fails on malformed YAML", func() {
		_, err := config.Load(writeFile("{nope"))
		Expect(errkind.KindOf(err)).To(Equal(errkind.Configuration))
	})

	It("requires a database DSN", func() {
		_, err := config.Load(writeFile("logging:\n  level: info\n"))
		Expect(errkind.KindOf(err)).To(Equal(errkind.Configuration))
	})

	It("rejects an unknown log level", func() {
		_, err := config.Load(writeFile(minimal + "logging:\n  level: loud\n"))
		Expect(errkind.KindOf(err)).To(Equal(errkind.Configuration))
	})

	It("requires a base URL when EPR mode is on", func() {
		_, err := config.Load(writeFile(minimal + `
epr:
  mode: READ_ONLY
`))
		Expect(errkind.KindOf(err)).To(Equal(errkind.Configuration))

		cfg, err := config.Load(writeFile(minimal + `
epr:
  mode: READ_ONLY
  base_url: https://epr.example.nhs.uk
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.EPR.BaseURL).To(Equal("https://epr.example.nhs.uk"))
	})

	It("requires a redis address when redis is mandatory", func() {
		_, err := config.Load(writeFile(minimal + `
redis:
  required: true
`))
		Expect(errkind.KindOf(err)).To(Equal(errkind.Configuration))
	})
})
