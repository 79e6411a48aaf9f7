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

// monitoring-orchestrator is the physical-health monitoring service for
// patients on antipsychotic medication.
//
// Startup order matters: config, logger, database (with migrations),
// security store, engines, then the operational HTTP listener; the sweep
// runner starts last so the first pass sees a fully wired system.
// Shutdown reverses it, flushing the audit buffer before the database
// pool closes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/medtrack/psymon/internal/sweep"
	"github.com/medtrack/psymon/pkg/audit"
	"github.com/medtrack/psymon/pkg/config"
	"github.com/medtrack/psymon/pkg/epr"
	"github.com/medtrack/psymon/pkg/export"
	"github.com/medtrack/psymon/pkg/log"
	"github.com/medtrack/psymon/pkg/metrics"
	"github.com/medtrack/psymon/pkg/monitoring"
	"github.com/medtrack/psymon/pkg/monitoring/notifications"
	"github.com/medtrack/psymon/pkg/monitoring/notifications/delivery"
	"github.com/medtrack/psymon/pkg/monitoring/orchestrator"
	"github.com/medtrack/psymon/pkg/monitoring/ruleset"
	"github.com/medtrack/psymon/pkg/monitoring/scheduling"
	"github.com/medtrack/psymon/pkg/monitoring/tasks"
	"github.com/medtrack/psymon/pkg/monitoring/thresholds"
	"github.com/medtrack/psymon/pkg/securitystore"
	"github.com/medtrack/psymon/pkg/shared/errkind"
	"github.com/medtrack/psymon/pkg/storage"
	"github.com/medtrack/psymon/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := 0
	if cfg.Logging.Level == "debug" {
		logLevel = 1
	}
	logger := log.NewLogger(log.Options{
		Development: cfg.Logging.Development,
		Level:       logLevel,
		ServiceName: cfg.Service.Name,
	})
	defer log.Sync(logger)
	logger.Info("Starting monitoring orchestrator", "ops_addr", cfg.Service.OpsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database and migrations.
	db, err := storage.Connect(ctx, storage.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db.DB); err != nil {
		return err
	}
	logger.Info("Database ready")

	// Security store: Redis when configured, in-memory otherwise.
	var secStore securitystore.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			if cfg.Redis.Required {
				return fmt.Errorf("redis unavailable: %w", err)
			}
			logger.Error(err, "Redis unavailable, falling back to in-memory security store")
			secStore = securitystore.NewMemoryStore()
		} else {
			secStore = securitystore.NewRedisStore(client)
			logger.Info("Security store ready", "backend", "redis")
		}
	} else {
		secStore = securitystore.NewMemoryStore()
		logger.Info("Security store ready", "backend", "memory")
	}

	// Metrics registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(registry)

	// Audit pipeline.
	auditSink := storage.NewAuditSink(db, logger.WithName("audit"))
	auditStore, err := audit.NewBufferedStore(auditSink, audit.RecommendedConfig(), logger.WithName("audit"))
	if err != nil {
		return err
	}
	defer func() { _ = auditStore.Close() }()

	// Repositories.
	patientRepo := storage.NewPatientRepository(db, logger.WithName("patients"))
	medicationRepo := storage.NewMedicationRepository(db, logger.WithName("medications"))
	taskRepo := storage.NewTaskRepository(db, logger.WithName("tasks"))
	eventRepo := storage.NewEventRepository(db, logger.WithName("events"))
	thresholdRepo := storage.NewThresholdRepository(db, logger.WithName("thresholds"))
	notificationRepo := storage.NewNotificationRepository(db, logger.WithName("notifications"))
	trackedRepo := storage.NewTrackedPatientRepository(db, logger.WithName("tracked"))

	// Ruleset provider with hot reload. A persisted versioned upload wins
	// over the file copy.
	rulesetProvider, err := ruleset.NewFileProvider(cfg.Service.RulesetPath, logger.WithName("ruleset"))
	if err != nil {
		return err
	}
	if err := rulesetProvider.Watch(ctx); err != nil {
		return err
	}
	rulesetRepo := storage.NewRulesetRepository(db, logger.WithName("rulesets"))
	if stored, err := rulesetRepo.GetActive(ctx, monitoring.DateOf(time.Now())); err == nil {
		rs, err := stored.Parse()
		if err != nil {
			return err
		}
		rulesetProvider.Replace(rs)
		logger.Info("Loaded persisted ruleset", "version", stored.Version)
	} else if !errkind.Is(err, errkind.NotFound) {
		return err
	}

	// Engines.
	scheduler := scheduling.NewEngine(scheduling.Options{
		Rulesets:     rulesetProvider,
		Events:       eventRepo,
		WindowDays:   cfg.Monitoring.TaskWindowDays,
		HorizonYears: cfg.Monitoring.SchedulingHorizonYears,
		Logger:       logger.WithName("scheduling"),
	})
	generator := tasks.NewGenerator(taskRepo, auditStore, cfg.Monitoring.TaskWindowDays, logger.WithName("tasks"))
	thresholdEval := thresholds.NewEvaluator(thresholdRepo, logger.WithName("thresholds"))

	deliveries := delivery.NewRegistry(logger.WithName("delivery"))
	deliveries.Register(delivery.NewLogChannel(logger.WithName("delivery.log")))
	if cfg.Notify.SlackToken != "" && cfg.Notify.SlackChannelID != "" {
		deliveries.Register(delivery.NewSlackChannel(cfg.Notify.SlackToken, cfg.Notify.SlackChannelID, logger.WithName("delivery.slack")))
	}
	notifier := notifications.NewEngine(notifications.Options{
		Repository:              notificationRepo,
		Tasks:                   taskRepo,
		Events:                  eventRepo,
		Auditor:                 auditStore,
		Deliverer:               deliveries,
		Enabled:                 cfg.Notify.InAppEnabled,
		TeamInboxID:             cfg.Notify.TeamInboxID,
		TeamLeadInboxID:         cfg.Notify.TeamLeadInboxID,
		EscalationThresholdDays: cfg.Monitoring.EscalationThresholdDays,
		Logger:                  logger.WithName("notifications"),
	})

	orch := orchestrator.New(orchestrator.Options{
		Patients:      patientRepo,
		Medications:   medicationRepo,
		Events:        eventRepo,
		Tasks:         taskRepo,
		Scheduler:     scheduler,
		Generator:     generator,
		Thresholds:    thresholdEval,
		Notifications: notifier,
		Auditor:       auditStore,
		Metrics:       recorder,
		Logger:        logger.WithName("orchestrator"),
	})

	// Webhook security gates (used by the ingestion transport).
	webhookSecurity := webhook.NewSecurity(webhook.SecurityConfig{
		Secret:              cfg.Webhook.Secret,
		TimestampTolerance:  cfg.Webhook.TimestampTolerance,
		ReplayTTL:           cfg.Webhook.ReplayTTL,
		IdempotencyTTL:      cfg.Webhook.IdempotencyTTL,
		RateLimitMaxPerHour: cfg.Webhook.RateLimitMaxPerHour,
		RateLimitBurst:      cfg.Webhook.RateLimitBurst,
	}, secStore, logger.WithName("webhook"))
	ingestion := webhook.NewHandler(webhookSecurity, patientRepo, medicationRepo, orch, recorder, cfg.Webhook.AllowIdentifiers, logger.WithName("webhook"))

	// Optional EPR integration.
	var eprService *epr.Service
	if cfg.EPR.Mode != "OFF" {
		eprClient, err := epr.NewClient(epr.Config{
			BaseURL: cfg.EPR.BaseURL,
			APIKey:  cfg.EPR.APIKey,
			Timeout: cfg.EPR.Timeout,
		}, logger.WithName("epr"))
		if err != nil {
			return err
		}
		eprService = epr.NewService(eprClient, trackedRepo, recorder, logger.WithName("epr"))
		logger.Info("EPR integration enabled", "mode", cfg.EPR.Mode)
	}

	// Operational HTTP listener.
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	ingestion.Mount(router)

	// Versioned ruleset upload and history.
	router.Post("/internal/rulesets", func(w http.ResponseWriter, r *http.Request) {
		var stored ruleset.StoredRuleset
		if err := json.NewDecoder(r.Body).Decode(&stored); err != nil {
			http.Error(w, "malformed ruleset upload", http.StatusBadRequest)
			return
		}
		if stored.CreatedBy == "" {
			stored.CreatedBy = "ops:upload"
		}
		if err := rulesetRepo.Insert(r.Context(), &stored); err != nil {
			status := http.StatusInternalServerError
			if errkind.Is(err, errkind.Configuration) || errkind.Is(err, errkind.Validation) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		if active, err := rulesetRepo.GetActive(r.Context(), monitoring.DateOf(time.Now())); err == nil && active.ID == stored.ID {
			if rs, err := active.Parse(); err == nil {
				rulesetProvider.Replace(rs)
				logger.Info("Activated uploaded ruleset", "version", active.Version)
			}
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(stored)
	})
	router.Get("/internal/rulesets", func(w http.ResponseWriter, r *http.Request) {
		versions, err := rulesetRepo.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(versions)
	})

	// Clinical worklist: joined task rows, filterable by status and drug
	// category, earliest due date first.
	router.Get("/internal/worklist", func(w http.ResponseWriter, r *http.Request) {
		items, err := orch.Worklist(r.Context(), monitoring.WorklistFilter{
			Status:       monitoring.TaskStatus(r.URL.Query().Get("status")),
			DrugCategory: monitoring.DrugCategory(r.URL.Query().Get("drug_category")),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"count": len(items), "items": items})
	})

	// Operator threshold upload.
	importer := thresholds.NewImporter(thresholdRepo, logger.WithName("thresholds"))
	router.Post("/internal/thresholds/import", func(w http.ResponseWriter, r *http.Request) {
		updatedBy := r.URL.Query().Get("updated_by")
		if updatedBy == "" {
			updatedBy = "ops:import"
		}
		result, err := importer.Import(r.Context(), r.Body, updatedBy)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errkind.Is(err, errkind.Validation):
				status = http.StatusBadRequest
			case errkind.Is(err, errkind.DependencyUnavailable):
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	// Pseudonymised research extract.
	exporter := export.NewExporter(storage.NewExportReader(db, logger.WithName("export")), auditStore, logger.WithName("export"))
	router.Get("/internal/export", func(w http.ResponseWriter, r *http.Request) {
		trackedOnly := r.URL.Query().Get("tracked_only") == "true"
		bundle, err := exporter.BuildZip(r.Context(), trackedOnly, "ops:export")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="monitoring_export.zip"`)
		_, _ = w.Write(bundle)
	})

	// On-demand clinical record fetch, counted per patient.
	if eprService != nil {
		router.Post("/internal/epr/patients/{patientID}/fetch", func(w http.ResponseWriter, r *http.Request) {
			patientID, err := uuid.Parse(chi.URLParam(r, "patientID"))
			if err != nil {
				http.Error(w, "invalid patient id", http.StatusBadRequest)
				return
			}
			identifier := r.URL.Query().Get("identifier")
			if identifier == "" {
				http.Error(w, "identifier query parameter required", http.StatusBadRequest)
				return
			}
			record, err := eprService.FetchRecord(r.Context(), patientID, identifier)
			switch {
			case errkind.Is(err, errkind.NotFound):
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			case errkind.Is(err, errkind.DependencyUnavailable):
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			case err != nil:
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(record)
		})
	}

	opsServer := &http.Server{
		Addr:              cfg.Service.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "Operational listener failed")
			stop()
		}
	}()

	// Daily sweep.
	runner := sweep.NewRunner(orch, sweep.Config{
		Interval:     cfg.Sweep.Interval,
		MaxRetries:   cfg.Sweep.MaxRetries,
		RetryBackoff: cfg.Sweep.RetryBackoff,
	}, logger.WithName("sweep"))
	go runner.Run(ctx)

	logger.Info("Monitoring orchestrator started")
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Operational listener shutdown failed")
	}
	return nil
}
