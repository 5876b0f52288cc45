// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	backupspecialist "axonflow/opscenter/specialists/backup"
	ec2specialist "axonflow/opscenter/specialists/ec2"
	patchspecialist "axonflow/opscenter/specialists/patch"
	supportspecialist "axonflow/opscenter/specialists/support"
)

// OpsCenter Orchestrator - the multi-agent orchestration core that turns
// natural-language operations requests into bounded, audited actions.

var (
	runtimeConfig    *Config
	supervisor       *Supervisor
	sessionStore     SessionStore
	policyFilter     *PolicyFilter
	intentClassifier IntentClassifier
	specialistRouter *SpecialistRouter
	actionRegistry   *ActionRegistry
	authenticator    *Authenticator
	auditSink        AuditSink
	appMetrics       *Metrics
)

// Run wires all components from the environment and serves the HTTP API
// until the process exits.
func Run() {
	log.Println("Starting OpsCenter Orchestrator...")

	ctx := context.Background()
	cfg, err := LoadConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	runtimeConfig = cfg

	if err := initializeComponents(ctx, cfg); err != nil {
		log.Fatalf("Failed to initialize components: %v", err)
	}
	defer auditSink.Close()

	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health check
	r.HandleFunc("/health", healthHandler).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Main turn endpoint
	r.HandleFunc("/api/v1/turn", turnHandler).Methods("POST")

	// Session inspection
	r.HandleFunc("/api/v1/sessions/{id}", sessionHandler).Methods("GET")

	// Policy and catalogue management
	r.HandleFunc("/api/v1/policies/reload", policyReloadHandler).Methods("POST")
	r.HandleFunc("/api/v1/catalogs", catalogsHandler).Methods("GET")

	handler := c.Handler(r)
	log.Printf("OpsCenter Orchestrator listening on port %s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}

// initializeComponents builds the orchestration core from configuration:
// policy filter, classifier, router, catalogues and their specialist
// handlers, session store, audit pipeline, and the supervisor on top.
func initializeComponents(ctx context.Context, cfg *Config) error {
	appMetrics = NewMetrics(nil)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BedrockRegion))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	// Policy filter: rules from file when configured, otherwise the
	// built-in default rule set.
	rules := DefaultPolicyRules()
	if cfg.PolicyRulesFile != "" {
		rules, err = LoadPolicyRules(cfg.PolicyRulesFile)
		if err != nil {
			return fmt.Errorf("loading policy rules: %w", err)
		}
	}

	var contentClassifier ContentClassifier
	if cfg.BedrockModelID != "" {
		bedrock := bedrockruntime.NewFromConfig(awsCfg)
		contentClassifier = NewBedrockContentClassifier(bedrock, cfg.BedrockModelID)
		log.Printf("[Init] Content moderation via Bedrock model %s", cfg.BedrockModelID)
	} else {
		contentClassifier = NewLexiconClassifier()
		log.Println("[Init] Content moderation via built-in lexicon")
	}
	policyFilter = NewPolicyFilter(contentClassifier, rules)

	// Catalogues and specialist handlers.
	catalogs, err := LoadCatalogDirectory(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("loading catalogues: %w", err)
	}

	specialistRouter = NewSpecialistRouter(nil, cfg.MinConfidence)
	actionRegistry = NewActionRegistry(cfg.ActionBudget, cfg.CallTimeout)
	var allLabels []string
	for domain, catalog := range catalogs {
		handler, err := specialistHandler(domain, awsCfg)
		if err != nil {
			return err
		}
		if err := actionRegistry.Register(catalog, handler); err != nil {
			return err
		}
		for _, label := range catalog.Spec.IntentLabels {
			specialistRouter.RegisterDomain(label, domain)
			allLabels = append(allLabels, label)
		}
	}

	if cfg.BedrockModelID != "" {
		bedrock := bedrockruntime.NewFromConfig(awsCfg)
		intentClassifier = NewBedrockClassifier(bedrock, cfg.BedrockModelID, allLabels)
		log.Printf("[Init] Intent classification via Bedrock model %s", cfg.BedrockModelID)
	} else {
		intentClassifier = NewKeywordClassifier()
		log.Println("[Init] Intent classification via built-in keyword rules")
	}

	// Session store: Redis when configured, in-memory otherwise.
	if cfg.RedisURL != "" {
		store, err := NewRedisSessionStore(cfg.RedisURL, cfg.SessionTTL, cfg.QueueOnBusy)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		sessionStore = store
		log.Println("[Init] Session store: Redis")
	} else {
		sessionStore = NewInMemorySessionStore(cfg.SessionTTL, cfg.QueueOnBusy)
		log.Println("[Init] Session store: in-memory")
	}
	go sweepSessions(ctx, cfg.SweepInterval)

	// Audit pipeline: Postgres sink, optionally teed to S3 for
	// long-term retention.
	if cfg.DatabaseURL != "" {
		pgSink := NewPostgresAuditSink(cfg.DatabaseURL)
		pgSink.SetDropCallback(appMetrics.AuditDropped.Inc)
		auditSink = pgSink
	} else {
		auditSink = NoopAuditSink{}
		log.Println("[Init] Audit sink disabled (no DATABASE_URL)")
	}
	if cfg.ArchiveBucket != "" {
		auditSink = NewS3TraceArchiver(auditSink, s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, cfg.ArchivePrefix)
		log.Printf("[Init] Archiving turn traces to s3://%s/%s", cfg.ArchiveBucket, cfg.ArchivePrefix)
	}

	authenticator = NewAuthenticator(cfg.AuthSecret)
	if authenticator.Enabled() {
		log.Println("[Init] Bearer token authentication enabled")
	}

	planner := NewPlanner(catalogs)
	supervisor = NewSupervisor(policyFilter, intentClassifier, specialistRouter,
		actionRegistry, planner, sessionStore, auditSink, appMetrics, cfg.TurnTimeout)

	log.Printf("[Init] Orchestrator ready: %d domains, budget %d actions/turn",
		len(catalogs), cfg.ActionBudget)
	return nil
}

// specialistHandler maps a catalogue domain to its capability handler.
func specialistHandler(domain string, awsCfg aws.Config) (CapabilityHandler, error) {
	switch domain {
	case "compute-lifecycle":
		return ec2specialist.New(awsCfg), nil
	case "patch-management":
		return patchspecialist.New(awsCfg), nil
	case "backup":
		return backupspecialist.New(awsCfg), nil
	case "support":
		return supportspecialist.New(awsCfg), nil
	}
	return nil, fmt.Errorf("no capability handler for domain %q", domain)
}

// sweepSessions evicts idle sessions on a fixed interval.
func sweepSessions(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := sessionStore.EvictExpired(ctx); n > 0 {
				appMetrics.SessionsEvicted.Add(float64(n))
				log.Printf("[Sessions] Evicted %d idle sessions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
