package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nexusrag/nexusrag/internal/alerting"
	"github.com/nexusrag/nexusrag/internal/audit"
	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/authz"
	"github.com/nexusrag/nexusrag/internal/bulkhead"
	"github.com/nexusrag/nexusrag/internal/compliance"
	"github.com/nexusrag/nexusrag/internal/config"
	"github.com/nexusrag/nexusrag/internal/embedding"
	"github.com/nexusrag/nexusrag/internal/entitlement"
	"github.com/nexusrag/nexusrag/internal/failover"
	"github.com/nexusrag/nexusrag/internal/governance"
	"github.com/nexusrag/nexusrag/internal/httpserver"
	"github.com/nexusrag/nexusrag/internal/idempotency"
	"github.com/nexusrag/nexusrag/internal/ingest"
	"github.com/nexusrag/nexusrag/internal/ingestworker"
	"github.com/nexusrag/nexusrag/internal/killswitch"
	"github.com/nexusrag/nexusrag/internal/llm"
	"github.com/nexusrag/nexusrag/internal/platform"
	"github.com/nexusrag/nexusrag/internal/queue"
	"github.com/nexusrag/nexusrag/internal/quota"
	"github.com/nexusrag/nexusrag/internal/ratelimit"
	"github.com/nexusrag/nexusrag/internal/retrieval"
	"github.com/nexusrag/nexusrag/internal/telemetry"
	"github.com/nexusrag/nexusrag/internal/tts"
	"github.com/nexusrag/nexusrag/pkg/apikey"
	"github.com/nexusrag/nexusrag/pkg/corpus"
	"github.com/nexusrag/nexusrag/pkg/document"
	"github.com/nexusrag/nexusrag/pkg/run"
	"github.com/nexusrag/nexusrag/pkg/session"
)

// Run is the main application entry point: it reads config, connects to
// infrastructure, and starts the mode named by cfg.Mode ("api" or
// "worker"). "migrate"/"seed"/"failover" are handled directly by
// cmd/nexusrag rather than through this dispatch, since they are one-shot
// operator actions rather than long-running services.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting nexusrag", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "nexusrag", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	runMetrics := telemetry.NewRunMetrics()
	ingestMetrics := telemetry.NewIngestMetrics()
	governanceMetrics := telemetry.NewGovernanceMetrics()
	metricsReg := telemetry.NewMetricsRegistry(append(append(runMetrics.Collectors(), ingestMetrics.Collectors()...), governanceMetrics.Collectors()...)...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, runMetrics, governanceMetrics)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, ingestMetrics)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildShared constructs every dependency runAPI and runWorker have in
// common: embedding, retrieval, LLM/TTS adapters, and the ingestion
// pipeline. Each side only starts the parts of this graph it actually
// drives — the API process serves /v1/run and enqueues jobs, the worker
// drains them.
type shared struct {
	embedder  embedding.Embedder
	retrieval *retrieval.Factory
	llmSvc    *llm.Service
	ttsSvc    *tts.Service
	documents *document.Store
	corpora   *corpus.Store
	sessions  *session.Store
	queue     *queue.Queue
	pipeline  *ingest.Pipeline
}

func buildShared(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, logger *slog.Logger) (*shared, error) {
	embedder := embedding.NewDeterministicEmbedder(embedding.DefaultDimension)

	var awsBedrockAgentClient *bedrockagentruntime.Client
	var bedrockRuntimeClient *bedrockruntime.Client
	if cfg.RetrievalProvider == "aws_bedrock_kb" || cfg.LLMProvider == "bedrock" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		awsBedrockAgentClient = bedrockagentruntime.NewFromConfig(awsCfg)
		bedrockRuntimeClient = bedrockruntime.NewFromConfig(awsCfg)
	}

	var gcpMatchClient *aiplatform.MatchClient
	if cfg.RetrievalProvider == "gcp_vertex" {
		client, err := aiplatform.NewMatchClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating GCP Vertex match client: %w", err)
		}
		gcpMatchClient = client
	}

	retrievalFactory := retrieval.NewFactory(db, embedder, awsBedrockAgentClient, gcpMatchClient)

	var llmAdapter llm.Adapter
	switch cfg.LLMProvider {
	case "bedrock":
		llmAdapter = llm.NewBedrockAdapter(bedrockRuntimeClient, cfg.BedrockModelID)
	default:
		llmAdapter = llm.NewAnthropicAdapter(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	}
	extCallTimeout := time.Duration(cfg.ExtCallTimeoutMS) * time.Millisecond
	llmSvc := llm.NewService(llmAdapter, extCallTimeout, cfg.CBOpenSeconds)
	ttsSvc := tts.NewService(tts.NewStubAdapter(), extCallTimeout, cfg.CBOpenSeconds)

	documents := document.NewStore(db)
	corpora := corpus.NewStore(&corpus.PoolDB{Pool: db})
	sessions := session.NewStore(&session.PoolDB{Pool: db})
	q := queue.NewQueue(db)
	pipeline := ingest.NewPipeline(db, documents, embedder, cfg.IngestChunkSize, cfg.IngestChunkOverlap)

	logger.Info("shared dependencies constructed",
		"llm_provider", cfg.LLMProvider,
		"retrieval_provider", cfg.RetrievalProvider,
	)

	return &shared{
		embedder:  embedder,
		retrieval: retrievalFactory,
		llmSvc:    llmSvc,
		ttsSvc:    ttsSvc,
		documents: documents,
		corpora:   corpora,
		sessions:  sessions,
		queue:     q,
		pipeline:  pipeline,
	}, nil
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	runMetrics *telemetry.RunMetrics,
	governanceMetrics *telemetry.GovernanceMetrics,
) error {
	shared, err := buildShared(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	var oidcAuth *auth.OIDCAuthenticator
	if cfg.SSOIssuerURL != "" && cfg.SSOClientID != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, cfg.SSOIssuerURL, cfg.SSOClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.SSOIssuerURL)
	} else {
		logger.Info("OIDC authentication disabled (SSO_ISSUER_URL not set)")
	}

	alertNotifier := alerting.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)

	auditWriter := audit.NewWriter(db, logger, alertNotifier)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	entitlements := entitlement.NewChecker(db)
	quotaStore := quota.NewStore(db)
	quotaEngine := quota.New(quotaStore)
	rateLimiter := ratelimit.NewLimiter(rdb, ratelimit.FailMode(cfg.RateLimitFailMode))
	idempotencyStore := idempotency.NewStore(db)

	hub := failover.NewHub(logger)
	failoverController := failover.NewController(db, alertNotifier, hub, cfg.FailoverRegion)
	killswitchChecker := killswitch.NewChecker(db, failoverController.RegionStatus)

	aclStore := authz.NewACLStore(db)
	policyStore := authz.NewPolicyStore(db)
	authzCfg := authz.Config{
		DefaultDeny:    cfg.AuthzDefaultDeny,
		ABACEnabled:    cfg.AuthzABACEnabled,
		AllowWildcards: cfg.AuthzAllowWildcards,
	}
	maintenanceGate := func(ctx context.Context, resourceType, action string) (bool, error) {
		var key string
		switch resourceType {
		case authz.ResourceRun:
			key = killswitch.KillRun
		case authz.ResourceDocument:
			key = killswitch.KillIngest
		default:
			return false, nil
		}
		return killswitchChecker.IsKilled(ctx, key)
	}
	authorizer := authz.New(authzCfg, aclStore, policyStore, nil, nil, maintenanceGate)

	governanceStore := governance.NewStore(db)
	retentionEvaluator, err := governance.NewEvaluator(ctx)
	if err != nil {
		return fmt.Errorf("compiling retention policy: %w", err)
	}
	governanceSweeper := governance.NewSweeper(governanceStore, retentionEvaluator, shared.documents, cfg.GovernanceRetentionDays, logger)
	governanceHandler := governance.NewHandler(governanceStore, auditWriter, logger)

	complianceStore := compliance.NewStore(db)
	complianceRunner := compliance.NewRunner(db, complianceStore, cfg.ComplianceSigningKey, cfg.GovernanceRetentionDays, logger)
	complianceHandler := compliance.NewHandler(complianceStore, logger)

	failoverHandler := failover.NewHandler(failoverController, hub, auditWriter, logger, cfg.FailoverRegion)

	cronRunner := platform.NewCronRunner(ctx, logger)
	if err := cronRunner.Schedule("governance-retention-sweep", cfg.GovernanceSweepCron, governanceSweeper.Run); err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}
	if err := cronRunner.Schedule("compliance-snapshot", cfg.ComplianceSnapshotCron, complianceRunner.RunSnapshot); err != nil {
		return fmt.Errorf("scheduling compliance snapshot: %w", err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	runHandler := &run.Handler{
		Sessions:           shared.sessions,
		Corpora:            shared.corpora,
		Retrievers:         shared.retrieval,
		Chat:               shared.llmSvc,
		Audio:              shared.ttsSvc,
		Entitlements:       entitlements,
		Bulkhead:           bulkhead.New(cfg.RunMaxConcurrency),
		Audit:              newRunAuditAdapter(auditWriter),
		Logger:             logger,
		Metrics:            runMetrics,
		HeartbeatInterval:  time.Duration(cfg.RunHeartbeatIntervalMS) * time.Millisecond,
		ExtCallTimeout:     time.Duration(cfg.ExtCallTimeoutMS) * time.Millisecond,
		CBOpenSeconds:      cfg.CBOpenSeconds,
		HistoryMaxTurns:    cfg.RunHistoryMaxTurns,
		Model:              cfg.AnthropicModel,
		MaxTokens:          cfg.RunMaxTokens,
		Temperature:        cfg.RunTemperature,
		SystemInstructions: cfg.RunSystemInstructions,
	}

	corpusHandler := corpus.NewHandler(shared.corpora, shared.retrieval, auditWriter, logger)
	documentHandler := document.NewHandler(shared.documents, shared.corpora, shared.queue, aclStore, auditWriter, logger)
	apikeyHandler := apikey.NewHandler(logger, auditWriter, db)
	auditLogHandler := audit.NewHandler(db, logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, oidcAuth)

	rateLimitAudit := func(eventType string, fields map[string]any) {
		auditWriter.Log(audit.Entry{
			EventType: eventType,
			Outcome:   audit.OutcomeDenied,
			Metadata:  fields,
		})
		if scope, ok := fields["scope"].(ratelimit.Scope); ok {
			governanceMetrics.RateLimitFailOpenTotal.WithLabelValues(string(scope)).Inc()
		}
	}
	quotaAudit := func(eventType string, fields map[string]any) {
		logger.Info(eventType, "fields", fields)
	}
	quotaLimits := quota.Limits{DayLimit: 100000, MonthLimit: 2000000, SoftCapRatio: 0.8, HardCapMode: quota.ModeObserve}
	quotaLimitsFn := func(ctx context.Context, tenantID uuid.UUID) (quota.Limits, error) {
		return quotaLimits, nil
	}

	admission := func(routeClassQ quota.RouteClass, routeClassR ratelimit.RouteClass) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			chain := ratelimit.Middleware(rateLimiter, ratelimit.DefaultLimits, routeClassR, rateLimitIdentityFunc, logger, rateLimitAudit)
			chain2 := quota.Middleware(quotaEngine, routeClassQ, tenantIDFunc, quotaLimitsFn, quotaAudit)
			return chain(chain2(next))
		}
	}

	srv.APIRouter.Route("/run", func(r chi.Router) {
		r.Use(admission(quota.RouteClassRun, ratelimit.RouteClassRun))
		r.Use(killswitch.RequireNotKilled(killswitchChecker, killswitch.KillRun))
		r.Use(authz.Require(authorizer, authz.ResourceRun, authz.ActionRead, sameTenantResource))
		r.Post("/", runHandler.ServeHTTP)
	})

	srv.APIRouter.Route("/corpora", func(r chi.Router) {
		r.Use(admission(quota.RouteClassMutation, ratelimit.RouteClassMutation))
		r.Use(killswitch.RequireNotWriteFrozen(killswitchChecker, tenantIDFunc))
		r.Use(authz.Require(authorizer, authz.ResourceCorpus, authz.ActionWrite, sameTenantResource))
		r.Mount("/", corpusHandler.Routes())
	})

	srv.APIRouter.Route("/documents", func(r chi.Router) {
		r.Use(admission(quota.RouteClassMutation, ratelimit.RouteClassMutation))
		r.Use(killswitch.RequireNotKilled(killswitchChecker, killswitch.KillIngest))
		r.Use(killswitch.RequireNotWriteFrozen(killswitchChecker, tenantIDFunc))
		r.Use(idempotency.Middleware(idempotencyStore, tenantIDStringFunc))
		r.Use(authz.Require(authorizer, authz.ResourceDocument, authz.ActionWrite, sameTenantResource))
		r.Mount("/", documentHandler.Routes())
	})

	srv.APIRouter.Route("/apikeys", func(r chi.Router) {
		r.Use(admission(quota.RouteClassMutation, ratelimit.RouteClassMutation))
		r.Use(authz.Require(authorizer, authz.ResourceAdmin, authz.ActionWrite, sameTenantResource))
		r.Mount("/", apikeyHandler.Routes())
	})

	srv.APIRouter.Route("/audit", func(r chi.Router) {
		r.Use(admission(quota.RouteClassRead, ratelimit.RouteClassRead))
		r.Use(entitlement.RequireFeature(entitlements, entitlement.FeatureOpsAuditEndpoints, tenantIDFunc))
		r.Use(authz.Require(authorizer, authz.ResourceAudit, authz.ActionRead, sameTenantResource))
		r.Mount("/", auditLogHandler.Routes())
	})

	srv.APIRouter.Route("/governance", func(r chi.Router) {
		r.Use(admission(quota.RouteClassMutation, ratelimit.RouteClassOps))
		r.Use(authz.Require(authorizer, authz.ResourceAdmin, authz.ActionRead, sameTenantResource))
		r.Mount("/", governanceHandler.Routes())
	})

	srv.APIRouter.Route("/compliance", func(r chi.Router) {
		r.Use(admission(quota.RouteClassRead, ratelimit.RouteClassOps))
		r.Use(authz.Require(authorizer, authz.ResourceAdmin, authz.ActionRead, sameTenantResource))
		r.Mount("/", complianceHandler.Routes())
	})

	srv.APIRouter.Route("/failover", func(r chi.Router) {
		r.Use(authz.Require(authorizer, authz.ResourceAdmin, authz.ActionRead, sameTenantResource))
		r.Mount("/", failoverHandler.Routes())
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /v1/run streams SSE for the life of a turn
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, ingestMetrics *telemetry.IngestMetrics) error {
	shared, err := buildShared(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	heartbeats := queue.NewHeartbeatStore(rdb, 30*time.Second)
	worker := ingestworker.NewWorker("ingest-worker-1", shared.queue, shared.pipeline, heartbeats, cfg.IngestMaxConcurrency, logger, ingestMetrics.JobsFinishedTotal, ingestMetrics.JobDuration)

	logger.Info("worker started", "max_concurrency", cfg.IngestMaxConcurrency)
	return worker.Run(ctx)
}

// sameTenantResource is the authz.ResourceFunc used for every route mount
// in this file: every resource this API exposes is scoped to the caller's
// own tenant (cross-tenant access is never a valid request shape), so the
// resource's tenant is always the caller's tenant. The {id} URL param, if
// present, is parsed for the ACL stage's GrantLevel lookup on documents.
func sameTenantResource(r *http.Request) (uuid.UUID, *uuid.UUID, []byte, bool) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return uuid.Nil, nil, nil, false
	}
	var resourceID *uuid.UUID
	if raw := chi.URLParam(r, "id"); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			resourceID = &parsed
		}
	}
	return id.TenantID, resourceID, nil, true
}

func tenantIDFunc(r *http.Request) (uuid.UUID, bool) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return uuid.Nil, false
	}
	return id.TenantID, true
}

func tenantIDStringFunc(r *http.Request) (string, bool) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return "", false
	}
	return id.TenantID.String(), true
}

func rateLimitIdentityFunc(r *http.Request) (apiKeyID, tenantID string) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return "", ""
	}
	tenantID = id.TenantID.String()
	if id.APIKeyID != nil {
		apiKeyID = id.APIKeyID.String()
	}
	return apiKeyID, tenantID
}
