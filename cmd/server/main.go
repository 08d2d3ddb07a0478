package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fieldtrial-io/fieldtrial/internal/aggregate"
	"github.com/fieldtrial-io/fieldtrial/internal/api"
	"github.com/fieldtrial-io/fieldtrial/internal/assign"
	"github.com/fieldtrial-io/fieldtrial/internal/auth"
	"github.com/fieldtrial-io/fieldtrial/internal/bandit"
	"github.com/fieldtrial-io/fieldtrial/internal/guardrail"
	"github.com/fieldtrial-io/fieldtrial/internal/metrics"
	"github.com/fieldtrial-io/fieldtrial/internal/registry"
	"github.com/fieldtrial-io/fieldtrial/internal/stats"
	"github.com/fieldtrial-io/fieldtrial/internal/tenant"
	"github.com/fieldtrial-io/fieldtrial/internal/wal"
	"github.com/fieldtrial-io/fieldtrial/pkg/otel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Server struct {
	registry    *registry.Registry
	assigner    *assign.Service
	aggregator  aggregate.Aggregator
	exposureWAL *wal.ExposureWAL
	bandits     *bandit.Manager
	monitor     *guardrail.Monitor
	tenants     *tenant.Manager
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	// Tracing (optional)
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := otel.DefaultConfig("fieldtrial")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		provider, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tp = provider
	}

	// Assignment store backend
	storeBackend := getEnv("ASSIGN_BACKEND", "memory")
	var store assign.Store
	var err error

	switch storeBackend {
	case "memory":
		snapshotPath := getEnv("ASSIGN_SNAPSHOT", "data/assignments.json")
		store = assign.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		store, err = assign.NewRedisStore(redisAddr, getEnv("REDIS_PASSWORD", ""), getEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		store, err = assign.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown ASSIGN_BACKEND: %s", storeBackend)
	}

	// Metrics
	m := metrics.New()

	// Assignment service with read-through cache
	assigner, err := assign.NewService(store,
		getEnvInt("ASSIGN_CACHE_SIZE", 65536),
		time.Duration(getEnvInt("ASSIGN_CACHE_TTL_SEC", 300))*time.Second,
		m)
	if err != nil {
		log.Fatalf("Failed to create assignment service: %v", err)
	}

	// Aggregates: shared via Redis when it is the store backend,
	// process-local otherwise.
	var aggregator aggregate.Aggregator
	if storeBackend == "redis" {
		rs := store.(*assign.RedisStore)
		aggregator = aggregate.NewRedisAggregator(rs.Client())
	} else {
		aggregator = aggregate.NewMemoryAggregator()
	}

	// Exposure WAL; replay today's log into the aggregator before
	// accepting traffic so a crash loses nothing.
	walDir := getEnv("WAL_DIR", "data/wal")
	exposureWAL, err := wal.NewExposureWAL(walDir)
	if err != nil {
		log.Fatalf("Failed to create exposure WAL: %v", err)
	}
	if storeBackend == "memory" {
		replayWAL(ctx, exposureWAL.Path(), aggregator)
	}

	// Experiment registry and guardrails
	reg := registry.New()
	monitor := guardrail.NewMonitor(guardrail.NewAggregateSource(aggregator, reg), reg, nil, m)

	// Bandits
	bandits := bandit.NewManager(time.Now().UnixNano(), 1.0)

	// Tenants
	tenants := tenant.NewManager()
	if err := tenants.Register(tenant.DefaultTenant()); err != nil {
		log.Fatalf("Failed to register default tenant: %v", err)
	}

	// Server-wide request ceiling, applied before per-tenant limits
	tokenRate := getEnvInt("TOKEN_RATE", 1000)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		registry:    reg,
		assigner:    assigner,
		aggregator:  aggregator,
		exposureWAL: exposureWAL,
		bandits:     bandits,
		monitor:     monitor,
		tenants:     tenants,
		limiter:     limiter,
		metrics:     m,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Periodic guardrail runner
	runnerCtx, stopRunner := context.WithCancel(ctx)
	runner := guardrail.NewRunner(monitor, reg,
		time.Duration(getEnvInt("GUARDRAIL_INTERVAL_SEC", 60))*time.Second)
	go runner.Run(runnerCtx)

	// HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/experiments", srv.handleExperiments)
	mux.HandleFunc("/v1/experiments/status", srv.handleExperimentStatus)
	mux.HandleFunc("/v1/assign", srv.handleAssign)
	mux.HandleFunc("/v1/track", srv.handleTrack)
	mux.HandleFunc("/v1/analyze/conversion", srv.handleAnalyzeConversion)
	mux.HandleFunc("/v1/analyze/continuous", srv.handleAnalyzeContinuous)
	mux.HandleFunc("/v1/analyze/sequential", srv.handleSequential)
	mux.HandleFunc("/v1/samplesize", srv.handleSampleSize)
	mux.HandleFunc("/v1/bandit/select", srv.handleBanditSelect)
	mux.HandleFunc("/v1/bandit/update", srv.handleBanditUpdate)
	mux.HandleFunc("/v1/guardrails/check", srv.handleGuardrailCheck)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// Gateway auth: off by default for direct deployments, on behind an
	// edge proxy that verifies JWTs and stamps identity headers.
	var handler http.Handler = mux
	if getEnv("AUTH_REQUIRED", "") == "true" {
		handler = auth.Middleware(auth.DefaultConfig())(mux)
	}

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")
	stopRunner()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := exposureWAL.Close(); err != nil {
		log.Printf("Error closing WAL: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Error closing assignment store: %v", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down tracing: %v", err)
		}
	}

	log.Println("Server stopped")
}

// replayWAL feeds the day's logged events back into a fresh aggregator.
func replayWAL(ctx context.Context, path string, agg aggregate.Aggregator) {
	records, err := wal.Replay(path)
	if err != nil {
		log.Printf("WAL replay error: %v", err)
		return
	}
	for _, rec := range records {
		switch rec.Kind {
		case wal.KindExposure:
			err = agg.RecordExposure(ctx, rec.ExperimentID, rec.VariantID)
		case wal.KindOutcome:
			err = agg.RecordOutcome(ctx, rec.ExperimentID, rec.VariantID, rec.Success)
		case wal.KindValue:
			err = agg.RecordValue(ctx, rec.ExperimentID, rec.VariantID, rec.Value)
		}
		if err != nil {
			log.Printf("WAL replay record error: %v", err)
		}
	}
	if len(records) > 0 {
		log.Printf("Replayed %d WAL records", len(records))
	}
}

// admit runs the server-wide limiter then tenant rate limiting. Returns
// false after writing the error response.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	tenantID, ok := auth.TenantID(r.Context())
	if !ok {
		tenantID = r.Header.Get("X-Tenant-ID")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	if err := s.tenants.Allow(r.Context(), tenantID); err != nil {
		if errors.Is(err, tenant.ErrQuotaExceeded) {
			w.Header().Set("Retry-After", "10")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
		} else {
			http.Error(w, "Unknown tenant", http.StatusForbidden)
		}
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var exp api.Experiment
		if !decodeJSON(w, r, &exp) {
			return
		}
		if exp.Status == "" {
			exp.Status = api.StatusDraft
		}
		if err := s.registry.Register(&exp); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusCreated, &exp)

	case http.MethodGet:
		ids := s.registry.List()
		experiments := make([]*api.Experiment, 0, len(ids))
		for _, id := range ids {
			if exp, err := s.registry.Get(id); err == nil {
				experiments = append(experiments, exp)
			}
		}
		respondJSON(w, http.StatusOK, experiments)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExperimentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ExperimentID string               `json:"experiment_id"`
		Status       api.ExperimentStatus `json:"status"`
		Reason       string               `json:"reason,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.registry.SetStatus(req.ExperimentID, req.Status, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	exp, err := s.registry.Get(req.ExperimentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r) {
		return
	}

	var req api.AssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ExperimentID == "" || req.SubjectID == "" {
		http.Error(w, "experiment_id and subject_id are required", http.StatusBadRequest)
		return
	}

	exp, err := s.registry.Get(req.ExperimentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "fieldtrial/server", "assign")
	defer span.End()

	assignment, reason, err := s.assigner.Assign(ctx, exp, req.SubjectID, req.Context)
	if err != nil {
		otel.RecordError(span, err, "assignment failed")
		log.Printf("Assignment error for %s/%s: %v", req.ExperimentID, req.SubjectID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if assignment == nil {
		span.SetAttributes(otel.AssignmentAttributes(req.ExperimentID, req.SubjectID, "", reason, false)...)
		respondJSON(w, http.StatusOK, &api.AssignResponse{Assigned: false, Reason: reason})
		return
	}
	span.SetAttributes(otel.AssignmentAttributes(exp.ID, assignment.SubjectID, assignment.VariantID, "", reason == assign.ReasonReplay)...)

	// Log the exposure before touching aggregates, but only for fresh
	// assignments: replays were already counted.
	if reason != assign.ReasonReplay {
		rec := wal.Record{
			Kind:         wal.KindExposure,
			ExperimentID: assignment.ExperimentID,
			VariantID:    assignment.VariantID,
			SubjectID:    assignment.SubjectID,
		}
		if err := s.exposureWAL.Append(rec); err != nil {
			log.Printf("WAL append error: %v", err)
			s.metrics.WALErrors.Inc()
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if err := s.aggregator.RecordExposure(ctx, assignment.ExperimentID, assignment.VariantID); err != nil {
			log.Printf("Exposure aggregate error: %v", err)
		}
	}

	respondJSON(w, http.StatusOK, &api.AssignResponse{Assigned: true, Assignment: assignment})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r) {
		return
	}

	var req api.TrackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ExperimentID == "" || req.VariantID == "" {
		http.Error(w, "experiment_id and variant_id are required", http.StatusBadRequest)
		return
	}

	rec := wal.Record{
		ExperimentID: req.ExperimentID,
		VariantID:    req.VariantID,
		SubjectID:    req.SubjectID,
	}
	var aggErr error
	switch req.Kind {
	case wal.KindOutcome:
		rec.Kind = wal.KindOutcome
		rec.Success = req.Success
	case wal.KindValue:
		rec.Kind = wal.KindValue
		rec.Value = req.Value
	default:
		http.Error(w, "kind must be outcome or value", http.StatusBadRequest)
		return
	}

	if err := s.exposureWAL.Append(rec); err != nil {
		log.Printf("WAL append error: %v", err)
		s.metrics.WALErrors.Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if rec.Kind == wal.KindOutcome {
		aggErr = s.aggregator.RecordOutcome(r.Context(), req.ExperimentID, req.VariantID, req.Success)
	} else {
		aggErr = s.aggregator.RecordValue(r.Context(), req.ExperimentID, req.VariantID, req.Value)
	}
	if aggErr != nil {
		log.Printf("Aggregate error: %v", aggErr)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAnalyzeConversion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req api.ConversionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.metrics.AnalysesTotal.WithLabelValues("conversion").Inc()

	result, err := stats.AnalyzeConversion(req.Control, req.Treatment, req.Confidence)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleAnalyzeContinuous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req api.ContinuousRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.metrics.AnalysesTotal.WithLabelValues("continuous").Inc()

	result, err := stats.AnalyzeContinuous(req.Control, req.Treatment, req.Confidence)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSequential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req api.SequentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.metrics.AnalysesTotal.WithLabelValues("sequential").Inc()

	boundary, err := stats.OBrienFlemingBoundary(req.N, req.NMax, req.Alpha)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, boundary)
}

func (s *Server) handleSampleSize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req api.SampleSizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.metrics.AnalysesTotal.WithLabelValues("samplesize").Inc()

	perArm, err := stats.RequiredSampleSize(req.BaselineRate, req.MDE, req.Power, req.Confidence)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, &api.SampleSizeResponse{PerArm: perArm})
}

func (s *Server) handleBanditSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r) {
		return
	}

	var req api.BanditSelectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	exp, err := s.registry.Get(req.ExperimentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var armID string
	if len(req.Context) > 0 {
		l, err := s.bandits.LinUCB(exp, len(req.Context))
		if err == nil {
			armID, err = l.SelectArm(req.Context)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		ts, err := s.bandits.Thompson(exp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		armID = ts.SelectArm()
	}

	s.metrics.BanditSelections.WithLabelValues(exp.ID).Inc()
	respondJSON(w, http.StatusOK, &api.BanditSelectResponse{ArmID: armID})
}

func (s *Server) handleBanditUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r) {
		return
	}

	var req api.BanditUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	exp, err := s.registry.Get(req.ExperimentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if len(req.Context) > 0 {
		l, err := s.bandits.LinUCB(exp, len(req.Context))
		if err == nil {
			err = l.Update(req.ArmID, req.Context, req.Reward)
		}
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, bandit.ErrSingularMatrix) {
				status = http.StatusInternalServerError
			}
			http.Error(w, err.Error(), status)
			return
		}
	} else {
		ts, err := s.bandits.Thompson(exp)
		if err == nil {
			err = ts.Update(req.ArmID, req.Success)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s.metrics.BanditUpdates.WithLabelValues(exp.ID).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGuardrailCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req api.GuardrailCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	configs := req.Configs
	if len(configs) == 0 {
		exp, err := s.registry.Get(req.ExperimentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		configs = exp.Guardrails
	}

	results, err := s.monitor.Check(r.Context(), req.ExperimentID, configs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
