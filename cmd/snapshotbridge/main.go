// Package main is the snapshot bridge: the out-of-process surface that
// attaches an external WebSocket transport to the engine's channel-based
// snapshot fan-out. The reasoning engine itself never opens a socket; this
// binary demonstrates how a UI transport consumes the subscription
// primitive.
//
// Responsibilities:
//   - Load configuration from YAML and environment variables
//   - Construct the audit logger, LLM adapter, session registry, and engine
//   - Accept analysis requests over HTTP and run them asynchronously
//   - Stream per-stage session snapshots to WebSocket subscribers as
//     {stage, session} JSON envelopes
//   - Optionally archive terminal sessions to SQLite
//   - Serve Prometheus metrics
//   - Implement graceful shutdown with context cancellation
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/retentionlabs/causalreason/internal/archive"
	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/config"
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/engine"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/metrics"
	"github.com/retentionlabs/causalreason/internal/pipeline/tester"
	"github.com/retentionlabs/causalreason/internal/session"
	"github.com/retentionlabs/causalreason/pkg/contracts"
)

// analyzeRequest is the HTTP body for starting an analysis.
type analyzeRequest struct {
	Opportunity struct {
		ID             string            `json:"id"`
		Type           string            `json:"type"`
		Title          string            `json:"title"`
		Description    string            `json:"description"`
		AffectedCohort map[string]string `json:"affected_cohort"`
		MetricName     string            `json:"metric_name"`
		BaselineValue  float64           `json:"baseline_value"`
		CurrentValue   float64           `json:"current_value"`
		SampleSize     int               `json:"sample_size"`
		Severity       string            `json:"severity"`
	} `json:"opportunity"`

	Dataset contracts.DatasetPayload `json:"dataset"`

	Catalog []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"catalog"`

	BusinessContext string `json:"business_context"`
}

type bridge struct {
	eng      *engine.Engine
	registry *session.Registry
	store    archive.Store // nil when archiving is disabled
	upgrader websocket.Upgrader
}

func main() {
	configPath := flag.String("config", "/etc/causalreason/config.yaml", "path to config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgMgr, err := config.NewConfigManager(*configPath)
	if err != nil {
		log.Fatalf("config manager: %v", err)
	}
	if err := cfgMgr.Load(ctx); err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := cfgMgr.Get(ctx)

	auditLog, err := audit.NewLogger(nil)
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}
	defer auditLog.Close()

	llm, err := adapter.NewLLMAdapter(nil)
	if err != nil {
		log.Fatalf("llm adapter: %v", err)
	}
	if llm.GetProvider() == adapter.ProviderNone {
		log.Printf("warning: no LLM provider configured; analyses will fail at the generator stage")
	}

	registry := session.NewRegistry(auditLog)
	eng := engine.New(registry, llm, auditLog, engine.Options{
		MaxRetries: cfg.LLM.MaxRetries,
		LLMTimeout: time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second,
		Tester: tester.Options{
			Alpha:          cfg.Testing.Alpha,
			WorkerPoolSize: cfg.Testing.WorkerPoolSize,
			PerTestBudget:  time.Duration(cfg.Testing.PerTestTimeoutSeconds) * time.Second,
		},
		MaxLLMCallsPerSession:     cfg.Budget.MaxLLMCallsPerSession,
		MaxSessionDurationSeconds: cfg.Budget.MaxSessionDurationSeconds,
	})

	var store archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.NewSQLiteStore(cfg.Archive.SQLitePath)
		if err != nil {
			log.Fatalf("session archive: %v", err)
		}
		defer store.Close()
	}

	b := &bridge{
		eng:      eng,
		registry: registry,
		store:    store,
		upgrader: newUpgrader(cfg.Server.AllowedOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analyze", b.handleAnalyze)
	mux.HandleFunc("/api/v1/sessions/", b.handleSession)
	mux.HandleFunc("/ws/sessions/", b.handleSnapshots)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("snapshot bridge listening on :%d", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}

// handleAnalyze starts an analysis and returns the session id immediately;
// progress streams over the WebSocket endpoint.
func (b *bridge) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	opp := &domain.Opportunity{
		ID:             req.Opportunity.ID,
		Type:           domain.OpportunityType(req.Opportunity.Type),
		Title:          req.Opportunity.Title,
		Description:    req.Opportunity.Description,
		AffectedCohort: req.Opportunity.AffectedCohort,
		MetricName:     req.Opportunity.MetricName,
		BaselineValue:  req.Opportunity.BaselineValue,
		CurrentValue:   req.Opportunity.CurrentValue,
		SampleSize:     req.Opportunity.SampleSize,
		Severity:       domain.Severity(req.Opportunity.Severity),
		CreatedAt:      time.Now(),
	}

	ds := datasetFromPayload(&req.Dataset)
	catalog := make([]dataset.Feature, 0, len(req.Catalog))
	for _, f := range req.Catalog {
		catalog = append(catalog, dataset.Feature{
			Name:        f.Name,
			Type:        dataset.SemanticType(f.Type),
			Description: f.Description,
		})
	}

	// The engine returns with a terminal session; stream consumers watch the
	// broadcaster. The HTTP caller only needs the session id, so the session
	// is created by running the engine in the background; the handler finds
	// the new session by polling the registry, and done only carries the
	// finished session.
	done := make(chan *domain.ReasoningSession, 1)
	go func() {
		sess, err := b.eng.Analyze(context.Background(), engine.Request{
			Opportunity:     opp,
			Dataset:         ds,
			Catalog:         catalog,
			BusinessContext: req.BusinessContext,
		})
		if err != nil {
			log.Printf("analyze: %v", err)
			done <- nil
			return
		}
		if b.store != nil {
			b.archiveSession(sess)
		}
		done <- sess
	}()

	// Wait briefly for the session record to exist so the caller can
	// subscribe; fall back to polling the registry list.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sess := <-done:
			// Finished before we answered (fast failure path).
			if sess == nil {
				http.Error(w, "analysis failed to start", http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"session_id": sess.ID, "status": string(sess.Status)})
			return
		case <-deadline:
			http.Error(w, "session did not start in time", http.StatusInternalServerError)
			return
		default:
			if sess := b.latestSessionFor(opp.ID); sess != nil {
				writeJSON(w, map[string]string{"session_id": sess.ID, "status": string(sess.Status)})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (b *bridge) latestSessionFor(opportunityID string) *domain.ReasoningSession {
	var latest *domain.ReasoningSession
	for _, sess := range b.registry.List() {
		if sess.OpportunityID != opportunityID {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	return latest
}

// handleSession returns the current state of one session.
func (b *bridge) handleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	sess, err := b.registry.Get(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, sess)
}

// handleSnapshots upgrades to WebSocket and relays {stage, session}
// envelopes until the session reaches a terminal status.
func (b *bridge) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/sessions/")
	if _, err := b.registry.Get(id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	snaps, unsubscribe := b.registry.Broadcaster().Subscribe(id)
	defer unsubscribe()

	// Send the current state first so late subscribers see the session
	// immediately.
	if sess, err := b.registry.Get(id); err == nil {
		if writeSnapshot(conn, domain.Snapshot{Session: *sess}) != nil {
			return
		}
		if sess.IsTerminal() {
			return
		}
	}

	for snap := range snaps {
		if writeSnapshot(conn, snap) != nil {
			return
		}
		if snap.Session.IsTerminal() {
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap domain.Snapshot) error {
	envelope := map[string]interface{}{
		"stage":   string(snap.Stage),
		"session": snap.Session,
	}
	if snap.Session.IsTerminal() {
		envelope["stage"] = "complete"
	}
	if err := conn.WriteJSON(envelope); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}

func (b *bridge) archiveSession(sess *domain.ReasoningSession) {
	doc, err := json.Marshal(sess)
	if err != nil {
		log.Printf("archive marshal: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.SaveSession(ctx, archive.RecordFromSession(sess, string(doc))); err != nil {
		log.Printf("archive save: %v", err)
	}
}

func datasetFromPayload(p *contracts.DatasetPayload) *dataset.Dataset {
	ds := &dataset.Dataset{
		Numeric:   make(map[string][]float64, len(p.Columns)),
		TimeIndex: p.TimeIndex,
		RowCount:  p.RowCount,
	}
	for _, col := range p.Columns {
		vals := make([]float64, len(col.Values))
		for i, v := range col.Values {
			if v == nil {
				vals[i] = math.NaN()
			} else {
				vals[i] = *v
			}
		}
		ds.Columns = append(ds.Columns, col.Name)
		ds.Numeric[col.Name] = vals
	}
	return ds
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// defaultAllowedOrigins contains safe defaults for local development.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// newUpgrader creates a WebSocket upgrader with origin checking.
//   - If allowedOrigins is nil or empty, defaultAllowedOrigins is used.
//   - Pass []string{"*"} to allow any origin (development only).
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultAllowedOrigins
	}

	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	allowAll := allowed["*"]

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
			if origin == "" {
				// No Origin header — allow same-host (non-browser) clients.
				return true
			}
			return allowed[origin]
		},
	}
}
