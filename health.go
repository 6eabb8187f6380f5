package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
)

var (
	// Prometheus metrics
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_etl_runs_total",
		Help: "Total number of pipeline runs by terminal status",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warehouse_etl_run_duration_seconds",
		Help:    "Duration of pipeline runs",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	recordsValidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_etl_records_validated_total",
		Help: "Total records that passed validation",
	})

	recordsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_etl_records_invalid_total",
		Help: "Total records flagged invalid",
	})

	dimensionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_etl_dimension_writes_total",
		Help: "Dimension rows written by kind (inserted, expired, updated)",
	}, []string{"kind"})

	factsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_etl_facts_inserted_total",
		Help: "Total fact rows inserted",
	})

	factsUnresolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_etl_facts_unresolved_total",
		Help: "Total fact rows rejected for unresolved dimension references",
	})
)

// observeRun folds a finalized manifest into the Prometheus metrics.
func observeRun(m *pipeline.RunManifest) {
	runsTotal.WithLabelValues(string(m.Status)).Inc()
	if !m.FinishedAt.IsZero() {
		runDuration.Observe(m.FinishedAt.Sub(m.StartedAt).Seconds())
	}
	recordsValidated.Add(float64(m.RecordsValid))
	recordsInvalid.Add(float64(m.RecordsInvalid))
	dimensionWrites.WithLabelValues("inserted").Add(float64(m.DimensionsInserted))
	dimensionWrites.WithLabelValues("expired").Add(float64(m.DimensionsExpired))
	dimensionWrites.WithLabelValues("updated").Add(float64(m.DimensionsUpdated))
	factsInserted.Add(float64(m.FactsInserted))
	factsUnresolved.Add(float64(m.FactsUnresolved))
}

// HealthServer manages the HTTP health and metrics endpoints.
type HealthServer struct {
	orchestrator *Orchestrator
	port         string
	startTime    time.Time
}

// NewHealthServer creates a new health server.
func NewHealthServer(orchestrator *Orchestrator, port string) *HealthServer {
	return &HealthServer{
		orchestrator: orchestrator,
		port:         port,
		startTime:    time.Now(),
	}
}

// Start starts the health and metrics HTTP server.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/stats", h.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + h.port
	log.Printf("🏥 Health server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","uptime":"%s"}`, time.Since(h.startTime).Round(time.Second))
}

func (h *HealthServer) handleStats(w http.ResponseWriter, r *http.Request) {
	last := h.orchestrator.LastManifest()

	stats := map[string]any{
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	}
	if last != nil {
		stats["last_run"] = map[string]any{
			"batch_id":             last.BatchID,
			"status":               string(last.Status),
			"records_processed":    last.RecordsProcessed,
			"records_valid":        last.RecordsValid,
			"records_invalid":      last.RecordsInvalid,
			"dims_inserted":        last.DimensionsInserted,
			"dims_expired":         last.DimensionsExpired,
			"dims_updated":         last.DimensionsUpdated,
			"duplicates_discarded": last.DuplicatesDiscarded,
			"facts_inserted":       last.FactsInserted,
			"facts_unresolved":     last.FactsUnresolved,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("❌ Failed to encode stats: %v", err)
	}
}
