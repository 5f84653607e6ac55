// Package ops exposes the engine's operational HTTP surface: health,
// Prometheus metrics, incident inspection, and a small admin API.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wpautohealer/backend/internal/incident"
	"github.com/wpautohealer/backend/internal/playbook"
	"github.com/wpautohealer/backend/internal/ports"
	"github.com/wpautohealer/backend/internal/safety"
)

// EvidenceReader is the slice of the evidence store the API reads.
type EvidenceReader interface {
	Items(ctx context.Context, incidentID string) ([]playbook.Evidence, error)
}

// Server is the ops HTTP server.
type Server struct {
	store    incident.Store
	evidence EvidenceReader
	flapping *safety.FlappingController
	breakers *safety.BreakerRegistry
	registry *playbook.Registry
	submit   func(ports.IncidentCreated)
	logger   *log.Logger
	http     *http.Server
}

// NewServer wires the routes. submit may be nil when manual incident
// submission is not available (queue-only deployments).
func NewServer(addr string, store incident.Store, evidence EvidenceReader,
	flapping *safety.FlappingController, breakers *safety.BreakerRegistry,
	registry *playbook.Registry, submit func(ports.IncidentCreated)) *Server {

	s := &Server{
		store:    store,
		evidence: evidence,
		flapping: flapping,
		breakers: breakers,
		registry: registry,
		submit:   submit,
		logger:   log.New(log.Writer(), "[OPS] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/incidents", s.handleCreateIncident).Methods("POST")
	api.HandleFunc("/incidents/{incidentID}", s.handleGetIncident).Methods("GET")
	api.HandleFunc("/incidents/{incidentID}/evidence", s.handleGetEvidence).Methods("GET")
	api.HandleFunc("/playbooks", s.handleListPlaybooks).Methods("GET")
	api.HandleFunc("/sites/{siteID}/flapping/reset", s.handleResetFlapping).Methods("POST")
	api.HandleFunc("/servers/{serverID}/breaker/reset", s.handleResetBreaker).Methods("POST")

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown or listener failure.
func (s *Server) Start() error {
	s.logger.Printf("✅ ops API listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateIncident raises an incident by hand, for operators and
// smoke tests. The queue path is the production entrance.
func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	if s.submit == nil {
		writeError(w, http.StatusServiceUnavailable, "manual incident submission is not enabled")
		return
	}
	var msg ports.IncidentCreated
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg.IncidentID == "" {
		msg.IncidentID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	s.submit(msg)
	s.logger.Printf("manual incident %s submitted for site %s", msg.IncidentID, msg.SiteID)
	writeJSON(w, http.StatusAccepted, map[string]string{"incidentId": msg.IncidentID})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["incidentID"]
	inc, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "incident not found: "+id)
		return
	}
	events, err := s.store.Events(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident": inc,
		"events":   events,
	})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["incidentID"]
	items, err := s.evidence.Items(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidentId": id,
		"evidence":   items,
		"count":      len(items),
	})
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Name        string   `json:"name"`
		Tier        int      `json:"tier"`
		Priority    string   `json:"priority"`
		Description string   `json:"description"`
		Conditions  []string `json:"applicableConditions"`
	}
	var out []entry
	for tier := playbook.Tier1; tier <= playbook.MaxTier; tier++ {
		for _, pb := range s.registry.ForTier(tier) {
			out = append(out, entry{
				Name:        pb.Name(),
				Tier:        int(pb.Tier()),
				Priority:    pb.Priority().String(),
				Description: pb.Description(),
				Conditions:  pb.ApplicableConditions(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"playbooks": out, "count": len(out)})
}

func (s *Server) handleResetFlapping(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["siteID"]
	s.flapping.ResetSite(siteID)
	s.logger.Printf("flapping state reset for site %s", siteID)
	writeJSON(w, http.StatusOK, map[string]string{"siteId": siteID, "status": "reset"})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["serverID"]
	s.breakers.Reset(serverID)
	s.logger.Printf("circuit breaker reset for server %s", serverID)
	writeJSON(w, http.StatusOK, map[string]string{"serverId": serverID, "status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
