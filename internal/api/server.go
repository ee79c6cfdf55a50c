// Package api serves the recorder's status and on-demand integrity reports
// over HTTP, alongside the Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quietfield/mtrec/internal/adapters/store"
	"github.com/quietfield/mtrec/internal/app/analysis"
	"github.com/quietfield/mtrec/internal/app/pipeline"
	"github.com/quietfield/mtrec/internal/ports"
)

// StatusFunc supplies the live per-source status snapshot.
type StatusFunc func() pipeline.Status

type Server struct {
	status   StatusFunc
	analyzer *analysis.Analyzer
	obs      ports.Observability
	router   *mux.Router
}

func NewServer(status StatusFunc, analyzer *analysis.Analyzer, obs ports.Observability) *Server {
	s := &Server{status: status, analyzer: analyzer, obs: obs}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/report/{source}/{date}", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/stops/{source}/{date}", s.handleStops).Methods(http.MethodGet)
	api.HandleFunc("/active/{date}", s.handleActive).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	source, date, ok := s.partitionVars(w, r)
	if !ok {
		return
	}
	rep, err := s.analyzer.Analyze(source, date)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	source, date, ok := s.partitionVars(w, r)
	if !ok {
		return
	}
	stops, err := s.analyzer.Stops(source, date)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stops)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	rep, err := s.analyzer.ActiveSources(date)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) partitionVars(w http.ResponseWriter, r *http.Request) (source, date string, ok bool) {
	vars := mux.Vars(r)
	source, date = vars["source"], vars["date"]
	if source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return "", "", false
	}
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return "", "", false
	}
	return source, date, true
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.obs.LogError("api_request_failed", err,
		ports.Field{Key: "path", Value: r.URL.Path})
	writeError(w, http.StatusInternalServerError, err.Error())
}

func validDate(date string) bool {
	_, err := time.Parse(store.DateLayout, date)
	return err == nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
