package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/gt8004/gt8004/pkg/deliver"
	"github.com/gt8004/gt8004/pkg/event"
	"github.com/gt8004/gt8004/pkg/metrics"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// RegisterAPIRoutes registers the receiver REST routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+deliver.DefaultIngestPath, s.handleIngest)
	mux.HandleFunc("GET /v1/agents/{agentId}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
}

// POST /v1/ingest
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if len(s.keys) > 0 && !s.keys[bearerToken(r)] {
		ingestError(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}

	data, status, err := s.readBody(w, r)
	if err != nil {
		ingestError(w, status, err.Error())
		return
	}

	var records []event.Record
	if err := json.Unmarshal(data, &records); err != nil {
		ingestError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	agentID := r.Header.Get(deliver.HeaderAgentID)
	if agentID == "" && len(records) > 0 {
		agentID = records[0].AgentID
	}
	if agentID == "" {
		agentID = "unknown"
	}
	now := timeNow().UTC()
	for i := range records {
		if records[i].AgentID == "" {
			records[i].AgentID = agentID
		}
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = now
		}
	}

	if ok, wait := s.admit(agentID, len(records)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		ingestError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := s.store.Append(records); err != nil {
		slog.Error("ingest store failed", "agent", agentID, "error", err)
		ingestError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	metrics.IngestRequests.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	metrics.IngestedEvents.Add(float64(len(records)))
	slog.Debug("ingested batch", "agent", agentID,
		"batch_id", r.Header.Get(deliver.HeaderBatchID), "events", len(records))
	writeJSON(w, map[string]int{"accepted": len(records)})
}

// readBody reads the request body, decompressing gzip, within the size limit.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	body := io.Reader(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, statusFor(err), fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		body = io.LimitReader(gz, s.cfg.MaxBodySize+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, statusFor(err), fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxBodySize {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", s.cfg.MaxBodySize)
	}
	return data, 0, nil
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// GET /v1/agents/{agentId}/events?limit=N
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}
	limit := parseIntParam(r, "limit", defaultEventLimit)
	if limit <= 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}
	records, err := s.store.Latest(agentID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

// GET /v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// ─── Helpers ──────────────────────────────────────────────────

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func ingestError(w http.ResponseWriter, code int, msg string) {
	metrics.IngestRequests.WithLabelValues(strconv.Itoa(code)).Inc()
	http.Error(w, msg, code)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// timeNow is a variable for testing.
var timeNow = time.Now
