package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/jnesss/xpc-recorder/database"
	"github.com/jnesss/xpc-recorder/sigma"
)

type Server struct {
	db            *database.DB
	sigmaDetector *sigma.Detector
	listenAddr    string

	mu  sync.Mutex
	srv *http.Server
}

// NewServer serves the stored events. sigmaDetector may be nil, in which
// case the rule routes are not registered.
func NewServer(db *database.DB, sigmaDetector *sigma.Detector, listenAddr string) *Server {
	return &Server{
		db:            db,
		sigmaDetector: sigmaDetector,
		listenAddr:    listenAddr,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			h(w, r)
			log.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Debug("http request")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events", debugHandler(s.handleEvents))
	mux.HandleFunc("GET /api/events/{id}", debugHandler(s.handleEventByID))
	mux.HandleFunc("GET /api/stats", debugHandler(s.handleStats))
	mux.HandleFunc("GET /api/matches", debugHandler(s.handleMatchesList))
	mux.HandleFunc("POST /api/matches/{id}", debugHandler(s.handleMatchStatus))

	if s.sigmaDetector != nil {
		mux.HandleFunc("GET /api/rules", debugHandler(s.handleRules))
		mux.HandleFunc("POST /api/rules/toggle/{id}", debugHandler(s.handleRuleToggle))
		mux.HandleFunc("POST /api/rules/upload", debugHandler(s.handleRuleUpload))
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	log.WithField("addr", s.listenAddr).Info("Starting web server")

	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			log.WithError(err).Error("HTTP server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %v", err)
	}
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.EventFilter{
		Function:   q.Get("function"),
		Direction:  q.Get("direction"),
		Connection: q.Get("connection"),
		Degraded:   q.Get("degraded") == "true",
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.PID, err = queryInt(r, "pid", 0); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid since: %v", err), http.StatusBadRequest)
			return
		}
		filter.Since = t
	}

	events, err := s.db.ListEvents(filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching events: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ev, err := s.db.GetEvent(id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	matches, err := s.db.ListMatches(100, 0, map[string]string{"event": id})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, EventDetail{EventRecord: ev, Matches: matches})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.MatchStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.db.CountEvents()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stats["events"] = events
	if s.sigmaDetector != nil {
		stats["activeRules"] = s.sigmaDetector.RuleCount()
	}
	writeJSON(w, stats)
}

func (s *Server) handleMatchesList(w http.ResponseWriter, r *http.Request) {
	filters := map[string]string{
		"status":   r.URL.Query().Get("status"),
		"severity": r.URL.Query().Get("severity"),
		"rule":     r.URL.Query().Get("rule"),
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	matches, err := s.db.ListMatches(limit, offset, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, matches)
}

func (s *Server) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	matchID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid match ID: %v", err), http.StatusBadRequest)
		return
	}

	var request StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.db.UpdateMatchStatus(matchID, request.Status); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, database.ErrNotFound) {
			code = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf("Error updating match status: %v", err), code)
		return
	}
	writeJSON(w, map[string]interface{}{
		"id":     matchID,
		"status": request.Status,
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.sigmaDetector.ListRules()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading rules: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rules)
}

func (s *Server) handleRuleToggle(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")
	enabled, err := s.sigmaDetector.ToggleRule(ruleID)
	if errors.Is(err, sigma.ErrRuleNotFound) {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.WithField("rule", ruleID).Infof("rule enabled=%t", enabled)
	writeJSON(w, map[string]interface{}{
		"id":      ruleID,
		"enabled": enabled,
	})
}

func (s *Server) handleRuleUpload(w http.ResponseWriter, r *http.Request) {
	var request UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Content == "" || request.Filename == "" {
		http.Error(w, "Content and filename are required", http.StatusBadRequest)
		return
	}

	info, err := s.sigmaDetector.AddRule(request.Filename, []byte(request.Content))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}
