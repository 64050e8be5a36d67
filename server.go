package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/mrexodia/procwatch/process"
)

const maxInputBytes = maxPendingInput

type Server struct {
	manager       *JobManager
	configManager *ConfigManager
	addr          string
	upgrader      websocket.Upgrader
	username      string // empty = any username
	password      string // empty = no auth
	log           *log.Entry
}

func NewServer(manager *JobManager, configManager *ConfigManager) *Server {
	config := manager.GetGlobalConfig()
	var username, password string
	if config.Authorization != "" {
		if user, pass, ok := strings.Cut(config.Authorization, ":"); ok && user != "" {
			username, password = user, pass
		} else {
			password = config.Authorization
		}
	}

	return &Server{
		manager:       manager,
		configManager: configManager,
		addr:          net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		username:      username,
		password:      password,
		log:           log.WithField("component", "server"),
	}
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.password == "" {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || !s.credentialsMatch(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="procwatch"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credentialsMatch checks a BasicAuth pair. An empty configured username
// accepts any username.
func (s *Server) credentialsMatch(username, password string) bool {
	userOK := s.username == "" ||
		subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	return userOK && passOK
}

// Handler returns the API handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("GET /api/jobs/{name}", s.getJob)
	mux.HandleFunc("PUT /api/jobs/{name}", s.updateJob)
	mux.HandleFunc("DELETE /api/jobs/{name}", s.deleteJob)
	mux.HandleFunc("POST /api/jobs/{name}/start", s.startJob)
	mux.HandleFunc("POST /api/jobs/{name}/stop", s.stopJob)
	mux.HandleFunc("POST /api/jobs/{name}/restart", s.restartJob)
	mux.HandleFunc("POST /api/jobs/{name}/enable", s.enableJob)
	mux.HandleFunc("POST /api/jobs/{name}/disable", s.disableJob)
	mux.HandleFunc("POST /api/jobs/{name}/run-now", s.runNow)
	mux.HandleFunc("POST /api/jobs/{name}/input", s.writeInput)
	mux.HandleFunc("GET /api/jobs/{name}/logs/{stream}", s.streamLogs)

	return s.basicAuthMiddleware(mux)
}

// Run serves the API until ctx is done
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listening on http://%s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// writeError maps err to a status code
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrJobExists):
		code = http.StatusConflict
	case errors.Is(err, ErrJobNotRunning), errors.Is(err, process.ErrInputClosed):
		code = http.StatusConflict
	case errors.Is(err, ErrInputBacklog):
		code = http.StatusServiceUnavailable
	case errors.As(err, &spawnErr):
		code = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), code)
}

func validateJob(cfg JobConfig) error {
	if cfg.Name == "" || cfg.Command == "" {
		return errors.New("name and command are required")
	}
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
		}
	}
	if len(cfg.Input) > maxInputBytes {
		return fmt.Errorf("input is larger than %d bytes", maxInputBytes)
	}
	return nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.AllStatuses())
}

type jobResponse struct {
	Status
	Config JobConfig `json:"config"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, _, ok := s.configManager.GetJob(name)
	if !ok {
		writeError(w, fmt.Errorf("job %s %w", name, ErrJobNotFound))
		return
	}
	st, err := s.manager.JobStatus(name)
	if err != nil {
		// saved but not applied yet
		st = Status{Name: name, Command: cfg.Command, Enabled: cfg.IsEnabled(), Schedule: cfg.Schedule}
	}
	writeJSON(w, http.StatusOK, jobResponse{Status: st, Config: cfg})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var cfg JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateJob(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.configManager.AddJob(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var cfg JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cfg.Name = name
	if err := validateJob(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.configManager.UpdateJob(name, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "updated")
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.configManager.DeleteJob(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "deleted")
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StartJob(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "started")
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopJob(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "stopping")
}

func (s *Server) restartJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RestartJob(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "restarting")
}

func (s *Server) enableJob(w http.ResponseWriter, r *http.Request) {
	if err := s.configManager.SetJobEnabled(r.PathValue("name"), true); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "enabled")
}

func (s *Server) disableJob(w http.ResponseWriter, r *http.Request) {
	if err := s.configManager.SetJobEnabled(r.PathValue("name"), false); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "disabled")
}

// runNow starts a scheduled job outside its schedule
func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, err := s.manager.JobStatus(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.Schedule == "" {
		http.Error(w, "Job is not a scheduled job", http.StatusBadRequest)
		return
	}
	if st.Running {
		http.Error(w, "Job is already running", http.StatusConflict)
		return
	}
	if err := s.manager.StartJob(name); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, "started")
}

// writeInput sends the request body to the job's stdin; ?close=1 closes
// stdin afterwards
func (s *Server) writeInput(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Input is larger than %d bytes", maxInputBytes), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	closeAfter := r.URL.Query().Get("close") == "1"
	if err := s.manager.WriteInput(r.PathValue("name"), data, closeAfter); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "bytes": len(data), "closed": closeAfter})
}

func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	var stream process.Stream
	switch r.PathValue("stream") {
	case "stdout":
		stream = process.Stdout
	case "stderr":
		stream = process.Stderr
	default:
		http.Error(w, "Stream must be stdout or stderr", http.StatusBadRequest)
		return
	}

	job, err := s.manager.GetJob(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	history, ch := job.SubscribeWithHistory(stream)
	defer job.Unsubscribe(stream, ch)

	if len(history) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, history); err != nil {
			return
		}
	}

	// the client only ever closes
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
