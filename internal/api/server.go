package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/csai/sandbox-agent/internal/auth"
	"github.com/csai/sandbox-agent/internal/challenges"
	"github.com/csai/sandbox-agent/internal/config"
	"github.com/csai/sandbox-agent/internal/driver"
	"github.com/csai/sandbox-agent/internal/metrics"
	"github.com/csai/sandbox-agent/internal/observability"
	"github.com/csai/sandbox-agent/internal/orchestrator"
	"github.com/csai/sandbox-agent/internal/ports"
	"github.com/csai/sandbox-agent/internal/state"
)

const maxBodyBytes = 1 << 20

type Lifecycle interface {
	GetOrReconcile(ctx context.Context, userID string) (orchestrator.InstanceView, error)
	Create(ctx context.Context, userID, assignmentID string) (orchestrator.Connection, error)
	Restart(ctx context.Context, userID string) (orchestrator.Connection, error)
	Shutdown(ctx context.Context, userID string) error
	ListInstances(ctx context.Context) ([]state.Instance, error)
	Reconcile(ctx context.Context) (orchestrator.ReconcileSummary, error)
	Health(ctx context.Context) (int, error)
	Ready(ctx context.Context) error
}

type Sweeper interface {
	RunOnce(ctx context.Context) (orchestrator.SweepSummary, error)
}

type ChallengeTracker interface {
	SaveAssignment(ctx context.Context, assignmentID string, set []state.Challenge) error
	Assignment(ctx context.Context, assignmentID string) ([]state.Challenge, error)
	Progress(ctx context.Context, userID, assignmentID string) (challenges.Progress, error)
	Sync(ctx context.Context, userID, assignmentID, launchID string) (challenges.SyncResult, error)
}

type Server struct {
	cfg        config.Config
	engine     Lifecycle
	sweeper    Sweeper
	challenges ChallengeTracker
	metrics    *metrics.Registry
	logger     *slog.Logger
	startedAt  time.Time
}

func New(cfg config.Config, eng Lifecycle, sw Sweeper, ch ChallengeTracker, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, engine: eng, sweeper: sw, challenges: ch, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET "+s.cfg.Observability.MetricsPath, s.handleMetrics)

	registerV1Routes := func(prefix string) {
		mux.HandleFunc("GET "+prefix+"/users/{user}/instance", s.handleGetInstance)
		mux.HandleFunc("POST "+prefix+"/users/{user}/instance", s.handleCreate)
		mux.HandleFunc("DELETE "+prefix+"/users/{user}/instance", s.handleShutdown)
		mux.HandleFunc("POST "+prefix+"/users/{user}/instance/shutdown", s.handleShutdown)
		mux.HandleFunc("POST "+prefix+"/users/{user}/instance/restart", s.handleRestart)
		mux.HandleFunc("GET "+prefix+"/users/{user}/progress", s.handleProgress)
		mux.HandleFunc("POST "+prefix+"/users/{user}/progress/sync", s.handleSync)
		mux.HandleFunc("GET "+prefix+"/assignments/{id}/challenges", s.handleGetAssignment)
		mux.HandleFunc("PUT "+prefix+"/assignments/{id}/challenges", s.handlePutAssignment)
		mux.HandleFunc("GET "+prefix+"/instances", s.handleListInstances)
		mux.HandleFunc("POST "+prefix+"/reconcile", s.handleReconcile)
		mux.HandleFunc("POST "+prefix+"/sweep", s.handleSweep)
	}

	registerV1Routes("/v1")
	registerV1Routes("/api/v1") // backwards compatibility aliases

	mux.HandleFunc("GET /api/v1/health", s.handleHealthz)

	if s.cfg.Observability.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		observability.RecordRoute(r)
	})
}

// pathUser returns the {user} path value. A signed caller that names a user
// may only act on that user.
func (s *Server) pathUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.PathValue("user"))
	if user == "" {
		writeError(w, http.StatusBadRequest, "User id is required.")
		return "", false
	}
	if asserted, ok := auth.UserFromContext(r.Context()); ok && asserted != user {
		writeError(w, http.StatusForbidden, "Caller may not act on another user.")
		return "", false
	}
	return user, true
}

// decodeBody reads an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	view, err := s.engine.GetOrReconcile(r.Context(), user)
	if err != nil {
		s.writeLifecycleErr(w, "get", user, err)
		return
	}
	resp := InstanceResponse{Exists: view.Exists, Reason: view.Reason}
	if view.Exists {
		created := view.CreatedAt
		resp.URL = view.URL
		resp.ContainerHandle = view.ContainerHandle
		resp.Port = view.Port
		resp.AssignmentID = view.AssignmentID
		resp.CreatedAt = &created
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	var req CreateInstanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Body must be a JSON object.")
		return
	}
	conn, err := s.engine.Create(r.Context(), user, strings.TrimSpace(req.AssignmentID))
	if err != nil {
		s.writeLifecycleErr(w, "create", user, err)
		return
	}
	writeJSON(w, http.StatusCreated, LifecycleResponse{
		Success:         true,
		ContainerHandle: conn.ContainerHandle,
		Port:            conn.Port,
		URL:             conn.URL,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	user, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	conn, err := s.engine.Restart(r.Context(), user)
	if err != nil {
		s.writeLifecycleErr(w, "restart", user, err)
		return
	}
	writeJSON(w, http.StatusOK, LifecycleResponse{
		Success:         true,
		ContainerHandle: conn.ContainerHandle,
		Port:            conn.Port,
		URL:             conn.URL,
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	user, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	if err := s.engine.Shutdown(r.Context(), user); err != nil {
		s.writeLifecycleErr(w, "shutdown", user, err)
		return
	}
	writeJSON(w, http.StatusOK, LifecycleResponse{Success: true, Message: "Instance stopped."})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	user, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	p, err := s.challenges.Progress(r.Context(), user, strings.TrimSpace(r.URL.Query().Get("assignment_id")))
	if err != nil {
		s.writeLifecycleErr(w, "progress", user, err)
		return
	}
	writeJSON(w, http.StatusOK, ProgressResponse{Success: true, Progress: p})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	user, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Body must be a JSON object.")
		return
	}
	res, err := s.challenges.Sync(r.Context(), user, strings.TrimSpace(req.AssignmentID), strings.TrimSpace(req.LaunchID))
	if err != nil {
		s.writeLifecycleErr(w, "sync", user, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Success: true, SyncResult: res})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	set, err := s.challenges.Assignment(r.Context(), id)
	if err != nil {
		s.writeLifecycleErr(w, "assignment", "", err)
		return
	}
	writeJSON(w, http.StatusOK, AssignmentChallengesResponse{Success: true, AssignmentID: id, Challenges: toPayloads(set)})
}

func (s *Server) handlePutAssignment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req AssignmentChallengesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Body must be a JSON object.")
		return
	}
	set := make([]state.Challenge, 0, len(req.Challenges))
	seen := make(map[int]struct{}, len(req.Challenges))
	for _, c := range req.Challenges {
		if c.ID <= 0 || strings.TrimSpace(c.Name) == "" {
			writeError(w, http.StatusBadRequest, "Each challenge needs an id and a name.")
			return
		}
		if _, dup := seen[c.ID]; dup {
			writeError(w, http.StatusBadRequest, "Duplicate challenge id.")
			return
		}
		seen[c.ID] = struct{}{}
		set = append(set, state.Challenge{ID: c.ID, Name: c.Name, Description: c.Description, Difficulty: c.Difficulty})
	}
	if err := s.challenges.SaveAssignment(r.Context(), id, set); err != nil {
		s.writeLifecycleErr(w, "assignment", "", err)
		return
	}
	writeJSON(w, http.StatusOK, AssignmentChallengesResponse{Success: true, AssignmentID: id, Challenges: toPayloads(set)})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ListInstances(r.Context())
	if err != nil {
		s.writeLifecycleErr(w, "list", "", err)
		return
	}
	out := make([]InstanceRecord, 0, len(items))
	for _, in := range items {
		out = append(out, InstanceRecord{
			ID:              in.ID,
			UserID:          in.UserID,
			ContainerHandle: in.ContainerHandle,
			Port:            in.Port,
			Status:          string(in.Status),
			AssignmentID:    in.AssignmentID,
			CreatedAt:       in.CreatedAt,
			LastAccessed:    in.LastAccessed,
		})
	}
	writeJSON(w, http.StatusOK, InstanceListResponse{Success: true, Instances: out})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Reconcile(r.Context())
	if err != nil {
		s.writeLifecycleErr(w, "reconcile", "", err)
		return
	}
	orphans := summary.Orphans
	if orphans == nil {
		orphans = []string{}
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Success: true, Checked: summary.Checked, MarkedStopped: summary.MarkedStopped, Orphans: orphans})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		s.writeLifecycleErr(w, "sweep", "", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Success: true, Candidates: summary.Candidates, Expired: summary.Expired, StopFailures: summary.StopFailures})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	active, err := s.engine.Health(r.Context())
	dockerOK := err == nil
	if dockerOK {
		s.metrics.SetActiveInstances(active)
	}
	status := "ok"
	code := http.StatusOK
	if !dockerOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:          status,
		Version:         s.cfg.Server.Version,
		Uptime:          int64(time.Since(s.startedAt).Seconds()),
		DockerOK:        dockerOK,
		ActiveInstances: active,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

// writeLifecycleErr maps lifecycle failures onto HTTP statuses. Driver and
// storage details stay in the log.
func (s *Server) writeLifecycleErr(w http.ResponseWriter, op, user string, err error) {
	var (
		drvErr   *driver.Error
		storeErr *state.StorageError
	)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "No running instance.")
	case errors.Is(err, challenges.ErrNoInstance):
		writeError(w, http.StatusNotFound, "No running instance.")
	case errors.Is(err, orchestrator.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "User already has a running instance.")
	case errors.Is(err, ports.ErrNoCapacity):
		writeError(w, http.StatusServiceUnavailable, "No free ports available.")
	case errors.Is(err, state.ErrConflict):
		writeError(w, http.StatusServiceUnavailable, "Could not allocate a port, try again.")
	case errors.Is(err, orchestrator.ErrStopFailed):
		s.logError(op, user, err)
		writeError(w, http.StatusBadGateway, "Failed to stop container.")
	case errors.As(err, &drvErr):
		s.logError(op, user, err)
		writeError(w, http.StatusBadGateway, "Container runtime error.")
	case errors.As(err, &storeErr):
		s.logError(op, user, err)
		writeError(w, http.StatusInternalServerError, "Storage error.")
	default:
		s.logError(op, user, err)
		writeError(w, http.StatusBadGateway, "Operation failed.")
	}
}

func (s *Server) logError(op, user string, err error) {
	s.logger.Error("request_failed", slog.String("op", op), slog.String("user_id", user), slog.String("error", err.Error()))
}

func toPayloads(set []state.Challenge) []ChallengePayload {
	out := make([]ChallengePayload, 0, len(set))
	for _, c := range set {
		out = append(out, ChallengePayload{ID: c.ID, Name: c.Name, Description: c.Description, Difficulty: c.Difficulty})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Success: false, Message: message})
}
