package server

import (
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/power"
	"github.com/corepower/pmcoord/internal/storage"
	"github.com/corepower/pmcoord/internal/wakelock"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Coordinator       power.Status `json:"coordinator"`
	ListeningAddress  string       `json:"listening_address"`
	ConnectedClients  int          `json:"connected_clients"`
	UptimeSeconds     int64        `json:"uptime_seconds"`
	ControlSocketPath string       `json:"control_socket_path,omitempty"`
}

// WakelockRequest is the body of POST /wakelocks.
type WakelockRequest struct {
	Action string `json:"action"` // "acquire" or "release"
	Domain string `json:"domain"`
	Deep   bool   `json:"deep,omitempty"`
}

// WakelockResponse reports both registries.
type WakelockResponse struct {
	Shallow     uint32   `json:"shallow"`
	Deep        uint32   `json:"deep"`
	ShallowHeld []string `json:"shallow_held"`
	DeepHeld    []string `json:"deep_held"`
}

// SuspendRequest is the body of POST /suspend.
type SuspendRequest struct {
	Core       string `json:"core"`
	SleepType  string `json:"sleep_type"` // "cg" or "pg"
	DurationMs uint32 `json:"duration_ms,omitempty"`
	Deep       bool   `json:"deep,omitempty"`
}

// ResumeRequest is the body of POST /resume.
type ResumeRequest struct {
	Core string `json:"core"`
}

// CoreResponse reports a core's state after a suspend or resume.
type CoreResponse struct {
	RequestID  string           `json:"request_id"`
	Core       string           `json:"core"`
	State      power.State      `json:"state"`
	SystemMode power.SystemMode `json:"system_mode"`
}

// SleepTimeResponse is returned by GET /sleep-time.
type SleepTimeResponse struct {
	Core        string `json:"core"`
	SleepTimeMs uint32 `json:"sleep_time_ms"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []*storage.TransitionEntry `json:"events"`
}

// WakelockAuditResponse is returned by GET /wakelocks/audit.
type WakelockAuditResponse struct {
	Entries []*storage.WakelockAuditEntry `json:"entries"`
}

func (s *Server) requireCoordinator(w http.ResponseWriter) *power.Coordinator {
	co := s.coordinator()
	if co == nil {
		writeError(w, apperrors.New(apperrors.CodeServerUnavailable, "coordinator not running"))
	}
	return co
}

func parseCore(name string) (hal.CoreID, error) {
	if name == "" {
		return 0, apperrors.InvalidMessage("core is required")
	}
	id, ok := hal.ParseCoreID(name)
	if !ok {
		return 0, apperrors.UnknownCore(name)
	}
	return id, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.InvalidMessage("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	co := s.requireCoordinator(w)
	if co == nil {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Coordinator:       co.Status(),
		ListeningAddress:  s.Addr(),
		ConnectedClients:  s.ClientCount(),
		UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
		ControlSocketPath: s.socketPath,
	})
}

func wakelockResponse(co *power.Coordinator) WakelockResponse {
	shallow, deep := co.WakelockStatus(), co.DeepWakelockStatus()
	return WakelockResponse{
		Shallow:     shallow,
		Deep:        deep,
		ShallowHeld: wakelock.Names(shallow),
		DeepHeld:    wakelock.Names(deep),
	}
}

func (s *Server) handleWakelocks(w http.ResponseWriter, r *http.Request) {
	co := s.requireCoordinator(w)
	if co == nil {
		return
	}
	writeJSON(w, http.StatusOK, wakelockResponse(co))
}

func (s *Server) handleWakelockMutation(w http.ResponseWriter, r *http.Request) {
	co := s.requireCoordinator(w)
	if co == nil {
		return
	}
	var req WakelockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, ok := wakelock.ParseDomain(req.Domain)
	if !ok {
		writeError(w, apperrors.UnknownDomain(req.Domain))
		return
	}

	var err error
	switch {
	case req.Action == "acquire" && req.Deep:
		err = co.AcquireDeepWakelock(d)
	case req.Action == "acquire":
		err = co.AcquireWakelock(d)
	case req.Action == "release" && req.Deep:
		err = co.ReleaseDeepWakelock(d)
	case req.Action == "release":
		err = co.ReleaseWakelock(d)
	default:
		err = apperrors.InvalidMessage("action must be acquire or release")
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.log.Info().
		Str("request_id", w.Header().Get(requestIDHeader)).
		Str("action", req.Action).
		Str("domain", d.String()).
		Bool("deep", req.Deep).
		Msg("wakelock changed via api")
	writeJSON(w, http.StatusOK, wakelockResponse(co))
}

func (s *Server) handleWakelockAudit(w http.ResponseWriter, r *http.Request) {
	h := s.historyStore(w)
	if h == nil {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.ListWakelockAudit(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*storage.WakelockAuditEntry{}
	}
	writeJSON(w, http.StatusOK, WakelockAuditResponse{Entries: entries})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	co := s.requireCoordinator(w)
	if co == nil {
		return
	}
	var req SuspendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := parseCore(req.Core)
	if err != nil {
		writeError(w, err)
		return
	}
	sleepType := mailbox.SleepClockGate
	if req.SleepType != "" {
		t, ok := mailbox.ParseSleepType(req.SleepType)
		if !ok {
			writeError(w, apperrors.InvalidMessage("sleep_type must be cg or pg"))
			return
		}
		sleepType = t
	}
	sleep := mailbox.SleepRequest{Type: sleepType, DurationMs: req.DurationMs, Deep: req.Deep}

	s.mu.RLock()
	d := s.dispatcher
	s.mu.RUnlock()
	if d != nil {
		err = d.HandleSleepRequest(r.Context(), id, sleep)
	} else {
		err = co.Suspend(r.Context(), id, sleep)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeCore(w, co, id)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	co := s.requireCoordinator(w)
	if co == nil {
		return
	}
	var req ResumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := parseCore(req.Core)
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.RLock()
	d := s.dispatcher
	s.mu.RUnlock()
	if d != nil {
		err = d.HandleWake(r.Context(), id)
	} else {
		err = co.Resume(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeCore(w, co, id)
}

func (s *Server) writeCore(w http.ResponseWriter, co *power.Coordinator, id hal.CoreID) {
	st, err := co.State(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CoreResponse{
		RequestID:  w.Header().Get(requestIDHeader),
		Core:       id.String(),
		State:      st,
		SystemMode: co.SystemMode(),
	})
}

func (s *Server) handleSleepTime(w http.ResponseWriter, r *http.Request) {
	co := s.requireCoordinator(w)
	if co == nil {
		return
	}
	id, err := parseCore(r.URL.Query().Get("core"))
	if err != nil {
		writeError(w, err)
		return
	}
	ms, err := co.SleepTime(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SleepTimeResponse{Core: id.String(), SleepTimeMs: ms})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	h := s.historyStore(w)
	if h == nil {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	core := r.URL.Query().Get("core")
	if core != "" {
		id, err := parseCore(core)
		if err != nil {
			writeError(w, err)
			return
		}
		core = id.String()
	}
	events, err := h.ListTransitions(limit, core)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*storage.TransitionEntry{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func (s *Server) historyStore(w http.ResponseWriter) HistoryStore {
	s.mu.RLock()
	h := s.history
	s.mu.RUnlock()
	if h == nil {
		writeError(w, apperrors.New(apperrors.CodeServerUnavailable, "event history is not enabled"))
	}
	return h
}
