package server

import (
	"net/http"

	apperrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
)

// MailboxRequest is the body of POST /mailbox. It posts a message into a
// core's inbound channel as that core's firmware would.
type MailboxRequest struct {
	Core       string `json:"core"`
	Kind       string `json:"kind"` // "sleep" or "wake"
	SleepType  *uint8 `json:"sleep_type,omitempty"`
	DurationMs uint32 `json:"duration_ms,omitempty"`
	Deep       bool   `json:"deep,omitempty"`
}

// MailboxResponse reports the channel counters after the send.
type MailboxResponse struct {
	RequestID  string `json:"request_id"`
	Core       string `json:"core"`
	Sent       uint64 `json:"sent"`
	Overwrites uint64 `json:"overwrites"`
	State      string `json:"state"`
}

// SetMailboxes registers the inbound channel of each core for POST /mailbox.
func (s *Server) SetMailboxes(inbound map[hal.CoreID]*mailbox.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes = inbound
}

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	co := s.requireCoordinator(w)
	if co == nil {
		return
	}
	var req MailboxRequest
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
	ch := s.mailboxes[id]
	s.mu.RUnlock()
	if ch == nil {
		writeError(w, apperrors.New(apperrors.CodeServerUnavailable, "no mailbox attached for core "+id.String()))
		return
	}

	switch req.Kind {
	case "sleep":
		// Raw type byte so that unknown values reach the dispatcher.
		t := mailbox.SleepClockGate
		if req.SleepType != nil {
			t = mailbox.SleepType(*req.SleepType)
		}
		ch.SendSleepRequest(mailbox.SleepRequest{Type: t, DurationMs: req.DurationMs, Deep: req.Deep})
	case "wake":
		ch.SendWake()
	default:
		writeError(w, apperrors.InvalidMessage("kind must be sleep or wake"))
		return
	}

	st, _ := co.State(id)
	writeJSON(w, http.StatusAccepted, MailboxResponse{
		RequestID:  w.Header().Get(requestIDHeader),
		Core:       id.String(),
		Sent:       ch.Sent(),
		Overwrites: ch.Overwrites(),
		State:      st.String(),
	})
}
