package server

import (
	"net/http"
	"testing"

	apperrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/logger"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/power"
)

func attachMailbox(t *testing.T, env *testEnv) *mailbox.Channel {
	t.Helper()
	inbound := mailbox.NewChannel(mailbox.ChannelConfig{From: hal.CoreAP, To: hal.CoreLP, Vector: 90}, env.sim, logger.NewTestLogger())
	d := power.NewDispatcher(env.co)
	if err := d.Attach(hal.CoreAP, inbound, nil); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	env.srv.SetDispatcher(d)
	env.srv.SetMailboxes(map[hal.CoreID]*mailbox.Channel{hal.CoreAP: inbound})
	return inbound
}

func u8(v uint8) *uint8 { return &v }

func TestMailboxSleepAndWake(t *testing.T) {
	env := newTestEnv(t, Config{})
	ch := attachMailbox(t, env)

	resp := env.do(t, http.MethodPost, "/mailbox", MailboxRequest{Core: "ap", Kind: "sleep", SleepType: u8(uint8(mailbox.SleepClockGate))})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[MailboxResponse](t, resp)
	if got.State != "clock_gated" || got.Sent != 1 {
		t.Fatalf("response = %+v", got)
	}
	if ch.Pending() {
		t.Error("message should have been consumed by the dispatcher")
	}

	resp = env.do(t, http.MethodPost, "/mailbox", MailboxRequest{Core: "ap", Kind: "wake"})
	got = decode[MailboxResponse](t, resp)
	if got.State != "active" {
		t.Fatalf("state after wake = %q", got.State)
	}
}

func TestMailboxUnknownSleepTypeDropped(t *testing.T) {
	env := newTestEnv(t, Config{})
	attachMailbox(t, env)

	resp := env.do(t, http.MethodPost, "/mailbox", MailboxRequest{Core: "ap", Kind: "sleep", SleepType: u8(7)})
	got := decode[MailboxResponse](t, resp)
	if got.State != "active" {
		t.Fatalf("state = %q, want active", got.State)
	}

	events := decode[EventsResponse](t, env.do(t, http.MethodGet, "/events?core=ap", nil))
	if len(events.Events) == 0 || events.Events[0].Kind != string(power.EventUnknownType) {
		t.Fatalf("events = %+v", events.Events)
	}
}

func TestMailboxSuspendViaDispatcherKicksBusyCore(t *testing.T) {
	env := newTestEnv(t, Config{})
	attachMailbox(t, env)

	env.do(t, http.MethodPost, "/wakelocks", WakelockRequest{Action: "acquire", Domain: "psram_device"})

	resp := env.do(t, http.MethodPost, "/suspend", SuspendRequest{Core: "ap", SleepType: "cg"})
	expectError(t, resp, http.StatusConflict, apperrors.CodePreconditionFailed)

	events := decode[EventsResponse](t, env.do(t, http.MethodGet, "/events?core=ap&limit=1", nil))
	if len(events.Events) != 1 || events.Events[0].Kind != string(power.EventKick) {
		t.Fatalf("events = %+v", events.Events)
	}
}

func TestMailboxErrors(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/mailbox", MailboxRequest{Core: "ap", Kind: "sleep"})
	expectError(t, resp, http.StatusServiceUnavailable, apperrors.CodeServerUnavailable)

	attachMailbox(t, env)
	resp = env.do(t, http.MethodPost, "/mailbox", MailboxRequest{Core: "ap", Kind: "poke"})
	expectError(t, resp, http.StatusBadRequest, apperrors.CodeServerInvalidMessage)
}
