package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/corepower/pmcoord/internal/config"
	apperrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/ipc"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/server"
	"github.com/corepower/pmcoord/internal/storage"
)

// controlClient is the subset of ipc.Client the commands use.
type controlClient interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, in, out any) error
}

// newControlClient is swapped out by tests.
var newControlClient = func(socket string) controlClient {
	return ipc.NewClient(socket)
}

const controlTimeout = 10 * time.Second

// controlFlags are shared by every command that talks to the daemon.
type controlFlags struct {
	socket string
	json   bool
}

func newControlFlagSet(name, usageLine string, stderr io.Writer) (*flag.FlagSet, *controlFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := &controlFlags{}
	fs.StringVar(&cf.socket, "socket", "", "Control socket path (default: ~/.pmcoord/control.sock)")
	fs.BoolVar(&cf.json, "json", false, "Print the raw JSON response")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pmcoord %s\n\nOptions:\n", usageLine)
		fs.PrintDefaults()
	}
	return fs, cf
}

// parseControlArgs parses flags and positional arguments in any order.
func parseControlArgs(fs *flag.FlagSet, args []string) ([]string, int, bool) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, 0, false
			}
			return nil, 1, false
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	return positional, 0, true
}

func (cf *controlFlags) client() controlClient {
	socket := cf.socket
	if socket == "" {
		socket = config.DefaultControlSocket()
	}
	return newControlClient(socket)
}

func (cf *controlFlags) get(path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return cf.client().Get(ctx, path, out)
}

func (cf *controlFlags) post(path string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return cf.client().Post(ctx, path, in, out)
}

// reportError prints err and returns the exit code: 2 for "not now"
// outcomes the caller may retry, 1 otherwise.
func reportError(stderr io.Writer, err error) int {
	code, msg := apperrors.ToCodeAndMessage(err)
	fmt.Fprintf(stderr, "Error: %s (%s)\n", msg, code)
	if apperrors.IsNotNow(err) {
		return 2
	}
	return 1
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("status", "status [options]", stderr)
	if _, code, ok := parseControlArgs(fs, args); !ok {
		return code
	}

	var raw json.RawMessage
	if err := cf.get("/status", &raw); err != nil {
		return reportError(stderr, err)
	}
	if cf.json {
		stdout.Write(raw)
		fmt.Fprintln(stdout)
		return 0
	}
	var status statusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		fmt.Fprintf(stderr, "Error: failed to decode status: %v\n", err)
		return 1
	}
	writeStatusOutput(stdout, &status)
	return 0
}

// statusResult mirrors server.StatusResponse with power states as names.
type statusResult struct {
	Coordinator struct {
		Cores []struct {
			Core        string `json:"core"`
			State       string `json:"state"`
			Companion   string `json:"companion"`
			SleepTimeMs uint32 `json:"sleep_time_ms"`
		} `json:"cores"`
		ShallowHeld   []string `json:"shallow_held"`
		DeepHeld      []string `json:"deep_held"`
		SystemMode    string   `json:"system_mode"`
		LastSleepType string   `json:"last_sleep_type"`
		Tick          uint32   `json:"tick"`
		TickHz        uint32   `json:"tick_hz"`
	} `json:"coordinator"`
	ListeningAddress  string `json:"listening_address"`
	ConnectedClients  int    `json:"connected_clients"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ControlSocketPath string `json:"control_socket_path"`
}

func writeStatusOutput(stdout io.Writer, status *statusResult) {
	co := status.Coordinator

	fmt.Fprintf(stdout, "Coordinator Status\n")
	fmt.Fprintf(stdout, "==================\n")
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	if status.ControlSocketPath != "" {
		fmt.Fprintf(stdout, "Socket:       %s\n", status.ControlSocketPath)
	}
	fmt.Fprintf(stdout, "Clients:      %d connected\n", status.ConnectedClients)
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	fmt.Fprintf(stdout, "System mode:  %s\n", co.SystemMode)
	if co.LastSleepType != "" {
		fmt.Fprintf(stdout, "Last sleep:   %s\n", co.LastSleepType)
	}
	fmt.Fprintf(stdout, "Tick:         %d @ %d Hz\n", co.Tick, co.TickHz)

	fmt.Fprintf(stdout, "\nCores\n-----\n")
	for _, c := range co.Cores {
		line := fmt.Sprintf("  %-4s %-12s last sleep %d ms", c.Core, c.State, c.SleepTimeMs)
		if c.Companion != "" {
			line += " (companion " + c.Companion + ")"
		}
		fmt.Fprintln(stdout, line)
	}

	fmt.Fprintf(stdout, "\nWakelocks\n---------\n")
	fmt.Fprintf(stdout, "  shallow: %s\n", joinOrNone(co.ShallowHeld))
	fmt.Fprintf(stdout, "  deep:    %s\n", joinOrNone(co.DeepHeld))
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}

func runWakelockMutation(action string, args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("wakelock "+action, "wakelock "+action+" <domain> [--deep]", stderr)
	deep := fs.Bool("deep", false, "Use the deep-sleep registry")
	positional, code, ok := parseControlArgs(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Error: exactly one wakelock domain is required")
		return 1
	}

	var resp server.WakelockResponse
	req := server.WakelockRequest{Action: action, Domain: positional[0], Deep: *deep}
	if err := cf.post("/wakelocks", req, &resp); err != nil {
		return reportError(stderr, err)
	}
	writeWakelocks(stdout, cf.json, &resp)
	return 0
}

func runWakelockStatus(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("wakelock status", "wakelock status [options]", stderr)
	if _, code, ok := parseControlArgs(fs, args); !ok {
		return code
	}

	var resp server.WakelockResponse
	if err := cf.get("/wakelocks", &resp); err != nil {
		return reportError(stderr, err)
	}
	writeWakelocks(stdout, cf.json, &resp)
	return 0
}

func writeWakelocks(stdout io.Writer, asJSON bool, resp *server.WakelockResponse) {
	if asJSON {
		printJSON(stdout, resp)
		return
	}
	fmt.Fprintf(stdout, "shallow 0x%08x: %s\n", resp.Shallow, joinOrNone(resp.ShallowHeld))
	fmt.Fprintf(stdout, "deep    0x%08x: %s\n", resp.Deep, joinOrNone(resp.DeepHeld))
}

func runWakelockAudit(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("wakelock audit", "wakelock audit [--limit N]", stderr)
	limit := fs.Int("limit", 20, "Number of entries to show")
	if _, code, ok := parseControlArgs(fs, args); !ok {
		return code
	}

	var resp server.WakelockAuditResponse
	if err := cf.get("/wakelocks/audit?limit="+strconv.Itoa(*limit), &resp); err != nil {
		return reportError(stderr, err)
	}
	if cf.json {
		printJSON(stdout, resp)
		return 0
	}
	if len(resp.Entries) == 0 {
		fmt.Fprintln(stdout, "No wakelock changes recorded.")
		return 0
	}
	for _, e := range resp.Entries {
		fmt.Fprintf(stdout, "%s  %-7s %-7s %-12s mask 0x%08x\n",
			e.At.Local().Format(time.DateTime), e.Operation, e.LockKind, e.Domain, e.Mask)
	}
	return 0
}

func runSuspend(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("suspend", "suspend <core> [--type cg|pg] [--duration-ms N] [--deep]", stderr)
	sleepType := fs.String("type", "cg", "Sleep type: cg (clock gate) or pg (power gate)")
	duration := fs.Uint("duration-ms", 0, "Arm the wake timer for this many milliseconds (0 = no timer)")
	deep := fs.Bool("deep", false, "Request system deep sleep once the core is gated")
	positional, code, ok := parseControlArgs(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Error: exactly one core is required")
		return 1
	}

	req := server.SuspendRequest{Core: positional[0], SleepType: *sleepType, DurationMs: uint32(*duration), Deep: *deep}
	return postCoreCommand(cf, "/suspend", req, stdout, stderr)
}

func runResume(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("resume", "resume <core>", stderr)
	positional, code, ok := parseControlArgs(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Error: exactly one core is required")
		return 1
	}
	return postCoreCommand(cf, "/resume", server.ResumeRequest{Core: positional[0]}, stdout, stderr)
}

// coreResult decodes server.CoreResponse with states as names.
type coreResult struct {
	RequestID  string `json:"request_id"`
	Core       string `json:"core"`
	State      string `json:"state"`
	SystemMode string `json:"system_mode"`
}

func postCoreCommand(cf *controlFlags, path string, req any, stdout, stderr io.Writer) int {
	var resp coreResult
	if err := cf.post(path, req, &resp); err != nil {
		return reportError(stderr, err)
	}
	if cf.json {
		printJSON(stdout, resp)
		return 0
	}
	fmt.Fprintf(stdout, "%s: %s (system %s)\n", resp.Core, resp.State, resp.SystemMode)
	return 0
}

func runSleepTime(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("sleep-time", "sleep-time <core>", stderr)
	positional, code, ok := parseControlArgs(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Error: exactly one core is required")
		return 1
	}

	var resp server.SleepTimeResponse
	if err := cf.get("/sleep-time?core="+url.QueryEscape(positional[0]), &resp); err != nil {
		return reportError(stderr, err)
	}
	if cf.json {
		printJSON(stdout, resp)
		return 0
	}
	fmt.Fprintf(stdout, "%s: %d ms\n", resp.Core, resp.SleepTimeMs)
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("events", "events [--limit N] [--core name]", stderr)
	limit := fs.Int("limit", 20, "Number of events to show")
	core := fs.String("core", "", "Only show events for this core")
	if _, code, ok := parseControlArgs(fs, args); !ok {
		return code
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *core != "" {
		q.Set("core", *core)
	}
	var resp server.EventsResponse
	if err := cf.get("/events?"+q.Encode(), &resp); err != nil {
		return reportError(stderr, err)
	}
	if cf.json {
		printJSON(stdout, resp)
		return 0
	}
	if len(resp.Events) == 0 {
		fmt.Fprintln(stdout, "No events recorded.")
		return 0
	}
	for _, e := range resp.Events {
		fmt.Fprintln(stdout, formatEvent(e))
	}
	return 0
}

func formatEvent(e *storage.TransitionEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-18s %-4s", e.At.Local().Format(time.DateTime), e.Kind, e.Core)
	if e.State != "" {
		fmt.Fprintf(&b, " state=%s", e.State)
	}
	if e.SleepType != "" {
		fmt.Fprintf(&b, " type=%s", e.SleepType)
	}
	if e.DurationMs != 0 {
		fmt.Fprintf(&b, " duration=%dms", e.DurationMs)
	}
	if e.Deep {
		b.WriteString(" deep")
	}
	if e.SleptMs != 0 {
		fmt.Fprintf(&b, " slept=%dms", e.SleptMs)
	}
	if e.Mask != 0 {
		fmt.Fprintf(&b, " mask=0x%08x", e.Mask)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, " source=%s", e.Source)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	return b.String()
}

func runMailbox(args []string, stdout, stderr io.Writer) int {
	fs, cf := newControlFlagSet("mailbox", "mailbox <core> sleep|wake [--type N] [--duration-ms N] [--deep]", stderr)
	sleepType := fs.String("type", "cg", "Sleep type: cg, pg or a raw type byte")
	duration := fs.Uint("duration-ms", 0, "Wake timer duration in milliseconds")
	deep := fs.Bool("deep", false, "Set the deep-sleep flag")
	positional, code, ok := parseControlArgs(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 2 {
		fmt.Fprintln(stderr, "Error: a core and a message kind (sleep or wake) are required")
		return 1
	}

	req := server.MailboxRequest{Core: positional[0], Kind: positional[1], DurationMs: uint32(*duration), Deep: *deep}
	if req.Kind == "sleep" {
		t, err := parseRawSleepType(*sleepType)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		req.SleepType = &t
	}

	var resp server.MailboxResponse
	if err := cf.post("/mailbox", req, &resp); err != nil {
		return reportError(stderr, err)
	}
	if cf.json {
		printJSON(stdout, resp)
		return 0
	}
	fmt.Fprintf(stdout, "%s: %s after %s (sent %d, overwritten %d)\n", resp.Core, resp.State, req.Kind, resp.Sent, resp.Overwrites)
	return 0
}

// parseRawSleepType accepts cg, pg or a number so that firmware sending an
// unknown type can be reproduced.
func parseRawSleepType(s string) (uint8, error) {
	if t, ok := mailbox.ParseSleepType(s); ok {
		return uint8(t), nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid sleep type %q", s)
	}
	return uint8(n), nil
}

// formatUptime formats seconds as "45s", "5m 23s", "2h 15m" or "3d 4h".
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
