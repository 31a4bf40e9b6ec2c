package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/power"
	"github.com/corepower/pmcoord/internal/storage"
)

// channelBufferSize is the buffer size for the broadcast channel and for
// each client's send channel. Messages beyond it are dropped.
const channelBufferSize = 256

// HistoryStore is the read side of the event store.
type HistoryStore interface {
	ListTransitions(limit int, core string) ([]*storage.TransitionEntry, error)
	ListWakelockAudit(limit int) ([]*storage.WakelockAuditEntry, error)
}

// Config configures a Server.
type Config struct {
	// Addr is the TCP listen address, e.g. "127.0.0.1:7380".
	Addr string
	// RateLimit is the sustained number of mutation requests per second.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
	// ControlSocket is reported by /status.
	ControlSocket string
}

// Server serves the coordinator API and fans events out to WebSocket
// clients. It implements power.EventSink.
type Server struct {
	addr     string
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	log      zerolog.Logger

	co         *power.Coordinator
	dispatcher *power.Dispatcher
	history    HistoryStore
	metrics    http.Handler
	mailboxes  map[hal.CoreID]*mailbox.Channel
	socketPath string

	// mu protects clients, stopped and the handler dependencies above.
	mu      sync.RWMutex
	clients map[*Client]bool
	stopped bool

	broadcast  chan Message
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// New creates a server. The coordinator is attached later with
// SetCoordinator so that the server can be built first and handed to the
// coordinator as one of its event sinks.
func New(cfg Config, log zerolog.Logger) *Server {
	s := &Server{
		addr: cfg.Addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:        log,
		socketPath: cfg.ControlSocket,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, channelBufferSize),
		startTime:  time.Now(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	go s.runBroadcaster()
	return s
}

// SetCoordinator attaches the coordinator the API operates on.
func (s *Server) SetCoordinator(co *power.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.co = co
}

// SetDispatcher routes /suspend and /resume through the tickless dispatcher,
// so that deep sleep entry and core notifications happen as they would for a
// mailbox request.
func (s *Server) SetDispatcher(d *power.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// SetHistoryStore enables /events and /wakelocks/audit.
func (s *Server) SetHistoryStore(h HistoryStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = h
}

// Handler returns the HTTP handler with every endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /wakelocks", s.handleWakelocks)
	mux.HandleFunc("POST /wakelocks", s.limited(s.handleWakelockMutation))
	mux.HandleFunc("GET /wakelocks/audit", s.handleWakelockAudit)
	mux.HandleFunc("POST /suspend", s.limited(s.handleSuspend))
	mux.HandleFunc("POST /resume", s.limited(s.handleResume))
	mux.HandleFunc("POST /mailbox", s.limited(s.handleMailbox))
	mux.HandleFunc("GET /sleep-time", s.handleSleepTime)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.mu.RLock()
	metrics := s.metrics
	s.mu.RUnlock()
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	// Handler takes s.mu itself.
	h := s.Handler()

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return nil
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stop closes every client and the HTTP server. It is safe to call twice.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	for client := range s.clients {
		client.closeSend()
	}
	close(s.broadcast)
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (s *Server) coordinator() *power.Coordinator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.co
}
