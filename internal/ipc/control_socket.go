// Package ipc serves the coordinator API over a Unix socket with
// restrictive filesystem permissions, and provides the client the CLI
// uses to reach a running daemon.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ControlSocketServer hosts an HTTP handler over a Unix socket.
// It ensures the socket directory and file permissions are locked down.
type ControlSocketServer struct {
	// path is the filesystem location of the Unix socket.
	path string

	// handler is the HTTP handler served over the socket.
	handler http.Handler

	server   *http.Server
	listener net.Listener

	log zerolog.Logger

	// mu guards start/stop operations.
	mu sync.Mutex
}

// NewControlSocketServer creates a control socket server for the given path.
func NewControlSocketServer(path string, handler http.Handler, log zerolog.Logger) *ControlSocketServer {
	return &ControlSocketServer{
		path:    path,
		handler: handler,
		log:     log,
	}
}

// Path returns the socket path.
func (s *ControlSocketServer) Path() string { return s.path }

// Start begins listening on the configured Unix socket.
// It removes stale socket files, but fails if another process is active.
func (s *ControlSocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("control socket already started")
	}
	if s.path == "" {
		return fmt.Errorf("control socket path is empty")
	}
	if err := validateSocketPath(s.path); err != nil {
		return err
	}
	if s.handler == nil {
		return fmt.Errorf("control socket handler is nil")
	}

	if err := s.prepareSocketDir(); err != nil {
		return err
	}

	if err := s.ensureSocketAvailable(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}

	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		_ = os.Remove(s.path)
		return fmt.Errorf("failed to set control socket permissions: %w", err)
	}

	s.listener = &peerCheckListener{Listener: listener, uid: os.Getuid(), log: s.log}
	s.server = &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}

	go func(srv *http.Server, l net.Listener) {
		err := srv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("control socket server stopped")
		}
	}(s.server, s.listener)

	s.log.Info().Str("path", s.path).Msg("control socket listening")
	return nil
}

// Stop shuts down the server and removes the socket file.
func (s *ControlSocketServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stopErr error
	if s.server != nil {
		if err := s.server.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopErr = fmt.Errorf("failed to stop control socket server: %w", err)
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && stopErr == nil {
			stopErr = fmt.Errorf("failed to remove control socket: %w", err)
		}
	}

	s.server = nil
	s.listener = nil

	return stopErr
}

func (s *ControlSocketServer) prepareSocketDir() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create control socket directory: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return fmt.Errorf("failed to set control socket directory permissions: %w", err)
	}
	return nil
}

func (s *ControlSocketServer) ensureSocketAvailable() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat control socket: %w", err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("control socket path is not a socket: %s", s.path)
	}

	conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("control socket already in use: %s", s.path)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("permission denied accessing control socket: %w", err)
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale control socket: %w", err)
	}

	return nil
}

// peerCheckListener drops connections from other users where the platform
// reports peer credentials.
type peerCheckListener struct {
	net.Listener
	uid int
	log zerolog.Logger
}

func (l *peerCheckListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		uid, ok := peerUID(conn)
		if !ok || uid == l.uid {
			return conn, nil
		}
		l.log.Warn().Int("peer_uid", uid).Msg("rejecting control connection from another user")
		conn.Close()
	}
}
