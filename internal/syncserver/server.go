// Package syncserver implements the sync backend: the authority that
// assigns global sequence numbers, durably appends pushed events, serves
// cursor-based pulls, and fans accepted pushes out to the other
// connected sessions of the same store.
package syncserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/tidelog/tidelog/internal/syncproto"
)

// AuthFunc authorizes a session at handshake time. A nil AuthFunc
// admits everyone.
type AuthFunc func(storeID string, auth json.RawMessage) error

// storeIDPattern keeps store ids filesystem-safe; anything else is
// rejected before a path is built from it.
var storeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Server hosts sync endpoints for any number of stores, each backed by
// its own database file under the data directory.
type Server struct {
	dir      string
	auth     AuthFunc
	log      *slog.Logger
	pageSize int
	upgrader websocket.Upgrader

	mu     sync.Mutex
	stores map[string]*storeState
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuth installs the handshake authorization hook.
func WithAuth(fn AuthFunc) ServerOption {
	return func(s *Server) { s.auth = fn }
}

// WithServerLogger sets the structured logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithPageSize caps the number of events per pull response.
func WithPageSize(n int) ServerOption {
	return func(s *Server) { s.pageSize = n }
}

// New builds a server storing its per-store databases under dir.
func New(dir string, opts ...ServerOption) *Server {
	s := &Server{
		dir:      dir,
		log:      slog.Default(),
		pageSize: 256,
		stores:   make(map[string]*storeState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP surface: the websocket sync endpoint plus a
// liveness probe.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Get("/sync/{store}", s.handleSync)
	return r
}

// Close shuts every open store database.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var firstErr error
	for id, st := range s.stores {
		if err := st.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store %s: %w", id, err)
		}
		delete(s.stores, id)
	}
	return firstErr
}

// storeFor opens (or returns the already-open) state for a store id.
func (s *Server) storeFor(id string) (*storeState, error) {
	if !storeIDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid store id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("server is shut down")
	}
	if st, ok := s.stores[id]; ok {
		return st, nil
	}
	st, err := openStoreState(filepath.Join(s.dir, id+".db"))
	if err != nil {
		return nil, err
	}
	s.stores[id] = st
	return st, nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "store")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "store", storeID, "error", err)
		return
	}
	conn := syncproto.NewWSConn(ws)

	sess, err := s.handshake(conn, storeID)
	if err != nil {
		s.log.Info("handshake rejected", "store", storeID, "error", err)
		conn.Close()
		return
	}

	s.log.Info("session opened", "store", storeID, "session", sess.id)
	sess.serve(r.Context())
	sess.state.unregister(sess)
	conn.Close()
	s.log.Info("session closed", "store", storeID, "session", sess.id)
}

// handshake consumes the Hello, authorizes it, and answers with the
// store's current head. Rejections are reported to the peer as typed
// protocol errors before the connection drops.
func (s *Server) handshake(conn syncproto.Conn, storeID string) (*session, error) {
	env, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if env.Type != syncproto.MsgHello {
		sendError(conn, syncproto.ErrCodeMalformed, "expected hello")
		return nil, fmt.Errorf("expected hello, got %s", env.Type)
	}
	var hello syncproto.Hello
	if err := env.DecodeInto(&hello); err != nil {
		sendError(conn, syncproto.ErrCodeMalformed, "malformed hello")
		return nil, err
	}
	if hello.StoreID != storeID {
		sendError(conn, syncproto.ErrCodeBadStore, "hello store does not match endpoint")
		return nil, fmt.Errorf("hello store %q != endpoint store %q", hello.StoreID, storeID)
	}

	if s.auth != nil {
		if err := s.auth(storeID, hello.Auth); err != nil {
			sendError(conn, syncproto.ErrCodeAuthRejected, err.Error())
			return nil, fmt.Errorf("authorization: %w", err)
		}
	}

	state, err := s.storeFor(storeID)
	if err != nil {
		sendError(conn, syncproto.ErrCodeBadStore, err.Error())
		return nil, err
	}

	welcome, err := syncproto.Encode(syncproto.MsgWelcome, syncproto.Welcome{Head: state.currentHead()})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(welcome); err != nil {
		return nil, err
	}

	sess := newSession(conn, state, s.log.With("store", storeID), s.pageSize)
	state.register(sess)
	return sess, nil
}

func sendError(conn syncproto.Conn, code, message string) {
	env, err := syncproto.Encode(syncproto.MsgError, syncproto.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}
