package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxgate/internal/auth"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/protocol"
	"github.com/MrWong99/voxgate/pkg/provider/s2s"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// readLimit bounds one client message. V2 frames carry a 32-bit size, so
// this is a memory cap rather than a protocol limit; larger messages close
// the connection with StatusMessageTooBig.
const readLimit = 1 << 20

// ServerConfig holds the dependencies of a [Server].
type ServerConfig struct {
	// Config returns the current configuration snapshot. It is called once
	// per connection so that reloads only affect new connections. Required.
	Config func() *config.Config

	// Provider is the backend used for every connection. Required.
	Provider s2s.Provider

	// BackendName labels logs and metrics.
	BackendName string

	// Metrics receives connection metrics. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Server is the HTTP handler for the device endpoint.
type Server struct {
	cfg      ServerConfig
	endpoint string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewServer creates a Server. The endpoint prefix is read from the config
// snapshot once; changing it requires a restart.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	endpoint := strings.TrimSuffix(cfg.Config().Gateway.EndpointPath, "/")
	base, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, endpoint: endpoint, base: base, cancel: cancel}
}

// Endpoint returns the URL prefix served by s.
func (s *Server) Endpoint() string { return s.endpoint }

// Register mounts s on mux under its endpoint prefix.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle(s.endpoint+"/", s)
}

// ActiveConnections returns the number of sessions currently running.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// parsePath splits {endpoint}/{agentID}/{conversationID?}. A missing
// conversation id is replaced by a fresh one.
func (s *Server) parsePath(p string) (agentID, conversationID string, ok bool) {
	rest, found := strings.CutPrefix(p, s.endpoint+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) > 2 || parts[0] == "" {
		return "", "", false
	}
	agentID = parts[0]
	if len(parts) == 2 && parts[1] != "" {
		conversationID = parts[1]
	} else {
		conversationID = uuid.NewString()
	}
	return agentID, conversationID, true
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// ServeHTTP upgrades a device connection and runs its session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID, convID, ok := s.parsePath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid path format", http.StatusBadRequest)
		return
	}
	if !isWebSocketRequest(r) {
		http.Error(w, "websocket connection required", http.StatusBadRequest)
		return
	}

	snap := s.cfg.Config()
	authn := auth.New(snap.Auth)
	principal, err := authn.Authenticate(r)
	if err != nil {
		observe.Logger(r.Context()).Warn("rejected device connection",
			"remote", r.RemoteAddr, "agent_id", agentID, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	log := observe.Logger(r.Context()).With(
		"agent_id", agentID,
		"conversation_id", convID,
	)
	var initial protocol.Version
	if h := r.Header.Get("Protocol-Version"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			if v, ok := protocol.ParseVersion(n); ok {
				initial = v
			}
		}
		if initial == 0 {
			log.Warn("ignoring invalid Protocol-Version header", "value", h)
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	attrs := []any{
		"remote", r.RemoteAddr,
		"device_id", r.Header.Get("Device-Id"),
		"client_id", r.Header.Get("Client-Id"),
	}
	if authn.Enabled() {
		attrs = append(attrs, "principal", principal.DeviceID, "static_token", principal.Static)
	}
	log.Info("device connected", attrs...)

	ctx, cancel := context.WithCancel(auth.WithPrincipal(r.Context(), principal))
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	defer func() {
		s.active.Add(-1)
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
	}()

	sess := NewSession(SessionConfig{
		Transport:      NewWebSocketTransport(conn),
		Provider:       s.cfg.Provider,
		BackendName:    s.cfg.BackendName,
		Gateway:        snap.Gateway,
		Backend:        snap.Backend,
		AgentID:        agentID,
		ConversationID: convID,
		InitialVersion: initial,
		Metrics:        s.cfg.Metrics,
		Logger:         log,
	})
	if err := sess.Run(ctx); err != nil {
		log.Warn("connection ended with error", "err", err)
	}
}

// Shutdown closes every open session and waits for them to finish or for ctx
// to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("gateway: sessions still open"), ctx.Err())
	}
}
