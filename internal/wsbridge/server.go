package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
)

// Socket is one live agent connection, tagged with its originating identity.
// Writes are serialized: gorilla/websocket permits one concurrent writer.
type Socket struct {
	conn      *websocket.Conn
	authIndex int
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSocket wraps a WebSocket connection tagged with its identity.
func NewSocket(conn *websocket.Conn, authIndex int) *Socket {
	return &Socket{conn: conn, authIndex: authIndex}
}

// AuthIndex returns the identity this socket belongs to.
func (s *Socket) AuthIndex() int {
	return s.authIndex
}

// SendJSON writes one frame on the socket. Sockets without a transport
// (registered directly in tests) swallow the write.
func (s *Socket) SendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteJSON(v)
}

// Close tears down the underlying connection. Safe to call multiple times.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// AgentServer is the loopback WebSocket endpoint the in-page agent dials.
// It upgrades connections, validates the authIndex query parameter, and
// pumps inbound frames into the registry.
type AgentServer struct {
	registry *Registry
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewAgentServer creates the agent endpoint bound to 127.0.0.1 on the fixed
// agent port.
func NewAgentServer(registry *Registry) *AgentServer {
	s := &AgentServer{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The agent connects from the upstream web app's origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleAgent)
	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", constant.WebSocketPort),
		Handler: mux,
	}
	return s
}

// Start begins listening for agent connections. Blocking.
func (s *AgentServer) Start() error {
	log.Debugf("starting agent WebSocket endpoint on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start agent endpoint: %w", err)
	}
	return nil
}

// Stop gracefully shuts the endpoint down.
func (s *AgentServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleAgent upgrades an agent connection and runs its read pump.
func (s *AgentServer) handleAgent(w http.ResponseWriter, r *http.Request) {
	authIndex, err := strconv.Atoi(r.URL.Query().Get("authIndex"))
	if err != nil || authIndex < 0 {
		http.Error(w, "missing or invalid authIndex", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("agent upgrade failed: %v", err)
		return
	}

	sock := NewSocket(conn, authIndex)
	s.registry.OnSocketOpen(sock)
	go s.readPump(sock)
}

// readPump drains the socket until it errors, feeding frames to the registry.
func (s *AgentServer) readPump(sock *Socket) {
	defer func() {
		sock.Close()
		s.registry.OnSocketClose(sock)
	}()

	sock.conn.SetPongHandler(func(string) error {
		return sock.conn.SetReadDeadline(time.Time{})
	})

	for {
		msgType, data, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("agent socket %d read error: %v", sock.AuthIndex(), err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.registry.OnSocketMessage(sock, data)
	}
}
