package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
)

// Handler serves one method call.
type Handler func(c *Conn, params json.RawMessage) (any, *Error)

type methodSpec struct {
	scope   string
	handler Handler
}

// requestTimeout bounds a single method call.
const requestTimeout = 30 * time.Second

// Server is the RPC dispatcher: frame validation, method routing,
// authorization, event fan-out, heartbeat.
type Server struct {
	cfgm    *config.Manager
	bus     *Bus
	version string

	// snapshot builds the handshake/state snapshot payload.
	snapshot func() any

	mu      sync.RWMutex
	methods map[string]methodSpec

	httpSrv *http.Server
	stop    chan struct{}
	stopped sync.Once
}

// NewServer creates a dispatcher bound to the config manager.
func NewServer(cfgm *config.Manager, version string, snapshot func() any) *Server {
	return &Server{
		cfgm:     cfgm,
		bus:      NewBus(),
		version:  version,
		snapshot: snapshot,
		methods:  make(map[string]methodSpec),
		stop:     make(chan struct{}),
	}
}

// Bus exposes the event bus for publishers.
func (s *Server) Bus() *Bus { return s.bus }

// Register adds a method with its required scope. No handler executes
// before the scope check passes.
func (s *Server) Register(name, scope string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = methodSpec{scope: scope, handler: handler}
}

func (s *Server) methodNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// Local-first control plane; origin checks belong to a fronting
	// proxy when one exists.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	cfg := s.cfgm.Current()
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	s.httpSrv = &http.Server{Addr: cfg.Gateway.Listen, Handler: mux}

	go s.tickLoop()

	L_info("rpc: listening", "addr", cfg.Gateway.Listen)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("rpc: listener failed", "error", err)
		}
	}()
	return nil
}

// Shutdown notifies clients and closes the listener.
func (s *Server) Shutdown(restartExpectedMs int) {
	s.stopped.Do(func() {
		s.bus.Publish(EventShutdown, map[string]any{"restart_expected_ms": restartExpectedMs}, true, nil)
		close(s.stop)
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpSrv.Shutdown(ctx)
		}
	})
}

// tickLoop publishes the heartbeat event until Shutdown. Dead connections
// are detected by the read deadline in readLoop.
func (s *Server) tickLoop() {
	interval := time.Duration(s.cfgm.Current().Gateway.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			s.bus.Publish(EventTick, map[string]any{"ts": now.UnixMilli()}, false, nil)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_debug("rpc: upgrade failed", "error", err)
		return
	}

	cfg := s.cfgm.Current()
	maxPayload := int64(cfg.Gateway.MaxPayloadBytes)
	if maxPayload <= 0 {
		maxPayload = 16 << 20
	}
	ws.SetReadLimit(maxPayload)

	conn, ok := s.handshake(ws, cfg)
	if !ok {
		ws.Close()
		return
	}

	s.bus.add(conn)
	defer func() {
		s.bus.remove(conn.ID)
		conn.close()
		L_info("rpc: connection closed", "conn", conn.ID)
	}()

	go conn.writeLoop()

	// Snapshot event once after the handshake.
	if s.snapshot != nil {
		conn.SendEvent(EventSnapshot, s.snapshot(), true)
	}

	s.readLoop(conn, cfg)
}

// handshake expects the hello request as the first frame and performs
// protocol negotiation and authentication.
func (s *Server) handshake(ws *websocket.Conn, cfg *config.Config) (*Conn, bool) {
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, false
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Method != "hello" {
		writeHandshakeError(ws, frame.ID, Errf(CodeInvalidRequest, "first frame must be a hello request"))
		return nil, false
	}
	if err := validateRequestFrame(raw, &frame); err != nil {
		writeHandshakeError(ws, frame.ID, Errf(CodeInvalidRequest, "invalid hello: %v", err))
		return nil, false
	}

	var hello HelloParams
	if err := json.Unmarshal(frame.Params, &hello); err != nil {
		writeHandshakeError(ws, frame.ID, Errf(CodeInvalidRequest, "invalid hello params"))
		return nil, false
	}

	if hello.MinProtocol > ProtocolMax || hello.MaxProtocol < ProtocolMin {
		writeHandshakeError(ws, frame.ID, &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("incompatible protocol: server speaks %d..%d", ProtocolMin, ProtocolMax),
			Details: map[string]int{"min": ProtocolMin, "max": ProtocolMax},
		})
		return nil, false
	}

	scopes, role, err := authenticate(cfg, hello.Auth)
	if err != nil {
		L_warn("rpc: authentication failed", "client", hello.Client.ID, "error", err)
		writeHandshakeError(ws, frame.ID, Errf(CodeUnauthorized, "authentication failed"))
		return nil, false
	}

	conn := newConn(uuid.NewString(), ws, scopes, role, cfg.Gateway.MaxBufferedBytes)

	ok := true
	payload, _ := json.Marshal(HelloOK{
		Protocol: ProtocolMax,
		Server:   ServerInfo{Version: s.version, ConnID: conn.ID},
		Features: Features{
			Methods: s.methodNames(),
			Events:  []string{EventAgent, EventChat, EventTick, EventShutdown, EventSnapshot},
		},
		Snapshot: s.snapshotOrNil(),
		Auth:     HelloOKAuth{Role: role, Scopes: scopes.List()},
		Policy: HelloOKLimit{
			MaxPayload:     cfg.Gateway.MaxPayloadBytes,
			MaxBuffered:    cfg.Gateway.MaxBufferedBytes,
			TickIntervalMs: cfg.Gateway.TickIntervalMs,
		},
	})
	res := Frame{Type: FrameHelloOK, ID: frame.ID, OK: &ok, Payload: payload}
	data, _ := json.Marshal(res)
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, false
	}

	L_info("rpc: client connected",
		"conn", conn.ID, "client", hello.Client.ID, "platform", hello.Client.Platform, "role", role)
	return conn, true
}

func (s *Server) snapshotOrNil() any {
	if s.snapshot == nil {
		return nil
	}
	return s.snapshot()
}

func writeHandshakeError(ws *websocket.Conn, id string, rpcErr *Error) {
	ok := false
	frame := Frame{Type: FrameError, ID: id, OK: &ok, Err: rpcErr}
	data, _ := json.Marshal(frame)
	ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop handles request frames until the connection dies. A missed
// heartbeat window of twice the tick interval marks the peer dead.
func (s *Server) readLoop(conn *Conn, cfg *config.Config) {
	interval := time.Duration(cfg.Gateway.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	deadline := 2 * interval

	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		conn.ws.SetReadDeadline(time.Now().Add(deadline))
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			conn.SendResponse("", nil, Errf(CodeInvalidRequest, "malformed frame"))
			continue
		}
		if frame.Type != FrameReq {
			conn.SendResponse(frame.ID, nil, Errf(CodeInvalidRequest, "unexpected frame type %q", frame.Type))
			continue
		}
		if err := validateRequestFrame(raw, &frame); err != nil {
			conn.SendResponse(frame.ID, nil, &Error{
				Code:    CodeInvalidRequest,
				Message: err.Error(),
			})
			continue
		}

		s.dispatch(conn, frame)
	}
}

// dispatch routes one request. The scope check runs before the handler;
// unauthorized calls never reach method code.
func (s *Server) dispatch(conn *Conn, frame Frame) {
	s.mu.RLock()
	spec, ok := s.methods[frame.Method]
	s.mu.RUnlock()

	if !ok {
		conn.SendResponse(frame.ID, nil, Errf(CodeNotFound, "unknown method: %s", frame.Method))
		return
	}
	if !conn.Scopes.Allows(spec.scope) {
		conn.SendResponse(frame.ID, nil, Errf(CodeForbidden, "insufficient scope"))
		return
	}

	go func() {
		type result struct {
			payload any
			rpcErr  *Error
		}
		done := make(chan result, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					L_error("rpc: handler panic", "method", frame.Method, "panic", r)
					done <- result{rpcErr: Errf(CodeInternalError, "internal error")}
				}
			}()
			payload, rpcErr := spec.handler(conn, frame.Params)
			done <- result{payload: payload, rpcErr: rpcErr}
		}()

		select {
		case res := <-done:
			conn.SendResponse(frame.ID, res.payload, res.rpcErr)
		case <-time.After(requestTimeout):
			conn.SendResponse(frame.ID, nil, Errf(CodeAgentTimeout, "request timed out"))
		}
	}()
}
