/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/pkg/logctx"
)

// Server is the WebSocket endpoint for document collaboration. The
// transport conveys the room name in the "room" query parameter; the
// first frame on every connection must be an authentication frame.
type Server struct {
	coordinator *Coordinator
	cfg         Config
	upgrader    websocket.Upgrader
	log         logr.Logger

	mu       sync.Mutex
	shutdown bool
}

// NewServer creates the websocket server for coordinator.
func NewServer(coordinator *Coordinator, log logr.Logger) *Server {
	cfg := coordinator.cfg
	return &Server{
		coordinator: coordinator,
		cfg:         cfg,
		log:         log.WithName("collab-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Bearer-token auth inside the stream; origin is not
				// part of the trust model.
				return true
			},
		},
	}
}

// Close stops accepting new connections and evicts every room.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.coordinator.Shutdown(ctx)
}

// ServeHTTP upgrades the connection and runs the collaboration
// protocol on it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		http.Error(w, "room parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "failed to upgrade connection")
		return
	}

	ctx := logctx.WithRoom(r.Context(), roomName)
	go s.handleConnection(context.WithoutCancel(ctx), conn, roomName)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, roomName string) {
	log := logctx.LoggerWithContext(s.log, ctx)
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(s.cfg.MaxMessageSize)

	// The authentication frame must arrive within the sync timeout.
	token, err := s.readAuthFrame(conn)
	if err != nil {
		log.V(1).Info("closing unauthenticated connection", "reason", err.Error())
		s.closeWith(conn, websocket.ClosePolicyViolation, "authentication required")
		return
	}

	client, err := s.coordinator.Join(ctx, roomName, token)
	if err != nil {
		s.closeWith(conn, joinCloseCode(err), apperrMessage(err))
		return
	}
	defer s.coordinator.Leave(ctx, client)

	log = log.WithValues("client", client.ID)
	log.V(1).Info("connection established")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(connCtx, conn, client, log)
	s.readLoop(connCtx, conn, client, log)
}

// readAuthFrame waits for the initial authentication frame and
// returns the token it carries. An empty token payload is a public
// (anonymous) connection attempt.
func (s *Server) readAuthFrame(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.SyncTimeout)); err != nil {
		return "", err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	msgType, payload, err := DecodeFrame(frame)
	if err != nil {
		return "", err
	}
	if msgType != MessageAuth {
		return "", apperr.New(apperr.KindAuthenticationRequired, "first frame must authenticate")
	}
	return string(payload), nil
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, log logr.Logger) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		select {
		case <-client.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.V(1).Info("connection read failed", "error", err.Error())
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout)); err != nil {
			return
		}
		if err := s.coordinator.HandleFrame(ctx, client, frame); err != nil {
			log.V(1).Info("closing connection", "reason", err.Error())
			s.closeWith(conn, websocket.ClosePolicyViolation, apperrMessage(err))
			return
		}
	}
}

// writeLoop drains the client's bounded outbound queue onto the
// socket and keeps the connection alive with pings.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, log logr.Logger) {
	pings := time.NewTicker(s.cfg.PingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			if reason := client.CloseReason(); reason != "" {
				s.closeWith(conn, websocket.ClosePolicyViolation, reason)
			}
			_ = conn.Close()
			return
		case frame := <-client.Outbound():
			if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.V(1).Info("write failed", "error", err.Error())
				client.shutdown("")
				return
			}
		case <-pings.C:
			if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.shutdown("")
				return
			}
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// joinCloseCode maps a join failure to a websocket close code.
func joinCloseCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuthenticationRequired, apperr.KindInvalidCredentials:
		return websocket.ClosePolicyViolation
	case apperr.KindPermissionDenied:
		return websocket.ClosePolicyViolation
	case apperr.KindInvalidPath, apperr.KindNotFound:
		return websocket.CloseUnsupportedData
	default:
		return websocket.CloseInternalServerErr
	}
}

// apperrMessage extracts the client-safe message from a kinded error.
func apperrMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
