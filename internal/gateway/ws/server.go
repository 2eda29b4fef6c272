// Package ws implements the WebSocket endpoint for streaming submissions.
// Each text frame carries one submission; each reply frame carries the HTTP
// status the same submission would get over POST /v1/execute, followed by
// the response body fields.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/execution"
)

// Subprotocol is negotiated when the client offers it.
const Subprotocol = "runbox.v1"

const defaultReadLimit = 1 << 20

// Frame is one reply on the socket.
type Frame struct {
	Status int `json:"status"`
	execution.Response
}

// Server upgrades connections and feeds their frames to an execution.Handler.
type Server struct {
	handler   execution.Handler
	cfg       *config.WebSocketConfig
	readLimit int64
	logger    *slog.Logger
}

// NewServer creates a WebSocket server. readLimit caps one frame; 0 = 1 MB.
func NewServer(h execution.Handler, cfg *config.WebSocketConfig, readLimit int64, logger *slog.Logger) *Server {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &Server{
		handler:   h,
		cfg:       cfg,
		readLimit: readLimit,
		logger:    logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}}
	if s.cfg != nil {
		opts.OriginPatterns = s.cfg.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")
	conn.SetReadLimit(s.readLimit)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn)

	// Frames on one connection run in order, so a client never races its
	// own session.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				s.logger.Debug("websocket client disconnected")
			} else {
				s.logger.Warn("websocket connection error", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		frame := s.handleFrame(ctx, data)
		if err := s.writeFrame(ctx, conn, frame); err != nil {
			s.logger.Warn("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, data []byte) Frame {
	sub, err := execution.ParseSubmission(data)
	if err != nil {
		return Frame{
			Status:   http.StatusBadRequest,
			Response: execution.Response{Error: execution.MsgInvalidJSON},
		}
	}
	resp, status := s.handler.HandleSubmission(ctx, sub)
	return Frame{Status: status, Response: resp}
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
