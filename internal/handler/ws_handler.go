package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/kiosk"
	"github.com/stemsi/exstem-agent/internal/middleware"
	"github.com/stemsi/exstem-agent/internal/proctor"
	"github.com/stemsi/exstem-agent/internal/response"
	"github.com/stemsi/exstem-agent/internal/validator"
	ws "github.com/stemsi/exstem-agent/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams engine events to the kiosk and feeds its environment
// signals to the proctoring monitor.
type WSHandler struct {
	engine   *engine.Engine
	env      *kiosk.Environment
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(e *engine.Engine, env *kiosk.Environment, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		engine:   e,
		env:      env,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/session/stream
// Kiosk → agent: hello, signal, ping. Agent → kiosk: ready, prevent, release,
// pong and every engine event.
func (h *WSHandler) SessionStream(c *gin.Context) {
	if middleware.GetClaims(c) == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().Str("submission_id", h.engine.SubmissionID()).Logger()
	wsLog.Info().Msg("Kiosk connected")

	events, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()
	done := make(chan struct{})
	defer close(done)
	go h.forward(conn, events, done, wsLog)

	h.env.OnRelease(func() {
		_ = conn.WriteTyped(ws.ReleaseResponse{Event: ws.EventRelease})
	})

	for {
		data, err := conn.ReadRaw()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var envelope ws.RequestEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			conn.WriteError("malformed message")
			continue
		}

		switch envelope.Action {
		case ws.ActionHello:
			h.handleHello(conn, data)
		case ws.ActionSignal:
			h.handleSignal(conn, data)
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(envelope.Action)).Msg("Unknown action")
			conn.WriteError("unknown action: " + string(envelope.Action))
		}
	}
}

func (h *WSHandler) forward(conn *ws.Conn, events <-chan engine.Event, done <-chan struct{}, log zerolog.Logger) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteTyped(ev); err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				return
			}
		}
	}
}

func (h *WSHandler) handleHello(conn *ws.Conn, data []byte) {
	var req ws.HelloRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.WriteError("invalid hello")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		conn.WriteError("invalid hello")
		return
	}
	h.env.Hello(kiosk.Grants{Capture: req.Capture, Fullscreen: req.Fullscreen, Reason: req.Reason})

	view := h.engine.View()
	conn.WriteTyped(ws.ReadyResponse{
		Event:        ws.EventReady,
		SubmissionID: view.SubmissionID,
		Status:       string(view.Status),
		Remaining:    view.RemainingSeconds,
	})
}

func (h *WSHandler) handleSignal(conn *ws.Conn, data []byte) {
	var req ws.SignalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.WriteError("invalid signal")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		conn.WriteError("invalid signal")
		return
	}

	sig := proctor.Signal{
		Source: proctor.Source(req.Source),
		Kind:   proctor.SignalKind(req.Kind),
		At:     time.Now(),
		Key:    req.Key,
		Ctrl:   req.Ctrl,
		Meta:   req.Meta,
		Shift:  req.Shift,
		Alt:    req.Alt,
	}
	if h.env.Dispatch(sig) {
		conn.WriteTyped(ws.PreventResponse{Event: ws.EventPrevent, Seq: req.Seq})
	}
}
