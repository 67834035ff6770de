package websocket

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/auth"
	"chatrelay/internal/gateway"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ratelimit"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// RoomRouter is the membership API the handler drives
type RoomRouter interface {
	Join(ctx context.Context, connID, userID, room string) error
	Leave(connID, room string)
	LeaveAll(connID string)
}

// MessageSender runs the send pipeline for inbound messages
type MessageSender interface {
	SendUserMessage(ctx context.Context, req gateway.SendRequest) (*gateway.SendResult, error)
}

// UserLookup loads accounts for per-user rate limits
type UserLookup interface {
	EnsureUser(ctx context.Context, userID string) (*types.User, error)
}

// HandlerDeps collects the handler's collaborators
type HandlerDeps struct {
	Registry      *Registry
	Rooms         RoomRouter
	Gateway       MessageSender
	Authenticator interfaces.Authenticator
	Limiter       *ratelimit.Limiter
	Policies      ratelimit.Policies
	Users         UserLookup
}

// Handler upgrades authenticated requests and runs the per-connection read
// loop. Nothing is registered or joined before authentication succeeds.
type Handler struct {
	HandlerDeps
	cfg      Config
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a websocket handler
func NewHandler(deps HandlerDeps, cfg Config, log zerolog.Logger) *Handler {
	if cfg.Validate() != nil {
		defaults := DefaultConfig()
		defaults.AllowedOrigins = cfg.AllowedOrigins
		cfg = defaults
	}
	h := &Handler{
		HandlerDeps: deps,
		cfg:         cfg,
		validate:    validator.New(),
		log:         log.With().Str("component", "ws_handler").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates, upgrades and registers a connection
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := ratelimit.Subject{Addr: ClientAddr(r)}

	if err := h.Limiter.Blocked(ctx, h.Policies.Auth, subject); err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rate_limited").Inc()
		writeHTTPError(w, err)
		return
	}

	userID, err := h.Authenticator.Authenticate(ctx, auth.CredentialFromRequest(r))
	if err != nil {
		if apperr.Is(err, apperr.CodeUnauthenticated) {
			auth.RecordFailure("ws")
			if limitErr := h.Limiter.Enforce(ctx, h.Policies.Auth, subject); limitErr != nil {
				err = limitErr
			}
		}
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		h.log.Debug().Err(err).Str("addr", subject.Addr).Msg("Websocket handshake rejected")
		writeHTTPError(w, err)
		return
	}

	var responseHeader http.Header
	if proto := auth.SubprotocolToken(r); proto != "" {
		responseHeader = http.Header{}
		responseHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	ws, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(uuid.NewString(), userID, ws, h.cfg, h.log)
	if err := h.Registry.Add(userID, conn); err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		h.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to register connection")
		_ = conn.Close()
		return
	}

	if err := h.Rooms.Join(ctx, conn.ID(), userID, types.UserRoom(userID)); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to join user room")
		h.Registry.Remove(userID, conn.ID())
		_ = conn.Close()
		return
	}

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	h.log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("Connection established")

	_ = conn.Send(types.NewEvent(types.EventConnected, ConnectedPayload{ConnectionID: conn.ID(), UserID: userID}))

	go h.handleConnection(conn, subject.Addr)
}

// handleConnection runs the heartbeat and the read loop until the client
// goes away, then releases every room and registry entry.
func (h *Handler) handleConnection(conn *Connection, addr string) {
	defer func() {
		h.Rooms.LeaveAll(conn.ID())
		h.Registry.Remove(conn.UserID(), conn.ID())
		_ = conn.Close()
		h.log.Info().Str("user_id", conn.UserID()).Str("conn_id", conn.ID()).Msg("Connection closed")
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.ReadLimit)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	go func() {
		ticker := time.NewTicker(h.cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Unexpected close")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, addr, data)
	}
}

// handleFrame processes one inbound frame within the configured frame
// timeout. Frames from one connection are handled in arrival order.
func (h *Handler) handleFrame(conn *Connection, addr string, data []byte) {
	frame, err := decodeFrame(h.validate, data)
	if err != nil {
		h.sendError(conn, frame.RequestID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.FrameTimeout)
	defer cancel()

	switch frame.Type {
	case FrameJoinConversation:
		if err := h.Rooms.Join(ctx, conn.ID(), conn.UserID(), types.ConversationRoom(frame.ConversationID)); err != nil {
			h.sendError(conn, frame.RequestID, err)
			return
		}
		h.reply(conn, types.EventJoinedConversation, RoomPayload{ConversationID: frame.ConversationID}, frame.RequestID)

	case FrameLeaveConversation:
		h.Rooms.Leave(conn.ID(), types.ConversationRoom(frame.ConversationID))
		h.reply(conn, types.EventLeftConversation, RoomPayload{ConversationID: frame.ConversationID}, frame.RequestID)

	case FrameSendMessage:
		if err := h.enforceMessageLimit(ctx, conn.UserID(), addr); err != nil {
			h.sendError(conn, frame.RequestID, err)
			return
		}
		_, err := h.Gateway.SendUserMessage(ctx, gateway.SendRequest{
			UserID:         conn.UserID(),
			ConversationID: frame.ConversationID,
			Content:        frame.Content,
			RequestID:      frame.RequestID,
		})
		if err != nil {
			h.sendError(conn, frame.RequestID, err)
		}

	case FramePing:
		h.reply(conn, types.EventPong, nil, frame.RequestID)
	}
}

func (h *Handler) enforceMessageLimit(ctx context.Context, userID, addr string) error {
	policy := h.Policies.Message()
	subject := ratelimit.Subject{Addr: addr}
	if policy.NeedsUser() && h.Users != nil {
		user, err := h.Users.EnsureUser(ctx, userID)
		if err != nil {
			return apperr.Persistence("load user", err)
		}
		subject.User = user
	}
	return h.Limiter.Enforce(ctx, policy, subject)
}

func (h *Handler) reply(conn *Connection, eventType string, data interface{}, requestID string) {
	event := types.NewEvent(eventType, data)
	event.RequestID = requestID
	if err := conn.Send(event); err != nil && err != ErrConnectionClosed {
		h.log.Warn().Err(err).Str("conn_id", conn.ID()).Str("event", eventType).Msg("Failed to send reply")
	}
}

func (h *Handler) sendError(conn *Connection, requestID string, err error) {
	if apperr.CodeOf(err) == apperr.CodeInternal || apperr.CodeOf(err) == apperr.CodeUnknown {
		h.log.Error().Err(err).Str("conn_id", conn.ID()).Msg("Frame failed")
	}
	h.reply(conn, types.EventError, apperr.BodyOf(err), requestID)
}

// ClientAddr returns the remote host without its port
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeHTTPError(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok && appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apperr.BodyOf(err).RetryAfterSeconds))
	}
	http.Error(w, apperr.PublicMessage(err), apperr.HTTPStatus(err))
}
