package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowboard/flowboard/internal/v1/activity"
	"github.com/flowboard/flowboard/internal/v1/auth"
	"github.com/flowboard/flowboard/internal/v1/board"
	"github.com/flowboard/flowboard/internal/v1/config"
	"github.com/flowboard/flowboard/internal/v1/conflict"
	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/metrics"
	"github.com/flowboard/flowboard/internal/v1/ratelimit"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// Hub accepts WebSocket connections and tracks who is online. Every session
// is auto-joined to the board room and its user's direct room; presence
// changes fan out as users.updated.
type Hub struct {
	router      types.Router
	boards      *board.Service
	conflicts   *conflict.Controller
	recorder    *activity.Recorder
	dispatcher  *board.Dispatcher
	validator   types.TokenValidator
	rateLimiter *ratelimit.RateLimiter
	cfg         *config.Config

	mu       sync.Mutex
	sessions map[types.SessionIDType]*Session
	presence map[types.UserIDType]*presenceEntry
}

type presenceEntry struct {
	DisplayName string
	Connections int
}

// PresenceUser is one entry in a users.updated payload.
type PresenceUser struct {
	UserID      types.UserIDType `json:"userId"`
	DisplayName string           `json:"displayName"`
	Connections int              `json:"connections"`
}

// NewHub wires the gateway.
func NewHub(router types.Router, boards *board.Service, conflicts *conflict.Controller, recorder *activity.Recorder, validator types.TokenValidator, rateLimiter *ratelimit.RateLimiter, cfg *config.Config) *Hub {
	return &Hub{
		router:      router,
		boards:      boards,
		conflicts:   conflicts,
		recorder:    recorder,
		dispatcher:  board.NewDispatcher(router),
		validator:   validator,
		rateLimiter: rateLimiter,
		cfg:         cfg,
		sessions:    make(map[types.SessionIDType]*Session),
		presence:    make(map[types.UserIDType]*presenceEntry),
	}
}

// ServeWs authenticates the request and upgrades to a WebSocket connection.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	token, fromHeader := extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "Token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, allowedOrigins, fromHeader)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection registers a new session over an established connection and
// starts its pumps. Split from ServeWs so tests can drive it with a fake
// connection.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	session := &Session{
		conn:        conn,
		hub:         h,
		id:          types.SessionIDType(uuid.New().String()),
		userID:      types.UserIDType(claims.Subject),
		displayName: displayNameFromClaims(claims),
		send:        make(chan []byte, h.cfg.OutboundQueueDepth),
	}

	h.mu.Lock()
	h.sessions[session.id] = session
	entry, ok := h.presence[session.userID]
	if !ok {
		entry = &presenceEntry{DisplayName: session.displayName}
		h.presence[session.userID] = entry
	}
	entry.Connections++
	first := entry.Connections == 1
	h.mu.Unlock()

	metrics.IncConnection()

	h.router.Join(session, types.RoomBoard)
	h.router.Join(session, types.UserRoom(session.userID))

	logging.Info(c.Request.Context(), "Session connected",
		zap.String("session_id", string(session.id)),
		zap.String("user_id", string(session.userID)),
	)

	if first && h.recorder != nil {
		h.recorder.Record(context.Background(), &types.ActivityRecord{
			Action:    activity.ActionLogin,
			Actor:     session.userID,
			Category:  types.CategoryUser,
			Severity:  types.SeverityLow,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
	}
	h.broadcastPresence()

	go session.writePump()
	go session.readPump()
}

// handleDisconnect tears the session down: leaves every room, releases the
// user's advisory edit locks, and updates presence. Called exactly once from
// the readPump's exit path.
func (h *Hub) handleDisconnect(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	last := false
	if entry, ok := h.presence[s.userID]; ok {
		entry.Connections--
		if entry.Connections <= 0 {
			delete(h.presence, s.userID)
			last = true
		}
	}
	h.mu.Unlock()

	h.router.DropSession(s.id)
	s.Close("connection closed")

	if last {
		// The user is fully offline; their advisory edit locks evaporate.
		for _, taskID := range h.conflicts.ClearEditor(s.userID) {
			frame := types.EncodeFrame(types.FrameEditEnded, "", EditEndedData{
				TaskID:   taskID,
				EditorID: s.userID,
				Reason:   "disconnected",
			})
			h.router.Broadcast(types.TaskRoom(taskID), frame, "")
			h.router.Broadcast(types.RoomBoard, frame, "")
		}
		if h.recorder != nil {
			h.recorder.Record(context.Background(), &types.ActivityRecord{
				Action:   activity.ActionLogout,
				Actor:    s.userID,
				Category: types.CategoryUser,
				Severity: types.SeverityLow,
			})
		}
	}

	logging.Info(context.Background(), "Session disconnected",
		zap.String("session_id", string(s.id)),
		zap.String("user_id", string(s.userID)),
	)
	h.broadcastPresence()
}

// broadcastPresence sends the current online-user list to the board room.
func (h *Hub) broadcastPresence() {
	h.mu.Lock()
	users := make([]PresenceUser, 0, len(h.presence))
	for id, entry := range h.presence {
		users = append(users, PresenceUser{
			UserID:      id,
			DisplayName: entry.DisplayName,
			Connections: entry.Connections,
		})
	}
	h.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	frame := types.EncodeFrame(types.FrameUsersUpdated, "", gin.H{"users": users})
	h.router.Broadcast(types.RoomBoard, frame, "")
}

// OnlineUsers returns the current presence snapshot.
func (h *Hub) OnlineUsers() []PresenceUser {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]PresenceUser, 0, len(h.presence))
	for id, entry := range h.presence {
		users = append(users, PresenceUser{
			UserID:      id,
			DisplayName: entry.DisplayName,
			Connections: entry.Connections,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Shutdown closes every live session gracefully and flushes pending activity
// writes.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down gateway - closing all sessions...")

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close("Server shutting down")
	}
	logging.Info(ctx, "All sessions closed", zap.Int("count", len(sessions)))

	if h.recorder != nil {
		h.recorder.Flush()
	}
	return nil
}

// extractToken pulls the JWT from the Sec-WebSocket-Protocol header (the
// browser-friendly channel) or the token query parameter.
func extractToken(c *gin.Context) (token string, fromHeader bool) {
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "" || p == "access_token" {
				continue
			}
			return p, true
		}
	}
	return c.Query("token"), false
}

// validateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header are allowed (non-browser clients).
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

func (h *Hub) upgradeWebSocket(c *gin.Context, allowedOrigins []string, tokenFromHeader bool) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if tokenFromHeader {
		responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

func displayNameFromClaims(claims *auth.CustomClaims) string {
	if claims.Name != "" {
		return claims.Name
	}
	if claims.Email != "" {
		if at := strings.IndexByte(claims.Email, '@'); at > 0 {
			return claims.Email[:at]
		}
	}
	return claims.Subject
}
