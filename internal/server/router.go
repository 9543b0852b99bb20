package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/auth"
	"github.com/MarcoPoloResearchLab/chorus/internal/presence"
	"github.com/MarcoPoloResearchLab/chorus/internal/projects"
	"github.com/MarcoPoloResearchLab/chorus/internal/realtime"
	"github.com/MarcoPoloResearchLab/chorus/internal/voice"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const participantIDContextKey = "chorus_participant_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProjects         = errors.New("projects coordinator dependency required")
	errMissingPresence         = errors.New("presence registry dependency required")
	errMissingVoice            = errors.New("voice tracker dependency required")
	errMissingBroadcaster      = errors.New("broadcaster dependency required")
)

// SessionValidator authenticates a request from its session cookie or bearer token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ParticipantResolver maps verified session claims onto a participant id.
type ParticipantResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// RoomAuthorizer decides whether a participant may observe or join a room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, room presence.RoomID, participant presence.ParticipantID) (bool, error)
}

// AllowAllRooms admits every verified participant to every room.
type AllowAllRooms struct{}

func (AllowAllRooms) AuthorizeRoom(context.Context, presence.RoomID, presence.ParticipantID) (bool, error) {
	return true, nil
}

type Dependencies struct {
	Sessions       SessionValidator
	Participants   ParticipantResolver
	Rooms          RoomAuthorizer
	Projects       *projects.Coordinator
	Presence       *presence.Registry
	Voice          *voice.Tracker
	Broadcaster    *realtime.Broadcaster
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Projects == nil {
		return nil, errMissingProjects
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Voice == nil {
		return nil, errMissingVoice
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rooms := deps.Rooms
	if rooms == nil {
		rooms = AllowAllRooms{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		participants: deps.Participants,
		rooms:        rooms,
		projects:     deps.Projects,
		presence:     deps.Presence,
		voice:        deps.Voice,
		broadcaster:  deps.Broadcaster,
		upgrader:     newUpgrader(deps.AllowedOrigins),
		logger:       logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/projects/:documentID/snapshot", handler.handleGetSnapshot)
	protected.GET("/projects/:documentID/operations", handler.handleGetOperations)
	protected.POST("/projects/:documentID/operations", handler.handleSubmitOperations)
	protected.GET("/rooms/:roomID/presence", handler.handleListPresence)
	protected.GET("/rooms/:roomID/socket", handler.handleRoomSocket)
	protected.POST("/rooms/:roomID/messages/announce", handler.handleAnnounceMessage)
	protected.POST("/voice/:channelID/join", handler.handleVoiceJoin)
	protected.POST("/voice/:channelID/leave", handler.handleVoiceLeave)
	protected.GET("/voice/:channelID/roster", handler.handleVoiceRoster)

	return router, nil
}

type httpHandler struct {
	sessions     SessionValidator
	participants ParticipantResolver
	rooms        RoomAuthorizer
	projects     *projects.Coordinator
	presence     *presence.Registry
	voice        *voice.Tracker
	broadcaster  *realtime.Broadcaster
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	participantID := claims.UserID
	if h.participants != nil {
		participantID, err = h.participants.ResolveCanonicalUserID(c.Request.Context(), claims)
		if err != nil {
			h.logger.Warn("participant resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}
	if participantID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(participantIDContextKey, participantID)
	c.Next()
}

// writeServiceError maps a domain error onto an HTTP status and a stable error name.
func (h *httpHandler) writeServiceError(c *gin.Context, operation string, err error) {
	body := gin.H{}
	var serviceErr *projects.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}

	if conflict, ok := projects.AsConflict(err); ok {
		body["error"] = "version_conflict"
		body["current_version"] = conflict.CurrentVersion.Int64()
		c.JSON(http.StatusConflict, body)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, projects.ErrDocumentNotFound):
		status, body["error"] = http.StatusNotFound, "document_not_found"
	case errors.Is(err, voice.ErrChannelNotFound):
		status, body["error"] = http.StatusNotFound, "channel_not_found"
	case errors.Is(err, projects.ErrInvalidOperation):
		status, body["error"] = http.StatusBadRequest, "invalid_operation"
	case errors.Is(err, projects.ErrInvalidDocumentID),
		errors.Is(err, projects.ErrInvalidVersion),
		errors.Is(err, voice.ErrInvalidChannelID),
		errors.Is(err, voice.ErrInvalidParticipantID),
		errors.Is(err, presence.ErrInvalidRoomID):
		status, body["error"] = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, projects.ErrStoreUnavailable),
		errors.Is(err, voice.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		status, body["error"] = http.StatusServiceUnavailable, "store_unavailable"
	default:
		body["error"] = "internal_error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.JSON(status, body)
}

func participantFromContext(c *gin.Context) string {
	return c.GetString(participantIDContextKey)
}
