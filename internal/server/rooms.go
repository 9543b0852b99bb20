package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/presence"
	"github.com/MarcoPoloResearchLab/chorus/internal/realtime"
	"github.com/MarcoPoloResearchLab/chorus/internal/voice"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait      = 10 * time.Second
	socketPongWait       = 60 * time.Second
	socketPingPeriod     = (socketPongWait * 9) / 10
	socketMaxMessageSize = 4096
	socketTeardownWait   = 5 * time.Second
)

type presenceResponsePayload struct {
	RoomID       string   `json:"room_id"`
	Participants []string `json:"participants"`
}

type announceRequestPayload struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if allowsAnyOrigin(allowedOrigins) {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return upgrader
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return upgrader
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	room, _, ok := h.roomParams(c)
	if !ok {
		return
	}
	online := h.presence.ListOnline(room)
	participants := make([]string, 0, len(online))
	for _, participant := range online {
		participants = append(participants, participant.String())
	}
	c.JSON(http.StatusOK, presenceResponsePayload{RoomID: room.String(), Participants: participants})
}

func (h *httpHandler) handleAnnounceMessage(c *gin.Context) {
	room, participant, ok := h.roomParams(c)
	if !ok {
		return
	}
	var request announceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	payload, err := h.broadcaster.MessageCreated(room, realtime.Message{
		MessageID: request.MessageID,
		AuthorID:  participant.String(),
		Body:      request.Body,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusAccepted, payload)
}

func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	room, participant, ok := h.roomParams(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("room_id", room.String()), zap.Error(err))
		return
	}
	h.serveSocket(conn, room, participant)
}

// serveSocket holds one presence connection for the lifetime of the socket and
// streams the room's events to it.
func (h *httpHandler) serveSocket(conn *websocket.Conn, room presence.RoomID, participant presence.ParticipantID) {
	logger := h.logger.With(
		zap.String("connection_id", newConnectionID()),
		zap.String("room_id", room.String()),
		zap.String("participant_id", participant.String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := h.broadcaster.Dispatcher().Subscribe(ctx, room.String())
	defer unsubscribe()

	h.presence.Connect(room, participant)
	logger.Debug("room socket opened")

	writerDone := make(chan struct{})
	go h.writeSocket(ctx, conn, stream, writerDone, logger)
	readErr := readSocket(conn)
	cancel()
	<-writerDone
	_ = conn.Close()

	h.teardownSocket(room, participant, readErr, logger)
}

func readSocket(conn *websocket.Conn) error {
	conn.SetReadLimit(socketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	}
}

func (h *httpHandler) writeSocket(ctx context.Context, conn *websocket.Conn, stream <-chan realtime.Event, done chan<- struct{}, logger *zap.Logger) {
	defer close(done)
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(socketWriteWait))
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("room socket write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// teardownSocket releases the presence connection. Voice sessions are force-closed
// only when the socket dropped without a close handshake; the tracker observer
// publishes the resulting rosters.
func (h *httpHandler) teardownSocket(room presence.RoomID, participant presence.ParticipantID, readErr error, logger *zap.Logger) {
	graceful := websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	transition := h.presence.Disconnect(room, participant)
	logger.Debug("room socket closed",
		zap.Bool("graceful", graceful),
		zap.Bool("offline", transition.Offline))
	if graceful {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), socketTeardownWait)
	defer cancel()
	if _, err := h.voice.CloseParticipantSessions(ctx, voice.ParticipantID(participant.String())); err != nil {
		logger.Error("failed to close voice sessions", zap.Error(err))
	}
}

func (h *httpHandler) roomParams(c *gin.Context) (presence.RoomID, presence.ParticipantID, bool) {
	room, err := presence.NewRoomID(c.Param("roomID"))
	if err != nil {
		h.writeServiceError(c, "room_params", err)
		return "", "", false
	}
	participant, err := presence.NewParticipantID(participantFromContext(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	if !h.authorizeRoom(c, room, participant) {
		return "", "", false
	}
	return room, participant, true
}

// authorizeRoom writes 403 or 503 and returns false when the participant may not use the room.
func (h *httpHandler) authorizeRoom(c *gin.Context, room presence.RoomID, participant presence.ParticipantID) bool {
	allowed, err := h.rooms.AuthorizeRoom(c.Request.Context(), room, participant)
	if err != nil {
		h.logger.Error("room authorization failed", zap.String("room_id", room.String()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authorization_unavailable"})
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

func newConnectionID() string {
	identifier, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return identifier.String()
}
