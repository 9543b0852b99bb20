package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/chorus/internal/presence"
	"github.com/MarcoPoloResearchLab/chorus/internal/realtime"
	"github.com/MarcoPoloResearchLab/chorus/internal/voice"
	"github.com/gin-gonic/gin"
)

type rosterResponsePayload struct {
	realtime.RosterPayload
	Changed bool `json:"changed"`
}

func (h *httpHandler) handleVoiceJoin(c *gin.Context) {
	channelID, participantID, ok := h.voiceParams(c)
	if !ok {
		return
	}
	update, err := h.voice.Join(c.Request.Context(), channelID, participantID)
	if err != nil {
		h.writeServiceError(c, "voice_join", err)
		return
	}
	h.respondRosterUpdate(c, update)
}

func (h *httpHandler) handleVoiceLeave(c *gin.Context) {
	channelID, participantID, ok := h.voiceParams(c)
	if !ok {
		return
	}
	update, err := h.voice.Leave(c.Request.Context(), channelID, participantID)
	if err != nil {
		h.writeServiceError(c, "voice_leave", err)
		return
	}
	h.respondRosterUpdate(c, update)
}

func (h *httpHandler) handleVoiceRoster(c *gin.Context) {
	channelID, _, ok := h.voiceParams(c)
	if !ok {
		return
	}
	roster, err := h.voice.CurrentRoster(c.Request.Context(), channelID)
	if err != nil {
		h.writeServiceError(c, "voice_roster", err)
		return
	}
	c.JSON(http.StatusOK, rosterResponsePayload{RosterPayload: realtime.NewRosterPayload(roster)})
}

// Roster events are published by the tracker observer in commit order.
func (h *httpHandler) respondRosterUpdate(c *gin.Context, update voice.RosterUpdate) {
	c.JSON(http.StatusOK, rosterResponsePayload{
		RosterPayload: realtime.NewRosterPayload(update.Roster),
		Changed:       update.Changed,
	})
}

func (h *httpHandler) voiceParams(c *gin.Context) (voice.ChannelID, voice.ParticipantID, bool) {
	parsed, err := strconv.ParseInt(c.Param("channelID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, "", false
	}
	channelID, err := voice.NewChannelID(parsed)
	if err != nil {
		h.writeServiceError(c, "voice_params", err)
		return 0, "", false
	}
	participantID, err := voice.NewParticipantID(participantFromContext(c))
	if err != nil {
		h.writeServiceError(c, "voice_params", err)
		return 0, "", false
	}
	room, err := presence.NewRoomID(h.broadcaster.VoiceRoom(channelID))
	if err != nil {
		h.writeServiceError(c, "voice_params", err)
		return 0, "", false
	}
	if !h.authorizeRoom(c, room, presence.ParticipantID(participantID.String())) {
		return 0, "", false
	}
	return channelID, participantID, true
}
