package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/presence"
	"github.com/MarcoPoloResearchLab/chorus/internal/projects"
	"github.com/MarcoPoloResearchLab/chorus/internal/voice"
	"go.uber.org/zap"
)

const (
	projectRoomPrefix = "project:"
	channelRoomPrefix = "channel:"
)

// ProjectRoom names the room that receives commit notifications for a document.
func ProjectRoom(documentID projects.DocumentID) string {
	return fmt.Sprintf("%s%d", projectRoomPrefix, documentID.Int64())
}

// ChannelRoom names the room that receives roster updates for a voice channel.
func ChannelRoom(channelID voice.ChannelID) string {
	return fmt.Sprintf("%s%d", channelRoomPrefix, channelID.Int64())
}

// Forwarder receives every locally published event, e.g. to relay it to other instances.
type Forwarder interface {
	Forward(event Event)
}

// BroadcasterConfig describes the dependencies of a Broadcaster.
type BroadcasterConfig struct {
	Dispatcher   *Dispatcher
	Forwarder    Forwarder
	RoomForVoice func(voice.ChannelID) string
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Broadcaster turns presence, voice, message and commit results into room events.
type Broadcaster struct {
	dispatcher   *Dispatcher
	forwarder    Forwarder
	roomForVoice func(voice.ChannelID) string
	clock        func() time.Time
	logger       *zap.Logger
}

// NewBroadcaster builds a Broadcaster; a nil dispatcher gets a default one.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(defaultBufferSize)
	}
	roomForVoice := cfg.RoomForVoice
	if roomForVoice == nil {
		roomForVoice = ChannelRoom
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		dispatcher:   dispatcher,
		forwarder:    cfg.Forwarder,
		roomForVoice: roomForVoice,
		clock:        clock,
		logger:       logger,
	}
}

// Dispatcher exposes the local fan-out used by socket subscribers.
func (b *Broadcaster) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// PresencePayload is the body of presence.online and presence.offline.
type PresencePayload struct {
	ParticipantID string `json:"participant_id"`
}

// RosterParticipant is one entry of a voice.roster body.
type RosterParticipant struct {
	ParticipantID   string `json:"participant_id"`
	DisplayName     string `json:"display_name,omitempty"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	JoinedAtSeconds int64  `json:"joined_at_s"`
}

// RosterPayload is the body of voice.roster; it always carries the full roster.
type RosterPayload struct {
	ChannelID    int64               `json:"channel_id"`
	Participants []RosterParticipant `json:"participants"`
}

// Message is a chat message already persisted by the message service.
type Message struct {
	MessageID string
	AuthorID  string
	Body      string
}

// MessagePayload is the body of message.created.
type MessagePayload struct {
	MessageID        string `json:"message_id"`
	AuthorID         string `json:"author_id"`
	Body             string `json:"body"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

// CommitPayload is the body of project.committed.
type CommitPayload struct {
	DocumentID   int64 `json:"document_id"`
	FirstVersion int64 `json:"first_version"`
	NewVersion   int64 `json:"new_version"`
}

// PresenceChanged publishes the online/offline event for a transition. It matches
// presence.Observer and therefore runs under the registry lock; it never blocks.
func (b *Broadcaster) PresenceChanged(transition presence.Transition) {
	var eventType EventType
	switch {
	case transition.Online:
		eventType = EventPresenceOnline
	case transition.Offline:
		eventType = EventPresenceOffline
	default:
		return
	}
	b.publish(transition.Room.String(), eventType, PresencePayload{
		ParticipantID: transition.Participant.String(),
	}, b.clock())
}

// RosterChanged publishes the full roster of a voice channel.
// VoiceRoom names the room that carries a channel's roster events.
func (b *Broadcaster) VoiceRoom(channelID voice.ChannelID) string {
	return b.roomForVoice(channelID)
}

func (b *Broadcaster) RosterChanged(roster voice.Roster) {
	b.publish(b.roomForVoice(roster.ChannelID), EventVoiceRoster, NewRosterPayload(roster), b.clock())
}

// MessageCreated publishes a persisted message; the timestamp is assigned here.
func (b *Broadcaster) MessageCreated(room presence.RoomID, message Message) (MessagePayload, error) {
	messageID := strings.TrimSpace(message.MessageID)
	if messageID == "" {
		return MessagePayload{}, fmt.Errorf("realtime: message id required")
	}
	createdAt := b.clock().UTC()
	payload := MessagePayload{
		MessageID:        messageID,
		AuthorID:         message.AuthorID,
		Body:             message.Body,
		CreatedAtSeconds: createdAt.Unix(),
	}
	b.publish(room.String(), EventMessageCreated, payload, createdAt)
	return payload, nil
}

// DocumentCommitted publishes the version range of a non-empty submission.
func (b *Broadcaster) DocumentCommitted(result projects.SubmitResult) {
	if result.AppliedCount == 0 {
		return
	}
	b.publish(ProjectRoom(result.DocumentID), EventProjectCommitted, CommitPayload{
		DocumentID:   result.DocumentID.Int64(),
		FirstVersion: result.FirstVersion.Int64(),
		NewVersion:   result.NewVersion.Int64(),
	}, result.CommittedAt)
}

// NewRosterPayload converts a roster into its wire body.
func NewRosterPayload(roster voice.Roster) RosterPayload {
	participants := make([]RosterParticipant, 0, len(roster.Entries))
	for _, entry := range roster.Entries {
		participants = append(participants, RosterParticipant{
			ParticipantID:   entry.ParticipantID.String(),
			DisplayName:     entry.DisplayName,
			AvatarURL:       entry.AvatarURL,
			JoinedAtSeconds: entry.JoinedAt.Unix(),
		})
	}
	return RosterPayload{ChannelID: roster.ChannelID.Int64(), Participants: participants}
}

func (b *Broadcaster) publish(room string, eventType EventType, body any, timestamp time.Time) {
	encoded, err := json.Marshal(body)
	if err != nil {
		b.logger.Error("failed to encode realtime event",
			zap.String("room", room),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return
	}
	event := Event{
		Room:      room,
		Type:      eventType,
		Payload:   encoded,
		Timestamp: timestamp.UTC(),
	}
	b.dispatcher.Publish(event)
	if b.forwarder != nil {
		b.forwarder.Forward(event)
	}
}
