package voice

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidChannelID indicates that a channel identifier is not positive.
	ErrInvalidChannelID = errors.New("voice: invalid channel id")
	// ErrInvalidParticipantID indicates that a participant identifier is empty or exceeds storage bounds.
	ErrInvalidParticipantID = errors.New("voice: invalid participant id")
	// ErrInvalidJoinPolicy indicates an unknown join policy name.
	ErrInvalidJoinPolicy = errors.New("voice: invalid join policy")
	// ErrChannelNotFound indicates that the channel directory does not know the channel.
	ErrChannelNotFound = errors.New("voice: channel not found")
	// ErrStoreUnavailable indicates that the durable store failed.
	ErrStoreUnavailable = errors.New("voice: store unavailable")
)

// ChannelID identifies a voice channel.
type ChannelID int64

// NewChannelID validates the value and returns a ChannelID.
func NewChannelID(value int64) (ChannelID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannelID, value)
	}
	return ChannelID(value), nil
}

// Int64 returns the identifier as an int64.
func (id ChannelID) Int64() int64 {
	return int64(id)
}

// ParticipantID identifies the participant owning a voice session.
type ParticipantID string

// NewParticipantID validates raw input and returns a ParticipantID.
func NewParticipantID(rawInput string) (ParticipantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidParticipantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidParticipantID, maxIdentifierLength)
	}
	return ParticipantID(trimmed), nil
}

// String returns the underlying identifier.
func (id ParticipantID) String() string {
	return string(id)
}

// JoinPolicy decides what a join does when the participant already has an open session.
type JoinPolicy string

const (
	// JoinPolicyIdempotent keeps the existing open session and inserts nothing.
	JoinPolicyIdempotent JoinPolicy = "idempotent"
	// JoinPolicySegment always opens a new session row.
	JoinPolicySegment JoinPolicy = "segment"
)

// ParseJoinPolicy maps a configuration value onto a JoinPolicy; empty selects the idempotent policy.
func ParseJoinPolicy(rawInput string) (JoinPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(JoinPolicyIdempotent):
		return JoinPolicyIdempotent, nil
	case string(JoinPolicySegment):
		return JoinPolicySegment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidJoinPolicy, rawInput)
	}
}

// Session is a join/leave ledger row; a nil LeftAtSeconds marks an open session.
type Session struct {
	SessionID       int64  `gorm:"column:session_id;primaryKey;autoIncrement"`
	ChannelID       int64  `gorm:"column:channel_id;not null;index:idx_voice_sessions_channel_open,priority:1"`
	ParticipantID   string `gorm:"column:participant_id;size:190;not null;index:idx_voice_sessions_participant_open,priority:1"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
	LeftAtSeconds   *int64 `gorm:"column:left_at_s;index:idx_voice_sessions_channel_open,priority:2;index:idx_voice_sessions_participant_open,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "voice_sessions"
}

// RosterEntry is a participant currently in a voice channel.
type RosterEntry struct {
	ParticipantID ParticipantID
	DisplayName   string
	AvatarURL     string
	JoinedAt      time.Time
}

// Roster is the full set of participants with an open session in a channel.
type Roster struct {
	ChannelID ChannelID
	Entries   []RosterEntry
}

// Contains reports whether the participant is on the roster.
func (roster Roster) Contains(participant ParticipantID) bool {
	for _, entry := range roster.Entries {
		if entry.ParticipantID == participant {
			return true
		}
	}
	return false
}

// RosterUpdate is the outcome of a join or leave.
type RosterUpdate struct {
	Roster  Roster
	Changed bool
}
