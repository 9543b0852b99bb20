package presence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("presence: invalid room id")
	// ErrInvalidParticipantID indicates that a participant identifier is empty or exceeds storage bounds.
	ErrInvalidParticipantID = errors.New("presence: invalid participant id")
)

// RoomID identifies a room whose members share presence.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying identifier.
func (id RoomID) String() string {
	return string(id)
}

// ParticipantID identifies a logical participant that may hold several connections.
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

// Transition describes the effect of a connect or disconnect on a participant's presence.
type Transition struct {
	Room        RoomID
	Participant ParticipantID
	Connections int
	Online      bool
	Offline     bool
}

// Changed reports whether the participant crossed the online/offline boundary.
func (t Transition) Changed() bool {
	return t.Online || t.Offline
}

// Observer receives presence transitions while the registry lock is held.
// Implementations must not block and must not call back into the registry.
type Observer func(Transition)

// RegistryConfig describes the optional collaborators of a Registry.
type RegistryConfig struct {
	Observer Observer
	Logger   *zap.Logger
}

// Registry counts live connections per (room, participant).
// A participant is online in a room while its count is positive; zero counts are never stored.
type Registry struct {
	mu       sync.Mutex
	rooms    map[RoomID]map[ParticipantID]int
	observer Observer
	logger   *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:    make(map[RoomID]map[ParticipantID]int),
		observer: cfg.Observer,
		logger:   logger,
	}
}

// Connect records a new physical connection and reports whether the participant came online.
func (r *Registry) Connect(room RoomID, participant ParticipantID) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	participants, ok := r.rooms[room]
	if !ok {
		participants = make(map[ParticipantID]int)
		r.rooms[room] = participants
	}
	participants[participant]++
	count := participants[participant]

	transition := Transition{
		Room:        room,
		Participant: participant,
		Connections: count,
		Online:      count == 1,
	}
	r.notify(transition)
	return transition
}

// Disconnect releases a physical connection and reports whether the participant went offline.
// Releasing a connection that was never recorded is a no-op.
func (r *Registry) Disconnect(room RoomID, participant ParticipantID) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	transition := Transition{Room: room, Participant: participant}
	participants, ok := r.rooms[room]
	if !ok {
		r.logger.Debug("presence disconnect without entry",
			zap.String("room_id", room.String()),
			zap.String("participant_id", participant.String()))
		return transition
	}
	count, ok := participants[participant]
	if !ok {
		r.logger.Debug("presence disconnect without entry",
			zap.String("room_id", room.String()),
			zap.String("participant_id", participant.String()))
		return transition
	}

	count--
	if count <= 0 {
		delete(participants, participant)
		if len(participants) == 0 {
			delete(r.rooms, room)
		}
		transition.Offline = true
	} else {
		participants[participant] = count
		transition.Connections = count
	}
	r.notify(transition)
	return transition
}

// IsOnline reports whether the participant holds at least one connection in the room.
func (r *Registry) IsOnline(room RoomID, participant ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room][participant]
	return ok
}

// ListOnline returns the online participants of a room in ascending order.
func (r *Registry) ListOnline(room RoomID) []ParticipantID {
	r.mu.Lock()
	participants := r.rooms[room]
	online := make([]ParticipantID, 0, len(participants))
	for participant := range participants {
		online = append(online, participant)
	}
	r.mu.Unlock()

	sort.Slice(online, func(left, right int) bool {
		return online[left] < online[right]
	})
	return online
}

// Clear drops every entry without emitting transitions.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[RoomID]map[ParticipantID]int)
}

func (r *Registry) notify(transition Transition) {
	if r.observer == nil || !transition.Changed() {
		return
	}
	r.observer(transition)
}
