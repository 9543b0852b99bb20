package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/keyedlock"
	"github.com/MarcoPoloResearchLab/chorus/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	queryOpenPair        = "channel_id = ? AND participant_id = ? AND left_at_s IS NULL"
	queryOpenChannel     = "channel_id = ? AND left_at_s IS NULL"
	queryOpenParticipant = "participant_id = ? AND left_at_s IS NULL"
	queryOpen            = "left_at_s IS NULL"
	orderJoined          = "joined_at_s ASC, session_id ASC"
	closeExpression      = "CASE WHEN joined_at_s > ? THEN joined_at_s ELSE ? END"
)

// ChannelDirectory answers whether a voice channel exists.
type ChannelDirectory interface {
	ChannelExists(ctx context.Context, channelID ChannelID) (bool, error)
}

// RosterObserver receives the roster of a channel after a change. It runs while
// the channel is locked, so calls for one channel arrive in commit order.
type RosterObserver func(Roster)

// TrackerConfig describes the dependencies of a Tracker.
type TrackerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Policy   JoinPolicy
	Channels ChannelDirectory
	Observer RosterObserver
	Logger   *zap.Logger
}

// Tracker keeps the append-only voice session ledger and derives channel rosters from it.
// Changes to one channel are serialized within the process.
type Tracker struct {
	db           *gorm.DB
	clock        func() time.Time
	policy       JoinPolicy
	channels     ChannelDirectory
	observer     RosterObserver
	channelLocks *keyedlock.Locker[ChannelID]
	logger       *zap.Logger
}

// NewTracker validates the configuration and returns a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("voice: database connection required")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = JoinPolicyIdempotent
	}
	if _, err := ParseJoinPolicy(string(policy)); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:           cfg.Database,
		clock:        clock,
		policy:       policy,
		channels:     cfg.Channels,
		observer:     cfg.Observer,
		channelLocks: keyedlock.New[ChannelID](),
		logger:       logger,
	}, nil
}

// Policy returns the configured join policy.
func (t *Tracker) Policy() JoinPolicy {
	return t.policy
}

// Join opens a session for the participant. Under JoinPolicyIdempotent an
// existing open session is kept and the roster is reported unchanged.
func (t *Tracker) Join(ctx context.Context, channelID ChannelID, participantID ParticipantID) (RosterUpdate, error) {
	if err := t.requireChannel(ctx, channelID); err != nil {
		return RosterUpdate{}, err
	}
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	changed := false
	err := t.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if t.policy == JoinPolicyIdempotent {
			var open int64
			if err := transaction.Model(&Session{}).
				Where(queryOpenPair, channelID.Int64(), participantID.String()).
				Count(&open).Error; err != nil {
				return err
			}
			if open > 0 {
				return nil
			}
		}
		session := Session{
			ChannelID:       channelID.Int64(),
			ParticipantID:   participantID.String(),
			JoinedAtSeconds: t.clock().UTC().Unix(),
		}
		if err := transaction.Create(&session).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return RosterUpdate{}, t.storeError("join", err, channelID, participantID)
	}
	return t.rosterUpdate(ctx, channelID, changed)
}

// Leave closes every open session of the participant in the channel.
// Leaving a channel the participant is not in is a no-op.
func (t *Tracker) Leave(ctx context.Context, channelID ChannelID, participantID ParticipantID) (RosterUpdate, error) {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()
	return t.closePair(ctx, "leave", channelID, participantID)
}

// CurrentRoster lists the participants with an open session in the channel, earliest join first.
func (t *Tracker) CurrentRoster(ctx context.Context, channelID ChannelID) (Roster, error) {
	if err := t.requireChannel(ctx, channelID); err != nil {
		return Roster{}, err
	}
	return t.loadRoster(ctx, channelID)
}

// CloseParticipantSessions force-closes every open session of the participant
// and returns the resulting roster of each affected channel.
func (t *Tracker) CloseParticipantSessions(ctx context.Context, participantID ParticipantID) ([]Roster, error) {
	var channelIDs []int64
	if err := t.db.WithContext(ctx).
		Model(&Session{}).
		Where(queryOpenParticipant, participantID.String()).
		Distinct().
		Order("channel_id ASC").
		Pluck("channel_id", &channelIDs).Error; err != nil {
		return nil, t.storeError("close_participant", err, 0, participantID)
	}
	if len(channelIDs) == 0 {
		return nil, nil
	}

	rosters := make([]Roster, 0, len(channelIDs))
	for _, rawID := range channelIDs {
		update, err := t.closeChannelPair(ctx, ChannelID(rawID), participantID)
		if err != nil {
			return nil, err
		}
		if update.Changed {
			rosters = append(rosters, update.Roster)
		}
	}
	t.logger.Info("voice sessions force-closed",
		zap.String("participant_id", participantID.String()),
		zap.Int("channels", len(rosters)))
	return rosters, nil
}

// CloseOrphanedSessions closes every open session; used at startup because
// connections from a previous process can no longer leave.
func (t *Tracker) CloseOrphanedSessions(ctx context.Context) (int64, error) {
	leftAtSeconds := t.clock().UTC().Unix()
	result := t.db.WithContext(ctx).
		Model(&Session{}).
		Where(queryOpen).
		Update("left_at_s", gorm.Expr(closeExpression, leftAtSeconds, leftAtSeconds))
	if result.Error != nil {
		return 0, t.storeError("close_orphaned", result.Error, 0, "")
	}
	return result.RowsAffected, nil
}

func (t *Tracker) closeChannelPair(ctx context.Context, channelID ChannelID, participantID ParticipantID) (RosterUpdate, error) {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()
	return t.closePair(ctx, "close_participant", channelID, participantID)
}

// closePair must run with the channel locked.
func (t *Tracker) closePair(ctx context.Context, operation string, channelID ChannelID, participantID ParticipantID) (RosterUpdate, error) {
	leftAtSeconds := t.clock().UTC().Unix()
	result := t.db.WithContext(ctx).
		Model(&Session{}).
		Where(queryOpenPair, channelID.Int64(), participantID.String()).
		Update("left_at_s", gorm.Expr(closeExpression, leftAtSeconds, leftAtSeconds))
	if result.Error != nil {
		return RosterUpdate{}, t.storeError(operation, result.Error, channelID, participantID)
	}
	return t.rosterUpdate(ctx, channelID, result.RowsAffected > 0)
}

// rosterUpdate must run with the channel locked; it notifies the observer of changes.
func (t *Tracker) rosterUpdate(ctx context.Context, channelID ChannelID, changed bool) (RosterUpdate, error) {
	roster, err := t.loadRoster(ctx, channelID)
	if err != nil {
		return RosterUpdate{}, err
	}
	if changed && t.observer != nil {
		t.observer(roster)
	}
	return RosterUpdate{Roster: roster, Changed: changed}, nil
}

func (t *Tracker) loadRoster(ctx context.Context, channelID ChannelID) (Roster, error) {
	var sessions []Session
	if err := t.db.WithContext(ctx).
		Where(queryOpenChannel, channelID.Int64()).
		Order(orderJoined).
		Find(&sessions).Error; err != nil {
		return Roster{}, t.storeError("roster", err, channelID, "")
	}

	roster := Roster{ChannelID: channelID, Entries: make([]RosterEntry, 0, len(sessions))}
	if len(sessions) == 0 {
		return roster, nil
	}

	seen := make(map[string]struct{}, len(sessions))
	participantIDs := make([]string, 0, len(sessions))
	for _, session := range sessions {
		if _, ok := seen[session.ParticipantID]; ok {
			continue
		}
		seen[session.ParticipantID] = struct{}{}
		participantIDs = append(participantIDs, session.ParticipantID)
		roster.Entries = append(roster.Entries, RosterEntry{
			ParticipantID: ParticipantID(session.ParticipantID),
			JoinedAt:      time.Unix(session.JoinedAtSeconds, 0).UTC(),
		})
	}

	var identities []users.Identity
	if err := t.db.WithContext(ctx).
		Where("user_id IN ?", participantIDs).
		Order("updated_at DESC").
		Find(&identities).Error; err != nil {
		return Roster{}, t.storeError("roster_identities", err, channelID, "")
	}
	profiles := make(map[string]users.Identity, len(identities))
	for _, identity := range identities {
		if _, ok := profiles[identity.UserID]; !ok {
			profiles[identity.UserID] = identity
		}
	}
	for index := range roster.Entries {
		profile, ok := profiles[roster.Entries[index].ParticipantID.String()]
		if !ok {
			continue
		}
		roster.Entries[index].DisplayName = profile.DisplayName
		roster.Entries[index].AvatarURL = profile.AvatarURL
	}
	return roster, nil
}

func (t *Tracker) requireChannel(ctx context.Context, channelID ChannelID) error {
	if t.channels == nil {
		return nil
	}
	exists, err := t.channels.ChannelExists(ctx, channelID)
	if err != nil {
		return t.storeError("channel_lookup", err, channelID, "")
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrChannelNotFound, channelID)
	}
	return nil
}

func (t *Tracker) storeError(operation string, err error, channelID ChannelID, participantID ParticipantID) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("voice: %s: %w", operation, err)
	}
	t.logger.Error("voice tracker error",
		zap.String("operation", "voice."+operation),
		zap.Int64("channel_id", channelID.Int64()),
		zap.String("participant_id", participantID.String()),
		zap.Error(err))
	return fmt.Errorf("voice: %s: %w: %w", operation, ErrStoreUnavailable, err)
}
