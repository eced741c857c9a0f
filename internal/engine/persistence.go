package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"social-duel/server/internal/models"
	"social-duel/server/internal/storage"
)

// SnapshotVersion is bumped whenever the snapshot layout changes
// incompatibly. Older versions are treated as absent.
const SnapshotVersion = 1

// Snapshot is what a session slot holds
type Snapshot struct {
	Version int              `json:"version"`
	Setup   models.Setup     `json:"setup"`
	State   models.GameState `json:"state"`
	SavedAt time.Time        `json:"savedAt"`
}

// NeedsPrompt reports whether restoring this snapshot should ask the
// player to resume or discard. Finished games load silently.
func (s *Snapshot) NeedsPrompt() bool {
	return s.State.CurrentPhase != models.PhaseResult
}

// EncodeSnapshot serializes a session for its slot
func EncodeSnapshot(setup models.Setup, state models.GameState, savedAt time.Time) ([]byte, error) {
	return json.Marshal(Snapshot{
		Version: SnapshotVersion,
		Setup:   setup,
		State:   state,
		SavedAt: savedAt,
	})
}

// DecodeSnapshot parses and validates a stored snapshot
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	s := &snap.State
	switch s.CurrentPhase {
	case models.PhaseChat, models.PhaseSelectAction, models.PhaseFinalDecision, models.PhaseResult:
	default:
		return nil, fmt.Errorf("unknown phase %q", s.CurrentPhase)
	}
	if s.Round < 1 {
		return nil, fmt.Errorf("invalid round %d", s.Round)
	}
	if len(s.SideMissions.Player1) != len(s.SideMissions.Player2) {
		return nil, errors.New("side mission lists differ in length")
	}

	if s.ChatLog == nil {
		s.ChatLog = []models.Message{}
	}
	if s.SideMissions.Player1 == nil {
		s.SideMissions.Player1 = []models.SideMission{}
	}
	if s.SideMissions.Player2 == nil {
		s.SideMissions.Player2 = []models.SideMission{}
	}
	return &snap, nil
}

// Persistence binds one session to its slot
type Persistence struct {
	slot   storage.SnapshotSlot
	key    string
	logger *slog.Logger
	now    func() time.Time
}

func NewPersistence(slot storage.SnapshotSlot, key string, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{
		slot:   slot,
		key:    key,
		logger: logger.With("component", "persistence", "session", key),
		now:    time.Now,
	}
}

// Restore returns the stored snapshot, or nil when the slot is empty,
// unreadable or holds something that does not parse.
func (p *Persistence) Restore(ctx context.Context) *Snapshot {
	data, err := p.slot.Load(ctx, p.key)
	if errors.Is(err, storage.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		p.logger.Warn("failed to read snapshot, starting fresh", "error", err)
		return nil
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		p.logger.Warn("discarding malformed snapshot", "error", err)
		return nil
	}
	return snap
}

// Save writes the session. States without any chat are not worth keeping.
func (p *Persistence) Save(ctx context.Context, setup models.Setup, state models.GameState) error {
	if len(state.ChatLog) == 0 {
		return nil
	}
	data, err := EncodeSnapshot(setup, state, p.now())
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := p.slot.Save(ctx, p.key, data); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Clear empties the slot
func (p *Persistence) Clear(ctx context.Context) error {
	if err := p.slot.Clear(ctx, p.key); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}
