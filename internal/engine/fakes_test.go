package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"social-duel/server/internal/interfaces"
	"social-duel/server/internal/models"
	"social-duel/server/internal/scenario"
	"social-duel/server/internal/storage"
)

var errUnavailable = errors.New("service unavailable")

type firstRand struct{}

func (firstRand) IntN(int) int { return 0 }

type fakeBrain struct {
	mu sync.Mutex

	reply      string
	replyErr   error
	action     string
	actionErr  error
	final      string
	narration  string
	narrateErr error
	score      float64
	scoreErr   error

	// when set, Reply signals entered and waits for release
	entered chan struct{}
	release chan struct{}

	replies     []*interfaces.ReplyRequest
	actionCalls int
	finalCalls  int
	scoreCalls  int
}

func newFakeBrain() *fakeBrain {
	return &fakeBrain{
		reply:     "How charming.",
		action:    "charm",
		final:     "vanish",
		narration: "Glasses clink as the masks turn toward them.",
		score:     7,
	}
}

func (b *fakeBrain) Reply(ctx context.Context, req *interfaces.ReplyRequest) (string, error) {
	b.mu.Lock()
	b.replies = append(b.replies, req)
	entered, release := b.entered, b.release
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return b.reply, b.replyErr
}

func (b *fakeBrain) ChooseAction(ctx context.Context, req *interfaces.ChoiceRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actionCalls++
	return b.action, b.actionErr
}

func (b *fakeBrain) ChooseFinalChoice(ctx context.Context, req *interfaces.ChoiceRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalCalls++
	return b.final, nil
}

func (b *fakeBrain) Narrate(ctx context.Context, req *interfaces.NarrationRequest) (string, error) {
	return b.narration, b.narrateErr
}

func (b *fakeBrain) ScorePerformance(ctx context.Context, req *interfaces.ScoreRequest) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scoreCalls++
	return b.score, b.scoreErr
}

func (b *fakeBrain) lastReply() *interfaces.ReplyRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replies) == 0 {
		return nil
	}
	return b.replies[len(b.replies)-1]
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return f.text, f.err
}

type fakeVoice struct {
	audio []byte
	err   error
}

func (f *fakeVoice) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return f.audio, f.err
}

type fakeAudioStore struct {
	clips [][]byte
}

func (f *fakeAudioStore) Put(ctx context.Context, data []byte, text, voiceID string) (string, error) {
	f.clips = append(f.clips, data)
	return fmt.Sprintf("clip%d", len(f.clips)), nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*models.GameRecord
}

func (f *fakeRecorder) RecordResult(ctx context.Context, record *models.GameRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func testSetup() models.Setup {
	return models.Setup{
		Player: models.Persona{
			Name:       "Ada",
			Background: "Spy",
			SocialRole: "courier",
			VoiceID:    "voice-ada",
		},
		Opponent: models.Persona{
			Name:        "Vesper",
			Background:  scenario.DefaultBackground,
			SocialRole:  "host",
			Personality: "guarded",
		},
	}
}

func testDeps(brain interfaces.OpponentBrain, slot storage.SnapshotSlot) Deps {
	return Deps{
		Catalog: scenario.Default(),
		Brain:   brain,
		Slot:    slot,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rand:    firstRand{},
		Clock:   func() time.Time { return time.UnixMilli(1700000000000) },
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ResolutionDelay = 0
	opts.FinalDelay = 0
	return opts
}

func newTestOrchestrator(t *testing.T, brain *fakeBrain) (*Orchestrator, *storage.MemoryStore) {
	t.Helper()
	slot := storage.NewMemoryStore(0)
	o := NewOrchestrator("session-1", testSetup(), testDeps(brain, slot), testOptions())
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return o, slot
}

func newTestSlot() *storage.MemoryStore {
	return storage.NewMemoryStore(0)
}
