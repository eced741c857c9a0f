package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-duel/server/internal/models"
	"social-duel/server/internal/scenario"
)

// playRound ends the chat phase and picks tag for the player
func playRound(t *testing.T, o *Orchestrator, tag string) models.GameState {
	t.Helper()
	ctx := context.Background()
	_, err := o.EndTurn(ctx)
	require.NoError(t, err)
	s, err := o.SelectAction(ctx, tag)
	require.NoError(t, err)
	return s
}

func TestStartWithEmptySlot(t *testing.T) {
	brain := newFakeBrain()
	slot := newTestSlot()
	o := NewOrchestrator("fresh", testSetup(), testDeps(brain, slot), testOptions())

	result, err := o.Start(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Found)
	assert.False(t, result.NeedsPrompt)
	s := o.State()
	assert.Equal(t, 1, s.Round)
	assert.Equal(t, models.PhaseChat, s.CurrentPhase)
	assert.Len(t, s.SideMissions.Player1, 1)
	assert.Len(t, s.SideMissions.Player2, 1)

	// the opponent speaks first
	require.Len(t, s.ChatLog, 1)
	assert.Equal(t, models.Player2, s.ChatLog[0].SenderID)
	assert.Equal(t, "Vesper", s.ChatLog[0].SenderName)
	assert.Equal(t, 1, s.ChatLog[0].Round)
	assert.Equal(t, s.ChatLog, result.State.ChatLog)
	assert.Empty(t, brain.lastReply().Message)
	assert.Empty(t, brain.lastReply().History)
	assert.Equal(t, "Vesper", brain.lastReply().Persona.Name)
}

func TestOpenRoundIsIdempotent(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)

	s, err := o.OpenRound(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.ChatLog, 1)
	assert.Len(t, brain.replies, 1)
}

func TestOpenRoundRetriesFailedOpening(t *testing.T) {
	brain := newFakeBrain()
	brain.replyErr = errUnavailable
	o, _ := newTestOrchestrator(t, brain)
	ctx := context.Background()

	s := o.State()
	require.Len(t, s.ChatLog, 1)
	assert.Equal(t, models.System, s.ChatLog[0].SenderID)
	assert.False(t, s.RoundHasConversation())

	brain.replyErr = nil
	s, err := o.OpenRound(ctx)
	require.NoError(t, err)
	require.Len(t, s.ChatLog, 2)
	assert.Equal(t, models.Player2, s.ChatLog[1].SenderID)

	s, err = o.OpenRound(ctx)
	require.NoError(t, err)
	assert.Len(t, s.ChatLog, 2)
}

func TestOpenRoundOutsideChat(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)
	ctx := context.Background()

	_, err := o.EndTurn(ctx)
	require.NoError(t, err)
	_, err = o.OpenRound(ctx)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestSendMessageGetsReply(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)

	s, err := o.SendMessage(context.Background(), "  Lovely evening.  ")
	require.NoError(t, err)

	require.Len(t, s.ChatLog, 3)
	assert.Equal(t, models.Player2, s.ChatLog[0].SenderID)
	assert.Equal(t, models.Player1, s.ChatLog[1].SenderID)
	assert.Equal(t, "Lovely evening.", s.ChatLog[1].Content)
	assert.Equal(t, 1, s.ChatLog[1].Round)
	assert.Equal(t, int64(1700000000000), s.ChatLog[1].Timestamp)
	assert.Equal(t, models.Player2, s.ChatLog[2].SenderID)
	assert.Equal(t, "How charming.", s.ChatLog[2].Content)

	req := brain.lastReply()
	assert.Equal(t, "Lovely evening.", req.Message)
	// the new message is not repeated in history
	require.Len(t, req.History, 1)
	assert.Equal(t, "assistant", req.History[0].Role)
	assert.Equal(t, "How charming.", req.History[0].Content)
	assert.Equal(t, "Ada", req.Persona.PlayerName)
	assert.NotEmpty(t, req.Persona.SecretBackstory)
	assert.NotEmpty(t, req.Persona.SideMission)
}

func TestSendMessageEnforcesRoundLimit(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := o.SendMessage(ctx, "again")
		require.NoError(t, err)
	}
	before := len(o.State().ChatLog)

	_, err := o.SendMessage(ctx, "one too many")
	assert.ErrorIs(t, err, ErrMessageLimit)
	assert.Len(t, o.State().ChatLog, before)
}

func TestHistoryIsTruncated(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := o.SendMessage(ctx, "line")
		require.NoError(t, err)
	}
	playRound(t, o, "pry")
	_, err := o.SendMessage(ctx, "round two")
	require.NoError(t, err)

	req := brain.lastReply()
	assert.Len(t, req.History, 9)
	assert.Equal(t, "assistant", req.History[len(req.History)-1].Role)
}

func TestSendMessageRejections(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)
	ctx := context.Background()

	_, err := o.SendMessage(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = o.EndTurn(ctx)
	require.NoError(t, err)
	_, err = o.SendMessage(ctx, "wait")
	assert.ErrorIs(t, err, ErrWrongPhase)
	_, err = o.EndTurn(ctx)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestReplyFailureBecomesSystemMessage(t *testing.T) {
	brain := newFakeBrain()
	brain.replyErr = errUnavailable
	o, _ := newTestOrchestrator(t, brain)

	s, err := o.SendMessage(context.Background(), "Hello?")
	require.NoError(t, err)

	require.Len(t, s.ChatLog, 3)
	assert.Equal(t, models.System, s.ChatLog[0].SenderID, "failed opening")
	assert.Equal(t, models.Player1, s.ChatLog[1].SenderID)
	assert.Equal(t, models.System, s.ChatLog[2].SenderID)
	assert.Equal(t, models.MessageSystem, s.ChatLog[2].Type)
	assert.Contains(t, s.ChatLog[2].Content, "Vesper")
}

func TestEndTurnHidesOpponentChoice(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)

	view, err := o.EndTurn(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.PhaseSelectAction, view.CurrentPhase)
	assert.Empty(t, view.SelectedActions.Player2)
	assert.Nil(t, view.SideMissions.Player2)
	assert.Equal(t, "charm", o.State().SelectedActions.Player2)
	assert.Empty(t, o.State().SelectedActions.Player1)
	assert.Equal(t, 1, brain.actionCalls)
}

func TestInvalidOpponentTagFallsBackToMenu(t *testing.T) {
	brain := newFakeBrain()
	brain.action = "I dance wildly across the floor"
	o, _ := newTestOrchestrator(t, brain)

	_, err := o.EndTurn(context.Background())
	require.NoError(t, err)

	tag := o.State().SelectedActions.Player2
	_, ok := scenario.Default().FindAction(1, tag)
	assert.True(t, ok, "fallback %q must be on the round menu", tag)
}

func TestOpponentErrorFallsBackToMenu(t *testing.T) {
	brain := newFakeBrain()
	brain.actionErr = errUnavailable
	o, _ := newTestOrchestrator(t, brain)

	_, err := o.EndTurn(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "pry", o.State().SelectedActions.Player2)
}

func TestSelectActionValidation(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)
	ctx := context.Background()

	_, err := o.SelectAction(ctx, "pry")
	assert.ErrorIs(t, err, ErrWrongPhase)

	_, err = o.EndTurn(ctx)
	require.NoError(t, err)

	_, err = o.SelectAction(ctx, "bogus")
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = o.SelectAction(ctx, "ally") // round 2 menu
	assert.ErrorIs(t, err, ErrInvalidAction)
	assert.Empty(t, o.State().SelectedActions.Player1)
}

func TestRoundResolutionAdvances(t *testing.T) {
	brain := newFakeBrain()
	brain.action = "confide"
	o, _ := newTestOrchestrator(t, brain)
	_, err := o.SendMessage(context.Background(), "Tell me a secret.")
	require.NoError(t, err)

	playRound(t, o, "pry")

	s := o.State()
	assert.Equal(t, 2, s.Round)
	assert.Equal(t, models.PhaseChat, s.CurrentPhase)
	assert.Equal(t, models.Selections{}, s.SelectedActions)
	require.Len(t, s.SideMissions.Player1, 2)
	require.Len(t, s.SideMissions.Player2, 2)
	assert.Equal(t, 2, s.SideMissions.Player1[1].Round)

	// every mission targets "confide": only the player's was met
	assert.True(t, s.SideMissions.Player1[0].Success)
	assert.False(t, s.SideMissions.Player2[0].Success)

	summary := s.ChatLog[len(s.ChatLog)-2]
	assert.Equal(t, models.System, summary.SenderID)
	assert.Equal(t, 1, summary.Round)
	assert.Contains(t, summary.Content, "Round 1")
	assert.Contains(t, summary.Content, brain.narration)

	// round two opens right after the advance
	opening := s.ChatLog[len(s.ChatLog)-1]
	assert.Equal(t, models.Player2, opening.SenderID)
	assert.Equal(t, 2, opening.Round)
	assert.True(t, s.RoundHasConversation())
	assert.Equal(t, 2, brain.lastReply().Round)
	assert.Empty(t, brain.lastReply().Message)
}

func TestNarrationFailureUsesTemplate(t *testing.T) {
	brain := newFakeBrain()
	brain.narrateErr = errUnavailable
	o, _ := newTestOrchestrator(t, brain)

	s := playRound(t, o, "pry")

	summary := s.ChatLog[len(s.ChatLog)-2]
	assert.Contains(t, summary.Content, "Ada tries to")
	assert.Equal(t, 2, s.Round)
}

func TestFinalRoundEntersFinalDecision(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)

	playRound(t, o, "pry")
	playRound(t, o, "ally")
	view := playRound(t, o, "reveal")

	s := o.State()
	assert.Equal(t, 3, s.Round)
	assert.Equal(t, models.PhaseFinalDecision, s.CurrentPhase)
	assert.Len(t, s.SideMissions.Player1, 3)
	assert.Equal(t, "vanish", s.SelectedActions.Player2)
	assert.Empty(t, s.SelectedActions.Player1)
	assert.Empty(t, view.SelectedActions.Player2)
	assert.Equal(t, 1, brain.finalCalls)
}

func finishGame(t *testing.T, brain *fakeBrain) (*Orchestrator, models.GameState) {
	t.Helper()
	o, _ := newTestOrchestrator(t, brain)
	playRound(t, o, "pry")
	playRound(t, o, "ally")
	playRound(t, o, "reveal")

	s, err := o.SelectFinalChoice(context.Background(), "take_ledger")
	require.NoError(t, err)
	return o, s
}

func TestFinalChoiceScoresOnce(t *testing.T) {
	brain := newFakeBrain()
	brain.action = "confide"
	brain.score = 7.4
	recorder := &fakeRecorder{}

	slot := newTestSlot()
	deps := testDeps(brain, slot)
	deps.Recorder = recorder
	o := NewOrchestrator("finished", testSetup(), deps, testOptions())
	_, err := o.Start(context.Background())
	require.NoError(t, err)

	playRound(t, o, "pry")
	playRound(t, o, "ally")
	playRound(t, o, "reveal")
	s, err := o.SelectFinalChoice(context.Background(), "take_ledger")
	require.NoError(t, err)

	assert.Equal(t, models.PhaseResult, s.CurrentPhase)
	assert.True(t, s.MainMissionSuccess)
	assert.False(t, s.IsScoring)
	require.NotNil(t, s.FinalScore)
	assert.True(t, s.FinalScore.MainMission)
	assert.Equal(t, 1, s.FinalScore.SideMissions)
	assert.Equal(t, 7, s.FinalScore.Performance)
	assert.Equal(t, 3+1+7, s.FinalScore.TotalScore)
	assert.Equal(t, "Master of Masks", s.FinalScore.Title)
	assert.Equal(t, 1, brain.scoreCalls)

	// the opponent's missions are revealed with the result
	assert.Len(t, s.SideMissions.Player2, 3)

	require.Len(t, recorder.records, 1)
	record := recorder.records[0]
	assert.Equal(t, "finished", record.SessionID)
	assert.Equal(t, 11, record.TotalScore)
	assert.Contains(t, record.Transcript, "Final moment")

	_, err = o.SelectFinalChoice(context.Background(), "take_ledger")
	assert.ErrorIs(t, err, ErrWrongPhase)
	assert.Equal(t, 1, brain.scoreCalls)
}

func TestMainMissionFollowsPlayerChoiceOnly(t *testing.T) {
	brain := newFakeBrain()
	brain.final = "trust"
	o, _ := newTestOrchestrator(t, brain)
	playRound(t, o, "pry")
	playRound(t, o, "ally")
	playRound(t, o, "reveal")

	s, err := o.SelectFinalChoice(context.Background(), "burn_ledger")
	require.NoError(t, err)

	assert.False(t, s.MainMissionSuccess)
	require.NotNil(t, s.FinalScore)
	assert.False(t, s.FinalScore.MainMission)
}

func finalSummary(t *testing.T, s models.GameState) string {
	t.Helper()
	for _, m := range s.ChatLog {
		if m.SenderID == models.System && strings.HasPrefix(m.Content, "Final moment") {
			return m.Content
		}
	}
	t.Fatal("no final summary in the chat log")
	return ""
}

func TestFinalSummaryUsesEachSidesMenu(t *testing.T) {
	brain := newFakeBrain()
	brain.final = "trust"
	_, s := finishGame(t, brain)

	summary := finalSummary(t, s)
	assert.Contains(t, summary, `Ada chose "Take the ledger"`)
	assert.Contains(t, summary, `Vesper chose "Trust them"`)
	assert.NotContains(t, summary, `chose ""`)
}

func TestFinalSummaryWithSwappedBackgrounds(t *testing.T) {
	brain := newFakeBrain()
	brain.final = "burn_ledger"
	setup := testSetup()
	setup.Player.Background, setup.Opponent.Background = setup.Opponent.Background, setup.Player.Background

	o := NewOrchestrator("swapped", setup, testDeps(brain, newTestSlot()), testOptions())
	_, err := o.Start(context.Background())
	require.NoError(t, err)
	playRound(t, o, "pry")
	playRound(t, o, "ally")
	playRound(t, o, "reveal")
	require.Equal(t, "burn_ledger", o.State().SelectedActions.Player2)

	s, err := o.SelectFinalChoice(context.Background(), "vanish")
	require.NoError(t, err)

	summary := finalSummary(t, s)
	assert.Contains(t, summary, `Ada chose "Vanish into the crowd"`)
	assert.Contains(t, summary, `Vesper chose "Burn the ledger"`)
	assert.NotContains(t, summary, `chose ""`)
}

func TestSelectFinalChoiceValidation(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)
	ctx := context.Background()

	_, err := o.SelectFinalChoice(ctx, "take_ledger")
	assert.ErrorIs(t, err, ErrWrongPhase)

	playRound(t, o, "pry")
	playRound(t, o, "ally")
	playRound(t, o, "reveal")

	// "trust" belongs to the Default menu, not the Spy one
	_, err = o.SelectFinalChoice(ctx, "trust")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestScoringFailureUsesNeutralPerformance(t *testing.T) {
	brain := newFakeBrain()
	brain.scoreErr = errUnavailable
	_, s := finishGame(t, brain)

	require.NotNil(t, s.FinalScore)
	assert.Equal(t, 5, s.FinalScore.Performance)
	assert.Equal(t, 3+s.FinalScore.SideMissions+5, s.FinalScore.TotalScore)
}

func TestPerformanceIsClamped(t *testing.T) {
	brain := newFakeBrain()
	brain.score = 42
	_, s := finishGame(t, brain)

	require.NotNil(t, s.FinalScore)
	assert.Equal(t, 10, s.FinalScore.Performance)
}

func TestShareRequiresFinishedGame(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)

	_, err := o.Share()
	assert.ErrorIs(t, err, ErrGameNotFinished)

	o, s := finishGame(t, brain)
	card, err := o.Share()
	require.NoError(t, err)
	assert.Equal(t, s.FinalScore.Title, card.Title)
	assert.Equal(t, s.FinalScore.TotalScore, card.TotalScore)
	assert.True(t, strings.HasPrefix(card.Text, "Ada faced Vesper"))
}

func TestPendingTokenRejectsSecondTrigger(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)
	brain.entered = make(chan struct{})
	brain.release = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := o.SendMessage(ctx, "first")
		done <- err
	}()

	<-brain.entered
	assert.Equal(t, AwaitingOpponentReply, o.Pending())

	_, err := o.SendMessage(ctx, "second")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = o.EndTurn(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	close(brain.release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, o.Pending())
	assert.Len(t, o.State().ChatLog, 3)
}

func TestVoiceMessageIsTranscribedAndRevoiced(t *testing.T) {
	brain := newFakeBrain()
	audio := &fakeAudioStore{}
	deps := testDeps(brain, newTestSlot())
	deps.Transcriber = &fakeTranscriber{text: " Meet me on the deck. "}
	deps.Voice = &fakeVoice{audio: []byte("revoiced")}
	deps.Audio = audio
	opts := testOptions()
	opts.Revoice = true

	o := NewOrchestrator("voice", testSetup(), deps, opts)
	_, err := o.Start(context.Background())
	require.NoError(t, err)

	s, err := o.SendVoice(context.Background(), []byte("raw"), "clip.webm")
	require.NoError(t, err)

	require.Len(t, s.ChatLog, 3)
	msg := s.ChatLog[1]
	assert.Equal(t, models.MessageVoice, msg.Type)
	assert.Equal(t, AudioPrefix+"clip1", msg.Content)
	assert.Equal(t, "Meet me on the deck.", msg.TranscribedText)
	assert.Equal(t, "Meet me on the deck.", brain.lastReply().Message)
	require.Len(t, audio.clips, 1)
	assert.Equal(t, []byte("revoiced"), audio.clips[0])
}

func TestVoiceFailuresDegrade(t *testing.T) {
	brain := newFakeBrain()
	audio := &fakeAudioStore{}
	deps := testDeps(brain, newTestSlot())
	deps.Transcriber = &fakeTranscriber{err: errUnavailable}
	deps.Voice = &fakeVoice{err: errUnavailable}
	deps.Audio = audio
	opts := testOptions()
	opts.Revoice = true

	o := NewOrchestrator("voice", testSetup(), deps, opts)
	_, err := o.Start(context.Background())
	require.NoError(t, err)

	s, err := o.SendVoice(context.Background(), []byte("raw"), "clip.webm")
	require.NoError(t, err)

	assert.Equal(t, TranscriptionFailed, s.ChatLog[1].TranscribedText)
	assert.Equal(t, TranscriptionFailed, brain.lastReply().Message)
	require.Len(t, audio.clips, 1)
	assert.Equal(t, []byte("raw"), audio.clips[0])

	_, err = o.SendVoice(context.Background(), nil, "empty.webm")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestVoiceWithoutCollaborators(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)

	s, err := o.SendVoice(context.Background(), []byte("raw"), "clip.webm")
	require.NoError(t, err)

	assert.Equal(t, TranscriptionUnavailable, s.ChatLog[1].Content)
	assert.Equal(t, TranscriptionUnavailable, s.ChatLog[1].TranscribedText)
}

func TestSubscribeReceivesRedactedStates(t *testing.T) {
	brain := newFakeBrain()
	o, _ := newTestOrchestrator(t, brain)

	var seen []models.GameState
	unsubscribe := o.Subscribe(func(s models.GameState) { seen = append(seen, s) })

	_, err := o.EndTurn(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	for _, s := range seen {
		assert.Empty(t, s.SelectedActions.Player2)
		assert.Nil(t, s.SideMissions.Player2)
	}

	unsubscribe()
	_, err = o.Restart(context.Background())
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestRestartReturnsToRoundOne(t *testing.T) {
	brain := newFakeBrain()
	o, slot := newTestOrchestrator(t, brain)
	_, err := o.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	playRound(t, o, "pry")

	s, err := o.Restart(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Round)
	assert.Equal(t, models.PhaseChat, s.CurrentPhase)
	require.Len(t, s.ChatLog, 1)
	assert.Equal(t, models.Player2, s.ChatLog[0].SenderID)

	// the old game is gone; the slot holds the new opening
	snap := NewPersistence(slot, "session-1", nil).Restore(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.State.Round)
	assert.Len(t, snap.State.ChatLog, 1)
}

func TestLastActiveFollowsDispatch(t *testing.T) {
	brain := newFakeBrain()
	clock := time.UnixMilli(1700000000000)
	deps := testDeps(brain, newTestSlot())
	deps.Clock = func() time.Time { return clock }

	o := NewOrchestrator("idle", testSetup(), deps, testOptions())
	assert.Equal(t, clock, o.LastActive())

	clock = clock.Add(time.Minute)
	_, err := o.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock, o.LastActive())
}
