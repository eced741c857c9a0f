package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-duel/server/internal/models"
)

func mission(tag string) models.SideMission {
	return models.SideMission{TargetActionTag: tag, Description: "make them " + tag}
}

func selectPhaseState() models.GameState {
	s := InitialState(mission("charm"), mission("pry"))
	return Reduce(s, SetPhase{Phase: models.PhaseSelectAction})
}

func TestInitialState(t *testing.T) {
	s := InitialState(mission("charm"), mission("pry"))

	assert.Equal(t, 1, s.Round)
	assert.Equal(t, models.PhaseChat, s.CurrentPhase)
	assert.Empty(t, s.ChatLog)
	require.Len(t, s.SideMissions.Player1, 1)
	require.Len(t, s.SideMissions.Player2, 1)
	assert.Equal(t, 1, s.SideMissions.Player1[0].Round)
	assert.Nil(t, s.FinalScore)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := InitialState(mission("charm"), mission("pry"))
	before := s.Clone()

	_ = Reduce(s, AddMessage{Message: models.Message{SenderID: models.Player1, Content: "hi", Round: 1}})
	_ = Reduce(s, CompleteSideMission{Round: 1, Player: models.Player1})

	assert.Equal(t, before, s)
}

func TestAdvanceRoundAppendsOneMissionPerSide(t *testing.T) {
	s := selectPhaseState()
	s = Reduce(s, SelectAction{Player: models.Player1, Tag: "pry"})
	s = Reduce(s, SelectAction{Player: models.Player2, Tag: "charm"})

	s = Reduce(s, AdvanceRound{Player1Mission: mission("ally"), Player2Mission: mission("bluff")})

	assert.Equal(t, 2, s.Round)
	assert.Equal(t, models.PhaseChat, s.CurrentPhase)
	assert.Equal(t, models.Selections{}, s.SelectedActions)
	require.Len(t, s.SideMissions.Player1, 2)
	require.Len(t, s.SideMissions.Player2, 2)
	assert.Equal(t, 2, s.SideMissions.Player1[1].Round)
	assert.Equal(t, "bluff", s.SideMissions.Player2[1].TargetActionTag)
}

func TestAdvanceRoundOutsideSelectActionIsIgnored(t *testing.T) {
	s := InitialState(mission("charm"), mission("pry"))

	next := Reduce(s, AdvanceRound{Player1Mission: mission("ally"), Player2Mission: mission("bluff")})

	assert.Equal(t, s, next)
}

func TestSetPhaseClearsSelections(t *testing.T) {
	s := selectPhaseState()
	s = Reduce(s, SelectAction{Player: models.Player1, Tag: "pry"})
	s = Reduce(s, SelectAction{Player: models.Player2, Tag: "charm"})
	require.True(t, s.SelectedActions.Both())

	s = Reduce(s, SetPhase{Phase: models.PhaseFinalDecision})

	assert.Equal(t, models.PhaseFinalDecision, s.CurrentPhase)
	assert.Equal(t, models.Selections{}, s.SelectedActions)
}

func TestSetPhaseRejectsSkippingPhases(t *testing.T) {
	s := InitialState(mission("charm"), mission("pry"))

	assert.Equal(t, s, Reduce(s, SetPhase{Phase: models.PhaseResult}))
	assert.Equal(t, s, Reduce(s, SetPhase{Phase: models.PhaseFinalDecision}))
}

func TestSelectActionForOneSideKeepsPhase(t *testing.T) {
	s := selectPhaseState()

	s = Reduce(s, SelectAction{Player: models.Player1, Tag: "pry"})

	assert.Equal(t, models.PhaseSelectAction, s.CurrentPhase)
	assert.Equal(t, "pry", s.SelectedActions.Player1)
	assert.Empty(t, s.SelectedActions.Player2)
	assert.False(t, s.SelectedActions.Both())
}

func TestSelectActionDuringChatIsIgnored(t *testing.T) {
	s := InitialState(mission("charm"), mission("pry"))

	assert.Equal(t, s, Reduce(s, SelectAction{Player: models.Player1, Tag: "pry"}))
}

func TestCompleteSideMissionIsIdempotent(t *testing.T) {
	s := InitialState(mission("charm"), mission("pry"))

	once := Reduce(s, CompleteSideMission{Round: 1, Player: models.Player2})
	twice := Reduce(once, CompleteSideMission{Round: 1, Player: models.Player2})

	assert.True(t, once.SideMissions.Player2[0].Success)
	assert.False(t, once.SideMissions.Player1[0].Success)
	assert.Equal(t, once, twice)
}

func TestScoringLifecycle(t *testing.T) {
	s := selectPhaseState()
	s = Reduce(s, SetPhase{Phase: models.PhaseFinalDecision})
	s = Reduce(s, SetMainMissionSuccess{Success: true})
	require.True(t, s.MainMissionSuccess)

	s = Reduce(s, StartScoring{})
	assert.True(t, s.IsScoring)
	assert.Equal(t, models.PhaseResult, s.CurrentPhase)

	// a second start while scoring is a no-op
	assert.Equal(t, s, Reduce(s, StartScoring{}))

	// main mission cannot change once the result phase is entered
	assert.Equal(t, s, Reduce(s, SetMainMissionSuccess{Success: false}))

	s = Reduce(s, SetFinalScore{Score: models.FinalScore{TotalScore: 9, Title: "first"}})
	assert.False(t, s.IsScoring)
	require.NotNil(t, s.FinalScore)

	s = Reduce(s, SetFinalScore{Score: models.FinalScore{TotalScore: 1, Title: "second"}})
	assert.Equal(t, "first", s.FinalScore.Title)
	assert.Equal(t, s, Reduce(s, StartScoring{}))
}

func TestResetGameReturnsFreshState(t *testing.T) {
	s := selectPhaseState()
	s = Reduce(s, AddMessage{Message: models.Message{SenderID: models.Player1, Content: "hi", Round: 1}})

	s = Reduce(s, ResetGame{Player1Mission: mission("ally"), Player2Mission: mission("bluff")})

	assert.Equal(t, InitialState(mission("ally"), mission("bluff")), s)
}

func TestLoadStateReplacesEverything(t *testing.T) {
	loaded := selectPhaseState()
	loaded.Round = 2

	s := Reduce(InitialState(mission("charm"), mission("pry")), LoadState{State: loaded})

	assert.Equal(t, loaded, s)
}
