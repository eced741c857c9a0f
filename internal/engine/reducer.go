package engine

import (
	"social-duel/server/internal/models"
)

// Action is a state transition request understood by Reduce
type Action interface {
	Kind() string
}

// LoadState replaces the whole state (snapshot restore)
type LoadState struct{ State models.GameState }

// AddMessage appends to the chat log
type AddMessage struct{ Message models.Message }

// SelectAction records one side's choice in selectAction or finalDecision
type SelectAction struct {
	Player models.PlayerID
	Tag    string
}

// AdvanceRound moves to the next round's chat phase. The missions are
// drawn by the caller so Reduce stays deterministic.
type AdvanceRound struct {
	Player1Mission models.SideMission
	Player2Mission models.SideMission
}

// CompleteSideMission marks a side's mission for a round as succeeded
type CompleteSideMission struct {
	Round  int
	Player models.PlayerID
}

// SetPhase moves to another phase and clears both selections
type SetPhase struct{ Phase models.Phase }

// SetMainMissionSuccess records the outcome of the player's final choice
type SetMainMissionSuccess struct{ Success bool }

// StartScoring enters the result phase and raises the scoring guard
type StartScoring struct{}

// SetFinalScore stores the score and lowers the scoring guard
type SetFinalScore struct{ Score models.FinalScore }

// ResetGame returns a fresh round-1 state seeded with the given missions
type ResetGame struct {
	Player1Mission models.SideMission
	Player2Mission models.SideMission
}

func (LoadState) Kind() string             { return "LOAD_STATE" }
func (AddMessage) Kind() string            { return "ADD_MESSAGE" }
func (SelectAction) Kind() string          { return "SELECT_ACTION" }
func (AdvanceRound) Kind() string          { return "ADVANCE_ROUND" }
func (CompleteSideMission) Kind() string   { return "COMPLETE_SIDE_MISSION" }
func (SetPhase) Kind() string              { return "SET_PHASE" }
func (SetMainMissionSuccess) Kind() string { return "SET_MAIN_MISSION_SUCCESS" }
func (StartScoring) Kind() string          { return "START_SCORING" }
func (SetFinalScore) Kind() string         { return "SET_FINAL_SCORE" }
func (ResetGame) Kind() string             { return "RESET_GAME" }

// InitialState builds round 1 with one side mission per side
func InitialState(player1, player2 models.SideMission) models.GameState {
	player1.Round, player1.Success = 1, false
	player2.Round, player2.Success = 1, false
	return models.GameState{
		Round:        1,
		CurrentPhase: models.PhaseChat,
		ChatLog:      []models.Message{},
		SideMissions: models.SideMissions{
			Player1: []models.SideMission{player1},
			Player2: []models.SideMission{player2},
		},
	}
}

// Reduce is the only place a GameState changes. It never fails: a
// transition that does not apply to the current state returns the state
// unchanged. The input is never modified.
func Reduce(s models.GameState, action Action) models.GameState {
	switch a := action.(type) {
	case LoadState:
		return a.State.Clone()

	case AddMessage:
		next := s.Clone()
		next.ChatLog = append(next.ChatLog, a.Message)
		return next

	case SelectAction:
		if s.CurrentPhase != models.PhaseSelectAction && s.CurrentPhase != models.PhaseFinalDecision {
			return s
		}
		if a.Player != models.Player1 && a.Player != models.Player2 {
			return s
		}
		next := s.Clone()
		next.SelectedActions = s.SelectedActions.With(a.Player, a.Tag)
		return next

	case AdvanceRound:
		if s.CurrentPhase != models.PhaseSelectAction {
			return s
		}
		next := s.Clone()
		next.Round = s.Round + 1
		next.CurrentPhase = models.PhaseChat
		next.SelectedActions = models.Selections{}
		p1, p2 := a.Player1Mission, a.Player2Mission
		p1.Round, p1.Success = next.Round, false
		p2.Round, p2.Success = next.Round, false
		next.SideMissions.Player1 = append(next.SideMissions.Player1, p1)
		next.SideMissions.Player2 = append(next.SideMissions.Player2, p2)
		return next

	case CompleteSideMission:
		next := s.Clone()
		missions := next.SideMissions.Player1
		if a.Player == models.Player2 {
			missions = next.SideMissions.Player2
		}
		for i := range missions {
			if missions[i].Round == a.Round {
				missions[i].Success = true
			}
		}
		return next

	case SetPhase:
		if !s.CurrentPhase.CanTransitionTo(a.Phase) {
			return s
		}
		next := s.Clone()
		next.CurrentPhase = a.Phase
		next.SelectedActions = models.Selections{}
		return next

	case SetMainMissionSuccess:
		if s.CurrentPhase != models.PhaseFinalDecision {
			return s
		}
		next := s.Clone()
		next.MainMissionSuccess = a.Success
		return next

	case StartScoring:
		if s.IsScoring || s.FinalScore != nil {
			return s
		}
		next := s.Clone()
		next.IsScoring = true
		next.CurrentPhase = models.PhaseResult
		return next

	case SetFinalScore:
		if s.FinalScore != nil {
			return s
		}
		next := s.Clone()
		score := a.Score
		next.FinalScore = &score
		next.IsScoring = false
		return next

	case ResetGame:
		return InitialState(a.Player1Mission, a.Player2Mission)
	}
	return s
}
