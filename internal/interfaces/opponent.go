package interfaces

import (
	"context"

	"social-duel/server/internal/models"
)

// Turn is one line of conversation as the opponent model sees it
type Turn struct {
	Role    string `json:"role"` // "user" for the player, "assistant" for the opponent
	Content string `json:"content"`
}

// PersonaContext keeps the opponent in character
type PersonaContext struct {
	Name            string
	Background      string
	SocialRole      string
	Personality     string
	SecretBackstory string
	MainMission     string
	SideMission     string // description of the current round's side mission
	StoryBackground string
	PlayerName      string // who the opponent is talking to
}

// Option is a menu entry offered to the opponent
type Option struct {
	Tag         string
	Label       string
	Description string
}

// ReplyRequest asks for the opponent's next chat line. An empty Message
// asks for an opening line.
type ReplyRequest struct {
	Persona PersonaContext
	Round   int
	Message string
	History []Turn
}

// ChoiceRequest asks the opponent to pick one tag from Options
type ChoiceRequest struct {
	Persona PersonaContext
	Round   int
	History []Turn
	Options []Option
}

// NarrationRequest asks for the dramatic consequence of both moves
type NarrationRequest struct {
	Persona        PersonaContext
	Round          int
	PlayerAction   models.Action
	OpponentAction models.Action
}

// ScoreRequest asks for a 1-10 grade of the player's performance
type ScoreRequest struct {
	PlayerName   string
	OpponentName string
	MainMission  string
	Transcript   []Turn
}

// OpponentBrain supplies everything the AI opponent says and decides.
// Callers validate choices and clamp scores; implementations may return
// free text.
type OpponentBrain interface {
	// Reply returns the opponent's next chat line
	Reply(ctx context.Context, req *ReplyRequest) (string, error)

	// ChooseAction returns the tag of the opponent's round action
	ChooseAction(ctx context.Context, req *ChoiceRequest) (string, error)

	// ChooseFinalChoice returns the tag of the opponent's final choice
	ChooseFinalChoice(ctx context.Context, req *ChoiceRequest) (string, error)

	// Narrate describes what happens when both actions meet
	Narrate(ctx context.Context, req *NarrationRequest) (string, error)

	// ScorePerformance grades the player's conversation
	ScorePerformance(ctx context.Context, req *ScoreRequest) (float64, error)
}

// ResultRecorder archives finished sessions
type ResultRecorder interface {
	RecordResult(ctx context.Context, record *models.GameRecord) error
}
