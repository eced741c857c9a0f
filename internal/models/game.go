package models

// PlayerID identifies who authored a message or owns a selection
type PlayerID string

const (
	Player1 PlayerID = "player1" // the human player
	Player2 PlayerID = "player2" // the AI opponent
	System  PlayerID = "system"
)

// Opponent returns the other side of a duel
func (p PlayerID) Opponent() PlayerID {
	switch p {
	case Player1:
		return Player2
	case Player2:
		return Player1
	default:
		return p
	}
}

// Phase is the discrete stage of a round
type Phase string

const (
	PhaseChat          Phase = "chat"
	PhaseSelectAction  Phase = "selectAction"
	PhaseFinalDecision Phase = "finalDecision"
	PhaseResult        Phase = "result"
)

// CanTransitionTo reports whether SET_PHASE may move from p to target.
// Moving back to chat only happens through ADVANCE_ROUND.
func (p Phase) CanTransitionTo(target Phase) bool {
	switch p {
	case PhaseChat:
		return target == PhaseSelectAction
	case PhaseSelectAction:
		return target == PhaseFinalDecision
	case PhaseFinalDecision:
		return target == PhaseResult
	default:
		return false
	}
}

// MessageType distinguishes how a message was produced
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageVoice  MessageType = "voice"
	MessageSystem MessageType = "system"
)

// Message is one immutable chat log entry
type Message struct {
	SenderID        PlayerID    `json:"senderId"`
	Content         string      `json:"content"`
	Type            MessageType `json:"type"`
	Round           int         `json:"round"`
	Timestamp       int64       `json:"timestamp"` // unix milliseconds
	SenderName      string      `json:"senderName"`
	TranscribedText string      `json:"transcribedText,omitempty"`
}

// Text returns what the other side "hears": the transcript for voice
// messages, the content otherwise.
func (m Message) Text() string {
	if m.Type == MessageVoice {
		return m.TranscribedText
	}
	return m.Content
}

// Action is one entry of a round's action menu
type Action struct {
	Tag         string `yaml:"tag" json:"tag"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description"`
}

// FinalChoiceOption is one entry of the final-decision menu. Success is
// fixed by the catalog.
type FinalChoiceOption struct {
	Tag     string `yaml:"tag" json:"tag"`
	Label   string `yaml:"label" json:"label"`
	Outcome string `yaml:"outcome" json:"outcome"`
	Success bool   `yaml:"success" json:"success"`
}

// SideMission is a per-round objective satisfied when the other side
// picks TargetActionTag.
type SideMission struct {
	Round           int    `json:"round"`
	TargetActionTag string `json:"targetActionTag"`
	Description     string `json:"description"`
	Success         bool   `json:"success"`
}

// Selections holds each side's pending choice; an empty tag means not chosen yet.
type Selections struct {
	Player1 string `json:"player1"`
	Player2 string `json:"player2"`
}

// Get returns the tag chosen by p
func (s Selections) Get(p PlayerID) string {
	if p == Player2 {
		return s.Player2
	}
	return s.Player1
}

// With returns a copy with p's tag set
func (s Selections) With(p PlayerID, tag string) Selections {
	switch p {
	case Player1:
		s.Player1 = tag
	case Player2:
		s.Player2 = tag
	}
	return s
}

// Both reports whether both sides have chosen
func (s Selections) Both() bool {
	return s.Player1 != "" && s.Player2 != ""
}

// SideMissions holds each side's missions, one appended per round
type SideMissions struct {
	Player1 []SideMission `json:"player1"`
	Player2 []SideMission `json:"player2"`
}

// For returns the missions owned by p
func (s SideMissions) For(p PlayerID) []SideMission {
	if p == Player2 {
		return s.Player2
	}
	return s.Player1
}

// AtRound returns p's mission for the given round
func (s SideMissions) AtRound(p PlayerID, round int) (SideMission, bool) {
	for _, m := range s.For(p) {
		if m.Round == round {
			return m, true
		}
	}
	return SideMission{}, false
}

// Completed counts p's successful missions
func (s SideMissions) Completed(p PlayerID) int {
	n := 0
	for _, m := range s.For(p) {
		if m.Success {
			n++
		}
	}
	return n
}

// FinalScore is computed once when the game ends
type FinalScore struct {
	MainMission  bool   `json:"mainMission"`
	SideMissions int    `json:"sideMissions"`
	Performance  int    `json:"performance"`
	TotalScore   int    `json:"totalScore"`
	EndingText   string `json:"endingText"`
	Title        string `json:"title"`
}

// GameState is the single root of an RPG session. Only the reducer
// produces new values of it.
type GameState struct {
	Round              int          `json:"round"`
	CurrentPhase       Phase        `json:"currentPhase"`
	ChatLog            []Message    `json:"chatLog"`
	SelectedActions    Selections   `json:"selectedActions"`
	SideMissions       SideMissions `json:"sideMissions"`
	MainMissionSuccess bool         `json:"mainMissionSuccess"`
	FinalScore         *FinalScore  `json:"finalScore"`
	IsScoring          bool         `json:"isScoring"`
}

// Clone returns a deep copy
func (s GameState) Clone() GameState {
	out := s
	if s.ChatLog != nil {
		out.ChatLog = append(make([]Message, 0, len(s.ChatLog)), s.ChatLog...)
	}
	if s.SideMissions.Player1 != nil {
		out.SideMissions.Player1 = append(make([]SideMission, 0, len(s.SideMissions.Player1)), s.SideMissions.Player1...)
	}
	if s.SideMissions.Player2 != nil {
		out.SideMissions.Player2 = append(make([]SideMission, 0, len(s.SideMissions.Player2)), s.SideMissions.Player2...)
	}
	if s.FinalScore != nil {
		score := *s.FinalScore
		out.FinalScore = &score
	}
	return out
}

// MessagesThisRound counts messages sent by p during the current round
func (s GameState) MessagesThisRound(p PlayerID) int {
	n := 0
	for _, m := range s.ChatLog {
		if m.SenderID == p && m.Round == s.Round {
			n++
		}
	}
	return n
}

// RoundHasConversation reports whether anyone but the system spoke this round
func (s GameState) RoundHasConversation() bool {
	for _, m := range s.ChatLog {
		if m.Round == s.Round && m.SenderID != System {
			return true
		}
	}
	return false
}

// Persona is the character a side plays
type Persona struct {
	Name        string `json:"name"`
	Background  string `json:"background"`
	SocialRole  string `json:"social_role"`
	Personality string `json:"personality"`
	VoiceID     string `json:"voice_id,omitempty"`
}

// Setup fixes who plays whom for a session
type Setup struct {
	Player   Persona `json:"player"`
	Opponent Persona `json:"opponent"`
}

// NameOf returns the display name of a side
func (s Setup) NameOf(p PlayerID) string {
	switch p {
	case Player1:
		return s.Player.Name
	case Player2:
		return s.Opponent.Name
	default:
		return "Narrator"
	}
}
