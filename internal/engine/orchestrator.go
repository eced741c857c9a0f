package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"social-duel/server/internal/interfaces"
	"social-duel/server/internal/models"
	"social-duel/server/internal/scenario"
	"social-duel/server/internal/storage"
)

// RequestState is the orchestrator's single-slot pending request token
type RequestState int32

const (
	Idle RequestState = iota
	AwaitingOpponentReply
	AwaitingResolution
)

func (r RequestState) String() string {
	switch r {
	case AwaitingOpponentReply:
		return "awaiting_opponent_reply"
	case AwaitingResolution:
		return "awaiting_resolution"
	default:
		return "idle"
	}
}

// Placeholders substituted into the transcript when speech-to-text
// cannot produce text
const (
	TranscriptionUnavailable = "[Transcription unavailable]"
	TranscriptionFailed      = "[Transcription failed]"
	TranscriptionEmpty       = "[Inaudible]"
)

// AudioPrefix marks message content that references a cached clip
const AudioPrefix = "audio:"

// AudioStore keeps voice clips and returns a key to fetch them by
type AudioStore interface {
	Put(ctx context.Context, data []byte, text, voiceID string) (string, error)
}

// Options are the pacing and limit knobs of a session
type Options struct {
	MaxMessagesPerRound int
	HistoryWindow       int
	ResolutionDelay     time.Duration
	FinalDelay          time.Duration
	NeutralPerformance  int
	Revoice             bool
}

func DefaultOptions() Options {
	return Options{
		MaxMessagesPerRound: 5,
		HistoryWindow:       10,
		ResolutionDelay:     3 * time.Second,
		FinalDelay:          2 * time.Second,
		NeutralPerformance:  5,
	}
}

// Deps are the collaborators of an orchestrator. Brain, Catalog and Slot
// are required; the rest degrade gracefully when nil.
type Deps struct {
	Catalog     *scenario.Catalog
	Brain       interfaces.OpponentBrain
	Transcriber interfaces.SpeechToText
	Voice       interfaces.TextToSpeech
	Audio       AudioStore
	Recorder    interfaces.ResultRecorder
	Slot        storage.SnapshotSlot
	Logger      *slog.Logger
	Rand        scenario.Rand
	Clock       func() time.Time
}

// RestoreResult tells the caller what Start found in the slot
type RestoreResult struct {
	Found       bool             `json:"found"`
	NeedsPrompt bool             `json:"needs_prompt"`
	State       models.GameState `json:"state"`
}

// ShareCard is the shareable summary of a finished game
type ShareCard struct {
	PlayerName   string `json:"player_name"`
	OpponentName string `json:"opponent_name"`
	Title        string `json:"title"`
	TotalScore   int    `json:"total_score"`
	EndingText   string `json:"ending_text"`
	Text         string `json:"text"`
}

// Orchestrator drives one session: it validates triggers, talks to the
// collaborators and feeds actions to Reduce. All state changes go through
// dispatch.
type Orchestrator struct {
	id          string
	catalog     *scenario.Catalog
	brain       interfaces.OpponentBrain
	transcriber interfaces.SpeechToText
	voice       interfaces.TextToSpeech
	audio       AudioStore
	recorder    interfaces.ResultRecorder
	persistence *Persistence
	opts        Options
	logger      *slog.Logger
	rng         *lockedRand
	now         func() time.Time

	pending    atomic.Int32
	lastActive atomic.Time

	mu        sync.Mutex
	setup     models.Setup
	state     models.GameState
	prompt    *Snapshot // open resume prompt
	listeners map[int]func(models.GameState)
	nextSub   int
}

func NewOrchestrator(sessionID string, setup models.Setup, deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = scenario.Default()
	}
	src := deps.Rand
	if src == nil {
		src = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	if opts.MaxMessagesPerRound <= 0 {
		opts.MaxMessagesPerRound = DefaultOptions().MaxMessagesPerRound
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultOptions().HistoryWindow
	}
	if opts.NeutralPerformance <= 0 {
		opts.NeutralPerformance = DefaultOptions().NeutralPerformance
	}

	o := &Orchestrator{
		id:          sessionID,
		catalog:     catalog,
		brain:       deps.Brain,
		transcriber: deps.Transcriber,
		voice:       deps.Voice,
		audio:       deps.Audio,
		recorder:    deps.Recorder,
		persistence: NewPersistence(deps.Slot, sessionID, logger),
		opts:        opts,
		logger:      logger.With("component", "orchestrator", "session", sessionID),
		rng:         &lockedRand{src: src},
		now:         clock,
		setup:       setup,
		listeners:   make(map[int]func(models.GameState)),
	}
	o.state = InitialState(o.assignMission(1), o.assignMission(1))
	o.lastActive.Store(clock())
	return o
}

// ID returns the session id
func (o *Orchestrator) ID() string { return o.id }

// Setup returns who plays whom
func (o *Orchestrator) Setup() models.Setup {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setup
}

// State returns a deep copy of the current state
func (o *Orchestrator) State() models.GameState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// View is State with what the player must not see yet removed: the
// opponent's pending choice and, before the result, the opponent's side
// missions.
func (o *Orchestrator) View() models.GameState {
	return redact(o.State())
}

func redact(s models.GameState) models.GameState {
	if s.CurrentPhase == models.PhaseSelectAction || s.CurrentPhase == models.PhaseFinalDecision {
		s.SelectedActions.Player2 = ""
	}
	if s.CurrentPhase != models.PhaseResult {
		s.SideMissions.Player2 = nil
	}
	return s
}

// LastActive returns when the state last changed
func (o *Orchestrator) LastActive() time.Time {
	return o.lastActive.Load()
}

// Pending returns the in-flight request kind
func (o *Orchestrator) Pending() RequestState {
	return RequestState(o.pending.Load())
}

// ResumePending reports whether Start left a resume prompt open
func (o *Orchestrator) ResumePending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prompt != nil
}

// Subscribe registers fn to receive a redacted copy after every change.
// The returned func removes it.
func (o *Orchestrator) Subscribe(fn func(models.GameState)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Start restores the session from its slot. A snapshot of an unfinished
// game opens a resume prompt; a finished game is loaded silently. A fresh
// game starts with the opponent's opening line.
func (o *Orchestrator) Start(ctx context.Context) (RestoreResult, error) {
	if !o.acquire(AwaitingResolution) {
		return RestoreResult{}, ErrBusy
	}
	defer o.release()

	snap := o.persistence.Restore(ctx)
	if snap == nil {
		return RestoreResult{State: redact(o.openIfQuiet(ctx, o.State()))}, nil
	}

	if snap.NeedsPrompt() {
		o.mu.Lock()
		o.prompt = snap
		o.mu.Unlock()
		o.logger.Info("found unfinished session", "round", snap.State.Round, "phase", snap.State.CurrentPhase)
		return RestoreResult{Found: true, NeedsPrompt: true, State: redact(snap.State.Clone())}, nil
	}

	o.mu.Lock()
	o.setup = snap.Setup
	o.mu.Unlock()
	s := o.dispatch(ctx, LoadState{State: snap.State})
	return RestoreResult{Found: true, State: redact(s)}, nil
}

// Resume loads the snapshot behind the open prompt verbatim
func (o *Orchestrator) Resume(ctx context.Context) (models.GameState, error) {
	if !o.acquire(AwaitingResolution) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	o.mu.Lock()
	snap := o.prompt
	if snap == nil {
		o.mu.Unlock()
		return models.GameState{}, ErrNoResumePending
	}
	o.prompt = nil
	o.setup = snap.Setup
	o.mu.Unlock()

	o.logger.Info("resuming session", "round", snap.State.Round, "phase", snap.State.CurrentPhase)
	s := o.dispatch(ctx, LoadState{State: snap.State})
	return redact(o.openIfQuiet(ctx, s)), nil
}

// Discard drops the snapshot behind the open prompt and starts over
func (o *Orchestrator) Discard(ctx context.Context) (models.GameState, error) {
	if !o.acquire(AwaitingResolution) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	o.mu.Lock()
	open := o.prompt != nil
	o.prompt = nil
	o.mu.Unlock()
	if !open {
		return models.GameState{}, ErrNoResumePending
	}

	return redact(o.reset(ctx)), nil
}

// Restart throws the current game away
func (o *Orchestrator) Restart(ctx context.Context) (models.GameState, error) {
	if !o.acquire(AwaitingResolution) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	o.mu.Lock()
	o.prompt = nil
	o.mu.Unlock()

	return redact(o.reset(ctx)), nil
}

func (o *Orchestrator) reset(ctx context.Context) models.GameState {
	if err := o.persistence.Clear(ctx); err != nil {
		o.logger.Warn("failed to clear snapshot", "error", err)
	}
	s := o.dispatch(ctx, ResetGame{
		Player1Mission: o.assignMission(1),
		Player2Mission: o.assignMission(1),
	})
	return o.openIfQuiet(ctx, s)
}

// openIfQuiet has the opponent open the round when the chat phase has no
// conversation yet. A failed opening leaves a system notice and can be
// retried with OpenRound.
func (o *Orchestrator) openIfQuiet(ctx context.Context, s models.GameState) models.GameState {
	if s.CurrentPhase != models.PhaseChat || s.RoundHasConversation() {
		return s
	}
	return o.reply(ctx, "")
}

// OpenRound asks the opponent for an opening line when nobody has spoken
// yet this round. Rounds are opened automatically, so this only matters
// after a failed opening; it is a no-op otherwise.
func (o *Orchestrator) OpenRound(ctx context.Context) (models.GameState, error) {
	if err := o.ready(); err != nil {
		return models.GameState{}, err
	}
	if !o.acquire(AwaitingOpponentReply) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	s := o.State()
	if s.CurrentPhase != models.PhaseChat {
		return models.GameState{}, ErrWrongPhase
	}
	return redact(o.openIfQuiet(ctx, s)), nil
}

// SendMessage posts a player text message and waits for the reply
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (models.GameState, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.GameState{}, ErrEmptyMessage
	}
	if err := o.ready(); err != nil {
		return models.GameState{}, err
	}
	if !o.acquire(AwaitingOpponentReply) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	if err := o.checkCanSend(); err != nil {
		return models.GameState{}, err
	}

	o.dispatch(ctx, AddMessage{Message: o.message(models.Player1, models.MessageText, text, "")})
	return redact(o.reply(ctx, text)), nil
}

// SendVoice posts a recorded clip. The transcript is what the opponent
// hears; the stored clip is re-voiced in the player's persona voice when
// enabled.
func (o *Orchestrator) SendVoice(ctx context.Context, audio []byte, filename string) (models.GameState, error) {
	if len(audio) == 0 {
		return models.GameState{}, ErrEmptyMessage
	}
	if err := o.ready(); err != nil {
		return models.GameState{}, err
	}
	if !o.acquire(AwaitingOpponentReply) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	if err := o.checkCanSend(); err != nil {
		return models.GameState{}, err
	}

	transcript := o.transcribe(ctx, audio, filename)
	content := o.storeVoice(ctx, audio, transcript)

	o.dispatch(ctx, AddMessage{Message: o.message(models.Player1, models.MessageVoice, content, transcript)})
	return redact(o.reply(ctx, transcript)), nil
}

func (o *Orchestrator) checkCanSend() error {
	s := o.State()
	if s.CurrentPhase != models.PhaseChat {
		return ErrWrongPhase
	}
	if s.MessagesThisRound(models.Player1) >= o.opts.MaxMessagesPerRound {
		return ErrMessageLimit
	}
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, audio []byte, filename string) string {
	if o.transcriber == nil {
		return TranscriptionUnavailable
	}
	text, err := o.transcriber.Transcribe(ctx, audio, filename)
	if err != nil {
		o.logger.Warn("transcription failed", "error", err)
		return TranscriptionFailed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return TranscriptionEmpty
	}
	return text
}

func (o *Orchestrator) storeVoice(ctx context.Context, audio []byte, transcript string) string {
	if o.audio == nil {
		return transcript
	}

	clip := audio
	voiceID := o.Setup().Player.VoiceID
	if o.opts.Revoice && o.voice != nil && voiceID != "" && !strings.HasPrefix(transcript, "[") {
		revoiced, err := o.voice.Synthesize(ctx, transcript, voiceID)
		switch {
		case err != nil:
			o.logger.Warn("re-voicing failed, keeping original clip", "error", err)
		case len(revoiced) == 0:
			o.logger.Warn("re-voicing returned no audio, keeping original clip")
		default:
			clip = revoiced
		}
	}

	key, err := o.audio.Put(ctx, clip, transcript, voiceID)
	if err != nil {
		o.logger.Warn("failed to store voice clip", "error", err)
		return transcript
	}
	return AudioPrefix + key
}

// reply asks the opponent for its next line; message is empty for an
// opening line. A failed reply becomes a system message.
func (o *Orchestrator) reply(ctx context.Context, message string) models.GameState {
	s := o.State()
	history := o.history(s)
	if message != "" && len(history) > 0 {
		history = history[:len(history)-1]
	}

	text, err := o.brain.Reply(ctx, &interfaces.ReplyRequest{
		Persona: o.personaContext(s),
		Round:   s.Round,
		Message: message,
		History: history,
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		o.logger.Warn("opponent reply failed", "error", err, "round", s.Round)
		notice := fmt.Sprintf("%s did not answer. The connection to the opponent failed, try again.", o.Setup().Opponent.Name)
		return o.dispatch(ctx, AddMessage{Message: o.message(models.System, models.MessageSystem, notice, "")})
	}
	return o.dispatch(ctx, AddMessage{Message: o.message(models.Player2, models.MessageText, text, "")})
}

// EndTurn closes the chat phase and lets the opponent pick its action
// in secret
func (o *Orchestrator) EndTurn(ctx context.Context) (models.GameState, error) {
	if err := o.ready(); err != nil {
		return models.GameState{}, err
	}
	if !o.acquire(AwaitingResolution) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	if o.State().CurrentPhase != models.PhaseChat {
		return models.GameState{}, ErrWrongPhase
	}

	s := o.dispatch(ctx, SetPhase{Phase: models.PhaseSelectAction})
	s = o.dispatch(ctx, SelectAction{Player: models.Player2, Tag: o.opponentAction(ctx, s)})
	return redact(s), nil
}

// SelectAction records the player's action. When the opponent has chosen
// too, the round resolves before SelectAction returns.
func (o *Orchestrator) SelectAction(ctx context.Context, tag string) (models.GameState, error) {
	if err := o.ready(); err != nil {
		return models.GameState{}, err
	}
	if !o.acquire(AwaitingResolution) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	s := o.State()
	if s.CurrentPhase != models.PhaseSelectAction {
		return models.GameState{}, ErrWrongPhase
	}
	if _, ok := o.catalog.FindAction(s.Round, tag); !ok {
		return models.GameState{}, ErrInvalidAction
	}
	if s.SelectedActions.Player1 != "" {
		return models.GameState{}, ErrAlreadySelected
	}

	s = o.dispatch(ctx, SelectAction{Player: models.Player1, Tag: tag})
	if s.SelectedActions.Player2 == "" {
		// restored between the phase change and the opponent's choice
		s = o.dispatch(ctx, SelectAction{Player: models.Player2, Tag: o.opponentAction(ctx, s)})
	}
	return redact(o.resolveRound(context.WithoutCancel(ctx))), nil
}

// resolveRound runs once per round, right after the second choice lands
func (o *Orchestrator) resolveRound(ctx context.Context) models.GameState {
	s := o.State()
	if s.CurrentPhase != models.PhaseSelectAction || !s.SelectedActions.Both() {
		return s
	}

	round := s.Round
	setup := o.Setup()
	playerAction, _ := o.catalog.FindAction(round, s.SelectedActions.Player1)
	opponentAction, _ := o.catalog.FindAction(round, s.SelectedActions.Player2)

	narration, err := o.brain.Narrate(ctx, &interfaces.NarrationRequest{
		Persona:        o.personaContext(s),
		Round:          round,
		PlayerAction:   playerAction,
		OpponentAction: opponentAction,
	})
	narration = strings.TrimSpace(narration)
	if err != nil || narration == "" {
		o.logger.Warn("narration failed, using template", "error", err, "round", round)
		narration = fallbackNarration(setup, playerAction, opponentAction)
	}

	summary := fmt.Sprintf("Round %d: %s chose \"%s\". %s chose \"%s\".\n%s",
		round, setup.Player.Name, playerAction.Label, setup.Opponent.Name, opponentAction.Label, narration)
	s = o.dispatch(ctx, AddMessage{Message: o.message(models.System, models.MessageSystem, summary, "")})

	for _, p := range []models.PlayerID{models.Player1, models.Player2} {
		m, ok := s.SideMissions.AtRound(p, round)
		if ok && !m.Success && s.SelectedActions.Get(p.Opponent()) == m.TargetActionTag {
			o.logger.Info("side mission completed", "player", p, "round", round, "target", m.TargetActionTag)
			s = o.dispatch(ctx, CompleteSideMission{Round: round, Player: p})
		}
	}

	if round < o.catalog.MaxRounds() {
		o.sleep(ctx, o.opts.ResolutionDelay)
		s = o.dispatch(ctx, AdvanceRound{
			Player1Mission: o.assignMission(round + 1),
			Player2Mission: o.assignMission(round + 1),
		})
		return o.openIfQuiet(ctx, s)
	}

	closing := fmt.Sprintf("The music stops. The masks stay on for one last moment: %s and %s must decide how this night ends.",
		setup.Player.Name, setup.Opponent.Name)
	o.dispatch(ctx, AddMessage{Message: o.message(models.System, models.MessageSystem, closing, "")})
	o.sleep(ctx, o.opts.FinalDelay)

	s = o.dispatch(ctx, SetPhase{Phase: models.PhaseFinalDecision})
	return o.dispatch(ctx, SelectAction{Player: models.Player2, Tag: o.opponentFinalChoice(ctx, s)})
}

// SelectFinalChoice records the player's final choice, which alone decides
// the main mission, then summarizes and scores the game.
func (o *Orchestrator) SelectFinalChoice(ctx context.Context, tag string) (models.GameState, error) {
	if err := o.ready(); err != nil {
		return models.GameState{}, err
	}
	if !o.acquire(AwaitingResolution) {
		return models.GameState{}, ErrBusy
	}
	defer o.release()

	s := o.State()
	if s.CurrentPhase != models.PhaseFinalDecision {
		return models.GameState{}, ErrWrongPhase
	}
	choice, ok := o.catalog.FindFinalChoice(o.Setup().Player.Background, tag)
	if !ok {
		return models.GameState{}, ErrInvalidAction
	}
	if s.SelectedActions.Player1 != "" {
		return models.GameState{}, ErrAlreadySelected
	}

	s = o.dispatch(ctx, SelectAction{Player: models.Player1, Tag: choice.Tag})
	s = o.dispatch(ctx, SetMainMissionSuccess{Success: choice.Success})
	if s.SelectedActions.Player2 == "" {
		s = o.dispatch(ctx, SelectAction{Player: models.Player2, Tag: o.opponentFinalChoice(ctx, s)})
	}
	return redact(o.resolveFinal(context.WithoutCancel(ctx))), nil
}

func (o *Orchestrator) resolveFinal(ctx context.Context) models.GameState {
	s := o.State()
	if s.CurrentPhase != models.PhaseFinalDecision || !s.SelectedActions.Both() {
		return s
	}

	setup := o.Setup()
	playerChoice, _ := o.catalog.FindFinalChoice(setup.Player.Background, s.SelectedActions.Player1)
	opponentChoice, _ := o.catalog.FindFinalChoice(setup.Opponent.Background, s.SelectedActions.Player2)

	summary := fmt.Sprintf("Final moment: %s chose \"%s\". %s\n%s chose \"%s\". %s",
		setup.Player.Name, playerChoice.Label, playerChoice.Outcome,
		setup.Opponent.Name, opponentChoice.Label, opponentChoice.Outcome)
	o.dispatch(ctx, AddMessage{Message: o.message(models.System, models.MessageSystem, summary, "")})
	o.sleep(ctx, o.opts.FinalDelay)

	return o.score(ctx)
}

// score runs exactly once per game
func (o *Orchestrator) score(ctx context.Context) models.GameState {
	s := o.State()
	if s.IsScoring || s.FinalScore != nil {
		return s
	}
	s = o.dispatch(ctx, StartScoring{})

	setup := o.Setup()
	raw, err := o.brain.ScorePerformance(ctx, &interfaces.ScoreRequest{
		PlayerName:   setup.Player.Name,
		OpponentName: setup.Opponent.Name,
		MainMission:  o.catalog.MissionFor(setup.Player.Background).MainMission,
		Transcript:   transcript(s.ChatLog),
	})
	if err != nil {
		o.logger.Warn("performance scoring failed, using neutral score", "error", err, "neutral", o.opts.NeutralPerformance)
	}
	performance := ClampPerformance(raw, err, o.opts.NeutralPerformance)

	final := ComputeScore(o.catalog, s.MainMissionSuccess, s.SideMissions.Completed(models.Player1), performance)
	s = o.dispatch(ctx, SetFinalScore{Score: final})
	o.logger.Info("game scored", "total", final.TotalScore, "title", final.Title)

	o.archive(ctx, s)
	return s
}

func (o *Orchestrator) archive(ctx context.Context, s models.GameState) {
	if o.recorder == nil || s.FinalScore == nil {
		return
	}

	log, err := json.Marshal(s.ChatLog)
	if err != nil {
		o.logger.Warn("failed to serialize transcript", "error", err)
	}

	setup := o.Setup()
	record := &models.GameRecord{
		SessionID:          o.id,
		PlayerName:         setup.Player.Name,
		PlayerBackground:   setup.Player.Background,
		OpponentName:       setup.Opponent.Name,
		OpponentBackground: setup.Opponent.Background,
		MainMission:        s.FinalScore.MainMission,
		SideMissions:       s.FinalScore.SideMissions,
		Performance:        s.FinalScore.Performance,
		TotalScore:         s.FinalScore.TotalScore,
		Title:              s.FinalScore.Title,
		EndingText:         s.FinalScore.EndingText,
		Transcript:         string(log),
		FinishedAt:         o.now(),
	}
	if err := o.recorder.RecordResult(ctx, record); err != nil {
		o.logger.Warn("failed to archive result", "error", err)
	}
}

// Share builds the summary card of a finished game
func (o *Orchestrator) Share() (ShareCard, error) {
	s := o.State()
	if s.FinalScore == nil {
		return ShareCard{}, ErrGameNotFinished
	}
	setup := o.Setup()
	return ShareCard{
		PlayerName:   setup.Player.Name,
		OpponentName: setup.Opponent.Name,
		Title:        s.FinalScore.Title,
		TotalScore:   s.FinalScore.TotalScore,
		EndingText:   s.FinalScore.EndingText,
		Text: fmt.Sprintf("%s faced %s at the masquerade and earned \"%s\" with %d points.",
			setup.Player.Name, setup.Opponent.Name, s.FinalScore.Title, s.FinalScore.TotalScore),
	}, nil
}

func (o *Orchestrator) opponentAction(ctx context.Context, s models.GameState) string {
	menu := o.catalog.ActionsFor(s.Round)
	options := make([]interfaces.Option, 0, len(menu))
	for _, a := range menu {
		options = append(options, interfaces.Option{Tag: a.Tag, Label: a.Label, Description: a.Description})
	}

	raw, err := o.brain.ChooseAction(ctx, &interfaces.ChoiceRequest{
		Persona: o.personaContext(s),
		Round:   s.Round,
		History: o.history(s),
		Options: options,
	})
	return o.pickTag("action", raw, err, options)
}

func (o *Orchestrator) opponentFinalChoice(ctx context.Context, s models.GameState) string {
	menu := o.catalog.FinalChoicesFor(o.Setup().Opponent.Background)
	options := make([]interfaces.Option, 0, len(menu))
	for _, c := range menu {
		options = append(options, interfaces.Option{Tag: c.Tag, Label: c.Label, Description: c.Outcome})
	}

	raw, err := o.brain.ChooseFinalChoice(ctx, &interfaces.ChoiceRequest{
		Persona: o.personaContext(s),
		Round:   s.Round,
		History: o.history(s),
		Options: options,
	})
	return o.pickTag("final choice", raw, err, options)
}

// pickTag validates the opponent's answer and falls back to a uniformly
// random valid tag
func (o *Orchestrator) pickTag(kind, raw string, err error, options []interfaces.Option) string {
	valid := make([]string, len(options))
	for i, opt := range options {
		valid[i] = opt.Tag
	}
	if err == nil {
		if tag, ok := matchTag(raw, valid); ok {
			return tag
		}
	}
	fallback := valid[o.rng.IntN(len(valid))]
	o.logger.Warn("opponent "+kind+" unusable, picking at random", "error", err, "raw", raw, "fallback", fallback)
	return fallback
}

func (o *Orchestrator) personaContext(s models.GameState) interfaces.PersonaContext {
	setup := o.Setup()
	mission := o.catalog.MissionFor(setup.Opponent.Background)
	side, _ := s.SideMissions.AtRound(models.Player2, s.Round)
	return interfaces.PersonaContext{
		Name:            setup.Opponent.Name,
		Background:      setup.Opponent.Background,
		SocialRole:      setup.Opponent.SocialRole,
		Personality:     setup.Opponent.Personality,
		SecretBackstory: mission.SecretBackstory,
		MainMission:     mission.MainMission,
		SideMission:     side.Description,
		StoryBackground: o.catalog.StoryBackground,
		PlayerName:      setup.Player.Name,
	}
}

// history is the most recent conversation as the opponent sees it. Older
// turns are dropped.
func (o *Orchestrator) history(s models.GameState) []interfaces.Turn {
	turns := transcript(s.ChatLog)
	if len(turns) > o.opts.HistoryWindow {
		turns = turns[len(turns)-o.opts.HistoryWindow:]
	}
	return turns
}

func transcript(log []models.Message) []interfaces.Turn {
	turns := make([]interfaces.Turn, 0, len(log))
	for _, m := range log {
		switch m.SenderID {
		case models.Player1:
			turns = append(turns, interfaces.Turn{Role: "user", Content: m.Text()})
		case models.Player2:
			turns = append(turns, interfaces.Turn{Role: "assistant", Content: m.Text()})
		}
	}
	return turns
}

func fallbackNarration(setup models.Setup, player, opponent models.Action) string {
	return fmt.Sprintf("%s tries to %s while %s answers with %s. Neither of them gives an inch, and the crowd around them falls quiet.",
		setup.Player.Name, strings.ToLower(player.Label), setup.Opponent.Name, strings.ToLower(opponent.Label))
}

func (o *Orchestrator) message(sender models.PlayerID, kind models.MessageType, content, transcribed string) models.Message {
	o.mu.Lock()
	round := o.state.Round
	name := o.setup.NameOf(sender)
	o.mu.Unlock()

	return models.Message{
		SenderID:        sender,
		Content:         content,
		Type:            kind,
		Round:           round,
		Timestamp:       o.now().UnixMilli(),
		SenderName:      name,
		TranscribedText: transcribed,
	}
}

// dispatch applies one action, persists the result and notifies listeners
func (o *Orchestrator) dispatch(ctx context.Context, action Action) models.GameState {
	o.mu.Lock()
	o.state = Reduce(o.state, action)
	s := o.state.Clone()
	setup := o.setup
	listeners := make([]func(models.GameState), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()
	o.lastActive.Store(o.now())

	o.logger.Debug("dispatched", "action", action.Kind(), "round", s.Round, "phase", s.CurrentPhase)

	if err := o.persistence.Save(context.WithoutCancel(ctx), setup, s); err != nil {
		o.logger.Warn("failed to persist state", "error", err, "action", action.Kind())
	}
	for _, fn := range listeners {
		fn(redact(s.Clone()))
	}
	return s
}

func (o *Orchestrator) ready() error {
	if o.ResumePending() {
		return ErrResumePending
	}
	return nil
}

func (o *Orchestrator) acquire(next RequestState) bool {
	return o.pending.CompareAndSwap(int32(Idle), int32(next))
}

func (o *Orchestrator) release() {
	o.pending.Store(int32(Idle))
}

func (o *Orchestrator) assignMission(round int) models.SideMission {
	return o.catalog.AssignSideMission(o.rng, round)
}

// sleep is narrative pacing only; it gives up early when ctx ends
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// lockedRand serializes access to a Rand that is not safe for concurrent use
type lockedRand struct {
	mu  sync.Mutex
	src scenario.Rand
}

func (r *lockedRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.IntN(n)
}
