package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"social-duel/server/internal/interfaces"
	"social-duel/server/internal/prompts"
)

// Conversation is a rendered prompt ready for a chat model
type Conversation struct {
	System    string
	History   []interfaces.Turn
	Prompt    string
	MaxTokens int
}

// Completer sends one conversation to a text model
type Completer interface {
	Complete(ctx context.Context, conv *Conversation) (string, error)
}

// Token budgets per request kind
const (
	replyTokens     = 200
	choiceTokens    = 16
	narrationTokens = 160
	scoreTokens     = 8
)

var numberRegex = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// Brain is the OpponentBrain backed by any Completer. It renders the
// prompt templates and hands the raw answer back; tag matching and score
// clamping happen in the orchestrator.
type Brain struct {
	llm       Completer
	templates *prompts.TemplateEngine
}

func NewBrain(llm Completer, templates *prompts.TemplateEngine) *Brain {
	if templates == nil {
		templates = prompts.NewTemplateEngine()
	}
	return &Brain{llm: llm, templates: templates}
}

func (b *Brain) Reply(ctx context.Context, req *interfaces.ReplyRequest) (string, error) {
	vars := prompts.PersonaVars(req.Persona)
	system, err := b.templates.Render(prompts.TemplatePersona, vars)
	if err != nil {
		return "", err
	}

	name := prompts.TemplateReply
	if req.Message == "" {
		name = prompts.TemplateOpening
	}
	vars["message"] = req.Message
	vars["round"] = strconv.Itoa(req.Round)
	prompt, err := b.templates.Render(name, vars)
	if err != nil {
		return "", err
	}

	text, err := b.llm.Complete(ctx, &Conversation{
		System:    system,
		History:   req.History,
		Prompt:    prompt,
		MaxTokens: replyTokens,
	})
	if err != nil {
		return "", fmt.Errorf("reply: %w", err)
	}
	return cleanReply(text, req.Persona.Name), nil
}

func (b *Brain) ChooseAction(ctx context.Context, req *interfaces.ChoiceRequest) (string, error) {
	return b.choose(ctx, prompts.TemplateChooseAction, req)
}

func (b *Brain) ChooseFinalChoice(ctx context.Context, req *interfaces.ChoiceRequest) (string, error) {
	return b.choose(ctx, prompts.TemplateChooseFinal, req)
}

func (b *Brain) choose(ctx context.Context, template string, req *interfaces.ChoiceRequest) (string, error) {
	if len(req.Options) == 0 {
		return "", fmt.Errorf("no options to choose from")
	}

	vars := prompts.PersonaVars(req.Persona)
	system, err := b.templates.Render(prompts.TemplatePersona, vars)
	if err != nil {
		return "", err
	}
	vars["round"] = strconv.Itoa(req.Round)
	vars["options"] = prompts.FormatOptions(req.Options)
	vars["example_tag"] = req.Options[0].Tag
	prompt, err := b.templates.Render(template, vars)
	if err != nil {
		return "", err
	}

	text, err := b.llm.Complete(ctx, &Conversation{
		System:    system,
		History:   req.History,
		Prompt:    prompt,
		MaxTokens: choiceTokens,
	})
	if err != nil {
		return "", fmt.Errorf("choose: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (b *Brain) Narrate(ctx context.Context, req *interfaces.NarrationRequest) (string, error) {
	vars := prompts.PersonaVars(req.Persona)
	vars["round"] = strconv.Itoa(req.Round)
	vars["player_action"] = req.PlayerAction.Label
	vars["player_action_description"] = req.PlayerAction.Description
	vars["opponent_action"] = req.OpponentAction.Label
	vars["opponent_action_description"] = req.OpponentAction.Description
	prompt, err := b.templates.Render(prompts.TemplateNarrate, vars)
	if err != nil {
		return "", err
	}

	text, err := b.llm.Complete(ctx, &Conversation{
		System:    req.Persona.StoryBackground,
		Prompt:    prompt,
		MaxTokens: narrationTokens,
	})
	if err != nil {
		return "", fmt.Errorf("narrate: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (b *Brain) ScorePerformance(ctx context.Context, req *interfaces.ScoreRequest) (float64, error) {
	prompt, err := b.templates.Render(prompts.TemplateScore, map[string]string{
		"player_name":  req.PlayerName,
		"main_mission": req.MainMission,
		"transcript":   prompts.FormatTranscript(req.Transcript, req.PlayerName, req.OpponentName),
	})
	if err != nil {
		return 0, err
	}

	text, err := b.llm.Complete(ctx, &Conversation{
		Prompt:    prompt,
		MaxTokens: scoreTokens,
	})
	if err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	return ParseScore(text)
}

// ParseScore extracts the first number of a model answer
func ParseScore(text string) (float64, error) {
	match := numberRegex.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("no score in %q", text)
	}
	return strconv.ParseFloat(match, 64)
}

// cleanReply strips a "Name:" prefix and wrapping quotes the model adds
// now and then
func cleanReply(text, name string) string {
	text = strings.TrimSpace(text)
	if name != "" {
		text = strings.TrimSpace(strings.TrimPrefix(text, name+":"))
	}
	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
		text = text[1 : len(text)-1]
	}
	return strings.TrimSpace(text)
}
