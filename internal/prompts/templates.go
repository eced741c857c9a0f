package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"social-duel/server/internal/interfaces"
)

// Template names registered by InitializeDefaultTemplates
const (
	TemplatePersona      = "persona_system"
	TemplateReply        = "opponent_reply"
	TemplateOpening      = "opening_line"
	TemplateChooseAction = "choose_action"
	TemplateChooseFinal  = "choose_final"
	TemplateNarrate      = "narrate"
	TemplateScore        = "score_performance"
)

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template is a prompt with {{variable}} placeholders
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// NewTemplateEngine creates an engine with the default templates loaded
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	_ = e.InitializeDefaultTemplates()
	return e
}

// RegisterTemplate adds or replaces a template
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	if tmpl == nil || tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if len(tmpl.Variables) == 0 {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.Name] = tmpl
	return nil
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Render substitutes vars into a template. Placeholders without a value
// in vars are left as they are.
func (e *TemplateEngine) Render(name string, vars map[string]string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}

	return varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		if value, ok := vars[varRegex.FindStringSubmatch(match)[1]]; ok {
			return value
		}
		return match
	}), nil
}

// InitializeDefaultTemplates registers the opponent prompts
func (e *TemplateEngine) InitializeDefaultTemplates() error {
	templates := []*Template{
		{
			Name:        TemplatePersona,
			Description: "System prompt that keeps the opponent in character",
			Content: `You are {{name}}, a guest at a masquerade. Stay in character at all times and never mention that you are an AI.

## Setting
{{story_background}}

## Who you are
Background: {{background}}
Social role: {{social_role}}
Personality: {{personality}}

## Your secret (never state it outright)
{{secret_backstory}}

## What you want tonight
Main mission: {{main_mission}}
This round you are also trying to: {{side_mission}}

You are talking to {{player_name}}. Keep replies under three sentences.`,
		},
		{
			Name:        TemplateReply,
			Description: "User turn carrying the player's latest line",
			Content:     `{{player_name}} says: "{{message}}"`,
		},
		{
			Name:        TemplateOpening,
			Description: "Asks the opponent to open a round",
			Content:     `Round {{round}} begins. Open the conversation with {{player_name}} in one or two sentences, nudging toward your goals without revealing them.`,
		},
		{
			Name:        TemplateChooseAction,
			Description: "Asks for one round action tag",
			Content: `Round {{round}}. Based on the conversation so far and your missions, choose exactly one action.

{{options}}

Answer with the tag only, for example: {{example_tag}}`,
		},
		{
			Name:        TemplateChooseFinal,
			Description: "Asks for one final choice tag",
			Content: `The night is ending. Choose how you act in the final moment.

{{options}}

Answer with the tag only, for example: {{example_tag}}`,
		},
		{
			Name:        TemplateNarrate,
			Description: "Narrates the clash of both actions",
			Content: `You are the narrator of a masquerade intrigue.
Round {{round}}: {{player_name}} chose "{{player_action}}" ({{player_action_description}}) while {{name}} chose "{{opponent_action}}" ({{opponent_action_description}}).
Describe the dramatic consequence in two sentences, in the third person, present tense.`,
		},
		{
			Name:        TemplateScore,
			Description: "Grades the player's conversation",
			Content: `You are judging a social deduction game. The player {{player_name}} was trying to: {{main_mission}}

Transcript:
{{transcript}}

Rate how persuasive, in-character and strategic {{player_name}} was on a scale of 1 to 10. Answer with the number only.`,
		},
	}

	for _, tmpl := range templates {
		if err := e.RegisterTemplate(tmpl); err != nil {
			return fmt.Errorf("failed to register template %s: %w", tmpl.Name, err)
		}
	}

	return nil
}

// PersonaVars maps a persona onto template variables
func PersonaVars(p interfaces.PersonaContext) map[string]string {
	return map[string]string{
		"name":             p.Name,
		"background":       p.Background,
		"social_role":      p.SocialRole,
		"personality":      p.Personality,
		"secret_backstory": p.SecretBackstory,
		"main_mission":     p.MainMission,
		"side_mission":     p.SideMission,
		"story_background": p.StoryBackground,
		"player_name":      p.PlayerName,
	}
}

// FormatOptions renders a menu as "- tag: label (description)" lines
func FormatOptions(options []interfaces.Option) string {
	lines := make([]string, 0, len(options))
	for _, o := range options {
		line := fmt.Sprintf("- %s: %s", o.Tag, o.Label)
		if o.Description != "" {
			line += " (" + o.Description + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatTranscript renders turns as "Name: text" lines
func FormatTranscript(turns []interfaces.Turn, playerName, opponentName string) string {
	var b strings.Builder
	for _, t := range turns {
		name := opponentName
		if t.Role == "user" {
			name = playerName
		}
		fmt.Fprintf(&b, "%s: %s\n", name, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseTemplateVariables extracts the sorted variable names of a template
func ParseTemplateVariables(templateContent string) []string {
	matches := varRegex.FindAllStringSubmatch(templateContent, -1)

	uniqueVars := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueVars[match[1]] = true
		}
	}

	vars := make([]string, 0, len(uniqueVars))
	for v := range uniqueVars {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// ImportTemplate registers a template from JSON, replacing one with the
// same name. Used to override the default prompts from config.
func (e *TemplateEngine) ImportTemplate(jsonData string) error {
	var tmpl Template
	if err := json.Unmarshal([]byte(jsonData), &tmpl); err != nil {
		return fmt.Errorf("failed to unmarshal template: %w", err)
	}

	tmpl.Variables = ParseTemplateVariables(tmpl.Content)

	return e.RegisterTemplate(&tmpl)
}

// LoadOverrides imports every *.json template found in dir
func (e *TemplateEngine) LoadOverrides(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list prompt overrides: %w", err)
	}
	sort.Strings(paths)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return i, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := e.ImportTemplate(string(data)); err != nil {
			return i, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return len(paths), nil
}
