// Package scenario holds the static data an RPG session is played against:
// the shared story background, per-background secret missions, the fixed
// action menu of each round, final-choice menus and the side-mission pool.
package scenario

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"social-duel/server/internal/models"
)

// DefaultBackground is the fallback entry for unknown backgrounds
const DefaultBackground = "Default"

// ActionsPerRound is the fixed size of every round's action menu
const ActionsPerRound = 4

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Mission is the secret part of a background
type Mission struct {
	SecretBackstory string `yaml:"secret_backstory" json:"secret_backstory"`
	MainMission     string `yaml:"main_mission" json:"main_mission"`
}

// SideMissionTemplate is a pool entry before it is stamped with a round
type SideMissionTemplate struct {
	TargetActionTag string `yaml:"target_action_tag" json:"target_action_tag"`
	Description     string `yaml:"description" json:"description"`
}

// Catalog is read-only once parsed
type Catalog struct {
	StoryBackground  string                                `yaml:"story_background"`
	Missions         map[string]Mission                    `yaml:"missions"`
	RoundActions     [][]models.Action                     `yaml:"round_actions"`
	FinalChoices     map[string][]models.FinalChoiceOption `yaml:"final_choices"`
	SideMissionsPool []SideMissionTemplate                 `yaml:"side_missions_pool"`
	Endings          []Ending                              `yaml:"endings"`
}

// Ending is a score tier; the first tier whose MinScore is reached wins
type Ending struct {
	MinScore int    `yaml:"min_score" json:"min_score"`
	Title    string `yaml:"title" json:"title"`
	Text     string `yaml:"text" json:"text"`
}

// Rand is the randomness source used for mission assignment and fallbacks.
// *math/rand/v2.Rand satisfies it.
type Rand interface {
	IntN(n int) int
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog compiled into the binary
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("scenario: embedded catalog is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Load reads a catalog from a YAML file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.RoundActions) == 0 {
		return fmt.Errorf("catalog has no rounds")
	}
	for i, actions := range c.RoundActions {
		if len(actions) != ActionsPerRound {
			return fmt.Errorf("round %d has %d actions, want %d", i+1, len(actions), ActionsPerRound)
		}
		seen := make(map[string]bool, len(actions))
		for _, a := range actions {
			if a.Tag == "" || seen[a.Tag] {
				return fmt.Errorf("round %d has an empty or duplicate action tag %q", i+1, a.Tag)
			}
			seen[a.Tag] = true
		}
	}
	if _, ok := c.Missions[DefaultBackground]; !ok {
		return fmt.Errorf("catalog has no %q mission", DefaultBackground)
	}
	if len(c.FinalChoices[DefaultBackground]) == 0 {
		return fmt.Errorf("catalog has no %q final choices", DefaultBackground)
	}
	if len(c.SideMissionsPool) == 0 {
		return fmt.Errorf("side mission pool is empty")
	}
	if len(c.Endings) == 0 {
		return fmt.Errorf("catalog has no endings")
	}
	sort.SliceStable(c.Endings, func(i, j int) bool {
		return c.Endings[i].MinScore > c.Endings[j].MinScore
	})
	return nil
}

// MaxRounds is the number of rounds in a session
func (c *Catalog) MaxRounds() int {
	return len(c.RoundActions)
}

// MissionFor looks up a background, falling back to Default
func (c *Catalog) MissionFor(background string) Mission {
	if m, ok := c.Missions[background]; ok {
		return m
	}
	return c.Missions[DefaultBackground]
}

// ActionsFor returns the menu for a 1-based round, or nil when out of range
func (c *Catalog) ActionsFor(round int) []models.Action {
	if round < 1 || round > len(c.RoundActions) {
		return nil
	}
	return c.RoundActions[round-1]
}

// FindAction looks up a tag in a round's menu
func (c *Catalog) FindAction(round int, tag string) (models.Action, bool) {
	for _, a := range c.ActionsFor(round) {
		if a.Tag == tag {
			return a, true
		}
	}
	return models.Action{}, false
}

// FinalChoicesFor returns the final menu for a background, falling back to Default
func (c *Catalog) FinalChoicesFor(background string) []models.FinalChoiceOption {
	if choices, ok := c.FinalChoices[background]; ok && len(choices) > 0 {
		return choices
	}
	return c.FinalChoices[DefaultBackground]
}

// FindFinalChoice looks up a tag in a background's final menu
func (c *Catalog) FindFinalChoice(background, tag string) (models.FinalChoiceOption, bool) {
	for _, choice := range c.FinalChoicesFor(background) {
		if choice.Tag == tag {
			return choice, true
		}
	}
	return models.FinalChoiceOption{}, false
}

// AssignSideMission picks a pool entry uniformly at random, with replacement.
// The same template can come up for both sides or in consecutive rounds.
func (c *Catalog) AssignSideMission(rng Rand, round int) models.SideMission {
	tmpl := c.SideMissionsPool[rng.IntN(len(c.SideMissionsPool))]
	return models.SideMission{
		Round:           round,
		TargetActionTag: tmpl.TargetActionTag,
		Description:     tmpl.Description,
		Success:         false,
	}
}

// Backgrounds lists the named backgrounds, Default excluded
func (c *Catalog) Backgrounds() []string {
	names := make([]string, 0, len(c.Missions))
	for name := range c.Missions {
		if name != DefaultBackground {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EndingFor picks the tier for a total score. Scores below every tier get
// the lowest one.
func (c *Catalog) EndingFor(total int) Ending {
	for _, e := range c.Endings {
		if total >= e.MinScore {
			return e
		}
	}
	return c.Endings[len(c.Endings)-1]
}
