package engine

import (
	"math"
	"strings"

	"social-duel/server/internal/models"
	"social-duel/server/internal/scenario"
)

const (
	mainMissionPoints = 3
	minPerformance    = 1
	maxPerformance    = 10
)

// ClampPerformance turns a raw grade into an integer in [1,10]. A failed
// or non-numeric grade becomes neutral.
func ClampPerformance(raw float64, err error, neutral int) int {
	if err != nil || math.IsNaN(raw) || math.IsInf(raw, 0) {
		raw = float64(neutral)
	}
	score := int(math.Round(raw))
	if score < minPerformance {
		return minPerformance
	}
	if score > maxPerformance {
		return maxPerformance
	}
	return score
}

// ComputeScore totals the three contributions and picks the ending tier
func ComputeScore(catalog *scenario.Catalog, mainMission bool, sideMissions, performance int) models.FinalScore {
	total := sideMissions + performance
	if mainMission {
		total += mainMissionPoints
	}
	ending := catalog.EndingFor(total)
	return models.FinalScore{
		MainMission:  mainMission,
		SideMissions: sideMissions,
		Performance:  performance,
		TotalScore:   total,
		EndingText:   ending.Text,
		Title:        ending.Title,
	}
}

// matchTag extracts a menu tag from free model output. It accepts the bare
// tag wrapped in whitespace, quotes, brackets or trailing punctuation.
func matchTag(raw string, valid []string) (string, bool) {
	candidate := strings.Trim(strings.TrimSpace(raw), " \t\r\n\"'`*.,;:!?()[]{}<>")
	if candidate == "" {
		return "", false
	}
	for _, tag := range valid {
		if strings.EqualFold(candidate, tag) {
			return tag, true
		}
	}
	return "", false
}
