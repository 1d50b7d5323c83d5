package services

import (
	"context"
	"time"

	"trivia_backend/internal/models"
)

// AchievementStore awards achievements at most once per player.
// AwardAchievement reports whether the achievement belongs to a.GameID: it was
// inserted now, or by an earlier call for the same game.
type AchievementStore interface {
	AwardAchievement(ctx context.Context, a models.AchievementRecord) (bool, error)
	PlayerAchievements(ctx context.Context, playerName string) ([]models.AchievementRecord, error)
}

// GameOutcome is the part of a finished game the achievement rules look at.
type GameOutcome struct {
	PlayerName string
	GameID     string
	Score      int
	Total      int
	Percentage float64
}

type achievementRule struct {
	kind        string
	name        string
	description string
	earned      func(g GameOutcome, priorGames int) bool
}

var achievementRules = []achievementRule{
	{
		kind:        "performance",
		name:        "Perfect Game",
		description: "Answered every question correctly",
		earned:      func(g GameOutcome, _ int) bool { return g.Percentage == 100.0 },
	},
	{
		kind:        "performance",
		name:        "Trivia Master",
		description: "Scored 90% or higher",
		earned:      func(g GameOutcome, _ int) bool { return g.Percentage >= 90.0 },
	},
	{
		kind:        "endurance",
		name:        "Marathon Player",
		description: "Finished a game of 20 or more questions",
		earned:      func(g GameOutcome, _ int) bool { return g.Total >= 20 },
	},
	{
		kind:        "milestone",
		name:        "Welcome Player",
		description: "Completed your first game",
		earned:      func(_ GameOutcome, priorGames int) bool { return priorGames == 0 },
	},
}

type AchievementEvaluator struct {
	store AchievementStore
	now   func() time.Time
}

func NewAchievementEvaluator(store AchievementStore) *AchievementEvaluator {
	return &AchievementEvaluator{store: store, now: time.Now}
}

// Evaluate awards every achievement g qualifies for and returns the ones this
// game earned. Evaluating the same game again returns the same set, so a
// retried submission still reports them. priorGames excludes g itself.
func (e *AchievementEvaluator) Evaluate(ctx context.Context, g GameOutcome, priorGames int) ([]models.AchievementRecord, error) {
	earned := []models.AchievementRecord{}
	for _, rule := range achievementRules {
		if !rule.earned(g, priorGames) {
			continue
		}
		rec := models.AchievementRecord{
			PlayerName:  g.PlayerName,
			Type:        rule.kind,
			Name:        rule.name,
			Description: rule.description,
			GameID:      g.GameID,
			EarnedAt:    e.now().UTC(),
		}
		ours, err := e.store.AwardAchievement(ctx, rec)
		if err != nil {
			return nil, err
		}
		if ours {
			earned = append(earned, rec)
		}
	}
	return earned, nil
}
