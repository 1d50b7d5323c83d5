package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// OptionCount is the fixed number of options every question carries.
const OptionCount = 4

// QuestionRecord is one question of the canonical question collection.
type QuestionRecord struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Difficulty  string   `json:"difficulty"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Correct     int      `json:"correctAnswer"`
	Explanation string   `json:"explanation"`
}

// UnmarshalJSON accepts either `correct` or `correctAnswer` for the correct
// option index and folds a non-empty `funFact` into the explanation.
func (q *QuestionRecord) UnmarshalJSON(data []byte) error {
	type Alias QuestionRecord
	aux := &struct {
		Correct       *int   `json:"correct"`
		CorrectAnswer *int   `json:"correctAnswer"`
		FunFact       string `json:"funFact"`
		*Alias
	}{
		Alias: (*Alias)(q),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch {
	case aux.CorrectAnswer != nil:
		q.Correct = *aux.CorrectAnswer
	case aux.Correct != nil:
		q.Correct = *aux.Correct
	default:
		q.Correct = -1
	}
	if aux.FunFact != "" {
		q.Explanation = q.Explanation + "\n\n" + aux.FunFact
	}
	return nil
}

// Validate checks the options/correct-index invariant.
func (q QuestionRecord) Validate() error {
	if len(q.Options) != OptionCount {
		return fmt.Errorf("question %q has %d options, want %d", q.ID, len(q.Options), OptionCount)
	}
	if q.Correct < 0 || q.Correct >= len(q.Options) {
		return fmt.Errorf("question %q has correct index %d out of range", q.ID, q.Correct)
	}
	return nil
}

// Clone returns a copy that shares no slices with q.
func (q QuestionRecord) Clone() QuestionRecord {
	c := q
	c.Options = append([]string(nil), q.Options...)
	return c
}

// CorrectOption is the text of the correct option.
func (q QuestionRecord) CorrectOption() string {
	if q.Correct < 0 || q.Correct >= len(q.Options) {
		return ""
	}
	return q.Options[q.Correct]
}

type AnswerRecord struct {
	Question      string `json:"question"`
	UserAnswer    int    `json:"userAnswer"`
	Correct       bool   `json:"correct"`
	CorrectAnswer int    `json:"correctAnswer"`
}

// AnswerOutcome is one answered question. GameID and Position identify the
// answer so a retried submission is counted once.
type AnswerOutcome struct {
	GameID     string
	Position   int
	QuestionID string
	Correct    bool
}

type QuestionStat struct {
	QuestionID     string `json:"question_id"`
	TimesShown     int    `json:"times_shown"`
	TimesCorrect   int    `json:"times_correct"`
	TimesIncorrect int    `json:"times_incorrect"`
}

func (s QuestionStat) Attempts() int {
	return s.TimesCorrect + s.TimesIncorrect
}

// Accuracy is the correct share in percent, rounded to one decimal. It is 0
// when the question has never been answered.
func (s QuestionStat) Accuracy() float64 {
	if s.Attempts() == 0 {
		return 0
	}
	return Round1(float64(s.TimesCorrect) / float64(s.Attempts()) * 100)
}

type LeaderboardEntry struct {
	ID             int64     `json:"id"`
	Rank           int       `json:"rank,omitempty"`
	PlayerName     string    `json:"player_name"`
	Score          int       `json:"score"`
	TotalQuestions int       `json:"total_questions"`
	Percentage     float64   `json:"percentage"`
	Category       string    `json:"category"`
	Difficulty     string    `json:"difficulty"`
	GameID         string    `json:"game_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type PlayerSummary struct {
	TotalGames        int               `json:"total_games"`
	TotalQuestions    int               `json:"total_questions"`
	TotalCorrect      int               `json:"total_correct"`
	AveragePercentage float64           `json:"average_percentage"`
	BestGame          *LeaderboardEntry `json:"best_game"`
}

type AchievementRecord struct {
	PlayerName  string    `json:"player_name"`
	Type        string    `json:"achievement_type"`
	Name        string    `json:"achievement_name"`
	Description string    `json:"description"`
	GameID      string    `json:"game_id,omitempty"`
	EarnedAt    time.Time `json:"earned_at"`
}

// Round1 rounds to one decimal place, halves away from zero.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Percentage returns score/total as a percentage rounded to one decimal.
func Percentage(score, total int) float64 {
	if total <= 0 {
		return 0
	}
	return Round1(float64(score) / float64(total) * 100)
}
