// Package game implements the per-player quiz session: selecting the
// question snapshot, presenting shuffled questions, checking answers and
// tallying the result.
package game

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"trivia_backend/internal/apperr"
	"trivia_backend/internal/models"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

const noExplanation = "No additional information available."

// StatsReader looks up global statistics for a question. A nil stat means
// the question was never answered.
type StatsReader interface {
	GetQuestionStat(ctx context.Context, questionID string) (*models.QuestionStat, error)
}

// OutcomeRecorder stores the outcome of one answer for a canonical question.
// Recording the same game and position twice counts once.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o models.AnswerOutcome) error
}

// Selector draws n questions from a pool without replacement.
type Selector func(n int, pool []models.QuestionRecord) ([]models.QuestionRecord, error)

// GameSession is owned by a single client token. Questions is a snapshot
// taken at Start; shuffles rewrite the snapshot only. GameID names one played
// game and changes with every Start.
type GameSession struct {
	Token          string                  `json:"token"`
	GameID         string                  `json:"game_id"`
	Questions      []models.QuestionRecord `json:"questions"`
	CurrentIndex   int                     `json:"current_index"`
	Score          int                     `json:"score"`
	Answers        []models.AnswerRecord   `json:"answers"`
	TotalQuestions int                     `json:"total_questions"`
	Category       string                  `json:"category"`
	Difficulty     string                  `json:"difficulty"`
	StartTime      time.Time               `json:"start_time"`
	ScoreSubmitted bool                    `json:"score_submitted"`
}

type GlobalStats struct {
	TimesAnswered int     `json:"timesAnswered"`
	Accuracy      float64 `json:"accuracy"`
}

// QuestionView is the client-facing rendering of the question at the cursor.
type QuestionView struct {
	Question       string      `json:"question"`
	Options        []string    `json:"options"`
	QuestionNumber int         `json:"questionNumber"`
	TotalQuestions int         `json:"totalQuestions"`
	Category       string      `json:"category"`
	Subcategory    string      `json:"subcategory"`
	Difficulty     string      `json:"difficulty"`
	GlobalStats    GlobalStats `json:"globalStats"`
}

type AnswerResult struct {
	Correct        bool   `json:"correct"`
	CorrectIndex   int    `json:"correctIndex"`
	CorrectAnswer  string `json:"correctAnswer"`
	Explanation    string `json:"explanation"`
	IsLastQuestion bool   `json:"isLastQuestion"`
}

type Results struct {
	Score          int                     `json:"score"`
	TotalQuestions int                     `json:"totalQuestions"`
	Percentage     float64                 `json:"percentage"`
	Answers        []models.AnswerRecord   `json:"answers"`
	Questions      []models.QuestionRecord `json:"questions"`
	Category       string                  `json:"category"`
	Difficulty     string                  `json:"difficulty"`
	StartTime      time.Time               `json:"startTime"`
}

func (s *GameSession) Status() Status {
	switch {
	case s.TotalQuestions == 0:
		return StatusNotStarted
	case s.CurrentIndex < s.TotalQuestions:
		return StatusInProgress
	default:
		return StatusCompleted
	}
}

// Start selects up to n questions from pool and resets the session around
// them. n is clamped to the pool size. On error the session is unchanged.
func (s *GameSession) Start(pool []models.QuestionRecord, n int, category, difficulty string, selector Selector, now time.Time) error {
	if len(pool) == 0 {
		return apperr.ErrNoMatchingQuestions
	}
	if n > len(pool) {
		n = len(pool)
	}
	if n < 1 {
		return apperr.InvalidInput("numQuestions", "numQuestions must be at least 1")
	}

	selected, err := selector(n, pool)
	if err != nil {
		return err
	}

	token := s.Token
	*s = GameSession{
		Token:          token,
		Questions:      selected,
		Answers:        []models.AnswerRecord{},
		TotalQuestions: len(selected),
		Category:       category,
		Difficulty:     difficulty,
		StartTime:      now,
	}
	return nil
}

// CurrentQuestion reshuffles the options of the question at the cursor and
// returns the presentation. The shuffled order is kept in the session so the
// next answer is checked against exactly what was shown.
func (s *GameSession) CurrentQuestion(ctx context.Context, stats StatsReader) (*QuestionView, error) {
	switch s.Status() {
	case StatusNotStarted:
		return nil, apperr.ErrNoActiveGame
	case StatusCompleted:
		return nil, apperr.ErrNoMoreQuestions
	}

	q := s.Questions[s.CurrentIndex]

	stat, err := stats.GetQuestionStat(ctx, q.ID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	global := GlobalStats{}
	if stat != nil {
		global.TimesAnswered = stat.Attempts()
		global.Accuracy = stat.Accuracy()
	}

	shuffled := Shuffle(q)
	s.Questions[s.CurrentIndex] = shuffled

	return &QuestionView{
		Question:       shuffled.Question,
		Options:        append([]string(nil), shuffled.Options...),
		QuestionNumber: s.CurrentIndex + 1,
		TotalQuestions: s.TotalQuestions,
		Category:       shuffled.Category,
		Subcategory:    shuffled.Subcategory,
		Difficulty:     shuffled.Difficulty,
		GlobalStats:    global,
	}, nil
}

// Shuffle returns a copy of q with its options in a fresh random order and
// Correct pointing at the original correct option.
func Shuffle(q models.QuestionRecord) models.QuestionRecord {
	out := q.Clone()
	perm := rand.Perm(len(q.Options))
	for i, from := range perm {
		out.Options[i] = q.Options[from]
		if from == q.Correct {
			out.Correct = i
		}
	}
	return out
}

// SubmitAnswer checks selected against the question as last presented. The
// outcome is recorded before the session is touched, so a storage failure
// leaves the cursor where it was.
func (s *GameSession) SubmitAnswer(ctx context.Context, selected int, recorder OutcomeRecorder) (*AnswerResult, error) {
	if s.Status() != StatusInProgress {
		return nil, apperr.ErrNoActiveGame
	}

	q := s.Questions[s.CurrentIndex]
	if selected < 0 || selected >= len(q.Options) {
		return nil, apperr.InvalidInput("answer", fmt.Sprintf("answer must be between 0 and %d", len(q.Options)-1))
	}
	correct := selected == q.Correct

	outcome := models.AnswerOutcome{GameID: s.GameID, Position: s.CurrentIndex, QuestionID: q.ID, Correct: correct}
	if err := recorder.RecordOutcome(ctx, outcome); err != nil {
		return nil, apperr.Storage(err)
	}

	s.Answers = append(s.Answers, models.AnswerRecord{
		Question:      q.Question,
		UserAnswer:    selected,
		Correct:       correct,
		CorrectAnswer: q.Correct,
	})
	if correct {
		s.Score++
	}
	s.CurrentIndex++

	explanation := q.Explanation
	if explanation == "" {
		explanation = noExplanation
	}
	return &AnswerResult{
		Correct:        correct,
		CorrectIndex:   q.Correct,
		CorrectAnswer:  q.CorrectOption(),
		Explanation:    explanation,
		IsLastQuestion: s.CurrentIndex >= s.TotalQuestions,
	}, nil
}

// Results summarizes the session. It is available as soon as one answer has
// been submitted.
func (s *GameSession) Results() (*Results, error) {
	if s.TotalQuestions == 0 || len(s.Answers) == 0 {
		return nil, apperr.ErrNoCompletedGame
	}
	return &Results{
		Score:          s.Score,
		TotalQuestions: s.TotalQuestions,
		Percentage:     models.Percentage(s.Score, s.TotalQuestions),
		Answers:        append([]models.AnswerRecord(nil), s.Answers...),
		Questions:      append([]models.QuestionRecord(nil), s.Questions...),
		Category:       s.Category,
		Difficulty:     s.Difficulty,
		StartTime:      s.StartTime,
	}, nil
}

// Reset clears all state except the token.
func (s *GameSession) Reset() {
	*s = GameSession{Token: s.Token}
}
