package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"trivia_backend/internal/apperr"
	"trivia_backend/internal/cache"
	"trivia_backend/internal/database"
	"trivia_backend/internal/game"
	"trivia_backend/internal/generator"
	"trivia_backend/internal/metrics"
	"trivia_backend/internal/models"
	"trivia_backend/internal/questions"
)

const (
	DefaultLeaderboardLimit = 10
	MaxPlayerNameLength     = 50
)

type QuizServiceInterface interface {
	StartGame(ctx context.Context, token string, req StartRequest) (*StartResponse, error)
	CurrentQuestion(ctx context.Context, token string) (*game.QuestionView, error)
	SubmitAnswer(ctx context.Context, token string, answer int) (*game.AnswerResult, error)
	Results(ctx context.Context, token string) (*game.Results, error)
	Reset(ctx context.Context, token string) error
	SubmitScore(ctx context.Context, token, playerName string) (*ScoreSubmission, error)
	GetLeaderboard(ctx context.Context, category, difficulty string, limit int) ([]models.LeaderboardEntry, error)
	PlayerStats(ctx context.Context, playerName string, limit int) (*PlayerStats, error)
	QuestionStat(ctx context.Context, questionID string) (*QuestionStatView, error)
	GenerateQuestion(ctx context.Context, token, category string) (*models.QuestionRecord, error)
	Categories() Catalog
}

type StatsStore interface {
	game.StatsReader
	game.OutcomeRecorder
}

type LeaderboardStore interface {
	AppendLeaderboardEntry(ctx context.Context, e *models.LeaderboardEntry) (int64, error)
	QueryLeaderboard(ctx context.Context, category, difficulty string, limit int) ([]models.LeaderboardEntry, error)
	PlayerHistory(ctx context.Context, playerName string, limit int) ([]models.LeaderboardEntry, models.PlayerSummary, error)
	CountPlayerGames(ctx context.Context, playerName, excludeGameID string) (int, error)
}

type SessionStore interface {
	LoadSession(ctx context.Context, token string) (*game.GameSession, error)
	SaveSession(ctx context.Context, s *game.GameSession) error
	DeleteSession(ctx context.Context, token string) error
	ClaimGeneration(ctx context.Context, token string) (bool, error)
	ReleaseGeneration(ctx context.Context, token string) error
}

type LeaderboardCache interface {
	GetLeaderboard(ctx context.Context, key string) ([]models.LeaderboardEntry, bool, error)
	SetLeaderboard(ctx context.Context, key string, entries []models.LeaderboardEntry) error
	InvalidateLeaderboards(ctx context.Context) error
}

type QuestionGenerator interface {
	Generate(ctx context.Context, category string) (models.QuestionRecord, error)
}

// Deps bundles the collaborators of QuizService. Generator may be nil when
// no text-generation backend is configured.
type Deps struct {
	Questions        *questions.Store
	Stats            StatsStore
	Leaderboard      LeaderboardStore
	Achievements     AchievementStore
	Sessions         SessionStore
	Cache            LeaderboardCache
	Generator        QuestionGenerator
	Metrics          *metrics.Metrics
	Log              *zap.Logger
	DefaultQuestions int
}

type QuizService struct {
	Deps
	evaluator *AchievementEvaluator
	now       func() time.Time
	newToken  func() string
}

func NewQuizService(d Deps) *QuizService {
	if d.DefaultQuestions < 1 {
		d.DefaultQuestions = 10
	}
	return &QuizService{
		Deps:      d,
		evaluator: NewAchievementEvaluator(d.Achievements),
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

type StartRequest struct {
	NumQuestions *int   `json:"numQuestions"`
	Category     string `json:"category"`
	Difficulty   string `json:"difficulty"`
}

type Catalog struct {
	Categories   []string `json:"categories"`
	Difficulties []string `json:"difficulties"`
}

type StartResponse struct {
	Success        bool   `json:"success"`
	Token          string `json:"token"`
	TotalQuestions int    `json:"totalQuestions"`
	Catalog
}

type ScoreSubmission struct {
	Entry           models.LeaderboardEntry    `json:"entry"`
	NewAchievements []models.AchievementRecord `json:"newAchievements"`
}

type PlayerStats struct {
	PlayerName   string                     `json:"playerName"`
	History      []models.LeaderboardEntry  `json:"history"`
	Summary      models.PlayerSummary       `json:"summary"`
	Achievements []models.AchievementRecord `json:"achievements"`
}

type QuestionStatView struct {
	QuestionID     string  `json:"questionId"`
	Question       string  `json:"question"`
	TimesShown     int     `json:"timesShown"`
	TimesCorrect   int     `json:"timesCorrect"`
	TimesIncorrect int     `json:"timesIncorrect"`
	TimesAnswered  int     `json:"timesAnswered"`
	Accuracy       float64 `json:"accuracy"`
}

func filterOrAll(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return questions.FilterAll
	}
	return v
}

// StartGame begins a new game for token, replacing any game the token had.
// An empty token gets a fresh one.
func (s *QuizService) StartGame(ctx context.Context, token string, req StartRequest) (*StartResponse, error) {
	n := s.DefaultQuestions
	if req.NumQuestions != nil {
		n = *req.NumQuestions
	}
	category, difficulty := filterOrAll(req.Category), filterOrAll(req.Difficulty)
	if token == "" {
		token = s.newToken()
	}

	sess := &game.GameSession{Token: token}
	pool := s.Questions.Filter(category, difficulty)
	if err := sess.Start(pool, n, category, difficulty, questions.SelectRandom, s.now().UTC()); err != nil {
		return nil, err
	}
	sess.GameID = s.newToken()
	if err := s.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Storage(err)
	}

	s.Metrics.GamesStarted.Inc()
	s.Log.Info("game started",
		zap.String("token", token),
		zap.Int("questions", sess.TotalQuestions),
		zap.String("category", category),
		zap.String("difficulty", difficulty))

	return &StartResponse{
		Success:        true,
		Token:          token,
		TotalQuestions: sess.TotalQuestions,
		Catalog:        s.Categories(),
	}, nil
}

func (s *QuizService) Categories() Catalog {
	return Catalog{Categories: s.Questions.Categories(), Difficulties: s.Questions.Difficulties()}
}

func (s *QuizService) loadSession(ctx context.Context, token string) (*game.GameSession, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := s.Sessions.LoadSession(ctx, token)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return sess, nil
}

func (s *QuizService) CurrentQuestion(ctx context.Context, token string) (*game.QuestionView, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.ErrNoActiveGame
	}

	view, err := sess.CurrentQuestion(ctx, s.Stats)
	if err != nil {
		return nil, err
	}
	// the presented permutation must be stored before the client can answer
	if err := s.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Storage(err)
	}
	return view, nil
}

func (s *QuizService) SubmitAnswer(ctx context.Context, token string, answer int) (*game.AnswerResult, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.ErrNoActiveGame
	}

	res, err := sess.SubmitAnswer(ctx, answer, s.Stats)
	if err != nil {
		return nil, err
	}
	if err := s.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Storage(err)
	}

	result := "incorrect"
	if res.Correct {
		result = "correct"
	}
	s.Metrics.Answers.WithLabelValues(result).Inc()
	return res, nil
}

func (s *QuizService) Results(ctx context.Context, token string) (*game.Results, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.ErrNoCompletedGame
	}
	return sess.Results()
}

func (s *QuizService) Reset(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.Sessions.DeleteSession(ctx, token); err != nil {
		return apperr.Storage(err)
	}
	return nil
}

func validatePlayerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.InvalidInput("playerName", "Player name is required")
	}
	if utf8.RuneCountInString(name) > MaxPlayerNameLength {
		return "", apperr.InvalidInput("playerName", "Player name too long (max 50 characters)")
	}
	return name, nil
}

// SubmitScore records a finished game on the leaderboard and evaluates
// achievements. Each game can be submitted once. A call that failed part way
// can be retried: the entry is keyed by the game id, awarding is
// insert-if-absent, and the session only counts as submitted once
// achievements were evaluated.
func (s *QuizService) SubmitScore(ctx context.Context, token, playerName string) (*ScoreSubmission, error) {
	name, err := validatePlayerName(playerName)
	if err != nil {
		return nil, err
	}
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Status() != game.StatusCompleted {
		return nil, apperr.ErrNoCompletedGame
	}
	if sess.ScoreSubmitted {
		return nil, apperr.ErrScoreSubmitted
	}
	results, err := sess.Results()
	if err != nil {
		return nil, err
	}
	if sess.GameID == "" {
		sess.GameID = s.newToken()
	}

	entry := models.LeaderboardEntry{
		PlayerName:     name,
		Score:          results.Score,
		TotalQuestions: results.TotalQuestions,
		Percentage:     results.Percentage,
		Category:       results.Category,
		Difficulty:     results.Difficulty,
		GameID:         sess.GameID,
		CreatedAt:      s.now().UTC(),
	}
	// on a retry this returns the row written by the earlier attempt
	if _, err := s.Leaderboard.AppendLeaderboardEntry(ctx, &entry); err != nil {
		return nil, apperr.Storage(err)
	}
	if err := s.Cache.InvalidateLeaderboards(ctx); err != nil {
		s.Log.Warn("leaderboard cache invalidation failed", zap.Error(err))
	}

	prior, err := s.Leaderboard.CountPlayerGames(ctx, entry.PlayerName, entry.GameID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	earned, err := s.evaluator.Evaluate(ctx, GameOutcome{
		PlayerName: entry.PlayerName,
		GameID:     entry.GameID,
		Score:      entry.Score,
		Total:      entry.TotalQuestions,
		Percentage: entry.Percentage,
	}, prior)
	if err != nil {
		return nil, apperr.Storage(err)
	}

	sess.ScoreSubmitted = true
	if err := s.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Storage(err)
	}

	s.Metrics.ScoresSubmitted.Inc()
	for _, a := range earned {
		s.Metrics.Achievements.WithLabelValues(a.Name).Inc()
	}
	s.Log.Info("score submitted",
		zap.String("player", name),
		zap.Int64("entry_id", entry.ID),
		zap.Float64("percentage", entry.Percentage),
		zap.Int("new_achievements", len(earned)))

	return &ScoreSubmission{Entry: entry, NewAchievements: earned}, nil
}

// GetLeaderboard serves the ranked leaderboard, from cache when possible.
func (s *QuizService) GetLeaderboard(ctx context.Context, category, difficulty string, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	limit = database.ClampLimit(limit, database.MaxLeaderboardLimit)
	key := cache.LeaderboardKey(category, difficulty, limit)

	cached, ok, err := s.Cache.GetLeaderboard(ctx, key)
	if err != nil {
		s.Log.Warn("leaderboard cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	entries, err := s.Leaderboard.QueryLeaderboard(ctx, category, difficulty, limit)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if err := s.Cache.SetLeaderboard(ctx, key, entries); err != nil {
		s.Log.Warn("leaderboard cache write failed", zap.String("key", key), zap.Error(err))
	}
	return entries, nil
}

func (s *QuizService) PlayerStats(ctx context.Context, playerName string, limit int) (*PlayerStats, error) {
	name, err := validatePlayerName(playerName)
	if err != nil {
		return nil, err
	}
	history, summary, err := s.Leaderboard.PlayerHistory(ctx, name, limit)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	achievements, err := s.Achievements.PlayerAchievements(ctx, name)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return &PlayerStats{PlayerName: name, History: history, Summary: summary, Achievements: achievements}, nil
}

func (s *QuizService) QuestionStat(ctx context.Context, questionID string) (*QuestionStatView, error) {
	q, err := s.Questions.Get(questionID)
	if err != nil {
		return nil, err
	}
	st, err := s.Stats.GetQuestionStat(ctx, questionID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if st == nil {
		st = &models.QuestionStat{QuestionID: questionID}
	}
	return &QuestionStatView{
		QuestionID:     q.ID,
		Question:       q.Question,
		TimesShown:     st.TimesShown,
		TimesCorrect:   st.TimesCorrect,
		TimesIncorrect: st.TimesIncorrect,
		TimesAnswered:  st.Attempts(),
		Accuracy:       st.Accuracy(),
	}, nil
}

// GenerateQuestion authors one new question and appends it to the question
// store. Every session token may generate a single question; the claim is
// given back when generation fails.
func (s *QuizService) GenerateQuestion(ctx context.Context, token, category string) (*models.QuestionRecord, error) {
	if s.Generator == nil {
		s.Metrics.Generations.WithLabelValues("unavailable").Inc()
		return nil, apperr.ErrGeneratorUnavailable
	}
	if token == "" {
		return nil, apperr.InvalidInput("session", "a session token is required to generate questions")
	}
	if _, err := generator.ValidateCategory(category); err != nil {
		return nil, err
	}

	claimed, err := s.Sessions.ClaimGeneration(ctx, token)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if !claimed {
		s.Metrics.Generations.WithLabelValues("quota").Inc()
		return nil, apperr.ErrGenerationQuota
	}

	q, err := s.Generator.Generate(ctx, category)
	if err == nil {
		err = s.Questions.Append(ctx, q)
	}
	if err != nil {
		s.Metrics.Generations.WithLabelValues("failed").Inc()
		if rerr := s.Sessions.ReleaseGeneration(ctx, token); rerr != nil {
			s.Log.Warn("release generation claim failed", zap.String("token", token), zap.Error(rerr))
		}
		return nil, err
	}

	s.Metrics.Generations.WithLabelValues("success").Inc()
	s.Log.Info("question generated", zap.String("id", q.ID), zap.String("category", q.Category))
	return &q, nil
}
