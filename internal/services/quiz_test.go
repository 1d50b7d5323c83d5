package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"trivia_backend/internal/apperr"
	"trivia_backend/internal/cache"
	"trivia_backend/internal/database"
	"trivia_backend/internal/game"
	"trivia_backend/internal/metrics"
	"trivia_backend/internal/models"
	"trivia_backend/internal/questions"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

var parisQuestion = models.QuestionRecord{
	ID:          "default_001",
	Category:    "general",
	Subcategory: "Geography",
	Difficulty:  "easy",
	Question:    "What is the capital of France?",
	Options:     []string{"London", "Berlin", "Paris", "Madrid"},
	Correct:     2,
	Explanation: "Paris has been the capital of France since 987 AD.",
}

type harness struct {
	svc      *QuizService
	store    *questions.Store
	sessions *memSessions
	stats    *memStats
	lb       *memLeaderboard
	ach      *memAchievements
	cache    *memCache
	gen      *stubGenerator
}

func newHarness(t *testing.T, qs ...models.QuestionRecord) *harness {
	t.Helper()
	h := &harness{
		store:    questions.NewMemoryStore(qs, zap.NewNop()),
		sessions: newMemSessions(),
		stats:    newMemStats(),
		lb:       &memLeaderboard{},
		ach:      newMemAchievements(),
		cache:    newMemCache(),
		gen:      &stubGenerator{},
	}
	h.svc = NewQuizService(Deps{
		Questions:        h.store,
		Stats:            h.stats,
		Leaderboard:      h.lb,
		Achievements:     h.ach,
		Sessions:         h.sessions,
		Cache:            h.cache,
		Generator:        h.gen,
		Metrics:          metrics.New(),
		Log:              zap.NewNop(),
		DefaultQuestions: 10,
	})
	h.svc.now = func() time.Time { return fixedNow }
	h.svc.evaluator.now = func() time.Time { return fixedNow }
	tokens := 0
	h.svc.newToken = func() string {
		tokens++
		return fmt.Sprintf("tok-%d", tokens)
	}
	return h
}

func intPtr(n int) *int { return &n }

func questionPool(n int) []models.QuestionRecord {
	qs := make([]models.QuestionRecord, n)
	for i := range qs {
		q := parisQuestion.Clone()
		q.ID = fmt.Sprintf("q%d", i)
		qs[i] = q
	}
	return qs
}

func indexOf(options []string, want string) int {
	for i, o := range options {
		if o == want {
			return i
		}
	}
	return -1
}

// playAll answers every question, correctly for the first `correct` ones.
func playAll(t *testing.T, h *harness, token string, correct int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; ; i++ {
		view, err := h.svc.CurrentQuestion(ctx, token)
		if errors.Is(err, apperr.ErrNoMoreQuestions) {
			return
		}
		require.NoError(t, err)
		pick := indexOf(view.Options, "Paris")
		if i >= correct {
			pick = indexOf(view.Options, "London")
		}
		_, err = h.svc.SubmitAnswer(ctx, token, pick)
		require.NoError(t, err)
	}
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()

	start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(1), Category: "all", Difficulty: "all"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", start.Token)
	assert.Equal(t, 1, start.TotalQuestions)
	assert.Equal(t, []string{"general"}, start.Categories)
	assert.Equal(t, []string{"easy"}, start.Difficulties)

	view, err := h.svc.CurrentQuestion(ctx, start.Token)
	require.NoError(t, err)
	assert.Contains(t, view.Options, "Paris")

	res, err := h.svc.SubmitAnswer(ctx, start.Token, indexOf(view.Options, "Paris"))
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.True(t, res.IsLastQuestion)

	results, err := h.svc.Results(ctx, start.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, results.Score)
	assert.Equal(t, 1, results.TotalQuestions)
	assert.Equal(t, 100.0, results.Percentage)

	sub, err := h.svc.SubmitScore(ctx, start.Token, "  Alice ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Entry.ID)
	assert.Equal(t, "Alice", sub.Entry.PlayerName)
	assert.Equal(t, "tok-2", sub.Entry.GameID, "entries are keyed by the game, not the token")
	assert.Equal(t, "all", sub.Entry.Category)
	assert.Equal(t, []string{"Perfect Game", "Trivia Master", "Welcome Player"}, achievementNames(sub.NewAchievements))
	assert.Equal(t, 1, h.cache.invalidated)
	assert.Equal(t, 1, h.stats.stats["default_001"].TimesCorrect)

	_, err = h.svc.SubmitScore(ctx, start.Token, "Alice")
	assert.ErrorIs(t, err, apperr.ErrScoreSubmitted)

	board, err := h.svc.GetLeaderboard(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, 1, board[0].Rank)

	_, err = h.svc.GetLeaderboard(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.lb.queries, "second read should be served from cache")
}

func TestStartGame_NoMatchingQuestions(t *testing.T) {
	h := newHarness(t, questionPool(3)...)
	_, err := h.svc.StartGame(context.Background(), "", StartRequest{NumQuestions: intPtr(50), Category: "nonexistent", Difficulty: "all"})
	assert.ErrorIs(t, err, apperr.ErrNoMatchingQuestions)
	assert.Empty(t, h.sessions.sessions)
}

func TestStartGame_DefaultsAndClamp(t *testing.T) {
	h := newHarness(t, questionPool(12)...)
	ctx := context.Background()

	start, err := h.svc.StartGame(ctx, "", StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, 10, start.TotalQuestions)

	start, err = h.svc.StartGame(ctx, start.Token, StartRequest{NumQuestions: intPtr(50), Category: "GENERAL"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", start.Token, "an existing token is reused")
	assert.Equal(t, 12, start.TotalQuestions)
}

func TestStartGame_SupersedesPreviousGame(t *testing.T) {
	h := newHarness(t, questionPool(3)...)
	ctx := context.Background()

	start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(3)})
	require.NoError(t, err)
	playAll(t, h, start.Token, 1)

	_, err = h.svc.StartGame(ctx, start.Token, StartRequest{NumQuestions: intPtr(2)})
	require.NoError(t, err)
	_, err = h.svc.Results(ctx, start.Token)
	assert.ErrorIs(t, err, apperr.ErrNoCompletedGame)

	view, err := h.svc.CurrentQuestion(ctx, start.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, view.QuestionNumber)
	assert.Equal(t, 2, view.TotalQuestions)
}

func TestNoSession(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()

	_, err := h.svc.CurrentQuestion(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrNoActiveGame)
	_, err = h.svc.CurrentQuestion(ctx, "unknown")
	assert.ErrorIs(t, err, apperr.ErrNoActiveGame)
	_, err = h.svc.SubmitAnswer(ctx, "unknown", 0)
	assert.ErrorIs(t, err, apperr.ErrNoActiveGame)
	_, err = h.svc.Results(ctx, "unknown")
	assert.ErrorIs(t, err, apperr.ErrNoCompletedGame)
	_, err = h.svc.SubmitScore(ctx, "unknown", "Alice")
	assert.ErrorIs(t, err, apperr.ErrNoCompletedGame)
	assert.NoError(t, h.svc.Reset(ctx, ""))
}

func TestSubmitAnswer_UsesLastPresentationAcrossRequests(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(1)})
		require.NoError(t, err)

		_, err = h.svc.CurrentQuestion(ctx, start.Token)
		require.NoError(t, err)
		last, err := h.svc.CurrentQuestion(ctx, start.Token)
		require.NoError(t, err)

		res, err := h.svc.SubmitAnswer(ctx, start.Token, indexOf(last.Options, "Paris"))
		require.NoError(t, err)
		assert.True(t, res.Correct)
	}
}

func TestSubmitAnswer_SaveFailure(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()
	start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(1)})
	require.NoError(t, err)

	h.sessions.saveErr = errors.New("redis down")
	_, err = h.svc.SubmitAnswer(ctx, start.Token, 0)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindStorage, appErr.Kind)

	h.sessions.saveErr = nil
	_, err = h.svc.Results(ctx, start.Token)
	assert.ErrorIs(t, err, apperr.ErrNoCompletedGame, "stored session must not have advanced")

	res, err := h.svc.SubmitAnswer(ctx, start.Token, 0)
	require.NoError(t, err)
	assert.True(t, res.IsLastQuestion)
	st := h.stats.stats["default_001"]
	assert.Equal(t, 1, st.TimesShown, "a retried answer is counted once")
}

func TestSubmitScore_RetryAfterSaveFailure(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()
	start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(1)})
	require.NoError(t, err)
	playAll(t, h, start.Token, 0)

	h.sessions.saveErr = errors.New("redis down")
	_, err = h.svc.SubmitScore(ctx, start.Token, "Alice")
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindStorage, appErr.Kind)
	assert.Len(t, h.lb.entries, 1)

	h.sessions.saveErr = nil
	sub, err := h.svc.SubmitScore(ctx, start.Token, "Alice")
	require.NoError(t, err)
	assert.Len(t, h.lb.entries, 1, "one game, one leaderboard row")
	assert.Equal(t, h.lb.entries[0].ID, sub.Entry.ID)
	assert.Equal(t, []string{"Welcome Player"}, achievementNames(sub.NewAchievements))

	stats, err := h.svc.PlayerStats(ctx, "Alice", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Summary.TotalGames)

	_, err = h.svc.SubmitScore(ctx, start.Token, "Alice")
	assert.ErrorIs(t, err, apperr.ErrScoreSubmitted)
}

func TestSubmitScore_RetryAfterAchievementFailure(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()
	start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(1)})
	require.NoError(t, err)
	playAll(t, h, start.Token, 1)

	h.ach.err = errors.New("db down")
	_, err = h.svc.SubmitScore(ctx, start.Token, "Alice")
	require.Error(t, err)

	h.ach.err = nil
	sub, err := h.svc.SubmitScore(ctx, start.Token, "Alice")
	require.NoError(t, err)
	assert.Len(t, h.lb.entries, 1)
	assert.Equal(t, []string{"Perfect Game", "Trivia Master", "Welcome Player"}, achievementNames(sub.NewAchievements))
}

func TestSubmitScore_RequiresCompletedGame(t *testing.T) {
	h := newHarness(t, questionPool(2)...)
	ctx := context.Background()
	start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(2)})
	require.NoError(t, err)

	_, err = h.svc.SubmitAnswer(ctx, start.Token, 0)
	require.NoError(t, err)

	_, err = h.svc.SubmitScore(ctx, start.Token, "Alice")
	assert.ErrorIs(t, err, apperr.ErrNoCompletedGame)
	assert.Empty(t, h.lb.entries)
}

func TestSubmitScore_InvalidName(t *testing.T) {
	h := newHarness(t, parisQuestion)
	for _, name := range []string{"", "   ", strings.Repeat("a", 51)} {
		_, err := h.svc.SubmitScore(context.Background(), "tok", name)
		var appErr *apperr.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperr.CodeInvalidInput, appErr.Code)
	}
}

func TestSubmitScore_WelcomeOnlyOnce(t *testing.T) {
	h := newHarness(t, questionPool(4)...)
	ctx := context.Background()

	first, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(4)})
	require.NoError(t, err)
	playAll(t, h, first.Token, 2)
	sub, err := h.svc.SubmitScore(ctx, first.Token, "Bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"Welcome Player"}, achievementNames(sub.NewAchievements))
	assert.Equal(t, 50.0, sub.Entry.Percentage)

	second, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(4)})
	require.NoError(t, err)
	playAll(t, h, second.Token, 4)
	sub, err = h.svc.SubmitScore(ctx, second.Token, "Bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"Perfect Game", "Trivia Master"}, achievementNames(sub.NewAchievements))

	stats, err := h.svc.PlayerStats(ctx, "Bob", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Summary.TotalGames)
	assert.Equal(t, 8, stats.Summary.TotalQuestions)
	assert.Equal(t, 6, stats.Summary.TotalCorrect)
	assert.Equal(t, 75.0, stats.Summary.AveragePercentage)
	require.NotNil(t, stats.Summary.BestGame)
	assert.Equal(t, 100.0, stats.Summary.BestGame.Percentage)
	assert.Len(t, stats.Achievements, 3)
}

func TestReset(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()
	start, err := h.svc.StartGame(ctx, "", StartRequest{NumQuestions: intPtr(1)})
	require.NoError(t, err)

	require.NoError(t, h.svc.Reset(ctx, start.Token))
	_, err = h.svc.CurrentQuestion(ctx, start.Token)
	assert.ErrorIs(t, err, apperr.ErrNoActiveGame)
}

func TestQuestionStat(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()

	_, err := h.svc.QuestionStat(ctx, "missing")
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindNotFound, appErr.Kind)

	view, err := h.svc.QuestionStat(ctx, "default_001")
	require.NoError(t, err)
	assert.Equal(t, 0, view.TimesAnswered)
	assert.Equal(t, 0.0, view.Accuracy)

	require.NoError(t, h.stats.RecordOutcome(ctx, models.AnswerOutcome{QuestionID: "default_001", Correct: true}))
	require.NoError(t, h.stats.RecordOutcome(ctx, models.AnswerOutcome{QuestionID: "default_001", Correct: false}))
	require.NoError(t, h.stats.RecordOutcome(ctx, models.AnswerOutcome{QuestionID: "default_001", Correct: true}))
	view, err = h.svc.QuestionStat(ctx, "default_001")
	require.NoError(t, err)
	assert.Equal(t, 3, view.TimesShown)
	assert.Equal(t, 66.7, view.Accuracy)
}

func TestGenerateQuestion(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()
	h.gen.q = models.QuestionRecord{
		ID: "generated_1", Category: "music", Subcategory: "Music", Difficulty: "medium",
		Question: "How many strings on a violin?", Options: []string{"5", "4", "6", "7"}, Correct: 1, Explanation: "Four.",
	}

	q, err := h.svc.GenerateQuestion(ctx, "tok", "Music")
	require.NoError(t, err)
	assert.Equal(t, "generated_1", q.ID)
	assert.Equal(t, 2, h.store.Len())
	assert.Equal(t, []string{"general", "music"}, h.svc.Categories().Categories)

	_, err = h.svc.GenerateQuestion(ctx, "tok", "Music")
	assert.ErrorIs(t, err, apperr.ErrGenerationQuota)
	assert.Equal(t, 1, h.gen.calls)
}

func TestGenerateQuestion_InvalidCandidateNeverStored(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()
	h.gen.q = models.QuestionRecord{ID: "generated_2", Question: "Q?", Options: []string{"a", "b", "c"}, Correct: 0, Explanation: "E"}

	_, err := h.svc.GenerateQuestion(ctx, "tok", "letters")
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.CodeInvalidQuestionFormat, appErr.Code)
	assert.Equal(t, 1, h.store.Len())
	assert.False(t, h.sessions.generated["tok"], "failed generation gives the claim back")
}

func TestGenerateQuestion_Errors(t *testing.T) {
	h := newHarness(t, parisQuestion)
	ctx := context.Background()

	_, err := h.svc.GenerateQuestion(ctx, "", "Music")
	assert.Error(t, err)

	_, err = h.svc.GenerateQuestion(ctx, "tok", "")
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "category", appErr.Field)
	assert.Equal(t, 0, h.gen.calls)

	h.gen.err = apperr.GenerationFailed(context.DeadlineExceeded)
	_, err = h.svc.GenerateQuestion(ctx, "tok", "Music")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.CodeGenerationFailed, appErr.Code)

	h.svc.Generator = nil
	_, err = h.svc.GenerateQuestion(ctx, "tok", "Music")
	assert.ErrorIs(t, err, apperr.ErrGeneratorUnavailable)
}

func newBackedService(t *testing.T) (*QuizService, sqlmock.Sqlmock, redismock.ClientMock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, redisMock := redismock.NewClientMock()
	d := &database.DB{DB: db}
	c := cache.New(redisClient, time.Hour, time.Minute)
	svc := NewQuizService(Deps{
		Questions:    questions.NewMemoryStore([]models.QuestionRecord{parisQuestion}, zap.NewNop()),
		Stats:        d,
		Leaderboard:  d,
		Achievements: d,
		Sessions:     c,
		Cache:        c,
		Metrics:      metrics.New(),
		Log:          zap.NewNop(),
	})
	return svc, mock, redisMock
}

func TestGetLeaderboard_FromRedis(t *testing.T) {
	svc, _, redisMock := newBackedService(t)

	leaderboard := []models.LeaderboardEntry{{ID: 1, Rank: 1, PlayerName: "Alice", Score: 1, TotalQuestions: 1, Percentage: 100, CreatedAt: fixedNow}}
	jsonData, _ := json.Marshal(leaderboard)
	redisMock.ExpectGet("trivia:leaderboard:all:all:10").SetVal(string(jsonData))

	got, err := svc.GetLeaderboard(context.Background(), "all", "all", 10)
	assert.NoError(t, err)
	assert.Equal(t, leaderboard, got)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestGetLeaderboard_FromDB(t *testing.T) {
	svc, mock, redisMock := newBackedService(t)

	redisMock.ExpectGet("trivia:leaderboard:science:all:2").RedisNil()

	rows := sqlmock.NewRows([]string{"id", "player_name", "score", "total_questions", "percentage", "category", "difficulty", "game_id", "created_at"}).
		AddRow(1, "Alice", 1, 1, 100.0, "science", "all", nil, fixedNow)
	mock.ExpectQuery(`SELECT .* FROM leaderboard WHERE LOWER\(category\) = \$1 ORDER BY`).
		WithArgs("science", 2).
		WillReturnRows(rows)

	want := []models.LeaderboardEntry{{ID: 1, Rank: 1, PlayerName: "Alice", Score: 1, TotalQuestions: 1, Percentage: 100, Category: "science", Difficulty: "all", CreatedAt: fixedNow}}
	jsonData, _ := json.Marshal(want)
	redisMock.ExpectSet("trivia:leaderboard:science:all:2", jsonData, time.Minute).SetVal("OK")

	got, err := svc.GetLeaderboard(context.Background(), "science", "all", 2)
	assert.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestSubmitAnswer_RedisAndPostgres(t *testing.T) {
	svc, mock, redisMock := newBackedService(t)
	ctx := context.Background()

	stored := &game.GameSession{
		Token: "tok", Questions: []models.QuestionRecord{parisQuestion}, Answers: []models.AnswerRecord{},
		TotalQuestions: 1, Category: "all", Difficulty: "all", StartTime: fixedNow,
	}
	before, _ := json.Marshal(stored)
	redisMock.ExpectGet("trivia:session:tok").SetVal(string(before))

	mock.ExpectExec(`INSERT INTO question_stats`).
		WithArgs("default_001", 1, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stored.CurrentIndex = 1
	stored.Score = 1
	stored.Answers = []models.AnswerRecord{{Question: parisQuestion.Question, UserAnswer: 2, Correct: true, CorrectAnswer: 2}}
	after, _ := json.Marshal(stored)
	redisMock.ExpectSet("trivia:session:tok", after, time.Hour).SetVal("OK")

	res, err := svc.SubmitAnswer(ctx, "tok", 2)
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.True(t, res.IsLastQuestion)
	assert.Equal(t, "Paris", res.CorrectAnswer)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
