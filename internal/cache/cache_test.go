package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"trivia_backend/internal/game"
	"trivia_backend/internal/models"
)

const (
	sessionTTL     = time.Hour
	leaderboardTTL = time.Minute
)

func TestSaveAndLoadSession(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)
	ctx := context.Background()

	s := &game.GameSession{
		Token:          "tok",
		Questions:      []models.QuestionRecord{{ID: "q1", Question: "Q?", Options: []string{"a", "b", "c", "d"}, Correct: 2}},
		Answers:        []models.AnswerRecord{},
		TotalQuestions: 1,
		Category:       "all",
		Difficulty:     "all",
		StartTime:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	jsonData, err := json.Marshal(s)
	require.NoError(t, err)

	redisMock.ExpectSet("trivia:session:tok", jsonData, sessionTTL).SetVal("OK")
	redisMock.ExpectGet("trivia:session:tok").SetVal(string(jsonData))

	require.NoError(t, c.SaveSession(ctx, s))
	got, err := c.LoadSession(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestLoadSession_Missing(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)

	redisMock.ExpectGet("trivia:session:gone").RedisNil()

	got, err := c.LoadSession(context.Background(), "gone")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestLoadSession_Error(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)

	redisMock.ExpectGet("trivia:session:tok").SetErr(errors.New("connection refused"))

	_, err := c.LoadSession(context.Background(), "tok")
	assert.Error(t, err)
}

func TestDeleteSession(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)

	redisMock.ExpectDel("trivia:session:tok").SetVal(1)

	assert.NoError(t, c.DeleteSession(context.Background(), "tok"))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestLeaderboardKey(t *testing.T) {
	assert.Equal(t, "trivia:leaderboard:all:all:10", LeaderboardKey("", "ALL", 10))
	assert.Equal(t, "trivia:leaderboard:science:easy:25", LeaderboardKey("Science", " easy ", 25))
}

func TestLeaderboardCache(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)
	ctx := context.Background()
	key := LeaderboardKey("all", "all", 10)

	entries := []models.LeaderboardEntry{{ID: 1, Rank: 1, PlayerName: "Alice", Score: 1, TotalQuestions: 1, Percentage: 100,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}}
	jsonData, _ := json.Marshal(entries)

	redisMock.ExpectGet(key).RedisNil()
	redisMock.ExpectSet(key, jsonData, leaderboardTTL).SetVal("OK")
	redisMock.ExpectGet(key).SetVal(string(jsonData))

	_, ok, err := c.GetLeaderboard(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetLeaderboard(ctx, key, entries))

	got, ok, err := c.GetLeaderboard(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, entries, got)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestInvalidateLeaderboards(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)

	redisMock.ExpectScan(0, "trivia:leaderboard:*", 100).SetVal([]string{"trivia:leaderboard:all:all:10", "trivia:leaderboard:science:all:10"}, 0)
	redisMock.ExpectDel("trivia:leaderboard:all:all:10", "trivia:leaderboard:science:all:10").SetVal(2)
	redisMock.ExpectScan(0, "trivia:leaderboard:*", 100).SetVal([]string{}, 0)

	assert.NoError(t, c.InvalidateLeaderboards(context.Background()))
	assert.NoError(t, c.InvalidateLeaderboards(context.Background()))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestInvalidateLeaderboards_ScanError(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)

	redisMock.ExpectScan(0, "trivia:leaderboard:*", 100).SetErr(errors.New("connection refused"))

	assert.Error(t, c.InvalidateLeaderboards(context.Background()))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestClaimGeneration(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	c := New(redisClient, sessionTTL, leaderboardTTL)
	ctx := context.Background()

	redisMock.ExpectSetNX("trivia:generated:tok", 1, sessionTTL).SetVal(true)
	redisMock.ExpectSetNX("trivia:generated:tok", 1, sessionTTL).SetVal(false)
	redisMock.ExpectDel("trivia:generated:tok").SetVal(1)

	ok, err := c.ClaimGeneration(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ClaimGeneration(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, c.ReleaseGeneration(ctx, "tok"))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
