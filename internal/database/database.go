package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"trivia_backend/internal/models"
)

// MaxLeaderboardLimit caps every leaderboard query.
const MaxLeaderboardLimit = 100

// DefaultHistoryLimit is the number of games returned for a player when the
// caller does not ask for a specific count.
const DefaultHistoryLimit = 20

type DB struct {
	*sql.DB
}

func NewDB(connStr string) (*DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS question_stats (
    question_id TEXT PRIMARY KEY,
    times_shown INTEGER NOT NULL DEFAULT 0,
    times_correct INTEGER NOT NULL DEFAULT 0,
    times_incorrect INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS answer_outcomes (
    game_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    question_id TEXT NOT NULL,
    correct BOOLEAN NOT NULL,
    answered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (game_id, position)
);

CREATE TABLE IF NOT EXISTS leaderboard (
    id BIGSERIAL PRIMARY KEY,
    player_name TEXT NOT NULL,
    score INTEGER NOT NULL,
    total_questions INTEGER NOT NULL,
    percentage DOUBLE PRECISION NOT NULL,
    category TEXT NOT NULL DEFAULT 'all',
    difficulty TEXT NOT NULL DEFAULT 'all',
    game_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS leaderboard_player_idx ON leaderboard (player_name, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS leaderboard_game_idx ON leaderboard (game_id) WHERE game_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS achievements (
    id BIGSERIAL PRIMARY KEY,
    player_name TEXT NOT NULL,
    achievement_type TEXT NOT NULL,
    achievement_name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    game_id TEXT,
    earned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (player_name, achievement_type, achievement_name)
);
`

// EnsureSchema creates the statistics, leaderboard and achievement tables.
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

const statsUpsert = `
        ON CONFLICT (question_id)
        DO UPDATE SET times_shown = question_stats.times_shown + 1,
                      times_correct = question_stats.times_correct + EXCLUDED.times_correct,
                      times_incorrect = question_stats.times_incorrect + EXCLUDED.times_incorrect`

// RecordOutcome bumps the counters of one question in a single statement, so
// concurrent answers for the same question never lose an update. An outcome
// with a game id is claimed in answer_outcomes first; a claim that already
// exists leaves the counters alone.
func (db *DB) RecordOutcome(ctx context.Context, o models.AnswerOutcome) error {
	c, ic := 0, 1
	if o.Correct {
		c, ic = 1, 0
	}
	if o.GameID == "" {
		_, err := db.ExecContext(ctx, `
        INSERT INTO question_stats (question_id, times_shown, times_correct, times_incorrect)
        VALUES ($1, 1, $2, $3)`+statsUpsert, o.QuestionID, c, ic)
		return err
	}
	_, err := db.ExecContext(ctx, `
        WITH claimed AS (
            INSERT INTO answer_outcomes (game_id, position, question_id, correct)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (game_id, position) DO NOTHING
            RETURNING question_id
        )
        INSERT INTO question_stats (question_id, times_shown, times_correct, times_incorrect)
        SELECT question_id, 1, $5, $6 FROM claimed`+statsUpsert,
		o.GameID, o.Position, o.QuestionID, o.Correct, c, ic)
	return err
}

// GetQuestionStat returns nil, nil for a question that was never answered.
func (db *DB) GetQuestionStat(ctx context.Context, questionID string) (*models.QuestionStat, error) {
	st := &models.QuestionStat{}
	err := db.QueryRowContext(ctx, "SELECT question_id, times_shown, times_correct, times_incorrect FROM question_stats WHERE question_id = $1", questionID).
		Scan(&st.QuestionID, &st.TimesShown, &st.TimesCorrect, &st.TimesIncorrect)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// AppendLeaderboardEntry inserts e and sets its id. A game id already on the
// leaderboard is not inserted twice: e is overwritten with the stored row.
func (db *DB) AppendLeaderboardEntry(ctx context.Context, e *models.LeaderboardEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	gameID := sql.NullString{String: e.GameID, Valid: e.GameID != ""}
	var id int64
	err := db.QueryRowContext(ctx, `
        INSERT INTO leaderboard (player_name, score, total_questions, percentage, category, difficulty, game_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (game_id) WHERE game_id IS NOT NULL DO NOTHING
        RETURNING id
    `, e.PlayerName, e.Score, e.TotalQuestions, e.Percentage, e.Category, e.Difficulty,
		gameID, e.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) && gameID.Valid {
		return db.existingEntry(ctx, e)
	}
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (db *DB) existingEntry(ctx context.Context, e *models.LeaderboardEntry) (int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+leaderboardColumns+" FROM leaderboard WHERE game_id = $1", e.GameID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("leaderboard entry for game %s vanished", e.GameID)
	}
	*e = entries[0]
	return e.ID, nil
}

const leaderboardColumns = "id, player_name, score, total_questions, percentage, category, difficulty, game_id, created_at"

// QueryLeaderboard returns the ranked leaderboard. An empty or "all"
// category/difficulty disables that filter; ranks are positions within the
// filtered result.
func (db *DB) QueryLeaderboard(ctx context.Context, category, difficulty string, limit int) ([]models.LeaderboardEntry, error) {
	limit = ClampLimit(limit, MaxLeaderboardLimit)

	var where []string
	var args []any
	if f := normalizeFilter(category); f != "" {
		args = append(args, f)
		where = append(where, fmt.Sprintf("LOWER(category) = $%d", len(args)))
	}
	if f := normalizeFilter(difficulty); f != "" {
		args = append(args, f)
		where = append(where, fmt.Sprintf("LOWER(difficulty) = $%d", len(args)))
	}
	args = append(args, limit)

	query := "SELECT " + leaderboardColumns + " FROM leaderboard"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY percentage DESC, score DESC, total_questions DESC, created_at ASC LIMIT $%d", len(args))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	models.RankLeaderboard(entries)
	return entries, nil
}

// PlayerHistory returns the player's most recent games and their summary.
func (db *DB) PlayerHistory(ctx context.Context, playerName string, limit int) ([]models.LeaderboardEntry, models.PlayerSummary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = ClampLimit(limit, MaxLeaderboardLimit)

	rows, err := db.QueryContext(ctx, "SELECT "+leaderboardColumns+" FROM leaderboard WHERE player_name = $1 ORDER BY created_at DESC, id DESC LIMIT $2", playerName, limit)
	if err != nil {
		return nil, models.PlayerSummary{}, err
	}
	defer rows.Close()

	history, err := scanEntries(rows)
	if err != nil {
		return nil, models.PlayerSummary{}, err
	}
	return history, models.SummarizeHistory(history), nil
}

// CountPlayerGames counts the player's leaderboard entries other than the one
// recorded for excludeGameID.
func (db *DB) CountPlayerGames(ctx context.Context, playerName, excludeGameID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM leaderboard WHERE player_name = $1 AND game_id IS DISTINCT FROM $2",
		playerName, sql.NullString{String: excludeGameID, Valid: excludeGameID != ""}).Scan(&n)
	return n, err
}

// AwardAchievement inserts the achievement unless the player already holds
// it. It reports whether the achievement belongs to a.GameID: inserted now, or
// earlier for the same game.
func (db *DB) AwardAchievement(ctx context.Context, a models.AchievementRecord) (bool, error) {
	if a.EarnedAt.IsZero() {
		a.EarnedAt = time.Now().UTC()
	}
	// the no-op update makes RETURNING yield the stored row on conflict
	var inserted bool
	var gameID sql.NullString
	err := db.QueryRowContext(ctx, `
        INSERT INTO achievements (player_name, achievement_type, achievement_name, description, game_id, earned_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (player_name, achievement_type, achievement_name)
        DO UPDATE SET game_id = achievements.game_id
        RETURNING (xmax = 0), game_id
    `, a.PlayerName, a.Type, a.Name, a.Description,
		sql.NullString{String: a.GameID, Valid: a.GameID != ""}, a.EarnedAt).Scan(&inserted, &gameID)
	if err != nil {
		return false, err
	}
	return inserted || (a.GameID != "" && gameID.String == a.GameID), nil
}

func (db *DB) PlayerAchievements(ctx context.Context, playerName string) ([]models.AchievementRecord, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT player_name, achievement_type, achievement_name, description, earned_at
        FROM achievements
        WHERE player_name = $1
        ORDER BY earned_at ASC, id ASC
    `, playerName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	achievements := []models.AchievementRecord{}
	for rows.Next() {
		var a models.AchievementRecord
		if err := rows.Scan(&a.PlayerName, &a.Type, &a.Name, &a.Description, &a.EarnedAt); err != nil {
			return nil, err
		}
		achievements = append(achievements, a)
	}
	return achievements, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]models.LeaderboardEntry, error) {
	entries := []models.LeaderboardEntry{}
	for rows.Next() {
		var e models.LeaderboardEntry
		var gameID sql.NullString
		if err := rows.Scan(&e.ID, &e.PlayerName, &e.Score, &e.TotalQuestions, &e.Percentage,
			&e.Category, &e.Difficulty, &gameID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.GameID = gameID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClampLimit bounds limit to [1, max]; a non-positive limit becomes max.
func ClampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

func normalizeFilter(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "all" {
		return ""
	}
	return v
}
