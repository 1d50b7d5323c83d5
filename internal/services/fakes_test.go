package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trivia_backend/internal/game"
	"trivia_backend/internal/models"
)

type memSessions struct {
	mu        sync.Mutex
	sessions  map[string][]byte
	generated map[string]bool
	saveErr   error
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string][]byte{}, generated: map[string]bool{}}
}

func (m *memSessions) LoadSession(_ context.Context, token string) (*game.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	var s game.GameSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *memSessions) SaveSession(_ context.Context, s *game.GameSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.sessions[s.Token] = data
	return nil
}

func (m *memSessions) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *memSessions) ClaimGeneration(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generated[token] {
		return false, nil
	}
	m.generated[token] = true
	return true, nil
}

func (m *memSessions) ReleaseGeneration(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.generated, token)
	return nil
}

type memStats struct {
	mu       sync.Mutex
	stats    map[string]*models.QuestionStat
	recorded map[string]bool
}

func newMemStats() *memStats {
	return &memStats{stats: map[string]*models.QuestionStat{}, recorded: map[string]bool{}}
}

func (m *memStats) GetQuestionStat(_ context.Context, id string) (*models.QuestionStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[id]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memStats) RecordOutcome(_ context.Context, o models.AnswerOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.GameID != "" {
		key := fmt.Sprintf("%s|%d", o.GameID, o.Position)
		if m.recorded[key] {
			return nil
		}
		m.recorded[key] = true
	}
	id, correct := o.QuestionID, o.Correct
	st, ok := m.stats[id]
	if !ok {
		st = &models.QuestionStat{QuestionID: id}
		m.stats[id] = st
	}
	st.TimesShown++
	if correct {
		st.TimesCorrect++
	} else {
		st.TimesIncorrect++
	}
	return nil
}

type memLeaderboard struct {
	entries []models.LeaderboardEntry
	queries int
}

func (m *memLeaderboard) AppendLeaderboardEntry(_ context.Context, e *models.LeaderboardEntry) (int64, error) {
	for _, existing := range m.entries {
		if e.GameID != "" && existing.GameID == e.GameID {
			*e = existing
			return e.ID, nil
		}
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *e)
	return e.ID, nil
}

func (m *memLeaderboard) QueryLeaderboard(_ context.Context, _, _ string, limit int) ([]models.LeaderboardEntry, error) {
	m.queries++
	out := append([]models.LeaderboardEntry(nil), m.entries...)
	models.RankLeaderboard(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLeaderboard) PlayerHistory(_ context.Context, name string, _ int) ([]models.LeaderboardEntry, models.PlayerSummary, error) {
	var history []models.LeaderboardEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].PlayerName == name {
			history = append(history, m.entries[i])
		}
	}
	return history, models.SummarizeHistory(history), nil
}

func (m *memLeaderboard) CountPlayerGames(_ context.Context, name, excludeGameID string) (int, error) {
	n := 0
	for _, e := range m.entries {
		if e.PlayerName == name && (excludeGameID == "" || e.GameID != excludeGameID) {
			n++
		}
	}
	return n, nil
}

type memCache struct {
	pages       map[string][]models.LeaderboardEntry
	invalidated int
}

func newMemCache() *memCache { return &memCache{pages: map[string][]models.LeaderboardEntry{}} }

func (m *memCache) GetLeaderboard(_ context.Context, key string) ([]models.LeaderboardEntry, bool, error) {
	p, ok := m.pages[key]
	return p, ok, nil
}

func (m *memCache) SetLeaderboard(_ context.Context, key string, entries []models.LeaderboardEntry) error {
	m.pages[key] = entries
	return nil
}

func (m *memCache) InvalidateLeaderboards(context.Context) error {
	m.invalidated++
	m.pages = map[string][]models.LeaderboardEntry{}
	return nil
}

type stubGenerator struct {
	q     models.QuestionRecord
	err   error
	calls int
}

func (g *stubGenerator) Generate(context.Context, string) (models.QuestionRecord, error) {
	g.calls++
	return g.q, g.err
}
