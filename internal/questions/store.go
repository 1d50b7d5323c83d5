// Package questions owns the canonical question collection: it loads the
// JSON question file, answers category/difficulty queries, samples questions
// for new games and is the only write path back to the file.
package questions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"trivia_backend/internal/apperr"
	"trivia_backend/internal/models"
)

// FilterAll disables a category or difficulty filter.
const FilterAll = "all"

var defaultQuestions = []models.QuestionRecord{
	{
		ID:          "default_001",
		Category:    "general",
		Subcategory: "Geography",
		Difficulty:  "easy",
		Question:    "What is the capital of France?",
		Options:     []string{"London", "Berlin", "Paris", "Madrid"},
		Correct:     2,
		Explanation: "Paris has been the capital of France since 987 AD.",
	},
}

type Store struct {
	path string
	log  *zap.Logger

	mu        sync.RWMutex
	questions []models.QuestionRecord
}

func NewStore(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: log}
}

// NewMemoryStore returns a store over a fixed collection. Append keeps the
// record in memory only.
func NewMemoryStore(qs []models.QuestionRecord, log *zap.Logger) *Store {
	return &Store{log: log, questions: cloneAll(qs)}
}

// Reload replaces the in-memory snapshot with the contents of the file.
func (s *Store) Reload() error {
	qs, err := readFile(s.path, s.log)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.questions = qs
	s.mu.Unlock()
	s.log.Info("questions loaded", zap.String("path", s.path), zap.Int("count", len(qs)))
	return nil
}

func readFile(path string, log *zap.Logger) ([]models.QuestionRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("question file not found, using built-in questions", zap.String("path", path))
		return cloneAll(defaultQuestions), nil
	}
	if err != nil {
		return nil, err
	}

	var raw []models.QuestionRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	qs := make([]models.QuestionRecord, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, q := range raw {
		if err := q.Validate(); err != nil {
			log.Warn("skipping invalid question", zap.Error(err))
			continue
		}
		if seen[q.ID] {
			log.Warn("skipping question with duplicate id", zap.String("id", q.ID))
			continue
		}
		seen[q.ID] = true
		qs = append(qs, q)
	}
	return qs, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.questions)
}

func (s *Store) Get(id string) (models.QuestionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.questions {
		if q.ID == id {
			return q.Clone(), nil
		}
	}
	return models.QuestionRecord{}, apperr.NotFound(apperr.CodeQuestionNotFound, fmt.Sprintf("question %q not found", id))
}

// Filter returns the pool of questions matching category and difficulty,
// compared case-insensitively. "all" or an empty value matches everything.
func (s *Store) Filter(category, difficulty string) []models.QuestionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pool []models.QuestionRecord
	for _, q := range s.questions {
		if !matches(q.Category, category) || !matches(q.Difficulty, difficulty) {
			continue
		}
		pool = append(pool, q.Clone())
	}
	return pool
}

func matches(value, filter string) bool {
	if filter == "" || strings.EqualFold(filter, FilterAll) {
		return true
	}
	return strings.EqualFold(value, filter)
}

// SelectRandom samples n distinct questions from pool.
func SelectRandom(n int, pool []models.QuestionRecord) ([]models.QuestionRecord, error) {
	if n > len(pool) {
		return nil, apperr.ErrInsufficientQuestions
	}
	if n < 0 {
		n = 0
	}
	picked := make([]models.QuestionRecord, 0, n)
	for _, i := range rand.Perm(len(pool))[:n] {
		picked = append(picked, pool[i].Clone())
	}
	return picked, nil
}

func (s *Store) Categories() []string {
	return s.distinct(func(q models.QuestionRecord) string { return q.Category })
}

func (s *Store) Difficulties() []string {
	return s.distinct(func(q models.QuestionRecord) string { return q.Difficulty })
}

func (s *Store) distinct(field func(models.QuestionRecord) string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	out := []string{}
	for _, q := range s.questions {
		v := field(q)
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Append adds rec to the collection and persists the whole collection. The
// previous file is copied to <file>.backup first.
func (s *Store) Append(ctx context.Context, rec models.QuestionRecord) error {
	if err := rec.Validate(); err != nil {
		return apperr.InvalidQuestionFormat("options", err.Error())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.questions {
		if q.ID == rec.ID {
			return apperr.InvalidQuestionFormat("id", fmt.Sprintf("question id %q already exists", rec.ID))
		}
	}
	next := append(cloneAll(s.questions), rec.Clone())
	if s.path != "" {
		s.backup()
		if err := writeFile(s.path, next); err != nil {
			return apperr.Storage(err)
		}
	}
	s.questions = next
	s.log.Info("question appended", zap.String("id", rec.ID), zap.String("category", rec.Category))
	return nil
}

func (s *Store) backup() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err == nil {
		err = os.WriteFile(s.path+".backup", data, 0o644)
	}
	if err != nil {
		s.log.Warn("question backup failed", zap.String("path", s.path), zap.Error(err))
	}
}

func writeFile(path string, qs []models.QuestionRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(qs); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".questions-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func cloneAll(qs []models.QuestionRecord) []models.QuestionRecord {
	out := make([]models.QuestionRecord, len(qs))
	for i, q := range qs {
		out[i] = q.Clone()
	}
	return out
}
