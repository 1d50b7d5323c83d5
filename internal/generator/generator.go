// Package generator authors new trivia questions through an
// OpenAI-compatible chat completion endpoint and validates the result before
// it is allowed anywhere near the question store.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"trivia_backend/internal/apperr"
	"trivia_backend/internal/config"
	"trivia_backend/internal/game"
	"trivia_backend/internal/models"
)

const (
	MaxCategoryLength = 50
	DefaultDifficulty = "medium"
	systemPrompt      = "You are a trivia question generator. Always respond with valid JSON only."
)

type Generator struct {
	cfg    config.AIConfig
	client *http.Client
	log    *zap.Logger
	now    func() time.Time
}

func New(cfg config.AIConfig, log *zap.Logger) *Generator {
	return &Generator{cfg: cfg, client: &http.Client{}, log: log, now: time.Now}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Candidate is a generated question that passed validation.
type Candidate struct {
	Question      string
	Options       []string
	CorrectAnswer int
	Explanation   string
	FunFact       string
}

// ValidateCategory returns the trimmed category or an InvalidInput error.
func ValidateCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "", apperr.InvalidInput("category", "Category is required")
	}
	if utf8.RuneCountInString(category) > MaxCategoryLength {
		return "", apperr.InvalidInput("category", fmt.Sprintf("Category name too long (max %d characters)", MaxCategoryLength))
	}
	return category, nil
}

func Prompt(category string) string {
	return fmt.Sprintf(`Generate a trivia question for the category: %s

Return ONLY valid JSON in this exact format:
{
    "question": "Your question here?",
    "options": ["Correct answer", "Wrong answer 1", "Wrong answer 2", "Wrong answer 3"],
    "correctAnswer": 0,
    "explanation": "Why this answer is correct and interesting context",
    "funFact": "An interesting related fact"
}

Requirements:
- Question should be factual and verifiable
- Difficulty should be medium level (not too easy, not too obscure)
- Options should be plausible but clearly distinct
- Place the correct answer at index 0
- Explanation should be educational and engaging
- Fun fact should be genuinely interesting
- Ensure proper JSON formatting
- Category: %s`, category, category)
}

// Generate asks the model for a question in category and returns it ready
// for storage. The call is bounded by the configured timeout.
func (g *Generator) Generate(ctx context.Context, category string) (models.QuestionRecord, error) {
	category, err := ValidateCategory(category)
	if err != nil {
		return models.QuestionRecord{}, err
	}
	if g.cfg.APIKey == "" {
		return models.QuestionRecord{}, apperr.ErrGeneratorUnavailable
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	content, err := g.complete(ctx, Prompt(category))
	if err != nil {
		g.log.Warn("question generation call failed", zap.String("category", category), zap.Error(err))
		return models.QuestionRecord{}, apperr.GenerationFailed(err)
	}

	cand, err := ParseCandidate(content)
	if err != nil {
		g.log.Warn("generated question rejected", zap.String("category", category), zap.Error(err))
		return models.QuestionRecord{}, err
	}
	return g.format(cand, category), nil
}

func (g *Generator) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := chatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.cfg.BaseURL, "/")+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("generation timed out after %s: %w", g.cfg.Timeout, err)
		}
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("AI API error (status %d): %s", resp.StatusCode, string(body))
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("AI API error: %s", completion.Error.Message)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("AI API returned no choices")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// ParseCandidate decodes and validates a model response. Decoding failures
// are GenerationFormatError, structural problems InvalidQuestionFormat.
func ParseCandidate(raw string) (*Candidate, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &fields); err != nil {
		return nil, apperr.GenerationFormat(err)
	}

	for _, name := range []string{"question", "options", "correctAnswer", "explanation"} {
		if _, ok := fields[name]; !ok {
			return nil, apperr.InvalidQuestionFormat(name, "Missing required field: "+name)
		}
	}

	cand := &Candidate{}
	if err := json.Unmarshal(fields["options"], &cand.Options); err != nil || len(cand.Options) != models.OptionCount {
		return nil, apperr.InvalidQuestionFormat("options", "Options must be a list of exactly 4 items")
	}
	for _, o := range cand.Options {
		if strings.TrimSpace(o) == "" {
			return nil, apperr.InvalidQuestionFormat("options", "Options must be non-empty strings")
		}
	}
	if err := json.Unmarshal(fields["correctAnswer"], &cand.CorrectAnswer); err != nil || cand.CorrectAnswer < 0 || cand.CorrectAnswer > 3 {
		return nil, apperr.InvalidQuestionFormat("correctAnswer", "correctAnswer must be an integer between 0 and 3")
	}
	if err := json.Unmarshal(fields["question"], &cand.Question); err != nil || strings.TrimSpace(cand.Question) == "" {
		return nil, apperr.InvalidQuestionFormat("question", "Question must be a non-empty string")
	}
	if err := json.Unmarshal(fields["explanation"], &cand.Explanation); err != nil || strings.TrimSpace(cand.Explanation) == "" {
		return nil, apperr.InvalidQuestionFormat("explanation", "Explanation must be a non-empty string")
	}
	if ff, ok := fields["funFact"]; ok && string(ff) != "null" {
		if err := json.Unmarshal(ff, &cand.FunFact); err != nil {
			return nil, apperr.InvalidQuestionFormat("funFact", "funFact must be a string")
		}
	}
	return cand, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func (g *Generator) format(c *Candidate, category string) models.QuestionRecord {
	explanation := strings.TrimSpace(c.Explanation)
	if ff := strings.TrimSpace(c.FunFact); ff != "" {
		explanation += "\n\n" + ff
	}
	rec := models.QuestionRecord{
		ID:          fmt.Sprintf("generated_%d_%d", g.now().Unix(), 1000+rand.Intn(9000)),
		Category:    strings.ToLower(category),
		Subcategory: category,
		Difficulty:  DefaultDifficulty,
		Question:    strings.TrimSpace(c.Question),
		Options:     append([]string(nil), c.Options...),
		Correct:     c.CorrectAnswer,
		Explanation: explanation,
	}
	// the model always puts the answer first; renumber so it is not
	return game.Shuffle(rec)
}
