// Package apperr holds the error taxonomy shared by every layer of the quiz
// backend. Each error carries a stable kind and code for machine consumers
// and a human-readable message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInputValidation Kind = "input_validation"
	KindState           Kind = "state"
	KindNotFound        Kind = "not_found"
	KindExhausted       Kind = "resource_exhausted"
	KindExternal        Kind = "external_service"
	KindStorage         Kind = "storage"
)

type Code string

const (
	CodeInvalidInput          Code = "InvalidInput"
	CodeInsufficientQuestions Code = "InsufficientQuestions"
	CodeNoMatchingQuestions   Code = "NoMatchingQuestions"
	CodeNoActiveGame          Code = "NoActiveGame"
	CodeNoMoreQuestions       Code = "NoMoreQuestions"
	CodeNoCompletedGame       Code = "NoCompletedGame"
	CodeScoreSubmitted        Code = "ScoreAlreadySubmitted"
	CodeQuestionNotFound      Code = "QuestionNotFound"
	CodeGenerationQuota       Code = "GenerationQuotaExceeded"
	CodeRateLimited           Code = "RateLimited"
	CodeGenerationFailed      Code = "GenerationFailed"
	CodeGenerationFormat      Code = "GenerationFormatError"
	CodeInvalidQuestionFormat Code = "InvalidQuestionFormat"
	CodeGeneratorUnavailable  Code = "GeneratorUnavailable"
	CodeStorageFailure        Code = "StorageFailure"
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can compare against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Sentinels for errors.Is checks.
var (
	ErrInsufficientQuestions = New(KindInputValidation, CodeInsufficientQuestions, "not enough questions in pool")
	ErrNoMatchingQuestions   = New(KindInputValidation, CodeNoMatchingQuestions, "No questions match your criteria")
	ErrNoActiveGame          = New(KindState, CodeNoActiveGame, "No active game")
	ErrNoMoreQuestions       = New(KindState, CodeNoMoreQuestions, "No more questions")
	ErrNoCompletedGame       = New(KindState, CodeNoCompletedGame, "No completed game")
	ErrScoreSubmitted        = New(KindState, CodeScoreSubmitted, "score for this game was already submitted")
	ErrGenerationQuota       = New(KindExhausted, CodeGenerationQuota, "a question was already generated in this session")
	ErrRateLimited           = New(KindExhausted, CodeRateLimited, "too many requests")
	ErrGeneratorUnavailable  = New(KindExternal, CodeGeneratorUnavailable, "question generator is not configured")
)

func InvalidInput(field, msg string) *Error {
	return &Error{Kind: KindInputValidation, Code: CodeInvalidInput, Message: msg, Field: field}
}

func NotFound(code Code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func Storage(err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeStorageFailure, Message: "storage failure", Err: err}
}

func GenerationFailed(err error) *Error {
	return &Error{Kind: KindExternal, Code: CodeGenerationFailed, Message: "question generation failed", Err: err}
}

func GenerationFormat(err error) *Error {
	return &Error{Kind: KindExternal, Code: CodeGenerationFormat, Message: "invalid JSON response from generator", Err: err}
}

func InvalidQuestionFormat(field, msg string) *Error {
	return &Error{Kind: KindExternal, Code: CodeInvalidQuestionFormat, Message: "Invalid question format: " + msg, Field: field}
}

// As extracts an *Error from err. Unknown errors are reported as storage
// failures, since every untyped error in this code base comes from a backing
// medium.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Storage(err)
}

// HTTPStatus maps an error onto the status class returned to clients.
func HTTPStatus(err error) int {
	e := As(err)
	switch e.Kind {
	case KindInputValidation, KindState:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindExhausted:
		return http.StatusTooManyRequests
	case KindExternal:
		if e.Code == CodeGeneratorUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
