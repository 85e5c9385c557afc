// Package gateway records sanitized survey responses against published surveys.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/surveyor/intake/internal/intake/database"
	"github.com/surveyor/intake/internal/intake/submission"
)

var (
	// ErrTargetNotFound is returned when the survey does not exist or is not published.
	// Both cases are indistinguishable to callers.
	ErrTargetNotFound = errors.New("survey not found or not available")
	// ErrInternal wraps every storage failure.
	ErrInternal = errors.New("internal storage error")
)

// SurveyDirectory looks up published surveys.
type SurveyDirectory interface {
	PublishedSurvey(ctx context.Context, id string) (database.Survey, error)
}

// ResponseStore persists responses.
type ResponseStore interface {
	InsertResponse(ctx context.Context, surveyID string, data submission.ResponseData, userAgent *string) (string, error)
}

// Gateway checks that a survey accepts responses before storing one.
type Gateway struct {
	surveys   SurveyDirectory
	responses ResponseStore
}

// New returns a Gateway over the given directory and store.
func New(surveys SurveyDirectory, responses ResponseStore) *Gateway {
	return &Gateway{surveys: surveys, responses: responses}
}

// Submit stores data, which must already be sanitized, as a response to surveyID and returns
// the new response id.
//
// It returns ErrTargetNotFound when the survey cannot receive responses. Any other failure
// wraps ErrInternal and keeps the underlying cause for logging.
func (g *Gateway) Submit(ctx context.Context, surveyID string, data submission.ResponseData, userAgent *string) (string, error) {
	if _, err := g.surveys.PublishedSurvey(ctx, surveyID); err != nil {
		if errors.Is(err, database.ErrSurveyNotFound) {
			return "", ErrTargetNotFound
		}
		return "", fmt.Errorf("%w: %w", ErrInternal, err)
	}

	id, err := g.responses.InsertResponse(ctx, surveyID, data, userAgent)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return id, nil
}
