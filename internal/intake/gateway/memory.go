package gateway

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surveyor/intake/internal/intake/database"
	"github.com/surveyor/intake/internal/intake/submission"
)

// Memory is an in-process survey directory and response store.
// It serves development runs without a database.
type Memory struct {
	mu        sync.RWMutex
	surveys   map[string]memorySurvey
	responses map[string]database.StoredResponse
}

type memorySurvey struct {
	title     string
	published bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		surveys:   make(map[string]memorySurvey),
		responses: make(map[string]database.StoredResponse),
	}
}

// AddSurvey registers a survey and returns its generated id.
func (m *Memory) AddSurvey(title string, published bool) string {
	id := uuid.NewString()
	m.PutSurvey(id, title, published)
	return id
}

// PutSurvey registers or replaces the survey with the given id.
func (m *Memory) PutSurvey(id, title string, published bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surveys[id] = memorySurvey{title: title, published: published}
}

// PublishedSurvey implements SurveyDirectory.
func (m *Memory) PublishedSurvey(ctx context.Context, id string) (database.Survey, error) {
	if err := ctx.Err(); err != nil {
		return database.Survey{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.surveys[id]
	if !ok || !s.published {
		return database.Survey{}, database.ErrSurveyNotFound
	}
	return database.Survey{ID: id, Title: s.title}, nil
}

// InsertResponse implements ResponseStore.
func (m *Memory) InsertResponse(ctx context.Context, surveyID string, data submission.ResponseData, userAgent *string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var ua *string
	if userAgent != nil {
		v := *userAgent
		ua = &v
	}
	if data == nil {
		data = submission.ResponseData{}
	}

	r := database.StoredResponse{
		ID:           uuid.NewString(),
		SurveyID:     surveyID,
		ResponseData: maps.Clone(data),
		UserAgent:    ua,
		SubmittedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[r.ID] = r
	return r.ID, nil
}

// Response returns a stored response.
func (m *Memory) Response(_ context.Context, id string) (database.StoredResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.responses[id]
	if !ok {
		return database.StoredResponse{}, database.ErrResponseNotFound
	}
	return r, nil
}

// Responses returns every response stored for surveyID.
func (m *Memory) Responses(surveyID string) []database.StoredResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []database.StoredResponse
	for _, r := range m.responses {
		if r.SurveyID == surveyID {
			out = append(out, r)
		}
	}
	return out
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}
