// Package handlers provides HTTP handlers for the intake service.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/surveyor/intake/internal/intake/gateway"
	"github.com/surveyor/intake/internal/intake/ratelimit"
	"github.com/surveyor/intake/internal/intake/submission"
	"github.com/surveyor/intake/internal/webservice/metrics"
)

// DefaultMaxUploadBytes bounds a submission body when no limit is configured.
// It is a transport cap only: answer count is unbounded, and it leaves room for dozens of
// maximum length open text answers.
const DefaultMaxUploadBytes = 1 << 20

// FieldBody names the request body itself in validation details.
const FieldBody = "body"

// Gateway stores sanitized responses.
type Gateway interface {
	Submit(ctx context.Context, surveyID string, data submission.ResponseData, userAgent *string) (string, error)
}

// Observer is notified of the outcome of every submission attempt.
type Observer interface {
	ObserveSubmission(metrics.Outcome)
}

type noopObserver struct{}

func (noopObserver) ObserveSubmission(metrics.Outcome) {}

// Submit validates, sanitizes and records survey responses.
type Submit struct {
	limiter   ratelimit.Limiter
	clientKey ratelimit.ClientKeyFunc
	gateway   Gateway

	maxUploadBytes int64
	observer       Observer
	log            *slog.Logger
}

type submitOptions struct {
	maxUploadBytes int64
	observer       Observer
	logger         *slog.Logger
}

// SubmitOption configures a Submit handler.
type SubmitOption func(*submitOptions)

// WithMaxUploadBytes bounds the size of a submission body.
func WithMaxUploadBytes(n int64) SubmitOption {
	return func(o *submitOptions) {
		if n > 0 {
			o.maxUploadBytes = n
		}
	}
}

// WithObserver sets the Observer notified of each outcome.
func WithObserver(obs Observer) SubmitOption {
	return func(o *submitOptions) {
		o.observer = obs
	}
}

// WithLogger sets the logger of the handler.
func WithLogger(l *slog.Logger) SubmitOption {
	return func(o *submitOptions) {
		o.logger = l
	}
}

// NewSubmit creates a new Submit handler.
func NewSubmit(limiter ratelimit.Limiter, clientKey ratelimit.ClientKeyFunc, gw Gateway, args ...SubmitOption) *Submit {
	opts := submitOptions{
		maxUploadBytes: DefaultMaxUploadBytes,
		observer:       noopObserver{},
		logger:         slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Submit{
		limiter:        limiter,
		clientKey:      clientKey,
		gateway:        gw,
		maxUploadBytes: opts.maxUploadBytes,
		observer:       opts.observer,
		log:            opts.logger,
	}
}

// ServeHTTP handles one submission.
func (h *Submit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	log := h.log.With("req_id", reqID)

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			log.Error("Recovered from panic while handling submission", "panic", fmt.Sprint(p))
			h.observer.ObserveSubmission(metrics.OutcomeError)
			writeInternalError(w)
		}
	}()

	log.Info("Request recv'd", "method", r.Method, "path", r.URL.Path)

	key := h.clientKey(r)
	allowed, err := h.limiter.TryConsume(r.Context(), key)
	if err != nil {
		log.Error("Rate limiter failure", "err", err)
		h.observer.ObserveSubmission(metrics.OutcomeError)
		writeInternalError(w)
		return
	}
	if !allowed {
		log.Warn("Submission rate limited")
		log.Debug("Rate limited client", "client", key)
		h.observer.ObserveSubmission(metrics.OutcomeRateLimited)
		RateLimited(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		msg := "Could not read request body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = fmt.Sprintf("Request body must not exceed %d bytes", maxErr.Limit)
		}
		log.Warn("Error reading the request body", "err", err)
		h.observer.ObserveSubmission(metrics.OutcomeInvalid)
		writeValidationError(w, []submission.FieldError{{Field: FieldBody, Message: msg}})
		return
	}

	s, err := submission.Validate(body)
	if err != nil {
		var vErr *submission.ValidationError
		if !errors.As(err, &vErr) {
			log.Error("Unexpected validation failure", "err", err)
			h.observer.ObserveSubmission(metrics.OutcomeError)
			writeInternalError(w)
			return
		}
		log.Info("Submission rejected", "reason", "validation", "details", len(vErr.Details))
		h.observer.ObserveSubmission(metrics.OutcomeInvalid)
		writeValidationError(w, vErr.Details)
		return
	}

	id, err := h.gateway.Submit(r.Context(), s.SurveyID, submission.Sanitize(s.ResponseData), s.UserAgent)
	if errors.Is(err, gateway.ErrTargetNotFound) {
		log.Info("Submission rejected", "reason", "survey not found", "survey_id", s.SurveyID)
		h.observer.ObserveSubmission(metrics.OutcomeNotFound)
		writeSurveyNotFound(w)
		return
	}
	if err != nil {
		log.Error("Failed to store submission", "survey_id", s.SurveyID, "err", err)
		h.observer.ObserveSubmission(metrics.OutcomeError)
		writeInternalError(w)
		return
	}

	log.Info("Submission stored", "survey_id", s.SurveyID, "response_id", id)
	h.observer.ObserveSubmission(metrics.OutcomeAccepted)
	writeJSON(w, http.StatusOK, SuccessBody{Success: true, Message: MsgSubmitted, ResponseID: id})
}
