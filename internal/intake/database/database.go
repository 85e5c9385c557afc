// Package database stores survey responses in PostgreSQL and looks up the surveys they answer.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/surveyor/intake/internal/intake/submission"
	"github.com/ubuntu/decorate"
)

// DefaultQueryTimeout bounds every call made to the database when Config.QueryTimeout is unset.
const DefaultQueryTimeout = 5 * time.Second

var (
	// ErrSurveyNotFound is returned when a survey does not exist or is not published.
	ErrSurveyNotFound = errors.New("survey not found or not published")
	// ErrResponseNotFound is returned when a stored response does not exist.
	ErrResponseNotFound = errors.New("response not found")

	errNotInitialized = errors.New("database not initialized")
)

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// QueryTimeout bounds each query. DefaultQueryTimeout is used when zero.
	QueryTimeout time.Duration
}

// Survey is a published survey that accepts responses.
type Survey struct {
	ID    string
	Title string
}

// StoredResponse is a persisted survey response.
type StoredResponse struct {
	ID           string
	SurveyID     string
	ResponseData submission.ResponseData
	UserAgent    *string
	IPAddress    *string
	SubmittedAt  time.Time
}

type dbPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool  dbPool
	timeout time.Duration
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// Connect creates a database manager with a PostgreSQL connection pool using the provided configuration.
// The connection is validated with a ping, but it is not maintained.
func Connect(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool, timeout: timeout}, nil
}

// PublishedSurvey returns the survey with the given id if it exists and is published.
// Unknown and unpublished surveys both return ErrSurveyNotFound.
func (db *Manager) PublishedSurvey(ctx context.Context, id string) (s Survey, err error) {
	defer decorate.OnError(&err, "could not look up survey %q", id)

	if db.dbpool == nil {
		return Survey{}, errNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	err = db.dbpool.QueryRow(ctx,
		`SELECT id::text, title FROM surveys WHERE id = $1 AND is_published`,
		id,
	).Scan(&s.ID, &s.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return Survey{}, ErrSurveyNotFound
	}
	if err != nil {
		return Survey{}, err
	}
	return s, nil
}

// InsertResponse stores one response and returns its generated id.
//
// The respondent network address is never stored. The submission time is set by the database.
func (db *Manager) InsertResponse(ctx context.Context, surveyID string, data submission.ResponseData, userAgent *string) (id string, err error) {
	defer decorate.OnError(&err, "could not store response for survey %q", surveyID)

	if db.dbpool == nil {
		return "", errNotInitialized
	}

	if data == nil {
		data = submission.ResponseData{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("could not encode response data: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	err = db.dbpool.QueryRow(ctx,
		`INSERT INTO survey_responses (
			survey_id,
			response_data,
			user_agent,
			ip_address,
			submitted_at
		) VALUES ($1, $2, $3, NULL, $4)
		RETURNING id::text`,
		surveyID,         // survey_id
		raw,              // response_data
		userAgent,        // user_agent
		time.Now().UTC(), // submitted_at
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Response reads back a stored response.
func (db *Manager) Response(ctx context.Context, id string) (r StoredResponse, err error) {
	defer decorate.OnError(&err, "could not read response %q", id)

	if db.dbpool == nil {
		return StoredResponse{}, errNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	var raw []byte
	err = db.dbpool.QueryRow(ctx,
		`SELECT id::text, survey_id::text, response_data, user_agent, ip_address::text, submitted_at
		FROM survey_responses WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.SurveyID, &raw, &r.UserAgent, &r.IPAddress, &r.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredResponse{}, ErrResponseNotFound
	}
	if err != nil {
		return StoredResponse{}, err
	}

	if err := json.Unmarshal(raw, &r.ResponseData); err != nil {
		return StoredResponse{}, fmt.Errorf("could not decode response data: %v", err)
	}
	return r, nil
}

// Ping checks that the database is reachable.
func (db *Manager) Ping(ctx context.Context) error {
	if db.dbpool == nil {
		return errNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	return db.dbpool.Ping(ctx)
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
