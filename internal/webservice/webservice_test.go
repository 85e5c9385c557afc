package webservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surveyor/intake/internal/common/constants"
	"github.com/surveyor/intake/internal/intake/gateway"
	"github.com/surveyor/intake/internal/intake/ratelimit"
	"github.com/surveyor/intake/internal/intake/submission"
	"github.com/surveyor/intake/internal/webservice"
)

var defaultDaemonConfig = webservice.StaticConfig{
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   10 * time.Second,
	RequestTimeout: 3 * time.Second,
	MaxHeaderBytes: 1 << 13, // 8 KB
	MaxUploadBytes: 1 << 20, // 1 MB

	ListenHost:  "127.0.0.1",
	MetricsHost: "127.0.0.1",

	BurstRate: 1000,
	BurstSize: 1000,
}

var _ webservice.DConfigManager = testConfigManager{}

type testConfigManager struct {
	loadErr        error
	newWatcherErr  error
	watchErr       error
	trustedProxies int
}

func (t testConfigManager) Load() error {
	return t.loadErr
}

func (t testConfigManager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if t.newWatcherErr != nil {
		return nil, nil, t.newWatcherErr
	}

	eventsChan := make(chan struct{})
	errorsChan := make(chan error)
	go func() {
		defer close(eventsChan)
		defer close(errorsChan)

		if t.watchErr != nil {
			errorsChan <- t.watchErr
			return
		}

		// Block until the context is done
		<-ctx.Done()
	}()

	return eventsChan, errorsChan, nil
}

func (t testConfigManager) ClientHeaders() []string {
	return constants.DefaultClientHeaders
}

func (t testConfigManager) TrustedProxies() int {
	return t.trustedProxies
}

type env struct {
	server    *webservice.Server
	store     *gateway.Memory
	registry  *prometheus.Registry
	published string
	draft     string
}

func newDeps(policy ratelimit.Policy) (webservice.Dependencies, *gateway.Memory) {
	store := gateway.NewMemory()
	return webservice.Dependencies{
		Limiter:  ratelimit.NewMemory(ratelimit.StaticPolicy(policy)),
		Gateway:  gateway.New(store, store),
		Store:    store,
		Registry: prometheus.NewRegistry(),
	}, store
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cmLoadErr   error
		missingDeps bool

		wantErr bool
	}{
		"Empty valid": {},

		// Error cases
		"ConfigManager load error errors": {
			cmLoadErr: assert.AnError,
			wantErr:   true,
		},
		"Missing dependencies error": {
			missingDeps: true,
			wantErr:     true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			deps, _ := newDeps(ratelimit.DefaultPolicy)
			if tc.missingDeps {
				deps.Gateway = nil
			}

			s, err := webservice.New(t.Context(), testConfigManager{loadErr: tc.cmLoadErr}, deps, defaultDaemonConfig)
			if tc.wantErr {
				require.Error(t, err, "New should fail")
				assert.Nil(t, s, "No server should be returned on error")
				return
			}
			require.NoError(t, err, "New should succeed")
			assert.NotNil(t, s, "A server should be returned")
			assert.Empty(t, s.Addr(), "Addr should be empty before Run")

			hs := s.HTTPServer()
			assert.Equal(t, defaultDaemonConfig.ReadTimeout, hs.ReadTimeout, "Read timeout should be set from the static config")
			assert.Equal(t, defaultDaemonConfig.WriteTimeout, hs.WriteTimeout, "Write timeout should be set from the static config")
			assert.Equal(t, defaultDaemonConfig.MaxHeaderBytes, hs.MaxHeaderBytes, "Header limit should be set from the static config")
		})
	}
}

func TestServeMulti(t *testing.T) {
	t.Parallel()

	e := startServer(t, defaultDaemonConfig, testConfigManager{}, ratelimit.Policy{MaxPerWindow: 1000, Window: time.Hour})

	tests := map[string]struct {
		method string
		path   string
		body   func() string

		wantStatus int
		wantCode   string
	}{
		"Version": {
			method:     http.MethodGet,
			path:       "/version",
			wantStatus: http.StatusOK,
		},
		"Health": {
			method:     http.MethodGet,
			path:       "/healthz",
			wantStatus: http.StatusOK,
		},
		"Valid submission": {
			method:     http.MethodPost,
			path:       "/responses",
			body:       func() string { return fmt.Sprintf(`{"survey_id":%q,"response_data":{"q1":"yes"}}`, e.published) },
			wantStatus: http.StatusOK,
		},
		"Valid submission on compatibility path": {
			method:     http.MethodPost,
			path:       "/validate-survey-response",
			body:       func() string { return fmt.Sprintf(`{"survey_id":%q,"response_data":{"q1":["a","b"]}}`, e.published) },
			wantStatus: http.StatusOK,
		},
		"Preflight": {
			method:     http.MethodOptions,
			path:       "/responses",
			wantStatus: http.StatusNoContent,
		},
		"Preflight on any path": {
			method:     http.MethodOptions,
			path:       "/anything",
			wantStatus: http.StatusNoContent,
		},

		// Error cases
		"Invalid submission": {
			method:     http.MethodPost,
			path:       "/responses",
			body:       func() string { return `not-json` },
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		"Unpublished survey": {
			method:     http.MethodPost,
			path:       "/responses",
			body:       func() string { return fmt.Sprintf(`{"survey_id":%q,"response_data":{}}`, e.draft) },
			wantStatus: http.StatusNotFound,
			wantCode:   "SURVEY_NOT_FOUND",
		},
		"Path NotFound": {
			method:     http.MethodGet,
			path:       "/nope",
			wantStatus: http.StatusNotFound,
		},
		"Bad method MethodNotAllowed": {
			method:     http.MethodGet,
			path:       "/responses",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	client := &http.Client{}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var body io.Reader = http.NoBody
			if tc.body != nil {
				body = strings.NewReader(tc.body())
			}
			req, err := http.NewRequest(tc.method, "http://"+e.server.Addr()+tc.path, body)
			require.NoError(t, err, "Setup: failed to create request")
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			require.NoError(t, err, "Request should reach the server")
			defer resp.Body.Close()

			assert.Equal(t, tc.wantStatus, resp.StatusCode, "Unexpected status response")
			assertCORS(t, resp)

			if tc.wantCode != "" {
				var got struct {
					Code string `json:"code"`
				}
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&got), "Error body should be JSON")
				assert.Equal(t, tc.wantCode, got.Code, "Unexpected error code")
			}
		})
	}
}

func TestSubmissionRateLimit(t *testing.T) {
	t.Parallel()

	e := startServer(t, defaultDaemonConfig, testConfigManager{}, ratelimit.DefaultPolicy)
	body := fmt.Sprintf(`{"survey_id":%q,"response_data":{"q1":"same"}}`, e.published)

	post := func(ip string) int {
		req, err := http.NewRequest(http.MethodPost, "http://"+e.server.Addr()+"/responses", strings.NewReader(body))
		require.NoError(t, err, "Setup: failed to create request")
		req.Header.Set("X-Forwarded-For", ip)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err, "Request should reach the server")
		defer resp.Body.Close()
		return resp.StatusCode
	}

	for i := range ratelimit.DefaultPolicy.MaxPerWindow {
		require.Equal(t, http.StatusOK, post("192.0.2.1"), "Attempt %d should be accepted", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, post("192.0.2.1"), "Attempt over budget should be rejected")
	assert.Equal(t, http.StatusOK, post("192.0.2.2"), "Other clients should not be affected")
	assert.Len(t, e.store.Responses(e.published), ratelimit.DefaultPolicy.MaxPerWindow+1, "Only admitted submissions should be stored")

	b, err := testutil.CollectAndFormat(e.registry, expfmt.TypeTextPlain, "survey_submissions_total")
	require.NoError(t, err, "Metrics should be collectable")
	assert.Contains(t, string(b), `survey_submissions_total{outcome="accepted"} 6`, "Accepted submissions should be counted")
	assert.Contains(t, string(b), `survey_submissions_total{outcome="rate_limited"} 1`, "Rate limited submissions should be counted")
}

func TestSubmissionRateLimitBehindProxy(t *testing.T) {
	t.Parallel()

	e := startServer(t, defaultDaemonConfig, testConfigManager{trustedProxies: 1}, ratelimit.DefaultPolicy)
	body := fmt.Sprintf(`{"survey_id":%q,"response_data":{"q1":"same"}}`, e.published)

	post := func(forwarded string) int {
		req, err := http.NewRequest(http.MethodPost, "http://"+e.server.Addr()+"/responses", strings.NewReader(body))
		require.NoError(t, err, "Setup: failed to create request")
		req.Header.Set("X-Forwarded-For", forwarded)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err, "Request should reach the server")
		defer resp.Body.Close()
		return resp.StatusCode
	}

	for i := range ratelimit.DefaultPolicy.MaxPerWindow {
		require.Equal(t, http.StatusOK, post(fmt.Sprintf("198.51.100.%d, 192.0.2.1", i)), "Attempt %d should be accepted", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, post("203.0.113.9, 192.0.2.1"), "A new client supplied entry should not reset the budget")
}

func TestBurstLimit(t *testing.T) {
	t.Parallel()

	dConf := defaultDaemonConfig
	dConf.BurstRate = 0.001
	dConf.BurstSize = 2
	e := startServer(t, dConf, testConfigManager{}, ratelimit.DefaultPolicy)

	var last *http.Response
	for range 3 {
		resp, err := http.Get("http://" + e.server.Addr() + "/version")
		require.NoError(t, err, "Request should reach the server")
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		last = resp
	}

	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode, "Requests over the burst should be rejected")
	assertCORS(t, last)
}

// stallingGateway holds every submission until the request context is done.
type stallingGateway struct{}

func (stallingGateway) Submit(ctx context.Context, _ string, _ submission.ResponseData, _ *string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	dConf := defaultDaemonConfig
	dConf.RequestTimeout = 100 * time.Millisecond
	deps, _ := newDeps(ratelimit.DefaultPolicy)
	deps.Gateway = stallingGateway{}
	s := runServer(t, dConf, testConfigManager{}, deps)

	body := `{"survey_id":"9b2f4a8e-0d3c-4f4e-9a53-6f1c2b7d8e10","response_data":{"q1":"yes"}}`
	start := time.Now()
	resp, err := http.Post("http://"+s.Addr()+"/responses", "application/json", strings.NewReader(body))
	require.NoError(t, err, "Request should reach the server")
	defer resp.Body.Close()

	assert.Less(t, time.Since(start), 5*time.Second, "The request deadline should interrupt the gateway")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "A timed out submission should be an internal error")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"), "Error answers should be JSON")
	assertCORS(t, resp)

	var got struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got), "Error body should be JSON")
	assert.Equal(t, "INTERNAL_ERROR", got.Code, "Unexpected error code")
	assert.Equal(t, "An unexpected error occurred", got.Error, "Unexpected error message")
}

func TestWithRequestTimeout(t *testing.T) {
	t.Parallel()

	var deadline time.Time
	var ok bool
	h := webservice.WithRequestTimeout(time.Minute, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/any", nil))

	require.True(t, ok, "The wrapped handler should see a deadline")
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second, "Deadline should be set from the timeout")
	assert.Equal(t, http.StatusTeapot, rr.Code, "The wrapped handler answer should be kept")
}

func TestMetricsServer(t *testing.T) {
	t.Parallel()

	e := startServer(t, defaultDaemonConfig, testConfigManager{}, ratelimit.DefaultPolicy)

	require.Eventually(t, func() bool { return e.server.MetricsAddr() != "" }, 5*time.Second, 10*time.Millisecond,
		"Metrics server should start")

	served, err := http.Get("http://" + e.server.Addr() + "/version")
	require.NoError(t, err, "Setup: request should reach the server")
	served.Body.Close()

	scrape := func() string {
		resp, err := http.Get("http://" + e.server.MetricsAddr() + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return ""
		}
		return string(b)
	}

	assert.Contains(t, scrape(), "survey_submissions_total", "Submission counter should be exposed before any submission")
	// The mux counter is incremented once the handler returns, which can be after the client got its answer.
	assert.Eventually(t, func() bool { return strings.Contains(scrape(), "http_mux_requests_total") },
		time.Second, 10*time.Millisecond, "Mux counter should be exposed")
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		dConf webservice.StaticConfig
		cm    testConfigManager
	}{
		"Bad Port": {
			dConf: func() webservice.StaticConfig {
				d := defaultDaemonConfig
				d.ListenPort = -1
				return d
			}(),
		},
		"New Watcher Error": {
			cm: testConfigManager{newWatcherErr: errors.New("requested watch error")},
		},
		"Watch Error": {
			cm: testConfigManager{watchErr: errors.New("requested watch error")},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.dConf == (webservice.StaticConfig{}) {
				tc.dConf = defaultDaemonConfig
			}

			deps, _ := newDeps(ratelimit.DefaultPolicy)
			s, err := webservice.New(t.Context(), tc.cm, deps, tc.dConf)
			require.NoError(t, err, "Setup: failed to create server")
			t.Cleanup(func() { s.Quit(true) })

			select {
			case err := <-runAsync(s):
				require.Error(t, err, "Run should fail")
			case <-time.After(3 * time.Second):
				require.Fail(t, "Run should have failed")
			}
		})
	}
}

func TestRunAfterQuitErrors(t *testing.T) {
	t.Parallel()

	e := startServer(t, defaultDaemonConfig, testConfigManager{}, ratelimit.DefaultPolicy)
	addr := e.server.Addr()

	e.server.Quit(false)
	require.Eventually(t, func() bool {
		_, err := http.Get("http://" + addr + "/version")
		return err != nil
	}, 3*time.Second, 50*time.Millisecond, "Server should stop listening after quit")

	select {
	case err := <-runAsync(e.server):
		require.Error(t, err, "Server should have errored after second run")
	case <-time.After(1 * time.Second):
		require.Fail(t, "Server should have errored after second run")
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		method string

		wantStatus      int
		wantContentType string
		wantCalled      bool
	}{
		"Handler headers are kept": {method: http.MethodGet, wantStatus: http.StatusTeapot, wantContentType: "application/json", wantCalled: true},
		"Preflight is answered":    {method: http.MethodOptions, wantStatus: http.StatusNoContent},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var called bool
			h := webservice.WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTeapot)
			}))

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(tc.method, "/any", nil))

			assert.Equal(t, tc.wantCalled, called, "Unexpected call to the wrapped handler")
			assert.Equal(t, tc.wantStatus, rr.Code, "Unexpected status")
			assert.Equal(t, tc.wantContentType, rr.Header().Get("Content-Type"), "Unexpected content type")
			assertCORS(t, rr.Result())
		})
	}
}

func assertCORS(t *testing.T, resp *http.Response) {
	t.Helper()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), "Every answer should allow all origins")
	assert.Equal(t, "authorization, x-client-info, apikey, content-type", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "POST, GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}

func runAsync(s *webservice.Server) <-chan error {
	runErr := make(chan error, 1)
	go func() {
		defer close(runErr)
		runErr <- s.Run()
	}()
	return runErr
}

// startServer runs a server on a random port and waits until it answers.
func startServer(t *testing.T, dConf webservice.StaticConfig, cm testConfigManager, policy ratelimit.Policy) env {
	t.Helper()

	deps, store := newDeps(policy)
	s := runServer(t, dConf, cm, deps)

	return env{
		server:    s,
		store:     store,
		registry:  deps.Registry,
		published: store.AddSurvey("Customer satisfaction", true),
		draft:     store.AddSurvey("Draft", false),
	}
}

// runServer runs a server built from deps on a random port and waits until it listens.
func runServer(t *testing.T, dConf webservice.StaticConfig, cm testConfigManager, deps webservice.Dependencies) *webservice.Server {
	t.Helper()

	s, err := webservice.New(t.Context(), cm, deps, dConf)
	require.NoError(t, err, "Setup: failed to create server")
	t.Cleanup(func() { s.Quit(true) })

	runAsync(s)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond,
		"Setup: Server did not start listening in time")

	return s
}
