package daemon

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/surveyor/intake/internal/common/config"
	"gopkg.in/yaml.v3"
)

type (
	AppConfig = appConfig
)

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// Addr returns the address the daemon listens on, or an empty string when it is not listening.
func (a *App) Addr() string {
	if a.daemon == nil {
		return ""
	}
	return a.daemon.Addr()
}

// DemoSurvey returns the published survey seeded in in-memory mode.
func (a *App) DemoSurvey() string {
	return a.demoSurvey
}

// StoredResponses returns how many responses the in-memory store holds for surveyID.
func (a *App) StoredResponses(surveyID string) int {
	return len(a.memStore.Responses(surveyID))
}

// NewForTests creates a new App instance for testing purposes.
func NewForTests(t *testing.T, conf *AppConfig, args ...string) *App {
	t.Helper()

	p := GenerateTestConfig(t, conf)
	argsWithConf := []string{"--config", p}
	argsWithConf = append(argsWithConf, args...)

	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(argsWithConf)
	return a
}

// GeneratePolicyConfig generates a temporary rate limiting policy file for testing.
func GeneratePolicyConfig(t *testing.T, conf *config.Conf) string {
	t.Helper()

	d, err := json.Marshal(conf)
	require.NoError(t, err, "Setup: failed to marshal policy config for tests")
	p := filepath.Join(t.TempDir(), "policy-test.json")
	require.NoError(t, os.WriteFile(p, d, 0600), "Setup: failed to write policy config for tests")

	return p
}

// GenerateTestConfig generates a temporary config file for testing.
func GenerateTestConfig(t *testing.T, origConf *AppConfig) string {
	t.Helper()

	var conf appConfig

	if origConf != nil {
		conf = *origConf
	}

	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}
	if conf.Daemon.ListenHost == "" {
		conf.Daemon.ListenHost = "127.0.0.1"
	}
	if conf.Daemon.MetricsHost == "" {
		conf.Daemon.MetricsHost = "127.0.0.1"
	}

	d, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: failed to marshal config for tests")

	confPath := filepath.Join(t.TempDir(), "testconfig.yaml")
	require.NoError(t, os.WriteFile(confPath, d, 0600), "Setup: failed to write config for tests")

	return confPath
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetOut redirects the command output for tests.
func (a *App) SetOut(w io.Writer) {
	a.cmd.SetOut(w)
}

// SetSilenceUsage set the SilenceUsage flag on root command for tests.
func (a *App) SetSilenceUsage(silence bool) {
	a.cmd.SilenceUsage = silence
}
