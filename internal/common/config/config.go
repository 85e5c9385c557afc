// Package config loads the intake policy from a JSON file and reloads it when the file changes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/surveyor/intake/internal/common/constants"
	"github.com/surveyor/intake/internal/intake/ratelimit"
)

// Conf is the on-disk policy document.
type Conf struct {
	RateLimit     RateLimitConf `json:"rateLimit"`
	ClientHeaders []string      `json:"clientHeaders,omitempty"`
	// TrustedProxies counts the proxies in front of the service appending to ClientHeaders.
	TrustedProxies int `json:"trustedProxies,omitempty"`
}

// RateLimitConf is the rate limiting section of the policy document.
type RateLimitConf struct {
	MaxPerWindow int    `json:"maxPerWindow,omitempty"`
	Window       string `json:"window,omitempty"`
}

// Manager holds the current policy. It is safe for concurrent use.
type Manager struct {
	configPath string
	log        *slog.Logger

	lock    sync.RWMutex
	policy         ratelimit.Policy
	headers        []string
	trustedProxies int
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithLogger sets the logger used by the Manager.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.Logger = l
	}
}

// New creates a configuration manager for the file at path. Until a file is loaded, the
// defaults apply. With an empty path, the defaults apply for the lifetime of the Manager.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	if path != "" {
		path = filepath.Clean(path)
	}

	return &Manager{
		configPath: path,
		log:        opts.Logger,
		policy:     ratelimit.DefaultPolicy,
		headers:    slices.Clone(constants.DefaultClientHeaders),
	}
}

// Load reads the configuration file and replaces the current policy.
//
// Unset or invalid values fall back to their defaults. On error, the current policy is kept.
func (cm *Manager) Load() error {
	if cm.configPath == "" {
		return nil
	}

	file, err := os.Open(cm.configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer file.Close()

	var c Conf
	if err := json.NewDecoder(file).Decode(&c); err != nil {
		return fmt.Errorf("decoding config JSON: %w", err)
	}

	policy, headers, proxies := cm.resolve(c)

	cm.lock.Lock()
	cm.policy = policy
	cm.headers = headers
	cm.trustedProxies = proxies
	cm.lock.Unlock()

	cm.log.Info("Configuration loaded", "max_per_window", policy.MaxPerWindow, "window", policy.Window,
		"client_headers", headers, "trusted_proxies", proxies)
	return nil
}

func (cm *Manager) resolve(c Conf) (ratelimit.Policy, []string, int) {
	policy := ratelimit.DefaultPolicy

	if c.RateLimit.MaxPerWindow > 0 {
		policy.MaxPerWindow = c.RateLimit.MaxPerWindow
	} else if c.RateLimit.MaxPerWindow < 0 {
		cm.log.Warn("Ignoring invalid maxPerWindow, using default", "value", c.RateLimit.MaxPerWindow, "default", policy.MaxPerWindow)
	}

	if c.RateLimit.Window != "" {
		w, err := time.ParseDuration(c.RateLimit.Window)
		switch {
		case err != nil:
			cm.log.Warn("Ignoring invalid window, using default", "value", c.RateLimit.Window, "err", err, "default", policy.Window)
		case w <= 0:
			cm.log.Warn("Ignoring non positive window, using default", "value", c.RateLimit.Window, "default", policy.Window)
		default:
			policy.Window = w
		}
	}

	var headers []string
	for _, h := range c.ClientHeaders {
		if h == "" {
			continue
		}
		headers = append(headers, h)
	}
	if len(headers) == 0 {
		headers = slices.Clone(constants.DefaultClientHeaders)
	}

	proxies := c.TrustedProxies
	if proxies < 0 {
		cm.log.Warn("Ignoring negative trustedProxies, using 0", "value", proxies)
		proxies = 0
	}

	return policy, headers, proxies
}

// Watch starts watching the configuration file for changes.
//
// It returns two channels: one for configuration changes which result in a successful load and
// another for unrecoverable watcher errors.
func (cm *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	if cm.configPath == "" {
		return cm.watchNothing(ctx), nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir := filepath.Dir(cm.configPath)
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", configDir, err)
	}

	cm.log.Info("Watching configuration directory", "dir", configDir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	if err := cm.Load(); err != nil {
		cm.log.Warn("Error loading initial config", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info("Configuration watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != cm.configPath {
					continue
				}

				cm.log.Debug("Configuration file changed. Reloading...")
				if err := cm.Load(); err != nil {
					cm.log.Warn("Error reloading config", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				cm.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// watchNothing returns a change channel closed once ctx is done. The nil error channel never
// delivers.
func (cm *Manager) watchNothing(ctx context.Context) <-chan struct{} {
	changesCh := make(chan struct{})
	go func() {
		defer close(changesCh)
		<-ctx.Done()
	}()
	return changesCh
}

// RateLimitPolicy returns the current submission rate limiting policy.
func (cm *Manager) RateLimitPolicy() ratelimit.Policy {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.policy
}

// ClientHeaders returns the ordered headers identifying a client.
func (cm *Manager) ClientHeaders() []string {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return slices.Clone(cm.headers)
}

// TrustedProxies returns the number of proxies appending to the client headers.
func (cm *Manager) TrustedProxies() int {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.trustedProxies
}
