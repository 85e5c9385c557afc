// Package daemon provides the survey intake service daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/surveyor/intake/internal/common/cli"
	"github.com/surveyor/intake/internal/common/config"
	"github.com/surveyor/intake/internal/common/constants"
	"github.com/surveyor/intake/internal/intake/database"
	"github.com/surveyor/intake/internal/intake/gateway"
	"github.com/surveyor/intake/internal/intake/ratelimit"
	"github.com/surveyor/intake/internal/webservice"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *webservice.Server

	// Set in in-memory mode only.
	memStore   *gateway.Memory
	demoSurvey string

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int `validate:"gte=0"`
	JSONLogs  bool

	// ConfigPath is the dynamic rate limiting policy file. Defaults are used when empty.
	ConfigPath string
	// InMemory keeps surveys and responses in memory instead of PostgreSQL.
	InMemory bool
	// RedisAddr selects a shared Redis rate limiting store. Limits are kept in memory when empty.
	RedisAddr string `validate:"omitempty,hostname_port"`

	DBconfig      database.Config
	Daemon        webservice.StaticConfig
	MigrationsDir string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.IntakeServiceCmdName,
		Short:         "Survey response intake service",
		Long:          "Survey response intake service validating, rate limiting and storing anonymous survey responses.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.IntakeServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := cli.Unmarshal(a.viper, &a.config); err != nil {
				return err
			}
			slog.Debug("Got app config", "config", a.config.redacted())

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := webservice.StaticConfig{
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   15 * time.Second,
		// Longer than a survey lookup and an insert, each bounded by the query timeout.
		RequestTimeout: 12 * time.Second,
		MaxHeaderBytes: 1 << 13, // 8 KB
		MaxUploadBytes: 1 << 20, // 1 MB

		ListenPort:  8080,
		MetricsPort: 2112,

		BurstRate: float64(ratelimit.DefaultBurstRate),
		BurstSize: ratelimit.DefaultBurstSize,
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.Flags().StringVarP(&app.config.ConfigPath, "daemon-config", "c", "", "path to the rate limiting policy file")
	cmd.Flags().BoolVar(&app.config.InMemory, "in-memory", false, "keep surveys and responses in memory, for development only")
	cmd.Flags().StringVar(&app.config.RedisAddr, "redis-addr", "", "address of the Redis server shared by instances for rate limiting")

	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", defaultConf.ReadTimeout, "read timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", defaultConf.WriteTimeout, "write timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", defaultConf.RequestTimeout, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", defaultConf.MaxHeaderBytes, "maximum header bytes for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxUploadBytes, "max-upload-bytes", defaultConf.MaxUploadBytes, "maximum upload bytes for HTTP server")

	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", defaultConf.ListenHost, "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", defaultConf.ListenPort, "port to listen on")

	cmd.Flags().StringVar(&app.config.Daemon.MetricsHost, "metrics-host", defaultConf.MetricsHost, "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.Daemon.MetricsPort, "metrics-port", defaultConf.MetricsPort, "port for the metrics endpoint")
	cmd.Flags().BoolVar(&app.config.Daemon.DisableMetrics, "disable-metrics", false, "do not serve the metrics endpoint")

	cmd.Flags().Float64Var(&app.config.Daemon.BurstRate, "burst-rate", defaultConf.BurstRate, "sustained requests per second allowed per client")
	cmd.Flags().IntVar(&app.config.Daemon.BurstSize, "burst-size", defaultConf.BurstSize, "requests a client may send at once")

	addDBFlags(cmd, &app.config.DBconfig)

	if err := cmd.MarkFlagFilename("daemon-config"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark daemon-config flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
	cmd.PersistentFlags().DurationVar(&config.QueryTimeout, "db-query-timeout", database.DefaultQueryTimeout, "maximum duration of a database query")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanups []func() error
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				slog.Warn("Failed to release resource", "err", err)
			}
		}
	}()

	srv, err := a.build(ctx, &cleanups)
	a.daemon = srv
	close(a.ready)
	if err != nil {
		return err
	}

	return a.daemon.Run()
}

// build wires the daemon dependencies. Resources to release on exit are appended to cleanups.
func (a *App) build(ctx context.Context, cleanups *[]func() error) (*webservice.Server, error) {
	configPath := a.config.ConfigPath
	if configPath != "" {
		p, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for config file: %v", err)
		}
		configPath = p
	}
	cm := config.New(configPath)

	var deps webservice.Dependencies

	if a.config.InMemory {
		a.memStore = gateway.NewMemory()
		a.demoSurvey = a.memStore.AddSurvey("Demo survey", true)
		slog.Warn("Using in-memory storage, responses are lost on exit", "survey_id", a.demoSurvey)

		deps.Gateway = gateway.New(a.memStore, a.memStore)
		deps.Store = a.memStore
	} else {
		db, err := database.Connect(ctx, a.config.DBconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %v", err)
		}
		*cleanups = append(*cleanups, db.Close)

		deps.Gateway = gateway.New(db, db)
		deps.Store = db
	}

	if a.config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: a.config.RedisAddr})
		*cleanups = append(*cleanups, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("unable to ping redis: %v", err)
		}
		slog.Info("Using Redis rate limiting store", "addr", a.config.RedisAddr)
		deps.Limiter = ratelimit.NewRedis(client, cm)
	} else {
		limiter := ratelimit.NewMemory(cm, ratelimit.WithLogger(slog.Default()))
		go limiter.Run(ctx, time.Minute)
		deps.Limiter = limiter
	}

	srv, err := webservice.New(ctx, cm, deps, a.config.Daemon)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %v", err)
	}
	return srv, nil
}

// redacted returns a copy of the configuration safe to log.
func (c appConfig) redacted() appConfig {
	if c.DBconfig.Password != "" {
		c.DBconfig.Password = "***"
	}
	return c
}
