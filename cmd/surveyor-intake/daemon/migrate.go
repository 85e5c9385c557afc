package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // PGX v5 driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

func installMigrateCmd(app *App) {
	app.cmd.AddCommand(&cobra.Command{
		Use:   "migrate MIGRATIONS_DIR",
		Short: "Apply the database schema migrations",
		Long: `Apply every pending SQL migration found in MIGRATIONS_DIR to the database
holding surveys and their responses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkMigrationsDir(args[0]); err != nil {
				// A bad argument is a usage error.
				app.cmd.SilenceUsage = false
				return err
			}
			app.config.MigrationsDir = args[0]

			return app.migrateRun()
		},
	})
}

func checkMigrationsDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("invalid migrations directory: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("invalid migrations directory: %s is not a directory", dir)
	}
	return nil
}

func (a App) migrateRun() error {
	slog.Info("Applying migrations", "dir", a.config.MigrationsDir, "host", a.config.DBconfig.Host, "db", a.config.DBconfig.DBName)

	m, err := migrate.New("file://"+a.config.MigrationsDir, a.config.DBconfig.URI("pgx5"))
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %v", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if closeErr := errors.Join(srcErr, dbErr); closeErr != nil {
			slog.Warn("Failed to release migration resources", "err", closeErr)
		}
	}()

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		slog.Info("Database schema is up to date")
		return nil
	case err != nil:
		return fmt.Errorf("failed to apply migrations: %v", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %v", err)
	}
	slog.Info("Migrations applied", "version", version, "dirty", dirty)
	return nil
}
