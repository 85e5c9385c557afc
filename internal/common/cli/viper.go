// Package cli provides utility functions for command line interface applications.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configDirs lists where a configuration file named after the command is searched, in order.
func configDirs(cmdName string) []string {
	dirs := []string{".", filepath.Join("/etc", cmdName), filepath.Join("/usr/local/etc", cmdName)}
	bin, err := os.Executable()
	if err != nil {
		slog.Warn("Could not locate the executable, its directory is not searched for configuration", "err", err)
		return dirs
	}
	return append(dirs, filepath.Dir(bin))
}

// InitViperConfig reads the configuration of cmd into vip.
//
// The file given with --config is used if set, otherwise a file named after cmdName is searched in
// configDirs. A missing searched file is not an error. Environment variables prefixed with the
// upper-cased command name override file values: SURVEYOR_INTAKE_DAEMON_READTIMEOUT sets
// daemon.readtimeout.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName(cmdName)
		for _, d := range configDirs(cmdName) {
			vip.AddConfigPath(d)
		}
	}

	err := vip.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case errors.As(err, &notFound):
		slog.Info("No configuration file, using defaults, environment and flags only")
	case err != nil:
		return fmt.Errorf("invalid configuration file: %w", err)
	default:
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	envPrefix := strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_"))
	vip.SetEnvPrefix(envPrefix)
	vip.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about. Bind every prefixed variable so
	// that nested keys absent from the file still reach Unmarshal.
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		key, ok := strings.CutPrefix(name, envPrefix+"_")
		if !ok || key == "" {
			continue
		}
		if err := vip.BindEnv(strings.ToLower(strings.ReplaceAll(key, "_", ".")), name); err != nil {
			return fmt.Errorf("could not bind environment variable %s: %w", name, err)
		}
	}

	return nil
}

// InstallConfigFlag adds a config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}

// Unmarshal decodes the viper state into target, then validates it against its `validate` struct tags.
//
// Durations are accepted as strings ("90s") and slices as comma separated strings, so that both
// can be set from the environment.
func Unmarshal(vip *viper.Viper, target any) error {
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := vip.Unmarshal(target, hook); err != nil {
		return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
	}

	if err := validator.New().Struct(target); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
