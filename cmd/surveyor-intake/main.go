// Package main is the entry point for the survey intake service.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/surveyor/intake/cmd/surveyor-intake/daemon"
	"github.com/surveyor/intake/internal/common/constants"
)

func main() {
	slog.SetLogLoggerLevel(constants.DefaultLogLevel)

	a, err := daemon.New()
	if err != nil {
		slog.Error("Failed to create the intake service", "err", err)
		os.Exit(1)
	}

	os.Exit(run(a))
}

type app interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit()
}

// run executes a and returns the process exit code: 2 for usage errors, 1 for other errors.
func run(a app) int {
	stop := handleSignals(a)
	defer stop()

	err := a.Run()
	if err == nil {
		return 0
	}

	slog.Error(err.Error())
	if a.UsageError() {
		return 2
	}
	return 1
}

// handleSignals quits a on SIGINT or SIGTERM. SIGHUP calls Hup, and quits only if it asks to.
// Signals are handled until stop is called.
func handleSignals(a app) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range sigs {
			if sig == syscall.SIGHUP && !a.Hup() {
				continue
			}
			a.Quit()
			return
		}
		slog.Debug("Signal channel closed")
	}()

	return func() {
		signal.Stop(sigs)
		close(sigs)
		<-done
	}
}
