// Command opsautomator runs tagging-driven automation tasks across accounts
// and regions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opsautomator/opsautomator/cmd/opsautomator/commands"
)

// Set with -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("opsautomator failed")
		os.Exit(1)
	}
}
