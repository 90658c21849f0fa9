// plantmon-client subscribes to a plantmon-server and serves the recent
// readings over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"plantmon/internal/app"
)

const defaultConfig = "./plantmon.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flagSet := pflag.NewFlagSet("plantmon-client", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", defaultConfig, "path to config file (JSON or YAML)")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	args := flagSet.Args()
	if len(args) > 1 {
		return fmt.Errorf("unexpected argument: %s", args[1])
	}
	var serverAddr string
	if len(args) == 1 {
		serverAddr = args[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{
		Role:           app.RoleClient,
		ConfigPath:     cfgPath,
		ConfigOptional: !flagSet.Changed("config"),
		ServerAddr:     serverAddr,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	<-a.Done()
	reason := app.StopSessionEnded
	switch {
	case a.Err() != nil:
		reason = app.StopFatalError
	case ctx.Err() != nil:
		reason = app.StopSignal
	case a.SessionErr() != nil:
		reason = app.StopSessionLost
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `plantmon-client: receive plant telemetry and serve it at /api/data.

Usage:
  plantmon-client [flags] [server]

The server argument is host or host:port (default 127.0.0.1, port 8443).

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
