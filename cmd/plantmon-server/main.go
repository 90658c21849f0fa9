// plantmon-server broadcasts simulated plant telemetry to mutually
// authenticated subscribers.
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
	flagSet := pflag.NewFlagSet("plantmon-server", pflag.ContinueOnError)
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
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{
		Role:           app.RoleServer,
		ConfigPath:     cfgPath,
		ConfigOptional: !flagSet.Changed("config"),
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	<-a.Done()
	reason := app.StopSignal
	if a.Err() != nil {
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `plantmon-server: broadcast centrifuge speed and power output readings over mutual TLS.

Usage:
  plantmon-server [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
