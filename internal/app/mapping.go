package app

import (
	"crypto/tls"
	"io"

	"plantmon/internal/client"
	"plantmon/internal/config"
	"plantmon/internal/eventbus"
	"plantmon/internal/observability/debug"
	"plantmon/internal/server"
	"plantmon/internal/storage"
	logx "plantmon/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc, busy, err := config.StorageSettings(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func debugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

func serverOptions(cfg *config.Config, tc *tls.Config, bus eventbus.Bus, store storage.Store, log logx.Logger) server.Options {
	s := cfg.Server
	return server.Options{
		Listen:           s.Listen,
		MaxClients:       s.MaxClients,
		TickInterval:     config.DurationOr(s.TickInterval, config.DefaultTickInterval),
		HandshakeTimeout: config.DurationOr(s.HandshakeTimeout, config.DefaultHandshakeWait),
		WriteTimeout:     config.DurationOr(s.WriteTimeout, config.DefaultWriteTimeout),
		PollInterval:     config.DurationOr(s.PollInterval, config.DefaultPollInterval),
		DrainTimeout:     config.DurationOr(s.DrainTimeout, config.DefaultDrainTimeout),
		Seed:             s.Seed,
		TLS:              tc,
		Bus:              bus,
		Store:            store,
		Log:              log,
	}
}

func clientOptions(cfg *config.Config, tc *tls.Config, store storage.Store, announce io.Writer, log logx.Logger) client.Options {
	c := cfg.Client
	return client.Options{
		Server:       c.Server,
		DialTimeout:  config.DurationOr(c.DialTimeout, config.DefaultDialTimeout),
		PollInterval: config.DurationOr(c.PollInterval, config.DefaultPollInterval),
		HistorySize:  c.HistorySize,
		HTTPHost:     c.HTTP.Host,
		HTTPPort:     c.HTTP.Port,
		PortAttempts: c.HTTP.PortAttempts,
		PublicDir:    c.HTTP.PublicDir,
		IOTimeout:    config.DurationOr(c.HTTP.IOTimeout, config.DefaultHTTPIOTimeout),
		TLS:          tc,
		Store:        store,
		Log:          log,
		Announce:     announce,
	}
}
