package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	logx "plantmon/pkg/logx"
)

const (
	DefaultServerListen  = ":8443"
	DefaultServerPort    = "8443"
	DefaultServerHost    = "127.0.0.1"
	DefaultMaxClients    = 10
	DefaultTickInterval  = 2 * time.Second
	DefaultHTTPPort      = 8080
	DefaultPortAttempts  = 100
	DefaultHistorySize   = 50
	DefaultPublicDir     = "./web/public"
	DefaultDebugAddr     = "127.0.0.1:6060"
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultWriteTimeout  = 2 * time.Second
	DefaultHandshakeWait = 10 * time.Second
	DefaultDrainTimeout  = 5 * time.Second
	DefaultDialTimeout   = 10 * time.Second
	DefaultHTTPIOTimeout = 5 * time.Second
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Level: "INFO", Console: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	s := &cfg.Server
	if strings.TrimSpace(s.Listen) == "" {
		s.Listen = DefaultServerListen
	}
	if s.MaxClients == 0 {
		s.MaxClients = DefaultMaxClients
	}
	if strings.TrimSpace(s.TickInterval) == "" {
		s.TickInterval = DefaultTickInterval.String()
	}
	if s.TLS.Cert == "" {
		s.TLS.Cert = "certs/server-cert.pem"
	}
	if s.TLS.Key == "" {
		s.TLS.Key = "certs/server-key.pem"
	}
	if s.TLS.CA == "" {
		s.TLS.CA = "certs/ca-cert.pem"
	}

	c := &cfg.Client
	c.Server = ServerAddress(c.Server)
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.PortAttempts == 0 {
		c.HTTP.PortAttempts = DefaultPortAttempts
	}
	if strings.TrimSpace(c.HTTP.PublicDir) == "" {
		c.HTTP.PublicDir = DefaultPublicDir
	}
	if c.TLS.Cert == "" {
		c.TLS.Cert = "certs/client-cert.pem"
	}
	if c.TLS.Key == "" {
		c.TLS.Key = "certs/client-key.pem"
	}
	if c.TLS.CA == "" {
		c.TLS.CA = "certs/ca-cert.pem"
	}

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "INFO"
	}
	if strings.TrimSpace(cfg.Debug.Addr) == "" {
		cfg.Debug.Addr = DefaultDebugAddr
	}
}

// Validate rejects configs that cannot run. It is used on initial load and
// before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Server.MaxClients < 0 {
		return fmt.Errorf("server.max_clients must be >= 0")
	}
	tick, err := ParseDurationField("server.tick_interval", cfg.Server.TickInterval)
	if err != nil {
		return err
	}
	if tick != 0 && (tick < time.Second || tick%time.Second != 0) {
		return fmt.Errorf("server.tick_interval: %s must be a whole number of seconds", tick)
	}
	for path, raw := range map[string]string{
		"server.handshake_timeout": cfg.Server.HandshakeTimeout,
		"server.write_timeout":     cfg.Server.WriteTimeout,
		"server.poll_interval":     cfg.Server.PollInterval,
		"server.drain_timeout":     cfg.Server.DrainTimeout,
		"client.dial_timeout":      cfg.Client.DialTimeout,
		"client.poll_interval":     cfg.Client.PollInterval,
		"client.http.io_timeout":   cfg.Client.HTTP.IOTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.Client.HistorySize < 0 {
		return fmt.Errorf("client.history_size must be >= 0")
	}
	if p := cfg.Client.HTTP.Port; p < 0 || p > 65535 {
		return fmt.Errorf("client.http.port: %d out of range", p)
	}
	if cfg.Client.HTTP.PortAttempts < 0 {
		return fmt.Errorf("client.http.port_attempts must be >= 0")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, _, err := StorageSettings(cfg); err != nil {
		return err
	}
	return nil
}

// StorageSettings normalizes the storage section.
// enabled=false when the section is omitted or driver is "none".
func StorageSettings(cfg *Config) (sc StorageConfig, busy time.Duration, err error) {
	if cfg == nil || cfg.Storage == nil {
		return StorageConfig{}, 0, nil
	}
	sc = *cfg.Storage
	sc.Driver = strings.ToLower(strings.TrimSpace(sc.Driver))
	switch sc.Driver {
	case "", "none":
		return sc, 0, nil
	case "file", "sqlite", "sqlite3":
	default:
		return sc, 0, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	if strings.TrimSpace(sc.Path) == "" {
		return sc, 0, fmt.Errorf("storage.path is required for driver %q", sc.Driver)
	}
	busy, err = ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	return sc, busy, err
}

// ServerAddress normalizes a client server argument: an empty value means
// DefaultServerHost, and a bare host gets DefaultServerPort.
func ServerAddress(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return net.JoinHostPort(DefaultServerHost, DefaultServerPort)
	}
	if _, _, err := net.SplitHostPort(s); err == nil {
		return s
	}
	return net.JoinHostPort(strings.Trim(s, "[]"), DefaultServerPort)
}
