package config

// Config is shared by plantmon-server and plantmon-client; each process reads
// the sections it needs and ignores the other side.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
type Config struct {
	Server  ServerConfig   `json:"server"`
	Client  ClientConfig   `json:"client"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
}

// ServerConfig controls the broadcast server.
//
// Defaults (when fields are omitted/zero):
//   - listen: ":8443"
//   - max_clients: 10
//   - tick_interval: "2s" (whole seconds; the generator runs on a cron schedule)
//   - handshake_timeout: "10s"
//   - write_timeout: "2s"
//   - poll_interval: "500ms"
//   - drain_timeout: "5s"
type ServerConfig struct {
	Listen           string    `json:"listen"`
	MaxClients       int       `json:"max_clients"`
	TickInterval     string    `json:"tick_interval"`
	HandshakeTimeout string    `json:"handshake_timeout,omitempty"`
	WriteTimeout     string    `json:"write_timeout,omitempty"`
	PollInterval     string    `json:"poll_interval,omitempty"`
	DrainTimeout     string    `json:"drain_timeout,omitempty"`
	Seed             int64     `json:"seed,omitempty"` // 0 = time-based
	TLS              TLSConfig `json:"tls"`
}

// ClientConfig controls the monitoring client.
type ClientConfig struct {
	// Server is host or host:port of the broadcast server (default "127.0.0.1:8443").
	Server       string           `json:"server"`
	DialTimeout  string           `json:"dial_timeout,omitempty"`
	PollInterval string           `json:"poll_interval,omitempty"`
	HistorySize  int              `json:"history_size,omitempty"`
	HTTP         ClientHTTPConfig `json:"http"`
	TLS          TLSConfig        `json:"tls"`
}

// ClientHTTPConfig controls the local exposition listener.
//
// Defaults: host "" (all interfaces), port 8080, port_attempts 100,
// public_dir "./web/public", io_timeout "5s".
type ClientHTTPConfig struct {
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port"`
	PortAttempts int    `json:"port_attempts,omitempty"`
	PublicDir    string `json:"public_dir,omitempty"`
	IOTimeout    string `json:"io_timeout,omitempty"`
}

// TLSConfig names the trust material for one side of the mutual-TLS session.
type TLSConfig struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
	CA   string `json:"ca"`
	// ServerName overrides the name verified against the server certificate
	// (client only). Empty means the host part of client.server.
	ServerName string `json:"server_name,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/plantmon.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the optional debug HTTP server (health, status, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
