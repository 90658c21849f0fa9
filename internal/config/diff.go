package config

import (
	"reflect"
	"strings"

	logx "plantmon/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (debug token, key paths) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.listen", newCfg.Server.Listen),
			logx.Int("server.max_clients", newCfg.Server.MaxClients),
			logx.String("server.tick_interval", newCfg.Server.TickInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Client, newCfg.Client) {
		changed = append(changed, "client")
		attrs = append(attrs,
			logx.String("client.server", newCfg.Client.Server),
			logx.Int("client.http.port", newCfg.Client.HTTP.Port),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", strings.ToLower(newCfg.Storage.Driver)))
		} else {
			attrs = append(attrs, logx.String("storage.driver", "none"))
		}
	}
	if oldCfg.Debug.Enabled != newCfg.Debug.Enabled ||
		strings.TrimSpace(oldCfg.Debug.Addr) != strings.TrimSpace(newCfg.Debug.Addr) ||
		oldCfg.Debug.AllowInsecure != newCfg.Debug.AllowInsecure ||
		oldCfg.Debug.Token != newCfg.Debug.Token {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect after a
// process restart (listeners, TLS material, history size).
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Server.Listen != newCfg.Server.Listen || oldCfg.Server.MaxClients != newCfg.Server.MaxClients {
		out = append(out, "server.listen/max_clients")
	}
	if oldCfg.Server.TLS != newCfg.Server.TLS || oldCfg.Client.TLS != newCfg.Client.TLS {
		out = append(out, "tls")
	}
	if oldCfg.Client.Server != newCfg.Client.Server || oldCfg.Client.HTTP != newCfg.Client.HTTP ||
		oldCfg.Client.HistorySize != newCfg.Client.HistorySize {
		out = append(out, "client")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}
