// Package app wires one plantmon process (server or client) from config:
// logging, storage, the role component, the debug endpoint and hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"plantmon/internal/client"
	"plantmon/internal/config"
	"plantmon/internal/eventbus"
	"plantmon/internal/observability/debug"
	"plantmon/internal/runtime/supervisor"
	"plantmon/internal/server"
	"plantmon/internal/storage"
	"plantmon/internal/tlsconf"
	logx "plantmon/pkg/logx"
)

type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

type Options struct {
	Role       Role
	ConfigPath string
	// ConfigOptional lets a missing config file fall back to defaults.
	ConfigOptional bool
	// ServerAddr overrides client.server (client only).
	ServerAddr string
	// Announce receives operator-facing lines; defaults to stdout.
	Announce io.Writer
}

type App struct {
	opts Options

	cfgm  *config.Manager
	logs  *logx.Service
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	debug *debug.Service

	srv *server.Server
	cli *client.Client

	mu         sync.Mutex
	sup        *supervisor.Supervisor
	sessionErr error
	startedAt  time.Time
	stopped    bool
}

func New(opts Options) (*App, error) {
	if opts.Role != RoleServer && opts.Role != RoleClient {
		return nil, fmt.Errorf("app: unknown role %q", opts.Role)
	}
	if opts.Announce == nil {
		opts.Announce = os.Stdout
	}

	cfgm := config.NewManager(opts.ConfigPath)
	loaded, err := cfgm.Load(opts.ConfigOptional)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &App{opts: opts, cfgm: cfgm}
	cfg := a.overlay(loaded)

	a.logs, a.log = logx.New(logConfig(cfg))
	a.log = a.log.With(logx.String("role", string(opts.Role)))
	if p := cfgm.Path(); p != "" {
		a.log.Info("config loaded", logx.String("path", p))
	}

	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	switch opts.Role {
	case RoleServer:
		err = a.buildServer(cfg)
	case RoleClient:
		err = a.buildClient(cfg)
	}
	if err != nil {
		_ = a.closeStore()
		_ = a.logs.Close()
		return nil, err
	}
	a.debug = debug.New(debugConfig(cfg), func() any { return a.Status() }, a.log.With(logx.String("comp", "debug")))
	return a, nil
}

func (a *App) buildServer(cfg *config.Config) error {
	tc, err := tlsconf.ServerConfig(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	a.bus = eventbus.New()
	a.srv, err = server.New(serverOptions(cfg, tc, a.bus, a.store, a.log))
	return err
}

func (a *App) buildClient(cfg *config.Config) error {
	tc, err := tlsconf.ClientConfig(cfg.Client.TLS, cfg.Client.Server)
	if err != nil {
		return fmt.Errorf("client tls: %w", err)
	}
	a.cli, err = client.New(clientOptions(cfg, tc, a.store, a.opts.Announce, a.log))
	return err
}

// overlay applies command-line overrides to a loaded config. The manager's
// copy is left untouched.
func (a *App) overlay(cfg *config.Config) *config.Config {
	if cfg == nil || a.opts.Role != RoleClient || strings.TrimSpace(a.opts.ServerAddr) == "" {
		return cfg
	}
	c := *cfg
	c.Client.Server = config.ServerAddress(a.opts.ServerAddr)
	return &c
}

// Done is closed when the app context ends: caller cancellation, a fatal
// error, or (client) the server session ending.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed, if any.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// SessionErr returns the runtime error that ended the client session, if
// any. A clean close by the server leaves it nil.
func (a *App) SessionErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionErr
}

// Start brings the role component up, then the debug endpoint and the
// config watcher. A component start failure is returned.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()
	sup := a.sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	switch {
	case a.srv != nil:
		if err := a.srv.Start(sup.Context()); err != nil {
			return err
		}
		a.watchEvents(sup)
	case a.cli != nil:
		if err := a.cli.Start(sup.Context()); err != nil {
			return err
		}
		sup.Go("client.session", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case <-a.cli.Done():
			}
			// A session lost after startup ends the process cleanly; it is
			// not a fatal error.
			if err := a.cli.Err(); err != nil && !errors.Is(err, client.ErrServerClosed) {
				a.mu.Lock()
				a.sessionErr = err
				a.mu.Unlock()
				a.log.Warn("session lost", logx.Err(err))
			} else {
				a.log.Info("server closed the session")
			}
			sup.Cancel()
			return nil
		})
	}

	if err := a.debug.Start(sup.Context()); err != nil {
		a.log.Warn("debug endpoint disabled", logx.Err(err))
	}

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	sup.Go("config.watch", a.cfgm.Watch)

	notify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// watchEvents logs bus traffic at debug level.
func (a *App) watchEvents(sup *supervisor.Supervisor) {
	events, unsub := a.bus.Subscribe(128)
	log := a.log.With(logx.String("comp", "events"))
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// Stop tears the process down in order: role component, debug endpoint,
// supervised loops, storage, logging. Each step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup, stopped := a.sup, a.stopped
	a.stopped = true
	a.mu.Unlock()
	if stopped {
		return nil
	}
	if sup == nil {
		_ = a.closeStore()
		_ = a.logs.Close()
		return nil
	}
	notify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	if a.srv != nil {
		step("server", 10*time.Second, a.srv.Stop)
	}
	if a.cli != nil {
		step("client", 5*time.Second, a.cli.Stop)
	}
	step("debug", 2*time.Second, a.debug.Stop)
	step("supervisor", 2*time.Second, sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}
