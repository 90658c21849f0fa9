// Package client implements the monitoring client: one mutual-TLS subscriber
// session feeding a bounded history that is exposed over a small HTTP API.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"plantmon/internal/runtime/supervisor"
	"plantmon/internal/storage"
	"plantmon/internal/tlsconf"
	logx "plantmon/pkg/logx"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Server       string // host:port
	DialTimeout  time.Duration
	PollInterval time.Duration
	HistorySize  int

	HTTPHost     string
	HTTPPort     int
	PortAttempts int
	PublicDir    string
	IOTimeout    time.Duration

	TLS      *tls.Config
	Store    storage.Store // optional archive
	Log      logx.Logger
	Announce io.Writer // receives the operator-facing listen line
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 50
	}
	if o.PortAttempts <= 0 {
		o.PortAttempts = 100
	}
	if o.PublicDir == "" {
		o.PublicDir = "./web/public"
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Announce == nil {
		o.Announce = io.Discard
	}
}

type Client struct {
	opts Options
	log  logx.Logger
	hist *History

	mu       sync.Mutex
	conn     *tls.Conn
	ingest   *Ingest
	expo     *Exposition
	httpPort int
	peer     tlsconf.Identity
	ingestS  *supervisor.Supervisor
	httpS    *supervisor.Supervisor
	started  bool
	stopped  bool

	doneOnce sync.Once
	done     chan struct{}
}

func New(opts Options) (*Client, error) {
	if opts.TLS == nil {
		return nil, errors.New("client: TLS config is required")
	}
	if opts.Server == "" {
		return nil, errors.New("client: server address is required")
	}
	opts.applyDefaults()
	return &Client{
		opts: opts,
		log:  opts.Log.With(logx.String("comp", "client")),
		hist: NewHistory(opts.HistorySize),
		done: make(chan struct{}),
	}, nil
}

func (c *Client) History() *History { return c.hist }

// HTTPPort returns the bound exposition port (0 before Start).
func (c *Client) HTTPPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpPort
}

// Done is closed when the ingest session or the exposition loop ends on its
// own; the process should then shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the errors that ended the ingest session or the exposition
// loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	ingestS, httpS := c.ingestS, c.httpS
	c.mu.Unlock()
	if ingestS == nil {
		return nil
	}
	return errors.Join(ingestS.Err(), httpS.Err())
}

func (c *Client) signalDone() { c.doneOnce.Do(func() { close(c.done) }) }

// Start seeds the history from the archive, connects to the server, binds
// the exposition port and launches the ingest and exposition loops. Any
// failure here is fatal for the process.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client: already started")
	}
	c.seedHistory(ctx)

	d := tls.Dialer{NetDialer: &net.Dialer{Timeout: c.opts.DialTimeout}, Config: c.opts.TLS}
	raw, err := d.DialContext(ctx, "tcp", c.opts.Server)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.opts.Server, err)
	}
	conn := raw.(*tls.Conn)
	c.peer = tlsconf.PeerIdentity(conn.ConnectionState())
	c.log.Info("connected",
		logx.String("server", c.opts.Server),
		logx.String("subject", c.peer.Subject),
		logx.String("tls", c.peer.Version),
		logx.String("cipher", c.peer.CipherSuite),
	)

	ln, port, err := ListenFirstFree(ctx, c.opts.HTTPHost, c.opts.HTTPPort, c.opts.PortAttempts)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if c.opts.HTTPPort != 0 && port != c.opts.HTTPPort {
		c.log.Warn("default HTTP port busy", logx.Int("wanted", c.opts.HTTPPort), logx.Int("port", port))
	}
	c.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	fmt.Fprintf(c.opts.Announce, "HTTP server listening on http://localhost:%d\n", port)

	c.conn = conn
	c.httpPort = port
	c.ingest = NewIngest(conn, c.hist, c.opts.Store, c.opts.PollInterval, c.log.With(logx.String("sub", "ingest")))
	c.expo = NewExposition(ln, c.hist, c.opts.PublicDir, c.opts.IOTimeout, c.log.With(logx.String("sub", "http")))

	base := context.WithoutCancel(ctx)
	c.ingestS = supervisor.New(base, supervisor.WithLogger(c.log))
	c.httpS = supervisor.New(base, supervisor.WithLogger(c.log))
	c.ingestS.Go("ingest", func(ctx context.Context) error {
		defer c.signalDone()
		err := c.ingest.Run(ctx)
		if err != nil {
			c.log.Warn("ingest stopped", logx.Err(err))
		}
		return err
	})
	c.httpS.Go("http", func(ctx context.Context) error {
		defer c.signalDone()
		return c.expo.Serve(ctx)
	})
	c.started = true
	return nil
}

func (c *Client) seedHistory(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	samples, err := c.opts.Store.RecentSamples(sctx, c.hist.Cap())
	if err != nil {
		c.log.Warn("history seed failed", logx.Err(err))
		return
	}
	for _, s := range samples {
		c.hist.Append(s)
	}
	if len(samples) > 0 {
		c.log.Info("history seeded from archive", logx.Int("samples", len(samples)))
	}
}

// Stop shuts down in order: ingest loop (joined), TLS session, exposition
// listener and its loop (joined).
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conn, ingestS, httpS := c.conn, c.ingestS, c.httpS
	c.mu.Unlock()

	start := time.Now()
	var errs []error
	// Session errors are reported by Err; only a join timeout fails Stop.
	if err := ingestS.Stop(ctx); err != nil && ctx.Err() != nil {
		errs = append(errs, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("tls close", logx.Err(err))
	}
	if err := httpS.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	c.signalDone()

	received, malformed := c.ingest.Counts()
	c.log.Info("client stopped",
		logx.Duration("took", time.Since(start)),
		logx.Uint64("received", received),
		logx.Uint64("malformed", malformed),
	)
	return errors.Join(errs...)
}

// Status is a point-in-time view used by the debug endpoint.
type Status struct {
	Server        string              `json:"server"`
	ServerSubject string              `json:"server_subject"`
	HTTPPort      int                 `json:"http_port"`
	HistoryLen    int                 `json:"history_len"`
	HistoryCap    int                 `json:"history_cap"`
	Received      uint64              `json:"received"`
	Malformed     uint64              `json:"malformed"`
	Requests      uint64              `json:"requests"`
	Ingest        supervisor.Snapshot `json:"ingest"`
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Server:        c.opts.Server,
		ServerSubject: c.peer.Subject,
		HTTPPort:      c.httpPort,
		HistoryLen:    c.hist.Len(),
		HistoryCap:    c.hist.Cap(),
	}
	if c.ingest != nil {
		st.Received, st.Malformed = c.ingest.Counts()
		st.Requests = c.expo.Served()
		st.Ingest = c.ingestS.Snapshot()
	}
	return st
}
