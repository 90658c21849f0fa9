package app

import (
	"net"
	"strings"
	"time"

	"plantmon/internal/client"
	"plantmon/internal/runtime/supervisor"
	"plantmon/internal/server"
)

// Status is the document served at /debug/status.
type Status struct {
	Role          Role                `json:"role"`
	Uptime        string              `json:"uptime"`
	Supervisor    supervisor.Snapshot `json:"supervisor"`
	Debug         supervisor.Snapshot `json:"debug"`
	EventsDropped uint64              `json:"events_dropped,omitempty"`
	Server        *server.Status      `json:"server,omitempty"`
	Client        *client.Status      `json:"client,omitempty"`
}

func (a *App) Status() Status {
	a.mu.Lock()
	sup, started := a.sup, a.startedAt
	a.mu.Unlock()

	st := Status{Role: a.opts.Role, Supervisor: sup.Snapshot()}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Truncate(time.Second).String()
	}
	if a.debug != nil {
		st.Debug = a.debug.Supervisor().Snapshot()
	}
	if a.bus != nil {
		st.EventsDropped = a.bus.Dropped()
	}
	if a.srv != nil {
		s := a.srv.Status()
		st.Server = &s
	}
	if a.cli != nil {
		c := a.cli.Status()
		st.Client = &c
	}
	return st
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
