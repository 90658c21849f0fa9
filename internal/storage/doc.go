// Package storage persists the server's session audit trail and the client's
// sample archive.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// Storage is optional; Open returns (nil, nil) when it is disabled and callers
// treat a nil Store as "do not persist".
package storage
