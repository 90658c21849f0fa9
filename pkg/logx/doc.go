// Package logx configures plantmon's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - Noisy per-message warnings bounded (Limited + x/time/rate)
package logx
