// Package logx is joinbot's structured logging layer.
//
// It wraps zerolog behind a small value type (Logger) so components can carry
// fixed fields (comp=dispatcher, account=...) and swap sinks at runtime:
//   - console output for operators (short timestamp + file:line caller)
//   - JSON lines to a file
//   - an optional Telegram group sink, min-level filtered and rate limited
package logx
