// Package logx configures pingbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - JSON output for log shippers and the optional log file
//   - an optional operator alert sink (min level + rate limit)
package logx
