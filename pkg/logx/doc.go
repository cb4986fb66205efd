// Package logx configures tidewatch's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The Service owns the sinks and can swap levels/outputs at runtime via
// Apply(); loggers handed out by the Service stay live across reconfiguration.
package logx
