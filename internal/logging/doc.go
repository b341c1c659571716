// Package logging builds the Zap loggers used across the engine.
//
// Two sinks are supported: a console sink for the operator and an optional
// per-run log file under the configured log directory. Services receive a
// *zap.Logger through their constructors and must tolerate a nop logger.
package logging
