// Package logx is a thin structured-logging layer over zerolog.
//
// It exposes a small Logger with functional Fields and a Service that owns the
// root sinks (console and/or file) and can swap them at runtime when the
// configuration is reloaded. Loggers created from a Service stay "live" across
// Apply() calls; the zero Logger is a safe no-op.
package logx
