// Package logx provides a small structured logging facade over zerolog
// with live-reconfigurable sinks (console, file).
//
// Loggers obtained from a Service stay valid across Apply() calls.
package logx
