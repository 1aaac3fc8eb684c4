// Package logx is dotpush's structured logging on zerolog.
//
// Console output is human readable and uncolored outside a terminal. The
// optional file sink writes JSON lines. Service.Apply swaps level and sinks
// at runtime; loggers derived with With keep following it.
package logx
