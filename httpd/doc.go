// Package httpd exposes token signing over a local HTTP API.
//
// The transport layer is deliberately thin: it parses JSON, threads
// the request context and per-request timeout into the core, and maps
// typed token failures onto HTTP statuses. Raw provider errors are
// logged, never returned to callers.
package httpd
