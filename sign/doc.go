// Package sign produces hardware-backed signatures over
// caller-supplied payloads.
//
// The payload is serialized to canonical JSON, digested with SHA-256,
// and the digest is submitted to the token for signing under the
// role's mechanism. Two roles are supported per request: a mandatory
// taxpayer signature, and an optional intermediary signature when the
// submission type requires it. Each role runs an independent sign
// cycle with its own artifacts and validation.
//
// Digests and raw signatures pass through short-lived files in the
// artifact directory, every artifact is removed before the request
// completes, on success and on every failure path.
package sign
