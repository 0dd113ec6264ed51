// Package tokenprov locates a usable PKCS#11 provider module and
// holds the service token configuration.
//
// The locator walks a priority-ordered candidate list of module
// paths, vendor-specific libraries before generic ones, probes each
// existing file for a working function table, and caches the first
// success for the process lifetime. When no candidate loads, callers
// degrade to the diagnostic fallback rather than failing requests.
package tokenprov
