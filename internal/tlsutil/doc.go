// Package tlsutil builds the hardened HTTP clients used for page fetches,
// search APIs and model calls: TLS 1.2 or newer with AEAD cipher suites only,
// and an optional browser User-Agent.
package tlsutil
