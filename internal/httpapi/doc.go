// ABOUTME: Package documentation for the HTTP API
// ABOUTME: JSON endpoints over the ceremony engine and session issuer

// Package httpapi exposes the passkey ceremonies and session endpoints
// as a JSON API. Handlers decode requests, call the core packages, and
// map error kinds onto HTTP statuses; they contain no ceremony logic.
package httpapi
