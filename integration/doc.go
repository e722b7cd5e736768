//go:build integration

// Package integration provides integration tests for shellcache.
//
// These tests require Docker and serve the application from a real nginx
// origin using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
