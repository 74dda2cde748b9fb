// Package testing holds helpers shared by the test suites of this module.
package testing

import (
	"os"
	"testing"
)

const (
	envUnitOnly        = "OMNIPIPE_UNIT_TESTS_ONLY"
	envRunIntegration  = "OMNIPIPE_RUN_INTEGRATION_TESTS"
	envNATSURL         = "OMNIPIPE_TEST_NATS_URL"
	defaultTestNATSURL = "nats://127.0.0.1:4222"
)

// Unit reports whether tests needing a live server are disabled, which is
// the default.
func Unit() bool {
	if os.Getenv(envUnitOnly) == "true" {
		return true
	}
	return os.Getenv(envRunIntegration) != "true"
}

// Integration returns true if running in integration test mode.
func Integration() bool {
	return !Unit()
}

// SkipIfUnit skips tests that need live servers.
func SkipIfUnit(t testing.TB, message ...string) {
	t.Helper()
	if Unit() {
		msg := "Skipping integration test in unit mode"
		if len(message) > 0 {
			msg = message[0]
		}
		t.Skip(msg)
	}
}

// NATSURL returns the server used by NATS integration tests.
func NATSURL() string {
	if url := os.Getenv(envNATSURL); url != "" {
		return url
	}
	return defaultTestNATSURL
}
