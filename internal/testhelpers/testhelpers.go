// Package testhelpers provides helpers for testing.
package testhelpers

import (
	"testing"
	"time"
)

const timeout = 5 * time.Second

// WaitFor polls cond until it holds, failing the test after timeout.
func WaitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
