// Package testlog routes test logging through the test profile.
package testlog

import (
	"testing"

	logs "github.com/danmuck/micad/internal/logging"
)

// Start configures test logging and brackets the test in the log stream.
func Start(t *testing.T) {
	t.Helper()
	logs.ConfigureTests()
	logs.Infof("test=%s start", t.Name())
	t.Cleanup(func() {
		logs.Infof("test=%s done failed=%t", t.Name(), t.Failed())
	})
}
