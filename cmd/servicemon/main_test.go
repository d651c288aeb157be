package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// The commands share package-level flag state, so these tests run serially.

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile = ""
		serveFlags.listenAddress, serveFlags.logLevel, serveFlags.service = "", "", ""
		serveFlags.dryRun = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func Test_Families(t *testing.T) {
	// SETUP
	path := filepath.Join(t.TempDir(), "servicemon.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("metrics:\n  latency_buckets: [0.1, 1]\n"), 0o600))

	// EXERCISE
	out, err := execute(t, "families", "--config", path)

	// VERIFY
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(out, "# TYPE http_requests_total counter\n"))
	assert.Assert(t, is.Contains(out, "# HELP http_server_request_duration_seconds Request duration seconds\n"))
	assert.Assert(t, is.Contains(out, "# labels [service method status]\n"))
	assert.Assert(t, is.Contains(out, "# buckets [0.1 1]\n"))
}

func Test_Serve_DryRun(t *testing.T) {
	out, err := execute(t, "serve", "--dry-run", "--service", "order-api", "--listen", ":4000")

	assert.NilError(t, err)
	assert.Equal(t, out, "configuration valid\n")
}

func Test_Serve_DryRunRejectsInvalidOverride(t *testing.T) {
	_, err := execute(t, "serve", "--dry-run", "--log-level", "loud")

	assert.ErrorContains(t, err, "configuration validation failed")
}
